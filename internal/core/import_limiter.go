package core

// import_limiter.go serializes dataset imports within one process.
//
// An import replaces the whole dataset, so two imports must never interleave.
// The limiter is a one-slot semaphore: a second import waits up to maxWait
// for the first to finish and then fails with ErrImportInProgress. Stores add
// their own cross-process lock on top of this.
//
// WaitForDrain lets shutdown wait for a running import to finish.

import (
	"context"
	"sync"
	"time"
)

// DefaultImportWaitTime is how long to wait for the import slot before rejecting.
const DefaultImportWaitTime = 30 * time.Second

// ImportLimiter allows at most one import at a time.
type ImportLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu     sync.RWMutex
	active int
}

// NewImportLimiter creates a limiter whose callers wait at most maxWait for the slot.
func NewImportLimiter(maxWait time.Duration) *ImportLimiter {
	if maxWait <= 0 {
		maxWait = DefaultImportWaitTime
	}
	return &ImportLimiter{
		semaphore: make(chan struct{}, 1),
		maxWait:   maxWait,
	}
}

// Acquire takes the import slot. The caller MUST call Release when done.
func (l *ImportLimiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil

	case <-waitCtx.Done():
		// Distinguish caller cancellation from our own wait timeout
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrImportInProgress
	}
}

// TryAcquire takes the slot without waiting.
func (l *ImportLimiter) TryAcquire() bool {
	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release frees the slot. Must be called exactly once per successful acquire.
func (l *ImportLimiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()

	<-l.semaphore
}

// Busy reports whether an import currently holds the slot.
func (l *ImportLimiter) Busy() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active > 0
}

// WaitForDrain blocks until no import is running or ctx ends.
func (l *ImportLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !l.Busy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
