// Package memory is an in-process reference store. It backs tests and
// STORE_DRIVER=memory deployments where losing the dataset on restart is fine.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JonMunkholm/serialcheck/internal/core"
)

type dataset struct {
	ranges    []core.RangeEntry
	blacklist map[string]struct{}
}

// Store implements core.Store.
type Store struct {
	mu     sync.RWMutex
	data   dataset
	audit  []core.AuditRecord
	nextID int64

	// importMu is held for the lifetime of an import transaction.
	importMu sync.Mutex
}

var _ core.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		data:   dataset{blacklist: map[string]struct{}{}},
		nextID: 1,
	}
}

// BeginImport waits for any running import, then stages a new dataset.
func (s *Store) BeginImport(ctx context.Context) (core.ImportTx, error) {
	locked := make(chan struct{})
	go func() {
		s.importMu.Lock()
		close(locked)
	}()

	select {
	case <-locked:
	case <-ctx.Done():
		// Release the lock once the goroutine gets it.
		go func() {
			<-locked
			s.importMu.Unlock()
		}()
		return nil, ctx.Err()
	}

	s.mu.RLock()
	staged := dataset{
		ranges:    append([]core.RangeEntry(nil), s.data.ranges...),
		blacklist: make(map[string]struct{}, len(s.data.blacklist)),
	}
	for code := range s.data.blacklist {
		staged.blacklist[code] = struct{}{}
	}
	s.mu.RUnlock()

	return &importTx{store: s, staged: staged}, nil
}

func (s *Store) IsBlacklisted(ctx context.Context, code string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data.blacklist[code]
	return ok, nil
}

func (s *Store) CountRangesContaining(ctx context.Context, code string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.data.ranges {
		if r.StartCode <= code && code <= r.EndCode {
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertAudit(ctx context.Context, rec core.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.nextID
	s.nextID++
	s.audit = append(s.audit, rec)
	return nil
}

// RecentAudit returns records newest first by ReceivedAt, then by ID.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]core.AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := append([]core.AuditRecord(nil), s.audit...)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AuditCounts(ctx context.Context) (core.StatusCounts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := core.StatusCounts{}
	for _, rec := range s.audit {
		counts[rec.Status]++
	}
	return counts, nil
}

func (s *Store) Stats(ctx context.Context) (core.DatasetStats, error) {
	if err := ctx.Err(); err != nil {
		return core.DatasetStats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return core.DatasetStats{
		Ranges:    int64(len(s.data.ranges)),
		Blacklist: int64(len(s.data.blacklist)),
	}, nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

type importTx struct {
	store  *Store
	staged dataset
	done   bool
}

func (tx *importTx) Clear(ctx context.Context) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	tx.staged = dataset{blacklist: map[string]struct{}{}}
	return nil
}

func (tx *importTx) InsertRange(ctx context.Context, e core.RangeEntry) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	if e.StartCode > e.EndCode {
		return core.Rejected("insert range", fmt.Errorf("start %s after end %s", e.StartCode, e.EndCode))
	}
	tx.staged.ranges = append(tx.staged.ranges, e)
	return nil
}

func (tx *importTx) InsertBlacklist(ctx context.Context, e core.BlacklistEntry) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	if _, dup := tx.staged.blacklist[e.Code]; dup {
		return core.Rejected("insert blacklist", fmt.Errorf("duplicate key %s", e.Code))
	}
	tx.staged.blacklist[e.Code] = struct{}{}
	return nil
}

func (tx *importTx) Commit(ctx context.Context) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	tx.store.mu.Lock()
	tx.store.data = tx.staged
	tx.store.mu.Unlock()

	tx.finish()
	return nil
}

func (tx *importTx) Rollback(context.Context) error {
	if !tx.done {
		tx.finish()
	}
	return nil
}

func (tx *importTx) check(ctx context.Context) error {
	if tx.done {
		return fmt.Errorf("import transaction already closed")
	}
	return ctx.Err()
}

func (tx *importTx) finish() {
	tx.done = true
	tx.store.importMu.Unlock()
}
