package core

import (
	"context"
	"time"

	"github.com/JonMunkholm/serialcheck/internal/logging"
	"github.com/JonMunkholm/serialcheck/internal/metrics"
)

// AuditRecorder appends validation attempts to the audit log.
//
// Recording is best effort. A failed write is logged and counted but never
// surfaces to the caller, so the verdict reaches the user regardless.
type AuditRecorder struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

// NewAuditRecorder creates a recorder writing to store. Each write gets its
// own timeout, independent of the caller's context deadline.
func NewAuditRecorder(store Store, timeout time.Duration) *AuditRecorder {
	if timeout <= 0 {
		timeout = DefaultAuditTimeout
	}
	return &AuditRecorder{
		store:   store,
		timeout: timeout,
		now:     time.Now,
	}
}

// Record writes rec. ReceivedAt defaults to the current time.
//
// The write is detached from ctx cancellation: a client hanging up after the
// verdict was computed must not lose the audit row.
func (a *AuditRecorder) Record(ctx context.Context, rec AuditRecord) {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = a.now()
	}
	rec.ReceivedAt = rec.ReceivedAt.UTC()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	if err := a.store.InsertAudit(writeCtx, rec); err != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		logging.FromContext(ctx).Error("audit write failed",
			"error", err,
			"sender", rec.Sender,
			"status", rec.Status,
		)
	}
}
