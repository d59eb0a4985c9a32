package core

import (
	"context"

	"github.com/JonMunkholm/serialcheck/internal/metrics"
)

// Audit history page sizes.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 500
)

// ClampHistoryLimit maps a requested page size into [1, MaxHistoryLimit],
// using DefaultHistoryLimit for non-positive values.
func ClampHistoryLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}

// RecentAudit returns up to limit audit records, newest first.
func (s *Service) RecentAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	records, err := s.store.RecentAudit(ctx, ClampHistoryLimit(limit))
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("recent_audit").Inc()
		return nil, Unavailable("recent audit", err)
	}
	if records == nil {
		records = []AuditRecord{}
	}
	return records, nil
}

// AuditCounts returns the number of audit records per status. Every known
// status is present in the result, zero if unseen.
func (s *Service) AuditCounts(ctx context.Context) (StatusCounts, error) {
	counts, err := s.store.AuditCounts(ctx)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("audit_counts").Inc()
		return nil, Unavailable("audit counts", err)
	}
	out := make(StatusCounts, len(Statuses))
	for _, st := range Statuses {
		out[st] = counts[st]
	}
	return out, nil
}
