package core

import "context"

// Store is the reference store: ranges, blacklist and audit log.
//
// Implementations must let lookups run concurrently with an import and must
// keep the previous dataset visible to lookups until the import commits.
// Errors caused by the backing database being unreachable wrap
// ErrStoreUnavailable.
type Store interface {
	// BeginImport opens an exclusive import transaction. Only one may be open
	// at a time across every process sharing the store.
	BeginImport(ctx context.Context) (ImportTx, error)

	IsBlacklisted(ctx context.Context, code string) (bool, error)

	// CountRangesContaining counts ranges with start <= code <= end.
	CountRangesContaining(ctx context.Context, code string) (int, error)

	InsertAudit(ctx context.Context, rec AuditRecord) error
	RecentAudit(ctx context.Context, limit int) ([]AuditRecord, error)
	AuditCounts(ctx context.Context) (StatusCounts, error)

	Stats(ctx context.Context) (DatasetStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// ImportTx is an in-flight dataset replacement. Nothing it writes is visible
// to lookups before Commit.
//
// InsertRange and InsertBlacklist isolate each row: a constraint violation
// wraps ErrRowRejected and leaves the transaction usable.
type ImportTx interface {
	Clear(ctx context.Context) error
	InsertRange(ctx context.Context, e RangeEntry) error
	InsertBlacklist(ctx context.Context, e BlacklistEntry) error
	Commit(ctx context.Context) error
	// Rollback is safe to call after Commit; it is then a no-op.
	Rollback(ctx context.Context) error
}
