// Package postgres implements the reference store on PostgreSQL.
//
// An import runs in a single transaction that first takes a transaction-level
// advisory lock, so imports from different processes never interleave. Every
// row insert is wrapped in a savepoint: PostgreSQL aborts the whole
// transaction on any error, and the savepoint lets a rejected row be rolled
// back on its own.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/serialcheck/internal/core"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// importLockKey identifies the advisory lock held by a running import.
const importLockKey int64 = 0x5e71a1

// Options configures the connection pool.
type Options struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store implements core.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ core.Store = (*Store)(nil)

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects a pool and verifies it with a ping.
func Open(ctx context.Context, opts Options) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = int32(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		poolConfig.MinConns = int32(opts.MinConns)
	}
	if opts.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(pool), nil
}

// Pool exposes the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) BeginImport(ctx context.Context) (core.ImportTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, core.Unavailable("begin import", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", importLockKey); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return nil, core.Unavailable("import lock", err)
	}
	return &importTx{tx: tx}, nil
}

func (s *Store) IsBlacklisted(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM blacklist WHERE code = $1)", code,
	).Scan(&exists)
	if err != nil {
		return false, core.Unavailable("blacklist lookup", err)
	}
	return exists, nil
}

func (s *Store) CountRangesContaining(ctx context.Context, code string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM ranges WHERE start_code <= $1 AND end_code >= $1", code,
	).Scan(&n)
	if err != nil {
		return 0, core.Unavailable("range lookup", err)
	}
	return n, nil
}

func (s *Store) InsertAudit(ctx context.Context, rec core.AuditRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (sender, raw_message, response_text, status, received_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.Sender, rec.RawMessage, rec.ResponseText, string(rec.Status), rec.ReceivedAt,
	)
	if err != nil {
		return classify("insert audit", err)
	}
	return nil
}

func (s *Store) RecentAudit(ctx context.Context, limit int) ([]core.AuditRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, sender, raw_message, response_text, status, received_at
		 FROM audit_log
		 ORDER BY received_at DESC, id DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, core.Unavailable("recent audit", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.AuditRecord, error) {
		var rec core.AuditRecord
		var status string
		err := row.Scan(&rec.ID, &rec.Sender, &rec.RawMessage, &rec.ResponseText, &status, &rec.ReceivedAt)
		rec.Status = core.Status(status)
		return rec, err
	})
	if err != nil {
		return nil, core.Unavailable("recent audit", err)
	}
	return records, nil
}

func (s *Store) AuditCounts(ctx context.Context) (core.StatusCounts, error) {
	rows, err := s.pool.Query(ctx, "SELECT status, count(*) FROM audit_log GROUP BY status")
	if err != nil {
		return nil, core.Unavailable("audit counts", err)
	}
	defer rows.Close()

	counts := core.StatusCounts{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, core.Unavailable("audit counts", err)
		}
		counts[core.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, core.Unavailable("audit counts", err)
	}
	return counts, nil
}

func (s *Store) Stats(ctx context.Context) (core.DatasetStats, error) {
	var st core.DatasetStats
	err := s.pool.QueryRow(ctx,
		"SELECT (SELECT count(*) FROM ranges), (SELECT count(*) FROM blacklist)",
	).Scan(&st.Ranges, &st.Blacklist)
	if err != nil {
		return core.DatasetStats{}, core.Unavailable("dataset stats", err)
	}
	return st, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return core.Unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type importTx struct {
	tx  pgx.Tx
	seq int
}

func (t *importTx) Clear(ctx context.Context) error {
	// DELETE rather than TRUNCATE: TRUNCATE takes an ACCESS EXCLUSIVE lock
	// and would block lookups until commit.
	if _, err := t.tx.Exec(ctx, "DELETE FROM ranges"); err != nil {
		return core.Unavailable("clear ranges", err)
	}
	if _, err := t.tx.Exec(ctx, "DELETE FROM blacklist"); err != nil {
		return core.Unavailable("clear blacklist", err)
	}
	return nil
}

func (t *importTx) InsertRange(ctx context.Context, e core.RangeEntry) error {
	issued := pgtype.Date{Time: e.IssuedOn, Valid: !e.IssuedOn.IsZero()}
	return t.insertRow(ctx, "insert range",
		`INSERT INTO ranges (reference, description, start_code, end_code, issued_on)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.Reference, e.Description, e.StartCode, e.EndCode, issued,
	)
}

func (t *importTx) InsertBlacklist(ctx context.Context, e core.BlacklistEntry) error {
	return t.insertRow(ctx, "insert blacklist",
		"INSERT INTO blacklist (code) VALUES ($1)", e.Code)
}

// insertRow runs one insert inside its own savepoint.
func (t *importTx) insertRow(ctx context.Context, op, sql string, args ...any) error {
	t.seq++
	savepoint := fmt.Sprintf("sp_%d", t.seq)

	if _, err := t.tx.Exec(ctx, "SAVEPOINT "+savepoint); err != nil {
		return core.Unavailable("create savepoint", err)
	}

	if _, err := t.tx.Exec(ctx, sql, args...); err != nil {
		if _, rbErr := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
			return core.Unavailable("rollback savepoint", rbErr)
		}
		return classify(op, err)
	}

	if _, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
		return core.Unavailable("release savepoint", err)
	}
	return nil
}

func (t *importTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return core.Unavailable("commit import", err)
	}
	return nil
}

func (t *importTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err == nil || errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return core.Unavailable("rollback import", err)
}

// classify separates row-level rejections (data exceptions and integrity
// violations) from failures of the database itself.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23":
			return core.Rejected(op, err)
		}
	}
	return core.Unavailable(op, err)
}
