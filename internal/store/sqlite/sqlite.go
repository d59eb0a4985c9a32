// Package sqlite implements the reference store on a single SQLite file.
//
// The database runs in WAL mode so lookups proceed while an import holds the
// write lock. Import transactions begin IMMEDIATE, which makes a second
// importer (in this or another process) wait on busy_timeout instead of
// failing halfway through.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JonMunkholm/serialcheck/internal/core"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"
)

const (
	sqliteBusyCode       = 5
	sqliteConstraintCode = 19

	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// timeLayout sorts lexicographically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const dateLayout = "2006-01-02"

// Store implements core.Store.
type Store struct {
	db   *sql.DB
	path string
}

var _ core.Store = (*Store)(nil)

// Open opens (creating if needed) the database file at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: empty database path")
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// dsn applies the pragmas to every pooled connection.
func dsn(path string) string {
	path = strings.TrimPrefix(path, "sqlite://")
	path = strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) BeginImport(ctx context.Context) (core.ImportTx, error) {
	var tx *sql.Tx
	err := retryOnBusy(ctx, func() error {
		var err error
		tx, err = s.db.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return nil, core.Unavailable("begin import", err)
	}
	return &importTx{tx: tx}, nil
}

func (s *Store) IsBlacklisted(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM blacklist WHERE code = ?)", code,
	).Scan(&exists)
	if err != nil {
		return false, core.Unavailable("blacklist lookup", err)
	}
	return exists, nil
}

func (s *Store) CountRangesContaining(ctx context.Context, code string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM ranges WHERE start_code <= ?1 AND end_code >= ?1", code,
	).Scan(&n)
	if err != nil {
		return 0, core.Unavailable("range lookup", err)
	}
	return n, nil
}

func (s *Store) InsertAudit(ctx context.Context, rec core.AuditRecord) error {
	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO audit_log (sender, raw_message, response_text, status, received_at)
			 VALUES (?, ?, ?, ?, ?)`,
			rec.Sender, rec.RawMessage, rec.ResponseText, string(rec.Status),
			rec.ReceivedAt.UTC().Format(timeLayout),
		)
		return err
	})
	if err != nil {
		return classify("insert audit", err)
	}
	return nil
}

func (s *Store) RecentAudit(ctx context.Context, limit int) ([]core.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender, raw_message, response_text, status, received_at
		 FROM audit_log
		 ORDER BY received_at DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, core.Unavailable("recent audit", err)
	}
	defer rows.Close()

	var records []core.AuditRecord
	for rows.Next() {
		var (
			rec        core.AuditRecord
			status     string
			receivedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Sender, &rec.RawMessage, &rec.ResponseText, &status, &receivedAt); err != nil {
			return nil, core.Unavailable("recent audit", err)
		}
		rec.Status = core.Status(status)
		rec.ReceivedAt, err = time.Parse(timeLayout, receivedAt)
		if err != nil {
			return nil, fmt.Errorf("parse received_at %q: %w", receivedAt, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Unavailable("recent audit", err)
	}
	return records, nil
}

func (s *Store) AuditCounts(ctx context.Context) (core.StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, count(*) FROM audit_log GROUP BY status")
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
	err := s.db.QueryRowContext(ctx,
		"SELECT (SELECT count(*) FROM ranges), (SELECT count(*) FROM blacklist)",
	).Scan(&st.Ranges, &st.Blacklist)
	if err != nil {
		return core.DatasetStats{}, core.Unavailable("dataset stats", err)
	}
	return st, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return core.Unavailable("ping", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// importTx needs no savepoints: SQLite rolls back only the failing statement
// and the transaction stays usable.
type importTx struct {
	tx *sql.Tx
}

func (t *importTx) Clear(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM ranges"); err != nil {
		return core.Unavailable("clear ranges", err)
	}
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM blacklist"); err != nil {
		return core.Unavailable("clear blacklist", err)
	}
	return nil
}

func (t *importTx) InsertRange(ctx context.Context, e core.RangeEntry) error {
	var issued any
	if !e.IssuedOn.IsZero() {
		issued = e.IssuedOn.Format(dateLayout)
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO ranges (reference, description, start_code, end_code, issued_on)
		 VALUES (?, ?, ?, ?, ?)`,
		e.Reference, e.Description, e.StartCode, e.EndCode, issued,
	)
	if err != nil {
		return classify("insert range", err)
	}
	return nil
}

func (t *importTx) InsertBlacklist(ctx context.Context, e core.BlacklistEntry) error {
	if _, err := t.tx.ExecContext(ctx, "INSERT INTO blacklist (code) VALUES (?)", e.Code); err != nil {
		return classify("insert blacklist", err)
	}
	return nil
}

func (t *importTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return core.Unavailable("commit import", err)
	}
	return nil
}

func (t *importTx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return core.Unavailable("rollback import", err)
}

func sqliteCode(err error) (int, bool) {
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		return coder.Code(), true
	}
	return 0, false
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := sqliteCode(err); ok && code&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy reruns op while SQLite reports the database as locked.
func retryOnBusy(ctx context.Context, op func() error) error {
	backoff := retry.WithMaxRetries(busyRetryAttempts-1,
		retry.WithCappedDuration(busyRetryMaxBackoff, retry.NewExponential(busyRetryInitialBackoff)))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op()
		if err != nil && isSQLiteBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// classify separates constraint violations from failures of the database.
func classify(op string, err error) error {
	if code, ok := sqliteCode(err); ok && code&0xff == sqliteConstraintCode {
		return core.Rejected(op, err)
	}
	return core.Unavailable(op, err)
}
