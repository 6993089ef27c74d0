package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/TobiSchelling/ChatAudit/internal/apperr"
)

// Options tune the connection pool. Zero values pick defaults.
type Options struct {
	MaxOpenConns   int
	AcquireTimeout time.Duration
}

// DB wraps a SQLite database connection pool.
type DB struct {
	conn           *sql.DB
	path           string
	acquireTimeout time.Duration
}

var _ Store = (*DB)(nil)

// Open creates or opens a SQLite database at the given path with default options.
func Open(dbPath string) (*DB, error) {
	return OpenWithOptions(dbPath, Options{})
}

// OpenWithOptions creates or opens a SQLite database at the given path.
func OpenWithOptions(dbPath string, opts Options) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(10000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")

	conn, err := sql.Open("sqlite", "file:"+dbPath+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxOpen)

	acquireTimeout := opts.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath, acquireTimeout: acquireTimeout}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// acquire takes a pooled connection, waiting at most acquireTimeout, and runs fn
// on it. Errors from fn that are not already classified become persistence errors.
func (db *DB) acquire(ctx context.Context, op string, fn func(conn *sql.Conn) error) error {
	actx, cancel := context.WithTimeout(ctx, db.acquireTimeout)
	conn, err := db.conn.Conn(actx)
	cancel()
	if err != nil {
		return apperr.Persistence(op, fmt.Errorf("acquiring connection: %w", err))
	}
	defer conn.Close()

	if err := fn(conn); err != nil {
		var classified *apperr.Error
		if errors.As(err, &classified) {
			return err
		}
		return apperr.Persistence(op, err)
	}
	return nil
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func nullableMicros(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(*t), Valid: true}
}

func fromNullableMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}
