// Package outbox is the durable FIFO of payloads that could not be published.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("outbox closed")

// Record is one pending outbound message.
type Record struct {
	ID        int64     `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS buffer (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	topic      TEXT    NOT NULL,
	payload    TEXT    NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Store persists records in a SQLite file. Writes are serialised through a
// single writer; reads may run concurrently on other pool connections.
type Store struct {
	pool    *sqlitex.Pool
	path    string
	logger  *slog.Logger
	now     func() time.Time
	writeMu sync.Mutex
	closed  atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for open/close messages.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock overrides time.Now for CreatedAt stamps.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Open creates or opens the outbox database at path.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("outbox: path is required")
	}
	s := &Store{path: path, logger: slog.New(slog.DiscardHandler), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    4,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: opening %s: %w", path, err)
	}
	s.pool = pool

	// Force schema creation now so a bad path fails at Open.
	conn, err := s.take(context.Background())
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool.Put(conn)

	s.logger.Info("outbox opened", "path", path)
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
			return fmt.Errorf("outbox: %s: %w", p, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("outbox: schema: %w", err)
	}
	return nil
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox: take: %w", err)
	}
	return conn, nil
}

// Enqueue appends a record and returns its id once the row is committed.
func (s *Store) Enqueue(ctx context.Context, topic string, payload []byte) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO buffer (topic, payload, created_at) VALUES (?, ?, ?)", &sqlitex.ExecOptions{
		Args: []any{topic, string(payload), s.now().UnixMilli()},
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: enqueue: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

// Drain returns up to max pending records in ascending id order without
// removing them.
func (s *Store) Drain(ctx context.Context, max int) ([]Record, error) {
	if max <= 0 {
		return nil, nil
	}
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	recs := make([]Record, 0, max)
	err = sqlitex.Execute(conn, "SELECT id, topic, payload, created_at FROM buffer ORDER BY id ASC LIMIT ?", &sqlitex.ExecOptions{
		Args: []any{max},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			recs = append(recs, Record{
				ID:        stmt.ColumnInt64(0),
				Topic:     stmt.ColumnText(1),
				Payload:   []byte(stmt.ColumnText(2)),
				CreatedAt: time.UnixMilli(stmt.ColumnInt64(3)).UTC(),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: drain: %w", err)
	}
	return recs, nil
}

// Remove deletes a record. Removing an unknown id is not an error.
func (s *Store) Remove(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM buffer WHERE id = ?", &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return fmt.Errorf("outbox: remove %d: %w", id, err)
	}
	return nil
}

// Count returns the number of pending records.
func (s *Store) Count(ctx context.Context) (int, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var n int
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM buffer", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: count: %w", err)
	}
	return n, nil
}

// Stats summarises the backlog.
type Stats struct {
	Pending int        `json:"buffered_messages"`
	Oldest  *time.Time `json:"oldest,omitempty"`
}

// Stats returns the pending count and the age of the oldest record.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer s.pool.Put(conn)

	var st Stats
	err = sqlitex.Execute(conn, "SELECT COUNT(*), MIN(created_at) FROM buffer", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			st.Pending = stmt.ColumnInt(0)
			if stmt.ColumnType(1) != sqlite.TypeNull {
				t := time.UnixMilli(stmt.ColumnInt64(1)).UTC()
				st.Oldest = &t
			}
			return nil
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("outbox: stats: %w", err)
	}
	return st, nil
}

// ClearAll deletes every pending record and returns how many were removed.
func (s *Store) ClearAll(ctx context.Context) (n int, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin clear: %w", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.Execute(conn, "DELETE FROM buffer", nil); err != nil {
		return 0, fmt.Errorf("outbox: clear: %w", err)
	}
	return conn.Changes(), nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close releases the pool. Later calls return ErrClosed.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.pool.Close(); err != nil {
		s.logger.Error("outbox close error", "path", s.path, "err", err)
		return fmt.Errorf("outbox: closing %s: %w", s.path, err)
	}
	s.logger.Info("outbox closed", "path", s.path)
	return nil
}
