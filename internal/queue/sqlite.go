package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"relaybridge/internal/storage"
)

const sqlitePollInterval = 100 * time.Millisecond

// SQLite stores items in the queue_items table, ordered by rowid.
type SQLite struct {
	db   *sql.DB
	name string
	own  bool

	poll time.Duration
}

// OpenSQLite opens a dedicated database at path.
func OpenSQLite(ctx context.Context, name, path string, busyTimeout time.Duration) (*SQLite, error) {
	db, err := storage.OpenSQLite(ctx, path, busyTimeout)
	if err != nil {
		return nil, err
	}
	q := NewSQLite(db, name)
	q.own = true
	return q, nil
}

// NewSQLite uses an already migrated database. Close leaves db open.
func NewSQLite(db *sql.DB, name string) *SQLite {
	if name == "" {
		name = DefaultName
	}
	return &SQLite{db: db, name: name, poll: sqlitePollInterval}
}

func (q *SQLite) Push(ctx context.Context, item []byte) error {
	if len(item) == 0 {
		return ErrEmptyItem
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_items(queue, payload, created_at) VALUES(?,?,?)`,
		q.name, item, time.Now().UnixMilli())
	if err != nil {
		if cerr := ctxErr(ctx, err); cerr != nil {
			return cerr
		}
		return unavailable("push", err)
	}
	return nil
}

func (q *SQLite) Pop(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		item, ok, err := q.popOne(ctx)
		if err != nil || ok {
			return item, ok, err
		}
		if !time.Now().Before(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *SQLite) popOne(ctx context.Context) ([]byte, bool, error) {
	var payload []byte
	err := q.db.QueryRowContext(ctx, `
DELETE FROM queue_items
WHERE id = (SELECT id FROM queue_items WHERE queue = ? ORDER BY id LIMIT 1)
RETURNING payload`, q.name).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		if cerr := ctxErr(ctx, err); cerr != nil {
			return nil, false, cerr
		}
		return nil, false, unavailable("pop", err)
	}
	return payload, true, nil
}

func (q *SQLite) Clear(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_items WHERE queue = ?`, q.name)
	if err != nil {
		return 0, unavailable("clear", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("clear", err)
	}
	return int(n), nil
}

func (q *SQLite) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items WHERE queue = ?`, q.name).Scan(&n); err != nil {
		return 0, unavailable("len", err)
	}
	return n, nil
}

func (q *SQLite) Ping(ctx context.Context) error {
	if err := q.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (q *SQLite) Close() error {
	if q.own {
		return q.db.Close()
	}
	return nil
}
