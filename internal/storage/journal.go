package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrDisabled is returned by a nil Journal.
var ErrDisabled = errors.New("storage disabled")

// Entry records one dispatch outcome.
// Keep it compact and schema-stable.
type Entry struct {
	ID        string
	At        time.Time
	Recipient string
	Outcome   string
	Detail    string
}

// Journal is the append-only delivery log.
type Journal struct {
	db *sql.DB
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Record appends e, filling ID and At when unset.
func (j *Journal) Record(ctx context.Context, e Entry) (Entry, error) {
	if j == nil || j.db == nil {
		return e, ErrDisabled
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.Outcome == "" {
		return e, errors.New("journal entry outcome is empty")
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO journal(id, at, recipient, outcome, detail) VALUES(?,?,?,?,?)`,
		e.ID, e.At.UnixMilli(), e.Recipient, e.Outcome, nullStr(e.Detail),
	)
	if err != nil {
		return e, fmt.Errorf("insert journal: %w", err)
	}
	return e, nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, at, recipient, outcome, detail FROM journal ORDER BY at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			ms     int64
			detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &ms, &e.Recipient, &e.Outcome, &detail); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.At = time.UnixMilli(ms)
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than before and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	if j == nil || j.db == nil {
		return 0, ErrDisabled
	}
	res, err := j.db.ExecContext(ctx, `DELETE FROM journal WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}
