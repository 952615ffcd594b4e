package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Journal {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state", "relay.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewJournal(db)
}

func TestJournalRecordAndRecent(t *testing.T) {
	t.Parallel()
	j := openTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, outcome := range []string{"sent", "requeued", "dropped"} {
		e, err := j.Record(ctx, Entry{At: base.Add(time.Duration(i) * time.Minute), Recipient: "+15551234567", Outcome: outcome, Detail: "d"})
		require.NoError(t, err)
		assert.NotEmpty(t, e.ID)
	}

	got, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "dropped", got[0].Outcome)
	assert.Equal(t, "requeued", got[1].Outcome)
	assert.Equal(t, "d", got[0].Detail)
}

func TestJournalRejectsEmptyOutcome(t *testing.T) {
	t.Parallel()
	j := openTestDB(t)
	_, err := j.Record(context.Background(), Entry{Recipient: "+15551234567"})
	assert.Error(t, err)
}

func TestJournalPrune(t *testing.T) {
	t.Parallel()
	j := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	_, err := j.Record(ctx, Entry{At: now.Add(-48 * time.Hour), Recipient: "+1", Outcome: "sent"})
	require.NoError(t, err)
	_, err = j.Record(ctx, Entry{At: now, Recipient: "+2", Outcome: "sent"})
	require.NoError(t, err)

	n, err := j.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	left, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "+2", left[0].Recipient)
}

func TestNilJournalIsDisabled(t *testing.T) {
	t.Parallel()
	var j *Journal
	_, err := j.Record(context.Background(), Entry{Outcome: "sent"})
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := OpenSQLite(context.Background(), "  ", 0)
	assert.Error(t, err)
}
