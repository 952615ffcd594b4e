package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybridge/pkg/logx"
)

func stopWithin(t *testing.T, s *Supervisor, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Stop(ctx)
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))

	boom := errors.New("boom")
	s.Go("web", func(context.Context) error { return boom })
	s.Go("dispatch", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("supervisor context not cancelled")
	}
	err := stopWithin(t, s, time.Second)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "web:")

	snap := s.Snapshot()
	assert.EqualValues(t, 0, snap.Counters.Active)
	assert.EqualValues(t, 2, snap.Counters.Started)
	require.Len(t, snap.Workers, 2)
	assert.Equal(t, "dispatch", snap.Workers[0].Name)
	assert.Empty(t, snap.Workers[0].LastErr)
	assert.Contains(t, snap.Workers[1].LastErr, "boom")
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("journal", func(context.Context) error { panic("bad row") })

	err := stopWithin(t, s, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: bad row")
	snap := s.Snapshot()
	require.Len(t, snap.Workers, 1)
	assert.EqualValues(t, 1, snap.Workers[0].Panics)
}

func TestCanceledIsClean(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("watch", func(ctx context.Context) error {
		<-ctx.Done()
		return context.Canceled
	})
	assert.NoError(t, stopWithin(t, s, time.Second))
}

func TestGoRestartBacksOffAndRecovers(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	var runs atomic.Int32
	ready := make(chan struct{})
	s.GoRestart("mailbox", func(ctx context.Context) error {
		switch runs.Add(1) {
		case 1:
			return errors.New("imap down")
		case 2:
			panic("parser")
		default:
			close(ready)
			<-ctx.Done()
			return nil
		}
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(true))

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("worker was not restarted")
	}
	snap := s.Snapshot()
	require.Len(t, snap.Workers, 1)
	w := snap.Workers[0]
	assert.EqualValues(t, 3, w.Runs)
	assert.EqualValues(t, 2, w.Restarts)
	assert.EqualValues(t, 1, w.Panics)
	assert.Contains(t, snap.FirstError, "imap down")

	err := stopWithin(t, s, time.Second)
	assert.ErrorContains(t, err, "imap down")
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))

	var runs atomic.Int32
	s.GoRestart("alerts", func(context.Context) error {
		runs.Add(1)
		return errors.New("telegram 401")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor not cancelled after final failure")
	}
	assert.EqualValues(t, 3, runs.Load())
	assert.ErrorContains(t, stopWithin(t, s, time.Second), "telegram 401")
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("once", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, s.Wait(context.Background()))
	assert.EqualValues(t, 1, runs.Load())
}

func TestWaitHonorsDeadline(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	release := make(chan struct{})
	s.Go("stuck", func(context.Context) error {
		<-release
		return nil
	})
	err := stopWithin(t, s, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
	assert.NoError(t, s.Wait(context.Background()))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()
	b := backoff{min: 100 * time.Millisecond, max: 400 * time.Millisecond}
	within := func(d, base time.Duration) {
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base/5)
	}
	within(b.next(), 100*time.Millisecond)
	within(b.next(), 200*time.Millisecond)
	within(b.next(), 400*time.Millisecond)
	within(b.next(), 400*time.Millisecond)
	b.reset()
	within(b.next(), 100*time.Millisecond)
}
