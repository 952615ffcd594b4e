package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybridge/internal/eventbus"
	"relaybridge/pkg/logx"
)

// fakeFactory hands out numbered capabilities and lets a test shape each one.
type fakeFactory struct {
	tr     *trace
	shape  func(n int, c *fakeCap)
	mu     sync.Mutex
	caps   []*fakeCap
	limits []int
}

func (f *fakeFactory) New(cfg SessionConfig) Capability {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.caps) + 1
	f.tr.add("new#%d", n)
	c := newFakeCap(f.tr, n)
	if f.shape != nil {
		f.shape(n, c)
	}
	f.caps = append(f.caps, c)
	f.limits = append(f.limits, cfg.RateLimit)
	return c
}

func newTestSupervisor(t *testing.T, shape func(int, *fakeCap)) (*Supervisor, *fakeFactory, *fakeClock, eventbus.Bus) {
	t.Helper()
	ff := &fakeFactory{tr: &trace{}, shape: shape}
	clk := newFakeClock()
	bus := eventbus.New()
	sup := NewSupervisor(ff.New, testConfig(), logx.Nop(), SupervisorOptions{Bus: bus, Clock: clk})
	return sup, ff, clk, bus
}

func drain(ch <-chan eventbus.Event) []string {
	var out []string
	for {
		select {
		case e := <-ch:
			out = append(out, e.Type)
		default:
			return out
		}
	}
}

func TestEnsureClosesPreviousBeforeCreating(t *testing.T) {
	t.Parallel()
	sup, ff, _, _ := newTestSupervisor(t, nil)
	ctx := context.Background()

	require.True(t, sup.Ensure(ctx, 3, time.Second))
	first := sup.Current()
	require.True(t, sup.Ensure(ctx, 1, time.Second))

	assert.NotSame(t, first, sup.Current())
	assert.Equal(t, StateClosed, first.State())
	assert.Equal(t, []string{"new#1", "open#1", "close#1", "new#2", "open#2"}, ff.tr.list())
	assert.True(t, sup.Ready())
}

func TestEnsureRetriesWithDelay(t *testing.T) {
	t.Parallel()
	sup, ff, clk, bus := newTestSupervisor(t, func(n int, c *fakeCap) {
		if n < 3 {
			c.openErr = errBoom
		}
	})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	require.True(t, sup.Ensure(context.Background(), 3, 10*time.Second))
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, clk.Sleeps())
	assert.EqualValues(t, 3, sup.Created())
	for _, c := range ff.caps[:2] {
		assert.Equal(t, 1, c.Closes())
	}
	assert.Equal(t, []string{eventbus.SessionFailed, eventbus.SessionFailed, eventbus.SessionReady}, drain(events))
}

func TestEnsureExhaustion(t *testing.T) {
	t.Parallel()
	sup, _, clk, bus := newTestSupervisor(t, func(_ int, c *fakeCap) {
		c.readiness = []Readiness{ReadinessPairingRequired}
	})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	assert.False(t, sup.Ensure(context.Background(), 2, 10*time.Second))
	assert.Nil(t, sup.Current())
	assert.False(t, sup.Ready())
	sleeps := clk.Sleeps()
	require.Len(t, sleeps, 11, "two pairing confirmations around one retry delay")
	assert.Equal(t, 10*time.Second, sleeps[5])
	assert.Equal(t, []string{
		eventbus.SessionFailed, eventbus.SessionPairingRequired,
		eventbus.SessionFailed, eventbus.SessionPairingRequired,
		eventbus.SessionExhausted,
	}, drain(events))

	out, err := sup.Send(context.Background(), "+15551234567", "x")
	assert.Equal(t, SessionFailed, out)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestEnsureHonorsShutdown(t *testing.T) {
	t.Parallel()
	sup, ff, _, _ := newTestSupervisor(t, nil)
	require.True(t, sup.Ensure(context.Background(), 1, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sup.Ensure(ctx, 3, time.Second))
	assert.Equal(t, []string{"new#1", "open#1", "close#1"}, ff.tr.list())
}

func TestSetTemplateAppliesToNextSession(t *testing.T) {
	t.Parallel()
	sup, ff, _, _ := newTestSupervisor(t, nil)
	ctx := context.Background()

	require.True(t, sup.Ensure(ctx, 1, 0))
	cfg := sup.Template()
	cfg.RateLimit = 9
	sup.SetTemplate(cfg)
	require.True(t, sup.Ensure(ctx, 1, 0))

	assert.Equal(t, []int{5, 9}, ff.limits)
}

func TestSupervisorSendAndClose(t *testing.T) {
	t.Parallel()
	sup, ff, _, _ := newTestSupervisor(t, nil)
	require.True(t, sup.Ensure(context.Background(), 1, 0))

	out, err := sup.Send(context.Background(), "+15551234567", "hi")
	require.NoError(t, err)
	assert.Equal(t, Sent, out)

	sup.Close()
	sup.Close()
	assert.Nil(t, sup.Current())
	assert.Equal(t, 1, ff.caps[0].Closes())
}
