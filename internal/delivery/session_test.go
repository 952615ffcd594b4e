package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybridge/pkg/logx"
)

func testConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.PairingPoll = time.Second
	return cfg
}

func readySession(t *testing.T, cfg SessionConfig, mutate func(*fakeCap)) (*Session, *fakeCap, *trace, *fakeClock) {
	t.Helper()
	tr := &trace{}
	c := newFakeCap(tr, 1)
	if mutate != nil {
		mutate(c)
	}
	clk := newFakeClock()
	s := NewSession(c, cfg, logx.Nop(), clk)
	require.True(t, s.Initialize(context.Background()))
	return s, c, tr, clk
}

func TestSessionSendHappyPath(t *testing.T) {
	t.Parallel()
	s, _, tr, clk := readySession(t, testConfig(), nil)

	out, err := s.Send(context.Background(), "+15551234567", "Hello")
	require.NoError(t, err)
	assert.Equal(t, Sent, out)
	assert.True(t, out.OK())
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, 1, s.SentCount())
	assert.Equal(t, []string{
		"open#1",
		"chat#1:+15551234567:Hello",
		"locate#1:aria-send",
		"activate#1:aria-send",
	}, tr.list())
	assert.Equal(t, []time.Duration{2 * time.Second}, clk.Sleeps())
}

func TestSessionInitializeFailures(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*fakeCap)
		want   error
	}{
		{"open error", func(c *fakeCap) { c.openErr = errBoom }, errBoom},
		{"pairing unattended", func(c *fakeCap) { c.readiness = []Readiness{ReadinessPairingRequired} }, ErrPairingRequired},
		{"no signal", func(c *fakeCap) { c.readiness = []Readiness{ReadinessUnknown} }, ErrNotReady},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newFakeCap(&trace{}, 1)
			tc.mutate(c)
			s := NewSession(c, testConfig(), logx.Nop(), newFakeClock())

			assert.False(t, s.Initialize(context.Background()))
			assert.ErrorIs(t, s.Err(), tc.want)
			assert.Equal(t, StateClosed, s.State())
			assert.Equal(t, 1, c.Closes())
		})
	}
}

func TestSessionAttendedPairingWaitsForReady(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Unattended = false
	c := newFakeCap(&trace{}, 1)
	c.readiness = []Readiness{ReadinessPairingRequired, ReadinessPairingRequired, ReadinessReady}
	s := NewSession(c, cfg, logx.Nop(), newFakeClock())

	assert.True(t, s.Initialize(context.Background()))
	assert.Equal(t, StateReady, s.State())
}

func TestSessionUnattendedPairingPromptThenReady(t *testing.T) {
	t.Parallel()
	c := newFakeCap(&trace{}, 1)
	c.readiness = []Readiness{ReadinessPairingRequired, ReadinessPairingRequired, ReadinessReady}
	clk := newFakeClock()
	s := NewSession(c, testConfig(), logx.Nop(), clk)

	assert.True(t, s.Initialize(context.Background()))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, []time.Duration{time.Second, time.Second}, clk.Sleeps())
	assert.Zero(t, c.Closes())
}

func TestSessionUnattendedPairingConfirmIsBounded(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.PairingConfirm = 3 * time.Second
	c := newFakeCap(&trace{}, 1)
	c.readiness = []Readiness{ReadinessPairingRequired}
	clk := newFakeClock()
	s := NewSession(c, cfg, logx.Nop(), clk)

	assert.False(t, s.Initialize(context.Background()))
	assert.ErrorIs(t, s.Err(), ErrPairingRequired)
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, clk.Sleeps())
}

func TestSessionAttendedPairingTimesOut(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Unattended = false
	cfg.ReadyTimeout = 5 * time.Second
	c := newFakeCap(&trace{}, 1)
	c.readiness = []Readiness{ReadinessPairingRequired}
	clk := newFakeClock()
	s := NewSession(c, cfg, logx.Nop(), clk)

	assert.False(t, s.Initialize(context.Background()))
	assert.ErrorIs(t, s.Err(), ErrPairingRequired)
	assert.Len(t, clk.Sleeps(), 5)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	s, c, _, _ := readySession(t, testConfig(), nil)
	assert.NotPanics(t, func() {
		s.Close()
		s.Close()
	})
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, c.Closes())

	out, err := s.Send(context.Background(), "+15551234567", "x")
	assert.Equal(t, SessionFailed, out)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestSessionInvalidRecipientKeepsSession(t *testing.T) {
	t.Parallel()
	s, _, tr, _ := readySession(t, testConfig(), func(c *fakeCap) { c.composer = ComposerInvalidRecipient })

	out, err := s.Send(context.Background(), "+15550000000", "x")
	assert.Equal(t, RecipientInvalid, out)
	assert.Error(t, err)
	assert.False(t, out.OK())
	assert.Equal(t, StateReady, s.State())
	assert.NotContains(t, tr.list(), "locate#1:aria-send")
}

func TestSessionComposerTimeoutFailsSession(t *testing.T) {
	t.Parallel()
	s, _, _, _ := readySession(t, testConfig(), func(c *fakeCap) { c.composer = ComposerTimeout })

	out, err := s.Send(context.Background(), "+15551234567", "x")
	assert.Equal(t, SessionFailed, out)
	assert.ErrorIs(t, err, ErrComposerTimeout)
	assert.Equal(t, StateFailed, s.State())
}

func TestSessionSubmitStrategyFallback(t *testing.T) {
	t.Parallel()
	s, _, tr, _ := readySession(t, testConfig(), func(c *fakeCap) {
		c.missing = map[string]bool{"aria-send": true, "icon-send": true}
	})

	out, err := s.Send(context.Background(), "+15551234567", "x")
	require.NoError(t, err)
	assert.Equal(t, Sent, out)
	assert.Equal(t, []string{
		"open#1",
		"chat#1:+15551234567:x",
		"locate#1:aria-send",
		"locate#1:icon-send",
		"locate#1:testid-send",
		"activate#1:testid-send",
	}, tr.list())
}

func TestSessionNoSubmitControl(t *testing.T) {
	t.Parallel()
	s, _, _, _ := readySession(t, testConfig(), func(c *fakeCap) {
		c.missing = map[string]bool{"aria-send": true, "icon-send": true, "testid-send": true}
	})

	out, err := s.Send(context.Background(), "+15551234567", "x")
	assert.Equal(t, SessionFailed, out)
	assert.ErrorIs(t, err, ErrControlNotFound)
	assert.Equal(t, 0, s.SentCount())
}

func TestSessionActivateErrorFailsSession(t *testing.T) {
	t.Parallel()
	s, _, _, _ := readySession(t, testConfig(), func(c *fakeCap) { c.activateErr = errBoom })

	out, err := s.Send(context.Background(), "+15551234567", "x")
	assert.Equal(t, SessionFailed, out)
	assert.ErrorIs(t, err, errBoom)
}

func TestSessionPanicBecomesSessionFailed(t *testing.T) {
	t.Parallel()
	s, _, _, _ := readySession(t, testConfig(), func(c *fakeCap) { c.panicOnChat = true })

	var out Outcome
	var err error
	require.NotPanics(t, func() { out, err = s.Send(context.Background(), "+15551234567", "x") })
	assert.Equal(t, SessionFailed, out)
	assert.Error(t, err)
	assert.Equal(t, StateFailed, s.State())
}

func TestSessionRateGateWaitsForWindow(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RateLimit = 2
	s, _, _, clk := readySession(t, cfg, nil)

	for i := 0; i < 3; i++ {
		out, err := s.Send(context.Background(), "+15551234567", "x")
		require.NoError(t, err)
		require.Equal(t, Sent, out)
	}
	// Two settles take 4s of the window; the third send waits out the rest.
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 56 * time.Second, 2 * time.Second}, clk.Sleeps())
}

func TestSessionRateGateAbortsOnCancel(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RateLimit = 1
	s, _, tr, _ := readySession(t, cfg, nil)

	_, err := s.Send(context.Background(), "+15551234567", "first")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := s.Send(ctx, "+15551234567", "second")
	assert.Equal(t, Aborted, out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateReady, s.State())
	assert.NotContains(t, tr.list(), "chat#1:+15551234567:second")
}

func TestOutcomeAndStateStrings(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "recipient_invalid", RecipientInvalid.String())
	assert.Equal(t, "aborted", Aborted.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "pairing_required", ReadinessPairingRequired.String())
}
