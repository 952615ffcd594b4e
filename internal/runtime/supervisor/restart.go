package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"relaybridge/pkg/logx"
)

// healthyRun resets the backoff when a run lasted at least this long.
const healthyRun = 30 * time.Second

type RestartOption func(*restartConfig)

type restartConfig struct {
	min, max        time.Duration
	maxRestarts     int
	stopOnCleanExit bool
	publishErr      bool
}

// WithRestartBackoff sets the exponential backoff window between runs.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartConfig) {
		if min > 0 {
			c.min = min
		}
		if max > 0 {
			c.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. n <= 0 means unlimited.
func WithMaxRestarts(n int) RestartOption {
	return func(c *restartConfig) { c.maxRestarts = n }
}

// WithStopOnCleanExit controls whether a nil return ends the worker
// (the default) or counts as a failure to restart from.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartConfig) { c.stopOnCleanExit = enabled }
}

// WithPublishFirstError records the first failure in Err while the worker
// keeps restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartConfig) { c.publishErr = enabled }
}

// GoRestart runs fn and restarts it after errors or panics with jittered
// exponential backoff, until the supervisor is cancelled.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartConfig{min: 250 * time.Millisecond, max: 30 * time.Second, stopOnCleanExit: true}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.max < cfg.min {
		cfg.max = cfg.min
	}

	s.spawn(name, func(ctx context.Context) {
		b := backoff{min: cfg.min, max: cfg.max}
		for restarts := 0; ctx.Err() == nil; restarts++ {
			startedAt := s.stats.start(name, restarts > 0)
			err, pan := s.call(ctx, name, fn)
			if pan != nil {
				err = fmt.Errorf("panic: %v", pan)
			}

			// A run that ends during shutdown is a clean stop.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.stats.stop(name, startedAt, nil)
				return
			}
			if err == nil {
				if cfg.stopOnCleanExit {
					s.stats.stop(name, startedAt, nil)
					return
				}
				err = errors.New("exited")
			}

			err = fmt.Errorf("%s: %w", name, err)
			s.stats.stop(name, startedAt, err)
			if cfg.publishErr {
				s.errOnce.Do(func() { s.firstErr.Store(&err) })
			}
			if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
				s.log.Error("worker gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(err)
				return
			}

			if time.Since(startedAt) >= healthyRun {
				b.reset()
			}
			wait := b.next()
			s.log.Warn("worker restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}

// backoff doubles from min to max with up to 20% added jitter.
type backoff struct {
	min, max time.Duration
	cur      time.Duration
}

func (b *backoff) reset() { b.cur = 0 }

func (b *backoff) next() time.Duration {
	if b.cur < b.min {
		b.cur = b.min
	}
	wait := b.cur
	if j := int64(wait / 5); j > 0 {
		wait += time.Duration(rand.Int64N(j + 1))
	}
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return wait
}
