// Package supervisor runs the long-lived workers of the relay (dispatch
// loop, ingesters, config watcher, event consumers) under one context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"relaybridge/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Pointer[error]

	wg       sync.WaitGroup
	doneOnce sync.Once
	done     chan struct{}

	started atomic.Uint64
	active  atomic.Int64
	stats   workerStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels every worker when any worker returns an error
// or panics.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		stats:  workerStats{m: map[string]*WorkerStats{}},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Err returns the first error recorded by any worker.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Go runs fn once. A returned error other than context.Canceled is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.spawn(name, func(ctx context.Context) {
		startedAt := s.stats.start(name, false)
		err, pan := s.call(ctx, name, fn)
		if pan != nil {
			err = fmt.Errorf("panic: %v", pan)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.stats.stop(name, startedAt, err)
			s.fail(err)
			return
		}
		s.stats.stop(name, startedAt, nil)
	})
}

// spawn tracks a goroutine in the wait group and counters.
func (s *Supervisor) spawn(name string, body func(ctx context.Context)) {
	if body == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.log.Debug("worker started", logx.String("name", name))
		body(s.ctx)
		s.log.Debug("worker stopped", logx.String("name", name))
	}()
}

// call runs fn, converting a panic into a returned value.
func (s *Supervisor) call(ctx context.Context, name string, fn func(context.Context) error) (err error, pan any) {
	defer func() {
		if r := recover(); r != nil {
			pan = r
			s.stats.panicked(name, r)
			s.log.Error("worker panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	return fn(ctx), nil
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(&err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// Cancel stops the workers without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Stop cancels the workers and waits for them until ctx is done.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every worker has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
