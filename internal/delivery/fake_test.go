package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// fakeClock advances only when slept on.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// trace is a shared, ordered log of capability calls.
type trace struct {
	mu    sync.Mutex
	calls []string
}

func (t *trace) add(format string, args ...any) {
	t.mu.Lock()
	t.calls = append(t.calls, fmt.Sprintf(format, args...))
	t.mu.Unlock()
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

type fakeControl struct {
	cap  *fakeCap
	name string
}

func (c fakeControl) Activate(context.Context) error {
	c.cap.tr.add("activate#%d:%s", c.cap.id, c.name)
	return c.cap.activateErr
}

type fakeCap struct {
	tr *trace
	id int

	openErr     error
	readiness   []Readiness
	composer    ComposerStatus
	missing     map[string]bool
	activateErr error
	panicOnChat bool

	mu     sync.Mutex
	probes int
	closes int
}

func newFakeCap(tr *trace, id int) *fakeCap {
	return &fakeCap{
		tr:        tr,
		id:        id,
		readiness: []Readiness{ReadinessReady},
		composer:  ComposerPresent,
	}
}

func (f *fakeCap) Open(context.Context) error {
	f.tr.add("open#%d", f.id)
	return f.openErr
}

func (f *fakeCap) ProbeReadiness(ctx context.Context, _ time.Duration) (Readiness, error) {
	if err := ctx.Err(); err != nil {
		return ReadinessUnknown, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.probes
	if i >= len(f.readiness) {
		i = len(f.readiness) - 1
	}
	f.probes++
	return f.readiness[i], nil
}

func (f *fakeCap) OpenChat(_ context.Context, recipient, body string) error {
	if f.panicOnChat {
		panic("driver exploded")
	}
	f.tr.add("chat#%d:%s:%s", f.id, recipient, body)
	return nil
}

func (f *fakeCap) AwaitComposer(context.Context, time.Duration) (ComposerStatus, error) {
	return f.composer, nil
}

func (f *fakeCap) Locate(_ context.Context, s Strategy) (Control, error) {
	f.tr.add("locate#%d:%s", f.id, s.Name)
	if f.missing[s.Name] {
		return nil, ErrControlNotFound
	}
	return fakeControl{cap: f, name: s.Name}, nil
}

func (f *fakeCap) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.tr.add("close#%d", f.id)
	return nil
}

func (f *fakeCap) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

var errBoom = errors.New("boom")
