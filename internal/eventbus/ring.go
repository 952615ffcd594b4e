package eventbus

import (
	"context"
	"sync"
)

// Ring keeps the last N events seen on a bus.
type Ring struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = 32
	}
	return &Ring{buf: make([]Event, size)}
}

func (r *Ring) Add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Snapshot returns the retained events, oldest first.
func (r *Ring) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Event(nil), r.buf[:r.next]...)
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Follow records events from b until ctx is done.
func (r *Ring) Follow(ctx context.Context, b Bus) error {
	ch, unsub := b.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			r.Add(e)
		}
	}
}
