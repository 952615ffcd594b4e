package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process FIFO.
type Memory struct {
	mu     sync.Mutex
	items  [][]byte
	notify chan struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{})}
}

func (m *Memory) Push(_ context.Context, item []byte) error {
	if len(item) == 0 {
		return ErrEmptyItem
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unavailable("push", errClosed)
	}
	m.items = append(m.items, append([]byte(nil), item...))
	// Wake every waiting Pop.
	close(m.notify)
	m.notify = make(chan struct{})
	return nil
}

func (m *Memory) Pop(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, false, unavailable("pop", errClosed)
		}
		if len(m.items) > 0 {
			item := m.items[0]
			m.items[0] = nil
			m.items = m.items[1:]
			m.mu.Unlock()
			return item, true, nil
		}
		wait := m.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-timer.C:
			return nil, false, nil
		case <-wait:
		}
	}
}

func (m *Memory) Clear(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, unavailable("clear", errClosed)
	}
	n := len(m.items)
	m.items = nil
	return n, nil
}

func (m *Memory) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, unavailable("len", errClosed)
	}
	return len(m.items), nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unavailable("ping", errClosed)
	}
	return nil
}

// Items returns a copy of the queued payloads, head first.
func (m *Memory) Items() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.items))
	for i, it := range m.items {
		out[i] = append([]byte(nil), it...)
	}
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.notify)
	}
	return nil
}
