package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutAndStampsTime(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: DispatchSent})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, DispatchSent, e.Type)
		assert.False(t, e.Time.IsZero())
	}
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "one"})
	b.Publish(Event{Type: "two"})
	assert.Equal(t, "one", (<-ch).Type)
	assert.Empty(t, ch)
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	assert.NotPanics(t, func() { b.Publish(Event{Type: "late"}) })
}

func TestRingWrapsOldestFirst(t *testing.T) {
	t.Parallel()
	r := NewRing(3)
	assert.Empty(t, r.Snapshot())
	for i := 0; i < 5; i++ {
		r.Add(Event{Type: fmt.Sprint(i)})
	}
	got := r.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"2", "3", "4"}, []string{got[0].Type, got[1].Type, got[2].Type})
}

func TestRingFollow(t *testing.T) {
	t.Parallel()
	b := New()
	r := NewRing(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Follow(ctx, b)
		close(done)
	}()

	require.Eventually(t, func() bool {
		b.Publish(Event{Type: SessionReady})
		return len(r.Snapshot()) > 0
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, SessionReady, r.Snapshot()[0].Type)
}
