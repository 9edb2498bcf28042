package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOutAndDrop(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "y"})

	e := <-a
	assert.Equal(t, "x", e.Type)
	assert.False(t, e.Time.IsZero())
	assert.Len(t, c, 2)
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestBus_UnsubscribeCloses(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: "after"})
}

func TestConsume_FiltersByPrefix(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	ready := make(chan struct{})
	go func() {
		defer close(done)
		close(ready)
		Consume(ctx, b, 16, func(e Event) {
			mu.Lock()
			got = append(got, e.Type)
			mu.Unlock()
		}, "delivery.")
	}()
	<-ready

	require.Eventually(t, func() bool {
		b.Publish(Event{Type: "delivery.sent"})
		b.Publish(Event{Type: TypeCycleDone})
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	for _, typ := range got {
		assert.Equal(t, "delivery.sent", typ)
	}
}
