// ABOUTME: Tests for the per-user Broadcaster
// ABOUTME: Covers participant scoping, slow consumers, cleanup, close and concurrency

package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/huddle-chat/internal/metrics"
	"github.com/2389/huddle-chat/internal/store"
)

func makeMessage(id, from, to int64) *store.Message {
	return &store.Message{
		ID:        id,
		FromUser:  from,
		ToUser:    to,
		Timestamp: time.Now().UTC(),
		Body:      "hello",
	}
}

func expectEvent(t *testing.T, ch <-chan *Event, wantID int64) {
	t.Helper()
	select {
	case ev := <-ch:
		require.NotNil(t, ev)
		assert.Equal(t, wantID, ev.Message.ID)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message %d", wantID)
	}
}

func expectNoEvent(t *testing.T, ch <-chan *Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for message %d", ev.Message.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_DeliversToBothParticipants(t *testing.T) {
	b := NewBroadcaster(0, nil, nil)
	defer b.Close()
	ctx := t.Context()

	chA, _ := b.Subscribe(ctx, 1)
	chB, _ := b.Subscribe(ctx, 2)

	b.Publish(makeMessage(10, 1, 2))

	expectEvent(t, chA, 10)
	expectEvent(t, chB, 10)
}

func TestBroadcaster_UnrelatedUserReceivesNothing(t *testing.T) {
	b := NewBroadcaster(0, nil, nil)
	defer b.Close()
	ctx := t.Context()

	chA, _ := b.Subscribe(ctx, 1)
	chC, _ := b.Subscribe(ctx, 3)

	b.Publish(makeMessage(11, 2, 1))

	expectEvent(t, chA, 11)
	expectNoEvent(t, chC)
}

func TestBroadcaster_EveryConnectionOfAUser(t *testing.T) {
	b := NewBroadcaster(0, nil, nil)
	defer b.Close()
	ctx := t.Context()

	laptop, id1 := b.Subscribe(ctx, 1)
	phone, id2 := b.Subscribe(ctx, 1)
	require.NotEqual(t, id1, id2)
	assert.Equal(t, 2, b.ConnectionCount())

	b.Publish(makeMessage(12, 1, 2))

	expectEvent(t, laptop, 12)
	expectEvent(t, phone, 12)
}

func TestBroadcaster_AtMostOncePerConnection(t *testing.T) {
	b := NewBroadcaster(0, nil, nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), 1)
	b.Publish(makeMessage(13, 1, 1))

	expectEvent(t, ch, 13)
	expectNoEvent(t, ch)
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	m := metrics.New()
	b := NewBroadcaster(4, m, nil)
	defer b.Close()
	ctx := t.Context()

	// Never read from the slow connection
	_, _ = b.Subscribe(ctx, 1)
	fast, _ := b.Subscribe(ctx, 2)

	done := make(chan struct{})
	received := 0
	go func() {
		defer close(done)
		for range fast {
			received++
			if received == 20 {
				return
			}
		}
	}()

	for i := int64(1); i <= 20; i++ {
		b.Publish(makeMessage(i, 1, 2))
		time.Sleep(time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fast consumer did not receive all events")
	}
	assert.GreaterOrEqual(t, droppedEvents(t, m), 16.0, "slow connection misses what overflows its buffer")
}

func droppedEvents(t *testing.T, m *metrics.Metrics) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "huddle_realtime_events_dropped_total" {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatal("dropped events counter not registered")
	return 0
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(0, nil, nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, connID := b.Subscribe(ctx, 1)

	b.mu.RLock()
	_, exists := b.connections[1][connID]
	b.mu.RUnlock()
	assert.True(t, exists, "connection should exist before cancel")

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, b.ConnectionCount())
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewBroadcaster(0, nil, nil)
	defer b.Close()

	ch, connID := b.Subscribe(t.Context(), 1)
	b.Unsubscribe(1, connID)
	b.Unsubscribe(1, connID)

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	assert.NotPanics(t, func() { b.Publish(makeMessage(1, 1, 2)) })
}

func TestBroadcaster_CloseClosesAllConnections(t *testing.T) {
	b := NewBroadcaster(0, nil, nil)

	ch1, _ := b.Subscribe(t.Context(), 1)
	ch2, _ := b.Subscribe(t.Context(), 2)

	b.Close()

	for i, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed after Close()", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed after Close()", i)
		}
	}

	late, _ := b.Subscribe(t.Context(), 3)
	_, ok := <-late
	assert.False(t, ok, "subscribing after Close yields a closed channel")
	assert.Equal(t, 0, b.ConnectionCount())
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(0, nil, nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ch, _ := b.Subscribe(ctx, user)
			for range 5 {
				select {
				case <-ch:
				case <-time.After(200 * time.Millisecond):
					return
				}
			}
		}(int64(i % 3))
	}

	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 10 {
				b.Publish(makeMessage(int64(j), 0, 1))
			}
		}()
	}

	wg.Wait()
}
