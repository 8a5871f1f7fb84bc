package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	got := make(chan Event, 1)
	bus.Subscribe(SessionIdle, func(ev Event) { got <- ev })

	bus.Publish(Event{Type: SessionIdle, Data: SessionIdleData{SessionID: "s1"}})

	ev := recvEvent(t, got)
	assert.Equal(t, SessionIdle, ev.Type)
	data, ok := ev.Data.(SessionIdleData)
	require.True(t, ok)
	assert.Equal(t, "s1", data.SessionID)
}

func TestSubscribeIgnoresOtherTypes(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	got := make(chan Event, 1)
	bus.Subscribe(SessionIdle, func(ev Event) { got <- ev })

	bus.PublishSync(Event{Type: MessageUpdated})

	select {
	case <-got:
		t.Fatal("subscriber received an event of another type")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var seen []EventType
	bus.SubscribeAll(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	bus.PublishSync(Event{Type: SessionCreated})
	bus.PublishSync(Event{Type: PermissionAsked})
	bus.PublishSync(Event{Type: TodoUpdated})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{SessionCreated, PermissionAsked, TodoUpdated}, seen)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	calls := 0
	unsub := bus.Subscribe(SessionIdle, func(ev Event) { calls++ })

	bus.PublishSync(Event{Type: SessionIdle})
	unsub()
	bus.PublishSync(Event{Type: SessionIdle})

	assert.Equal(t, 1, calls)
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	bus := NewBus()

	got := make(chan Event, 1)
	bus.Subscribe(SessionIdle, func(ev Event) { got <- ev })
	require.NoError(t, bus.Close())

	bus.PublishSync(Event{Type: SessionIdle})

	select {
	case <-got:
		t.Fatal("event delivered after close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAfterCloseIsNoOp(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Close())

	unsub := bus.Subscribe(SessionIdle, func(ev Event) {})
	unsub()
	bus.PublishSync(Event{Type: SessionIdle})
}

func TestPublishIsAsynchronous(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	release := make(chan struct{})
	done := make(chan struct{})
	bus.Subscribe(SessionIdle, func(ev Event) {
		<-release
		close(done)
	})

	bus.Publish(Event{Type: SessionIdle})
	// Publish must not block on the slow subscriber.
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never ran")
	}
}
