package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 10)
	bus.Subscribe(SyncCompleted, received)

	bus.Publish(Event{
		Type:       SyncCompleted,
		ContractID: "c1",
		Timestamp:  time.Now(),
		Data:       uint64(100),
	})

	select {
	case evt := <-received:
		if evt.Type != SyncCompleted {
			t.Errorf("expected %s, got %s", SyncCompleted, evt.Type)
		}
		if evt.ContractID != "c1" {
			t.Errorf("expected contract c1, got %s", evt.ContractID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch1 := make(chan Event, 10)
	ch2 := make(chan Event, 10)
	bus.Subscribe(SyncCompleted, ch1)
	bus.Subscribe(SyncCompleted, ch2)

	bus.Publish(Event{Type: SyncCompleted, ContractID: "c1"})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBus_TypeFiltering(t *testing.T) {
	bus := New()
	defer bus.Close()

	okCh := make(chan Event, 10)
	failCh := make(chan Event, 10)
	bus.Subscribe(SyncCompleted, okCh)
	bus.Subscribe(SyncFailed, failCh)

	bus.Publish(Event{Type: SyncCompleted, ContractID: "c1"})

	select {
	case <-okCh:
	case <-time.After(time.Second):
		t.Fatal("completed subscriber did not receive event")
	}

	select {
	case <-failCh:
		t.Fatal("failed subscriber should NOT receive sync.completed event")
	case <-time.After(50 * time.Millisecond):
		// good
	}
}

func TestBus_PublishBatch(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 100)
	bus.Subscribe(SyncCompleted, received)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			bus.Publish(Event{Type: SyncCompleted, ContractID: "c1"})
		}(i)
	}
	wg.Wait()

	time.Sleep(100 * time.Millisecond)
	if len(received) != 50 {
		t.Errorf("expected 50 events, got %d", len(received))
	}
}
