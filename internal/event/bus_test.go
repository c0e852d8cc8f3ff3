package event

import (
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	sub := bus.Subscribe(TopicConnectivity)
	bus.Publish(TopicConnectivity, true)

	select {
	case evt := <-sub.C:
		if evt.Topic != TopicConnectivity {
			t.Fatalf("unexpected topic %q", evt.Topic)
		}
		if online, ok := evt.Data.(bool); !ok || !online {
			t.Fatalf("unexpected data %v", evt.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	bus.Subscribe(TopicConditions)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(TopicConditions, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	sub := bus.Subscribe(TopicSyncFailure)
	sub.Unsubscribe()

	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(TopicSyncFailure, "dropped")
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe(TopicRequestDebug)
	bus.Close()
	bus.Close()

	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel after bus close")
	}
}
