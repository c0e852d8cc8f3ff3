package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tradesync/config"
	"tradesync/internal/event"
	"tradesync/internal/storage"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	attempts []string
	fail     map[string]error
	block    chan struct{}
}

func (f *fakeSubmitter) Submit(ctx context.Context, action Action, resource string, payload json.RawMessage) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, resource)
	if err, ok := f.fail[resource]; ok {
		return err
	}
	return nil
}

func (f *fakeSubmitter) attemptLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.attempts))
	copy(out, f.attempts)
	return out
}

func testQueue(t *testing.T, submitter Submitter) (*Queue, *event.Bus, storage.Store) {
	t.Helper()
	bus := event.NewBus(8)
	t.Cleanup(bus.Close)
	store := storage.NewMemoryStore()
	q, err := New(config.SyncConfig{MaxRetries: 3, StorageKey: "sync_queue"}, store, submitter, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q, bus, store
}

func TestDrainFlushesInOrder(t *testing.T) {
	submitter := &fakeSubmitter{}
	q, _, _ := testQueue(t, submitter)

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ActionCreate, fmt.Sprintf("orders/%d", i), nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	flushed, dropped, err := q.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if flushed != 3 || dropped != 0 {
		t.Fatalf("flushed=%d dropped=%d", flushed, dropped)
	}
	attempts := submitter.attemptLog()
	for i, want := range []string{"orders/0", "orders/1", "orders/2"} {
		if attempts[i] != want {
			t.Fatalf("attempt order %v", attempts)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty after drain: %d", q.Len())
	}
}

func TestFailedItemRetriedThenDropped(t *testing.T) {
	submitter := &fakeSubmitter{fail: map[string]error{"orders/bad": errors.New("rejected")}}
	q, bus, _ := testQueue(t, submitter)
	failures := bus.Subscribe(event.TopicSyncFailure)

	if _, err := q.Enqueue(ActionUpdate, "orders/bad", json.RawMessage(`{"volume":0.1}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Ceiling 3: attempts 1-3 keep the item, attempt 4 drops it.
	for i := 0; i < 3; i++ {
		if _, dropped, _ := q.Drain(context.Background()); dropped != 0 {
			t.Fatalf("dropped on attempt %d", i+1)
		}
		if q.Len() != 1 {
			t.Fatalf("item missing after attempt %d", i+1)
		}
	}
	_, dropped, _ := q.Drain(context.Background())
	if dropped != 1 || q.Len() != 0 {
		t.Fatalf("dropped=%d len=%d, want item removed on 4th failure", dropped, q.Len())
	}

	// No 5th attempt.
	_, _, _ = q.Drain(context.Background())
	if got := len(submitter.attemptLog()); got != 4 {
		t.Fatalf("attempted %d times, want 4", got)
	}

	select {
	case evt := <-failures.C:
		failure := evt.Data.(Failure)
		if failure.Item.Resource != "orders/bad" || failure.Item.RetryCount != 4 {
			t.Fatalf("unexpected failure payload %+v", failure)
		}
	case <-time.After(time.Second):
		t.Fatal("permanent failure not published")
	}
}

func TestFailureKeepsFIFOOrder(t *testing.T) {
	submitter := &fakeSubmitter{fail: map[string]error{"a": errors.New("boom")}}
	q, _, _ := testQueue(t, submitter)

	_, _ = q.Enqueue(ActionCreate, "a", nil)
	_, _ = q.Enqueue(ActionCreate, "b", nil)

	_, _, _ = q.Drain(context.Background())

	items := q.Items()
	if len(items) != 1 || items[0].Resource != "a" {
		t.Fatalf("unexpected surviving items %+v", items)
	}
	if items[0].RetryCount != 1 {
		t.Fatalf("retry count %d, want 1", items[0].RetryCount)
	}
}

func TestConcurrentDrainRunsOnce(t *testing.T) {
	submitter := &fakeSubmitter{block: make(chan struct{})}
	q, _, _ := testQueue(t, submitter)
	_, _ = q.Enqueue(ActionCreate, "orders/1", nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = q.Drain(context.Background())
	}()

	// Wait for the first drain to take the in-flight flag.
	time.Sleep(20 * time.Millisecond)

	// The second drain must return immediately without touching the item.
	flushed, dropped, err := q.Drain(context.Background())
	if err != nil || flushed != 0 || dropped != 0 {
		t.Fatalf("concurrent drain did work: flushed=%d dropped=%d err=%v", flushed, dropped, err)
	}

	close(submitter.block)
	<-done

	if got := len(submitter.attemptLog()); got != 1 {
		t.Fatalf("item attempted %d times across concurrent drains", got)
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	submitter := &fakeSubmitter{}
	bus := event.NewBus(8)
	defer bus.Close()
	store := storage.NewMemoryStore()
	cfg := config.SyncConfig{MaxRetries: 3, StorageKey: "sync_queue"}

	q, err := New(cfg, store, submitter, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, _ = q.Enqueue(ActionDelete, "orders/42", nil)

	reloaded, err := New(cfg, store, submitter, bus)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	items := reloaded.Items()
	if len(items) != 1 || items[0].Resource != "orders/42" || items[0].Action != ActionDelete {
		t.Fatalf("unexpected reloaded items %+v", items)
	}
}

func TestDrainTriggeredByConnectivityEvent(t *testing.T) {
	submitter := &fakeSubmitter{}
	q, bus, _ := testQueue(t, submitter)
	_, _ = q.Enqueue(ActionCreate, "orders/1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop()

	bus.Publish(event.TopicConnectivity, true)

	deadline := time.After(time.Second)
	for q.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("queue not drained after connectivity event")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
