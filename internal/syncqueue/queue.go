// Package syncqueue holds mutations that could not be applied immediately
// and replays them, in order, once the backend is reachable again.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradesync/config"
	"tradesync/internal/event"
	"tradesync/internal/metrics"
	"tradesync/internal/storage"
	"tradesync/logger"
)

// Action is the kind of mutation a queued item represents.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Item is one pending mutation. RetryCount counts failed replay attempts.
type Item struct {
	ID         string          `json:"id"`
	Action     Action          `json:"action"`
	Resource   string          `json:"resource"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	QueuedAt   time.Time       `json:"queued_at"`
	RetryCount int             `json:"retry_count"`
}

// Failure is published on the bus when an item exhausts its retry budget.
type Failure struct {
	Item Item
	Err  string
}

// Submitter applies a queued mutation against the backend. The request
// gateway satisfies it.
type Submitter interface {
	Submit(ctx context.Context, action Action, resource string, payload json.RawMessage) error
}

// Queue is the durable FIFO of pending mutations. Every change to the
// queue is persisted so pending work survives a restart.
type Queue struct {
	cfg       config.SyncConfig
	store     storage.Store
	submitter Submitter
	bus       *event.Bus
	log       *logger.Log

	mu       sync.Mutex
	items    []Item
	draining bool

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a queue and reloads any persisted items from the store.
func New(cfg config.SyncConfig, store storage.Store, submitter Submitter, bus *event.Bus) (*Queue, error) {
	q := &Queue{
		cfg:       cfg,
		store:     store,
		submitter: submitter,
		bus:       bus,
		log:       logger.GetLogger(),
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	metrics.SetSyncQueueDepth(len(q.items))
	return q, nil
}

// Start subscribes to connectivity events and drains on reconnection.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("sync queue already running")
	}
	q.running = true
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	sub := q.bus.Subscribe(event.TopicConnectivity)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				if online, _ := evt.Data.(bool); online {
					q.log.WithComponent("sync_queue").Info("connectivity restored, draining queue")
					if _, _, err := q.Drain(ctx); err != nil {
						q.log.WithComponent("sync_queue").WithError(err).Warn("automatic drain failed")
					}
				}
			}
		}
	}()
	return nil
}

// Stop halts the connectivity listener.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel := q.cancel
	q.mu.Unlock()

	cancel()
	q.wg.Wait()
}

// Enqueue appends a mutation and persists the queue.
func (q *Queue) Enqueue(action Action, resource string, payload json.RawMessage) (Item, error) {
	item := Item{
		ID:       uuid.NewString(),
		Action:   action,
		Resource: resource,
		Payload:  payload,
		QueuedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	depth := len(q.items)
	err := q.persistLocked()
	q.mu.Unlock()

	if err != nil {
		return Item{}, err
	}
	metrics.SetSyncQueueDepth(depth)
	q.log.WithComponent("sync_queue").WithFields(logger.Fields{
		"id":       item.ID,
		"action":   string(action),
		"resource": resource,
		"depth":    depth,
	}).Info("mutation queued")
	return item, nil
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the pending items in order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Drain attempts every pending item once, in FIFO order. Items that
// succeed are removed; items that fail have their retry count bumped and,
// past the ceiling, are dropped and reported as permanent failures. A
// drain that finds another one already running returns immediately.
func (q *Queue) Drain(ctx context.Context) (flushed, dropped int, err error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return 0, 0, nil
	}
	q.draining = true
	pending := make([]Item, len(q.items))
	copy(pending, q.items)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	log := q.log.WithComponent("sync_queue")
	var remaining []Item
	for i, item := range pending {
		if ctx.Err() != nil {
			remaining = append(remaining, pending[i:]...)
			err = ctx.Err()
			break
		}

		submitErr := q.submitter.Submit(ctx, item.Action, item.Resource, item.Payload)
		if submitErr == nil {
			flushed++
			log.WithFields(logger.Fields{"id": item.ID, "resource": item.Resource}).Info("mutation replayed")
			continue
		}

		item.RetryCount++
		if item.RetryCount > q.maxRetries() {
			dropped++
			log.WithError(submitErr).WithFields(logger.Fields{
				"id":          item.ID,
				"resource":    item.Resource,
				"retry_count": item.RetryCount,
			}).Error("mutation dropped after exhausting retries")
			q.bus.Publish(event.TopicSyncFailure, Failure{Item: item, Err: submitErr.Error()})
			continue
		}
		log.WithError(submitErr).WithFields(logger.Fields{
			"id":          item.ID,
			"retry_count": item.RetryCount,
		}).Warn("mutation replay failed, will retry")
		remaining = append(remaining, item)
	}

	q.mu.Lock()
	// Items enqueued while draining stay behind the survivors.
	q.items = append(remaining, q.items[len(pending):]...)
	depth := len(q.items)
	persistErr := q.persistLocked()
	q.mu.Unlock()

	metrics.SetSyncQueueDepth(depth)
	if err == nil {
		err = persistErr
	}
	return flushed, dropped, err
}

func (q *Queue) maxRetries() int {
	if q.cfg.MaxRetries < 0 {
		return 0
	}
	return q.cfg.MaxRetries
}

func (q *Queue) storageKey() string {
	if q.cfg.StorageKey == "" {
		return "sync_queue"
	}
	return q.cfg.StorageKey
}

func (q *Queue) persistLocked() error {
	data, err := json.Marshal(q.items)
	if err != nil {
		return fmt.Errorf("failed to encode sync queue: %w", err)
	}
	if err := q.store.Set(q.storageKey(), data); err != nil {
		return fmt.Errorf("failed to persist sync queue: %w", err)
	}
	return nil
}

func (q *Queue) load() error {
	data, err := q.store.Get(q.storageKey())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load sync queue: %w", err)
	}
	if err := json.Unmarshal(data, &q.items); err != nil {
		return fmt.Errorf("failed to decode sync queue: %w", err)
	}
	if len(q.items) > 0 {
		q.log.WithComponent("sync_queue").WithFields(logger.Fields{
			"depth": len(q.items),
		}).Info("restored pending mutations from storage")
	}
	return nil
}
