// Package queue provides the durable, ordered mutation queue for offline
// operations. Every mutation is write-through persisted to local storage,
// so a process crash loses at most the in-flight network call.
package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/projexhq/projex-sync/internal/logging"
	"github.com/projexhq/projex-sync/internal/models"
	"github.com/projexhq/projex-sync/internal/store"
)

// Action represents a mutation type.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// StorageKey is the fixed durable-storage key the serialized queue lives
// under across process restarts.
const StorageKey = "projex_sync_queue"

// MaxRetries bounds retry attempts per item. Once RetryCount exceeds this
// ceiling the item is permanently dropped; the loss is observable only via
// logs.
const MaxRetries = 5

// Item is the unit of durable work.
type Item struct {
	ID         string          `json:"id"` // "{table}-{entityID-or-timestamp}"
	Action     Action          `json:"action"`
	Table      models.Table    `json:"table"`
	Payload    json.RawMessage `json:"payload"` // entity snapshot at enqueue time
	EnqueuedAt int64           `json:"enqueuedAt"` // unix milliseconds
	RetryCount int             `json:"retryCount"`
	TenantID   string          `json:"tenantId"`
}

// ReadyAt returns when the item becomes eligible for its next attempt:
// 2^RetryCount seconds after enqueue.
func (it *Item) ReadyAt() time.Time {
	backoff := time.Duration(1<<uint(it.RetryCount)) * time.Second
	return time.UnixMilli(it.EnqueuedAt).Add(backoff)
}

// Eligible reports whether the backoff window has elapsed at now.
func (it *Item) Eligible(now time.Time) bool {
	return !now.Before(it.ReadyAt())
}

// MutationQueue manages pending mutations in enqueue order.
type MutationQueue struct {
	mu      sync.Mutex
	items   []*Item
	storage store.Storage
	logger  *logging.Logger
}

// New creates a MutationQueue persisting through storage.
func New(storage store.Storage, logger *logging.Logger) *MutationQueue {
	if logger == nil {
		logger = logging.Get()
	}
	return &MutationQueue{
		storage: storage,
		logger:  logger,
	}
}

// Load rehydrates the queue from durable storage. It must run before the
// first flush cycle.
func (q *MutationQueue) Load() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	saved, err := q.storage.Get(StorageKey)
	if err != nil {
		return err
	}
	if saved == "" {
		return nil
	}

	var items []*Item
	if err := json.Unmarshal([]byte(saved), &items); err != nil {
		return fmt.Errorf("failed to decode persisted queue: %w", err)
	}

	q.items = items
	q.logger.Info("Mutation queue rehydrated",
		map[string]interface{}{"items": len(items)})
	return nil
}

// Enqueue appends a mutation and persists the queue. An existing item with
// the same ID is replaced in place (payload refreshed, retry state reset),
// keeping at most one queued mutation per entity.
func (q *MutationQueue) Enqueue(action Action, table models.Table, entityID string, payload []byte, tenantID string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := entityID
	if key == "" {
		key = fmt.Sprintf("%d", time.Now().UnixMilli())
	}

	item := &Item{
		ID:         fmt.Sprintf("%s-%s", table, key),
		Action:     action,
		Table:      table,
		Payload:    payload,
		EnqueuedAt: time.Now().UnixMilli(),
		RetryCount: 0,
		TenantID:   tenantID,
	}

	replaced := false
	for i, existing := range q.items {
		if existing.ID == item.ID {
			q.items[i] = item
			replaced = true
			break
		}
	}
	if !replaced {
		q.items = append(q.items, item)
	}

	if err := q.persistLocked(); err != nil {
		return nil, err
	}

	q.logger.Info("Operation enqueued",
		map[string]interface{}{
			"item_id":    item.ID,
			"action":     string(action),
			"table":      table.String(),
			"queue_size": len(q.items),
		})

	return item, nil
}

// RemoveSucceeded removes the given item IDs and persists once.
func (q *MutationQueue) RemoveSucceeded(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	kept := q.items[:0]
	for _, item := range q.items {
		if !drop[item.ID] {
			kept = append(kept, item)
		}
	}
	q.items = kept

	return q.persistLocked()
}

// Remove removes a single item by ID. Returns false if the ID is unknown.
func (q *MutationQueue) Remove(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true, q.persistLocked()
		}
	}
	return false, nil
}

// MarkFailed increments an item's retry count. When the count exceeds
// MaxRetries the item is dropped from the queue and dropped=true is
// returned; the caller only learns of the loss through logs.
func (q *MutationQueue) MarkFailed(id string) (dropped bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.ID != id {
			continue
		}
		item.RetryCount++
		if item.RetryCount > MaxRetries {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.logger.Error("Max retries exceeded, dropping queued mutation", nil,
				map[string]interface{}{
					"item_id": item.ID,
					"table":   item.Table.String(),
					"action":  string(item.Action),
					"retries": item.RetryCount,
				})
			return true, q.persistLocked()
		}
		return false, q.persistLocked()
	}
	return false, nil
}

// Snapshot returns a copy of the queue in enqueue order.
func (q *MutationQueue) Snapshot() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]*Item, 0, len(q.items))
	for _, item := range q.items {
		cp := *item
		items = append(items, &cp)
	}
	return items
}

// Size returns the number of queued mutations.
func (q *MutationQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear removes every queued mutation.
func (q *MutationQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	if err := q.storage.Remove(StorageKey); err != nil {
		return err
	}
	q.logger.Info("Mutation queue cleared", nil)
	return nil
}

// persistLocked writes the full queue to durable storage. Callers hold the
// lock.
func (q *MutationQueue) persistLocked() error {
	data, err := json.Marshal(q.items)
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	if err := q.storage.Set(StorageKey, string(data)); err != nil {
		q.logger.Error("Failed to persist mutation queue", err, nil)
		return err
	}
	return nil
}
