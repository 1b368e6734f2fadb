package queue

import (
	"context"
	"time"
)

// Queue binds a Store to one queue name.
type Queue struct {
	name  string
	store Store
	codec Codec
}

// New returns a handle on the named queue.
func New(store Store, name string) *Queue {
	return &Queue{name: name, store: store, codec: defaultCodec}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Store returns the backing store.
func (q *Queue) Store() Store { return q.store }

// Add encodes payload and adds it to the queue.
func (q *Queue) Add(ctx context.Context, payload any, opts ...AddOption) (*Item, error) {
	data, err := q.codec.Encode(payload)
	if err != nil {
		return nil, err
	}
	return q.store.Add(ctx, q.name, data, opts...)
}

// GetAndReserveItems reserves up to limit pending items, oldest first. With
// onlyUnreserved false, reserved items whose lease has lapsed are re-taken too.
func (q *Queue) GetAndReserveItems(ctx context.Context, limit int, onlyUnreserved bool) ([]*Item, error) {
	return q.store.GetAndReserveItems(ctx, q.name, limit, onlyUnreserved)
}

// GetUnfinishedPreviouslyAttemptedItems returns reserved items with fewer
// than maxAttempts attempts. With touch set they are re-reserved and their
// attempt count grows.
func (q *Queue) GetUnfinishedPreviouslyAttemptedItems(ctx context.Context, maxAttempts, limit int, touch bool, opts ...SelectOption) ([]*Item, error) {
	return q.store.GetUnfinishedPreviouslyAttemptedItems(ctx, q.name, maxAttempts, limit, touch, opts...)
}

// CompleteItems marks items completed and returns how many transitioned.
func (q *Queue) CompleteItems(ctx context.Context, items ...*Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	return q.store.CompleteItems(ctx, q.name, IDs(items)...)
}

// ReleaseItems puts reserved items back to pending.
func (q *Queue) ReleaseItems(ctx context.Context, items ...*Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	return q.store.ReleaseItems(ctx, q.name, IDs(items)...)
}

// SealItems records that items have produced all their children.
func (q *Queue) SealItems(ctx context.Context, items ...*Item) error {
	if len(items) == 0 {
		return nil
	}
	return q.store.SealItems(ctx, q.name, IDs(items)...)
}

// FlagMaxAttemptedItemsAsFailed moves reserved items with at least
// maxAttempts attempts to the failed state and returns them.
func (q *Queue) FlagMaxAttemptedItemsAsFailed(ctx context.Context, maxAttempts int, opts ...SelectOption) ([]*Item, error) {
	return q.store.FlagMaxAttemptedItemsAsFailed(ctx, q.name, maxAttempts, opts...)
}

// GetUnfinishedItemsByParent returns the pending or reserved items of this
// queue that are children of parent.
func (q *Queue) GetUnfinishedItemsByParent(ctx context.Context, parent Ref) ([]*Item, error) {
	return q.store.GetUnfinishedItemsByParent(ctx, q.name, parent)
}

// ClearQueue deletes the pending items. With skipConstraint set, reserved
// items are deleted as well.
func (q *Queue) ClearQueue(ctx context.Context, skipConstraint bool) (int, error) {
	return q.store.ClearQueue(ctx, q.name, skipConstraint)
}

// GetItem loads one item. It returns ErrItemNotFound when id is unknown.
func (q *Queue) GetItem(ctx context.Context, id string) (*Item, error) {
	return q.store.GetItem(ctx, q.name, id)
}

// ListItems returns up to limit items in state, oldest first. limit <= 0 means all.
func (q *Queue) ListItems(ctx context.Context, state State, limit int) ([]*Item, error) {
	return q.store.ListItems(ctx, q.name, state, limit)
}

// Count returns how many items are in state.
func (q *Queue) Count(ctx context.Context, state State) (int64, error) {
	return q.store.Count(ctx, q.name, state)
}

// Depth returns the number of unfinished items (pending + reserved).
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	p, err := q.store.Count(ctx, q.name, StatePending)
	if err != nil {
		return 0, err
	}
	r, err := q.store.Count(ctx, q.name, StateReserved)
	if err != nil {
		return 0, err
	}
	return p + r, nil
}

// FailedCount returns the number of items in the failed state.
func (q *Queue) FailedCount(ctx context.Context) (int64, error) {
	return q.store.Count(ctx, q.name, StateFailed)
}

// CollectGarbage deletes up to limit completed or failed items last updated
// before olderThan.
func (q *Queue) CollectGarbage(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	return q.store.CollectGarbage(ctx, q.name, olderThan, limit)
}

// Lock takes the queue's tick lock for ttl. It returns ErrLocked when the
// lock is held elsewhere.
func (q *Queue) Lock(ctx context.Context, ttl time.Duration) (Unlock, error) {
	return q.store.Lock(ctx, q.name, ttl)
}
