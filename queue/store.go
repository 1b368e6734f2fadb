package queue

import (
	"context"
	"time"
)

// Store is the durable backend behind every queue. Each call names the queue
// it operates on; Queue binds a name for callers that work on one queue.
//
// Implementations must make GetAndReserveItems and a touching
// GetUnfinishedPreviouslyAttemptedItems a single atomic claim so that no two
// concurrent callers ever receive the same item.
type Store interface {
	// Add inserts a pending item, or returns the unfinished item with the same
	// payload fingerprint after bumping its UpdatedAt.
	Add(ctx context.Context, queue string, payload []byte, opts ...AddOption) (*Item, error)
	// GetAndReserveItems reserves up to limit pending items, oldest first.
	// When onlyUnreserved is false, remaining capacity is filled with reserved
	// items whose lease expired.
	GetAndReserveItems(ctx context.Context, queue string, limit int, onlyUnreserved bool) ([]*Item, error)
	// GetUnfinishedPreviouslyAttemptedItems returns reserved items with
	// attempts below maxAttempts and an expired lease. With touch, they are
	// re-reserved (attempts+1, fresh lease).
	GetUnfinishedPreviouslyAttemptedItems(ctx context.Context, queue string, maxAttempts, limit int, touch bool, opts ...SelectOption) ([]*Item, error)
	CompleteItems(ctx context.Context, queue string, ids ...string) (int, error)
	ReleaseItems(ctx context.Context, queue string, ids ...string) (int, error)
	SealItems(ctx context.Context, queue string, ids ...string) error
	FlagMaxAttemptedItemsAsFailed(ctx context.Context, queue string, maxAttempts int, opts ...SelectOption) ([]*Item, error)
	// GetUnfinishedItemsByParent lists unfinished items of queue whose parent is parent.
	GetUnfinishedItemsByParent(ctx context.Context, queue string, parent Ref) ([]*Item, error)
	// ChildQueues lists every queue that received a child of parent.
	ChildQueues(ctx context.Context, parent Ref) ([]string, error)
	// ForgetChildren drops the parent/child bookkeeping of parent.
	ForgetChildren(ctx context.Context, parent Ref) error
	// ClearQueue deletes pending items, and reserved items too when
	// skipConstraint is set. Terminal items are left for garbage collection.
	ClearQueue(ctx context.Context, queue string, skipConstraint bool) (int, error)
	GetItem(ctx context.Context, queue, id string) (*Item, error)
	// ListItems returns up to limit items in state, oldest first. limit <= 0 means all.
	ListItems(ctx context.Context, queue string, state State, limit int) ([]*Item, error)
	Count(ctx context.Context, queue string, state State) (int64, error)
	// CollectGarbage deletes up to limit terminal items last updated before olderThan.
	CollectGarbage(ctx context.Context, queue string, olderThan time.Time, limit int) (int, error)
	// Lock takes the per-queue tick lock. It returns ErrLocked when held elsewhere.
	Lock(ctx context.Context, queue string, ttl time.Duration) (Unlock, error)
}

// Unlock releases a lock taken with Store.Lock.
type Unlock func(ctx context.Context) error
