package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	ikeys "github.com/UniQw/edgepurge/internal/keys"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultReservationLease is how long a reservation protects an item from
// being handed out again. It must exceed the longest driver call.
const DefaultReservationLease = 30 * time.Second

// RedisStore implements Store on Redis. Every multi-key transition runs as one
// Lua script over keys sharing the queue's hash tag.
type RedisStore struct {
	rdb   redis.UniversalClient
	lease time.Duration
	now   func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithReservationLease overrides DefaultReservationLease.
func WithReservationLease(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d >= 0 {
			s.lease = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisStore creates a Store backed by rdb.
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, lease: DefaultReservationLease, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) nowMs() int64 { return s.now().UnixMilli() }

func (s *RedisStore) staleBeforeMs(nowMs int64) int64 { return nowMs - s.lease.Milliseconds() }

func (s *RedisStore) Add(ctx context.Context, queue string, payload []byte, opts ...AddOption) (*Item, error) {
	if queue == "" {
		return nil, ErrEmptyQueueName
	}
	o := BuildAddOptions(opts...)
	k := ikeys.For(queue)
	fp := Fingerprint(payload)

	keys := []string{k.Fingerprints, k.Pending, k.Seq}
	if !o.Parent.IsZero() {
		// Register the child queue on the parent first so a completion sweep
		// never sees a child without knowing where to look for it.
		if err := s.rdb.SAdd(ctx, ikeys.ChildQueues(o.Parent.Queue, o.Parent.ID), queue).Err(); err != nil {
			return nil, fmt.Errorf("register child queue: %w", err)
		}
		keys = append(keys, ikeys.Children(queue, o.Parent.Queue, o.Parent.ID))
	}

	res, err := addScript.Run(ctx, s.rdb, keys,
		k.ItemPrefix, uuid.NewString(), fp, string(payload),
		o.Parent.ID, o.Parent.Queue, s.nowMs(), queue,
	).Slice()
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("queue: unexpected add reply %v", res)
	}
	id, _ := res[0].(string)
	return s.GetItem(ctx, queue, id)
}

func (s *RedisStore) GetAndReserveItems(ctx context.Context, queue string, limit int, onlyUnreserved bool) ([]*Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	k := ikeys.For(queue)
	now := s.nowMs()
	ids, err := reserveScript.Run(ctx, s.rdb, []string{k.Pending, k.Reserved},
		k.ItemPrefix, limit, now, boolArg(onlyUnreserved), s.staleBeforeMs(now),
	).StringSlice()
	if err != nil {
		return nil, err
	}
	return s.loadItems(ctx, k, ids)
}

func (s *RedisStore) GetUnfinishedPreviouslyAttemptedItems(ctx context.Context, queue string, maxAttempts, limit int, touch bool, opts ...SelectOption) ([]*Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	o := BuildSelectOptions(opts...)
	k := ikeys.For(queue)
	now := s.nowMs()
	ids, err := retryScript.Run(ctx, s.rdb, []string{k.Reserved},
		k.ItemPrefix, maxAttempts, limit, boolArg(touch), now, s.staleBeforeMs(now), boolArg(o.SkipSealed),
	).StringSlice()
	if err != nil {
		return nil, err
	}
	return s.loadItems(ctx, k, ids)
}

func (s *RedisStore) CompleteItems(ctx context.Context, queue string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	k := ikeys.For(queue)
	n, err := completeScript.Run(ctx, s.rdb, []string{k.Reserved, k.Completed, k.Fingerprints},
		idArgs(k.ItemPrefix, s.nowMs(), ids)...,
	).Int()
	return n, err
}

func (s *RedisStore) ReleaseItems(ctx context.Context, queue string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	k := ikeys.For(queue)
	return releaseScript.Run(ctx, s.rdb, []string{k.Pending, k.Reserved},
		idArgs(k.ItemPrefix, s.nowMs(), ids)...,
	).Int()
}

func (s *RedisStore) SealItems(ctx context.Context, queue string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	k := ikeys.For(queue)
	return sealScript.Run(ctx, s.rdb, []string{k.Reserved}, idArgs(k.ItemPrefix, s.nowMs(), ids)...).Err()
}

func (s *RedisStore) FlagMaxAttemptedItemsAsFailed(ctx context.Context, queue string, maxAttempts int, opts ...SelectOption) ([]*Item, error) {
	k := ikeys.For(queue)
	o := BuildSelectOptions(opts...)
	ids, err := failMaxScript.Run(ctx, s.rdb, []string{k.Reserved, k.Failed, k.Fingerprints},
		k.ItemPrefix, maxAttempts, s.nowMs(), boolArg(o.SkipSealed),
	).StringSlice()
	if err != nil {
		return nil, err
	}
	return s.loadItems(ctx, k, ids)
}

func (s *RedisStore) GetUnfinishedItemsByParent(ctx context.Context, queue string, parent Ref) ([]*Item, error) {
	k := ikeys.For(queue)
	ids, err := s.rdb.SMembers(ctx, ikeys.Children(queue, parent.Queue, parent.ID)).Result()
	if err != nil {
		return nil, err
	}
	items, err := s.loadItems(ctx, k, ids)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if !it.Finished() {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *RedisStore) ChildQueues(ctx context.Context, parent Ref) ([]string, error) {
	return s.rdb.SMembers(ctx, ikeys.ChildQueues(parent.Queue, parent.ID)).Result()
}

func (s *RedisStore) ForgetChildren(ctx context.Context, parent Ref) error {
	cqKey := ikeys.ChildQueues(parent.Queue, parent.ID)
	queues, err := s.rdb.SMembers(ctx, cqKey).Result()
	if err != nil {
		return err
	}
	// Child sets live in the child queue's slot, so delete them one by one.
	for _, q := range queues {
		if err := s.rdb.Del(ctx, ikeys.Children(q, parent.Queue, parent.ID)).Err(); err != nil {
			return err
		}
	}
	return s.rdb.Del(ctx, cqKey).Err()
}

func (s *RedisStore) ClearQueue(ctx context.Context, queue string, skipConstraint bool) (int, error) {
	k := ikeys.For(queue)
	return clearScript.Run(ctx, s.rdb, []string{k.Pending, k.Reserved, k.Fingerprints},
		k.ItemPrefix, k.ChildQPrefix, boolArg(skipConstraint),
	).Int()
}

func (s *RedisStore) GetItem(ctx context.Context, queue, id string) (*Item, error) {
	m, err := s.rdb.HGetAll(ctx, ikeys.Item(queue, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrItemNotFound
	}
	return itemFromHash(m)
}

func (s *RedisStore) ListItems(ctx context.Context, queue string, state State, limit int) ([]*Item, error) {
	k := ikeys.For(queue)
	key, err := stateKey(k, state)
	if err != nil {
		return nil, err
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.rdb.ZRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	return s.loadItems(ctx, k, ids)
}

func (s *RedisStore) Count(ctx context.Context, queue string, state State) (int64, error) {
	key, err := stateKey(ikeys.For(queue), state)
	if err != nil {
		return 0, err
	}
	return s.rdb.ZCard(ctx, key).Result()
}

func (s *RedisStore) CollectGarbage(ctx context.Context, queue string, olderThan time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	k := ikeys.For(queue)
	return gcScript.Run(ctx, s.rdb, []string{k.Completed, k.Failed},
		k.ItemPrefix, k.ChildQPrefix, olderThan.UnixMilli(), limit,
	).Int()
}

func (s *RedisStore) Lock(ctx context.Context, queue string, ttl time.Duration) (Unlock, error) {
	key := ikeys.For(queue).Lock
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	return func(ctx context.Context) error {
		return unlockScript.Run(ctx, s.rdb, []string{key}, token).Err()
	}, nil
}

// loadItems fetches item hashes in one pipeline, keeping the order of ids and
// skipping ids whose hash no longer exists.
func (s *RedisStore) loadItems(ctx context.Context, k ikeys.Queue, ids []string) ([]*Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, k.Item(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]*Item, 0, len(ids))
	for _, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		if len(m) == 0 {
			continue
		}
		it, err := itemFromHash(m)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

func stateKey(k ikeys.Queue, state State) (string, error) {
	switch state {
	case StatePending:
		return k.Pending, nil
	case StateReserved:
		return k.Reserved, nil
	case StateCompleted:
		return k.Completed, nil
	case StateFailed:
		return k.Failed, nil
	default:
		return "", ErrUnknownState
	}
}

func itemFromHash(m map[string]string) (*Item, error) {
	st, err := ParseState(m["state"])
	if err != nil {
		return nil, err
	}
	attempts, _ := strconv.Atoi(m["attempts"])
	return &Item{
		ID:          m["id"],
		Queue:       m["queue"],
		Payload:     []byte(m["payload"]),
		Fingerprint: m["fp"],
		ParentID:    m["parent_id"],
		ParentQueue: m["parent_queue"],
		State:       st,
		Attempts:    attempts,
		CreatedAt:   msTime(m["created_at"]),
		ReservedAt:  msTime(m["reserved_at"]),
		UpdatedAt:   msTime(m["updated_at"]),
		SealedAt:    msTime(m["sealed_at"]),
	}, nil
}

func msTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func idArgs(prefix string, nowMs int64, ids []string) []any {
	args := make([]any, 0, len(ids)+2)
	args = append(args, prefix, nowMs)
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}
