package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	ikeys "github.com/UniQw/edgepurge/internal/keys"
	"github.com/UniQw/edgepurge/queue"
	"github.com/UniQw/edgepurge/queue/queuetest"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		s.Close()
	}
	return rdb, cleanup
}

func TestRedisStore_Conformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.Store {
		rdb, done := newMiniClient(t)
		t.Cleanup(done)
		return queue.NewRedisStore(rdb, queue.WithReservationLease(0))
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRedisStore_LeaseProtectsReservation(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := queue.NewRedisStore(rdb, queue.WithReservationLease(30*time.Second), queue.WithClock(clock.Now))
	ctx := context.Background()
	q := queue.New(s, "urls:lease")

	_, err := q.Add(ctx, map[string]string{"type": "url", "url": "https://a.test/"})
	require.NoError(t, err)
	got, err := q.GetAndReserveItems(ctx, 1, true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, clock.Now(), got[0].ReservedAt)

	// Still leased: nobody else may take it.
	clock.Advance(29 * time.Second)
	retried, err := q.GetUnfinishedPreviouslyAttemptedItems(ctx, 3, 10, true)
	require.NoError(t, err)
	require.Empty(t, retried)
	again, err := q.GetAndReserveItems(ctx, 1, false)
	require.NoError(t, err)
	require.Empty(t, again)

	clock.Advance(time.Second)
	retried, err = q.GetUnfinishedPreviouslyAttemptedItems(ctx, 3, 10, true)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	require.Equal(t, 2, retried[0].Attempts)

	// Touch renewed the lease.
	retried, err = q.GetUnfinishedPreviouslyAttemptedItems(ctx, 3, 10, true)
	require.NoError(t, err)
	require.Empty(t, retried)
}

func TestRedisStore_KeyLayout(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	s := queue.NewRedisStore(rdb)
	ctx := context.Background()
	parent := queue.Ref{Queue: "objects:1", ID: "p1"}

	it, err := s.Add(ctx, "urls:1", []byte(`{"type":"url","url":"https://a.test/"}`), queue.WithParent(parent))
	require.NoError(t, err)

	n, _ := rdb.ZCard(ctx, ikeys.For("urls:1").Pending).Result()
	require.Equal(t, int64(1), n)
	id, _ := rdb.HGet(ctx, ikeys.For("urls:1").Fingerprints, it.Fingerprint).Result()
	require.Equal(t, it.ID, id)
	ok, _ := rdb.SIsMember(ctx, ikeys.Children("urls:1", "objects:1", "p1"), it.ID).Result()
	require.True(t, ok)
	ok, _ = rdb.SIsMember(ctx, ikeys.ChildQueues("objects:1", "p1"), "urls:1").Result()
	require.True(t, ok)
	st, _ := rdb.HGet(ctx, ikeys.Item("urls:1", it.ID), "state").Result()
	require.Equal(t, "pending", st)
}

func TestRedisStore_EmptyQueueName(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	_, err := queue.NewRedisStore(rdb).Add(context.Background(), "", []byte(`{}`))
	require.ErrorIs(t, err, queue.ErrEmptyQueueName)
}

func TestRedisStore_LockExpires(t *testing.T) {
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	store := queue.NewRedisStore(rdb)
	ctx := context.Background()

	unlock, err := store.Lock(ctx, "urls:1", time.Second)
	require.NoError(t, err)
	s.FastForward(2 * time.Second)

	other, err := store.Lock(ctx, "urls:1", time.Minute)
	require.NoError(t, err)
	// The stale holder must not release the new holder's lock.
	require.NoError(t, unlock(ctx))
	_, err = store.Lock(ctx, "urls:1", time.Minute)
	require.ErrorIs(t, err, queue.ErrLocked)
	require.NoError(t, other(ctx))
}

func TestItem_Decode(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	q := queue.New(queue.NewRedisStore(rdb), "objects:1")
	it, err := q.Add(context.Background(), map[string]any{"type": "term", "id": 4, "taxonomy": "category"})
	require.NoError(t, err)

	var v struct {
		Type     string `json:"type"`
		ID       int64  `json:"id"`
		Taxonomy string `json:"taxonomy"`
	}
	require.NoError(t, it.Decode(&v))
	require.Equal(t, "term", v.Type)
	require.Equal(t, int64(4), v.ID)
	require.Equal(t, "category", v.Taxonomy)
}
