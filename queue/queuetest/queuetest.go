// Package queuetest holds a behavioural suite every queue.Store must pass.
package queuetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/UniQw/edgepurge/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. Stores must be built with a zero
// reservation lease so retry selection does not have to wait.
type Factory func(t *testing.T) queue.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s queue.Store)
	}{
		{"AddDedupesUnfinished", testAddDedupesUnfinished},
		{"ReserveOldestFirst", testReserveOldestFirst},
		{"ConcurrentReserveAtMostOnce", testConcurrentReserveAtMostOnce},
		{"BoundedRetriesThenFailed", testBoundedRetriesThenFailed},
		{"ReleaseKeepsPosition", testReleaseKeepsPosition},
		{"ReserveRetakesExpired", testReserveRetakesExpired},
		{"ParentChildren", testParentChildren},
		{"DedupeAttachesNewParent", testDedupeAttachesNewParent},
		{"ClearQueue", testClearQueue},
		{"SkipSealed", testSkipSealed},
		{"CollectGarbage", testCollectGarbage},
		{"Lock", testLock},
		{"UnknownState", testUnknownState},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func payload(i int) []byte { return []byte(fmt.Sprintf(`{"type":"url","url":"https://example.com/%d"}`, i)) }

func testAddDedupesUnfinished(t *testing.T, s queue.Store) {
	ctx := context.Background()
	q := queue.New(s, "urls:dedupe")

	first, err := s.Add(ctx, q.Name(), payload(1))
	require.NoError(t, err)
	require.Equal(t, queue.StatePending, first.State)
	require.Equal(t, queue.Fingerprint(payload(1)), first.Fingerprint)

	second, err := s.Add(ctx, q.Name(), payload(1))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))

	other, err := s.Add(ctx, q.Name(), payload(2))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), depth)

	// Once finished, the same payload creates a new item.
	got, err := q.GetAndReserveItems(ctx, 1, true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	n, err := q.CompleteItems(ctx, got...)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	third, err := s.Add(ctx, q.Name(), payload(1))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID)
}

func testReserveOldestFirst(t *testing.T, s queue.Store) {
	ctx := context.Background()
	q := queue.New(s, "urls:order")
	var ids []string
	for i := 0; i < 3; i++ {
		it, err := s.Add(ctx, q.Name(), payload(i))
		require.NoError(t, err)
		ids = append(ids, it.ID)
	}

	got, err := q.GetAndReserveItems(ctx, 2, true)
	require.NoError(t, err)
	require.Equal(t, ids[:2], queue.IDs(got))
	for _, it := range got {
		assert.Equal(t, queue.StateReserved, it.State)
		assert.Equal(t, 1, it.Attempts)
		assert.False(t, it.ReservedAt.IsZero())
	}

	pending, err := q.Count(ctx, queue.StatePending)
	require.NoError(t, err)
	require.Equal(t, int64(1), pending)
}

func testConcurrentReserveAtMostOnce(t *testing.T, s queue.Store) {
	ctx := context.Background()
	q := queue.New(s, "urls:concurrent")
	const total = 60
	for i := 0; i < total; i++ {
		_, err := s.Add(ctx, q.Name(), payload(i))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := q.GetAndReserveItems(ctx, 4, true)
				if err != nil || len(got) == 0 {
					return
				}
				mu.Lock()
				for _, it := range got {
					seen[it.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equalf(t, 1, n, "item %s reserved %d times", id, n)
	}
}

func testBoundedRetriesThenFailed(t *testing.T, s queue.Store) {
	ctx := context.Background()
	q := queue.New(s, "urls:retry")
	const maxAttempts = 3

	it, err := s.Add(ctx, q.Name(), payload(1))
	require.NoError(t, err)
	got, err := q.GetAndReserveItems(ctx, 10, true)
	require.NoError(t, err)
	require.Len(t, got, 1)

	for attempt := 2; attempt <= maxAttempts; attempt++ {
		retried, err := q.GetUnfinishedPreviouslyAttemptedItems(ctx, maxAttempts, 10, true)
		require.NoError(t, err)
		require.Len(t, retried, 1)
		require.Equal(t, attempt, retried[0].Attempts)
	}

	retried, err := q.GetUnfinishedPreviouslyAttemptedItems(ctx, maxAttempts, 10, true)
	require.NoError(t, err)
	require.Empty(t, retried)

	failed, err := q.FlagMaxAttemptedItemsAsFailed(ctx, maxAttempts)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, it.ID, failed[0].ID)
	require.Equal(t, queue.StateFailed, failed[0].State)

	n, err := q.FailedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	again, err := q.GetAndReserveItems(ctx, 10, false)
	require.NoError(t, err)
	require.Empty(t, again)
	retried, err = q.GetUnfinishedPreviouslyAttemptedItems(ctx, maxAttempts+5, 10, true)
	require.NoError(t, err)
	require.Empty(t, retried)

	// Terminal items cannot be completed.
	done, err := q.CompleteItems(ctx, failed...)
	require.NoError(t, err)
	require.Zero(t, done)
}

func testReleaseKeepsPosition(t *testing.T, s queue.Store) {
	ctx := context.Background()
	q := queue.New(s, "urls:release")
	a, err := s.Add(ctx, q.Name(), payload(1))
	require.NoError(t, err)
	_, err = s.Add(ctx, q.Name(), payload(2))
	require.NoError(t, err)

	got, err := q.GetAndReserveItems(ctx, 1, true)
	require.NoError(t, err)
	require.Equal(t, a.ID, got[0].ID)
	n, err := q.ReleaseItems(ctx, got...)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	again, err := q.GetAndReserveItems(ctx, 1, true)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, a.ID, again[0].ID)
	require.Equal(t, 2, again[0].Attempts)
}

func testReserveRetakesExpired(t *testing.T, s queue.Store) {
	ctx := context.Background()
	q := queue.New(s, "objects:expired")
	a, err := s.Add(ctx, q.Name(), payload(1))
	require.NoError(t, err)
	_, err = q.GetAndReserveItems(ctx, 1, true)
	require.NoError(t, err)

	none, err := q.GetAndReserveItems(ctx, 1, true)
	require.NoError(t, err)
	require.Empty(t, none)

	got, err := q.GetAndReserveItems(ctx, 1, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, a.ID, got[0].ID)
	require.Equal(t, 2, got[0].Attempts)
}

func testParentChildren(t *testing.T, s queue.Store) {
	ctx := context.Background()
	objects := queue.New(s, "objects:tree")
	urls := queue.New(s, "urls:tree")

	parent, err := objects.Add(ctx, map[string]any{"type": "post", "id": 1})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.Add(ctx, urls.Name(), payload(i), queue.WithParent(parent.Ref()))
		require.NoError(t, err)
	}

	cqs, err := s.ChildQueues(ctx, parent.Ref())
	require.NoError(t, err)
	require.Equal(t, []string{urls.Name()}, cqs)

	children, err := urls.GetAndReserveItems(ctx, 5, true)
	require.NoError(t, err)
	require.Len(t, children, 5)
	for _, c := range children {
		p, ok := c.Parent()
		require.True(t, ok)
		require.Equal(t, parent.Ref(), p)
	}
	_, err = urls.CompleteItems(ctx, children[:4]...)
	require.NoError(t, err)

	open, err := urls.GetUnfinishedItemsByParent(ctx, parent.Ref())
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, children[4].ID, open[0].ID)

	_, err = urls.CompleteItems(ctx, children[4])
	require.NoError(t, err)
	open, err = urls.GetUnfinishedItemsByParent(ctx, parent.Ref())
	require.NoError(t, err)
	require.Empty(t, open)

	require.NoError(t, s.ForgetChildren(ctx, parent.Ref()))
	cqs, err = s.ChildQueues(ctx, parent.Ref())
	require.NoError(t, err)
	require.Empty(t, cqs)
}

func testDedupeAttachesNewParent(t *testing.T, s queue.Store) {
	ctx := context.Background()
	p1 := queue.Ref{Queue: "objects:share", ID: "p1"}
	p2 := queue.Ref{Queue: "objects:share", ID: "p2"}
	q := queue.New(s, "urls:share")

	a, err := s.Add(ctx, q.Name(), payload(7), queue.WithParent(p1))
	require.NoError(t, err)
	b, err := s.Add(ctx, q.Name(), payload(7), queue.WithParent(p2))
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)

	for _, p := range []queue.Ref{p1, p2} {
		open, err := q.GetUnfinishedItemsByParent(ctx, p)
		require.NoError(t, err)
		require.Len(t, open, 1)
		require.Equal(t, a.ID, open[0].ID)
	}
}

func testClearQueue(t *testing.T, s queue.Store) {
	ctx := context.Background()
	q := queue.New(s, "urls:clear")
	for i := 0; i < 3; i++ {
		_, err := s.Add(ctx, q.Name(), payload(i))
		require.NoError(t, err)
	}
	reserved, err := q.GetAndReserveItems(ctx, 1, true)
	require.NoError(t, err)
	require.Len(t, reserved, 1)

	n, err := q.ClearQueue(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	left, err := q.Count(ctx, queue.StateReserved)
	require.NoError(t, err)
	require.Equal(t, int64(1), left)

	n, err = q.ClearQueue(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)

	_, err = q.GetItem(ctx, reserved[0].ID)
	require.ErrorIs(t, err, queue.ErrItemNotFound)

	// Cleared payloads are not held by the fingerprint index.
	again, err := s.Add(ctx, q.Name(), payload(0))
	require.NoError(t, err)
	require.NotEqual(t, reserved[0].ID, again.ID)
}

func testSkipSealed(t *testing.T, s queue.Store) {
	ctx := context.Background()
	q := queue.New(s, "objects:sealed")
	for i := 0; i < 2; i++ {
		_, err := s.Add(ctx, q.Name(), payload(i))
		require.NoError(t, err)
	}
	got, err := q.GetAndReserveItems(ctx, 2, true)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NoError(t, q.SealItems(ctx, got[0]))

	sealed, err := q.GetItem(ctx, got[0].ID)
	require.NoError(t, err)
	require.True(t, sealed.Sealed())

	retried, err := q.GetUnfinishedPreviouslyAttemptedItems(ctx, 5, 10, false, queue.SkipSealed())
	require.NoError(t, err)
	require.Equal(t, []string{got[1].ID}, queue.IDs(retried))

	all, err := q.GetUnfinishedPreviouslyAttemptedItems(ctx, 5, 10, false)
	require.NoError(t, err)
	ids := queue.IDs(all)
	sort.Strings(ids)
	want := queue.IDs(got)
	sort.Strings(want)
	require.Equal(t, want, ids)

	// A sealed item waiting on children is not failed by the attempts sweep.
	failed, err := q.FlagMaxAttemptedItemsAsFailed(ctx, 1, queue.SkipSealed())
	require.NoError(t, err)
	require.Equal(t, []string{got[1].ID}, queue.IDs(failed))
	still, err := q.GetItem(ctx, got[0].ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateReserved, still.State)
}

func testCollectGarbage(t *testing.T, s queue.Store) {
	ctx := context.Background()
	q := queue.New(s, "urls:gc")
	for i := 0; i < 3; i++ {
		_, err := s.Add(ctx, q.Name(), payload(i))
		require.NoError(t, err)
	}
	got, err := q.GetAndReserveItems(ctx, 2, true)
	require.NoError(t, err)
	_, err = q.CompleteItems(ctx, got...)
	require.NoError(t, err)

	n, err := q.CollectGarbage(ctx, time.Now().Add(-time.Hour), 100)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = q.CollectGarbage(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = q.GetItem(ctx, got[0].ID)
	require.ErrorIs(t, err, queue.ErrItemNotFound)
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func testLock(t *testing.T, s queue.Store) {
	ctx := context.Background()
	unlock, err := s.Lock(ctx, "urls:lock", time.Minute)
	require.NoError(t, err)

	_, err = s.Lock(ctx, "urls:lock", time.Minute)
	require.ErrorIs(t, err, queue.ErrLocked)

	other, err := s.Lock(ctx, "objects:lock", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, unlock(ctx))
	again, err := s.Lock(ctx, "urls:lock", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func testUnknownState(t *testing.T, s queue.Store) {
	ctx := context.Background()
	_, err := s.Count(ctx, "urls:x", queue.State("bogus"))
	require.ErrorIs(t, err, queue.ErrUnknownState)
	_, err = s.ListItems(ctx, "urls:x", queue.State("bogus"), 0)
	require.ErrorIs(t, err, queue.ErrUnknownState)
}
