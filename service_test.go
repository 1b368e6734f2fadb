package edgepurge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/UniQw/edgepurge/driver"
	"github.com/UniQw/edgepurge/driver/drivertest"
	"github.com/UniQw/edgepurge/queue"
	"github.com/UniQw/edgepurge/resolver"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newMiniStore returns a Redis store with a zero reservation lease, so a
// retry pass can re-take items right away.
func newMiniStore(t *testing.T) (*queue.RedisStore, *redis.Client) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.NewRedisStore(rdb, queue.WithReservationLease(0)), rdb
}

// fakeResolver maps post/term ids to URL lists. Unknown ids resolve to a
// missing entity.
type fakeResolver struct {
	mu    sync.Mutex
	urls  map[int64][]string
	err   error
	calls int
}

func newFakeResolver() *fakeResolver { return &fakeResolver{urls: map[int64][]string{}} }

func (f *fakeResolver) set(id int64, urls ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls[id] = urls
}

func (f *fakeResolver) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeResolver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeResolver) Resolve(_ context.Context, id int64, t resolver.ObjectType, _ resolver.Extra) (*resolver.PurgeObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	urls, ok := f.urls[id]
	if !ok {
		return &resolver.PurgeObject{ID: id, Type: t}, nil
	}
	return resolver.NewPurgeObject(id, t, urls...), nil
}

type mapURLs map[string]resolver.Post

func (m mapURLs) PostForURL(_ context.Context, url string) (resolver.Post, bool, error) {
	p, ok := m[url]
	return p, ok, nil
}

func newTestService(t *testing.T, store queue.Store, site string, res Resolver, drv driver.Driver, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService(store, site, res, drv, opts...)
	require.NoError(t, err)
	return svc
}

func decodeIntent(t *testing.T, it *queue.Item) Intent {
	t.Helper()
	var in Intent
	require.NoError(t, it.Decode(&in))
	return in
}

func TestNewService_Validation(t *testing.T) {
	store, _ := newMiniStore(t)
	_, err := NewService(store, "", newFakeResolver(), drivertest.New(30))
	require.ErrorIs(t, err, queue.ErrEmptyQueueName)
	_, err = NewService(store, "1", nil, drivertest.New(30))
	require.Error(t, err)

	svc := newTestService(t, store, "1", newFakeResolver(), drivertest.New(30), WithConfig(Config{MaxAttempts: 5}))
	require.Equal(t, "objects:1", svc.ObjectQueue().Name())
	require.Equal(t, "urls:1", svc.URLQueue().Name())
	require.Equal(t, 5, svc.Config().MaxAttempts)
	require.Equal(t, DefaultConfig().ObjectBatchSize, svc.Config().ObjectBatchSize)
}

func TestService_EnqueuePurgeIntent_Dedupes(t *testing.T) {
	store, _ := newMiniStore(t)
	svc := newTestService(t, store, "1", newFakeResolver(), drivertest.New(30))
	ctx := context.Background()

	a, err := svc.EnqueuePurgeIntent(ctx, resolver.TypePost, 7)
	require.NoError(t, err)
	b, err := svc.EnqueuePurgeIntent(ctx, resolver.TypePost, 7)
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)

	_, err = svc.EnqueueTermPurge(ctx, 7, "category")
	require.NoError(t, err)

	depth, err := svc.QueueDepth(ctx, ObjectQueueName("1"))
	require.NoError(t, err)
	require.Equal(t, int64(2), depth)

	_, err = svc.EnqueuePurgeIntent(ctx, "page", 1)
	require.ErrorIs(t, err, ErrUnknownIntent)
	_, err = svc.EnqueuePurgeIntent(ctx, resolver.TypePost, 0)
	require.ErrorIs(t, err, ErrInvalidIntent)
}

// lookupPosts serves posts by id and counts lookups.
type lookupPosts struct {
	posts map[int64]resolver.Post
	err   error
	calls int
}

func (l *lookupPosts) Post(_ context.Context, id int64) (resolver.Post, bool, error) {
	l.calls++
	if l.err != nil {
		return resolver.Post{}, false, l.err
	}
	p, ok := l.posts[id]
	return p, ok, nil
}

func TestService_EnqueuePurgeIntent_RefusesRevisions(t *testing.T) {
	store, _ := newMiniStore(t)
	posts := &lookupPosts{posts: map[int64]resolver.Post{
		5: {ID: 5},
		9: {ID: 9, IsRevision: true},
	}}
	svc := newTestService(t, store, "1", newFakeResolver(), drivertest.New(30), WithPostLookup(posts))
	ctx := context.Background()

	it, err := svc.EnqueuePurgeIntent(ctx, resolver.TypePost, 9)
	require.ErrorIs(t, err, ErrRevision)
	require.Nil(t, it)

	it, err = svc.EnqueuePurgeIntent(ctx, resolver.TypePost, 5)
	require.NoError(t, err)
	require.Equal(t, PostIntent(5), decodeIntent(t, it))

	// Unknown posts are still queued; the resolver drops them on expansion.
	_, err = svc.EnqueuePurgeIntent(ctx, resolver.TypePost, 11)
	require.NoError(t, err)

	_, err = svc.EnqueuePurgeIntent(ctx, resolver.TypeTerm, 9)
	require.NoError(t, err)
	require.Equal(t, 3, posts.calls)

	depth, err := svc.QueueDepth(ctx, ObjectQueueName("1"))
	require.NoError(t, err)
	require.Equal(t, int64(3), depth)

	posts.err = errors.New("db down")
	_, err = svc.EnqueuePurgeIntent(ctx, resolver.TypePost, 12)
	require.ErrorContains(t, err, "db down")
}

func TestService_EnqueueURLPurge_Routing(t *testing.T) {
	store, _ := newMiniStore(t)
	mapper := mapURLs{
		"https://example.test/hello/":    {ID: 5},
		"https://example.test/?p=9&rev": {ID: 9, IsRevision: true},
	}
	svc := newTestService(t, store, "1", newFakeResolver(), drivertest.New(30), WithURLMapper(mapper))
	ctx := context.Background()

	post, err := svc.EnqueueURLPurge(ctx, "https://example.test/hello/")
	require.NoError(t, err)
	require.Equal(t, ObjectQueueName("1"), post.Queue)
	require.Equal(t, PostIntent(5), decodeIntent(t, post))

	rev, err := svc.EnqueueURLPurge(ctx, "https://example.test/?p=9&rev")
	require.NoError(t, err)
	require.Equal(t, URLQueueName("1"), rev.Queue)
	require.Equal(t, URLIntent("https://example.test/?p=9&rev"), decodeIntent(t, rev))

	other, err := svc.EnqueueURLPurge(ctx, "https://example.test/static.css")
	require.NoError(t, err)
	require.Equal(t, URLQueueName("1"), other.Queue)

	_, err = svc.EnqueueURLPurge(ctx, "")
	require.ErrorIs(t, err, ErrInvalidIntent)
}

func TestService_EnqueueTagPurge(t *testing.T) {
	store, _ := newMiniStore(t)
	ctx := context.Background()

	plain := newTestService(t, store, "1", newFakeResolver(), drivertest.New(30))
	_, err := plain.EnqueueTagPurge(ctx, "post-1")
	require.ErrorIs(t, err, ErrTagsUnsupported)
	_, err = plain.Enqueue(ctx, TagIntent("post-1"))
	require.ErrorIs(t, err, ErrTagsUnsupported)

	tagged := newTestService(t, store, "2", newFakeResolver(), drivertest.NewWithTags(30))
	items, err := tagged.EnqueueTagPurge(ctx, "post-1", "home")
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		require.Equal(t, URLQueueName("2"), it.Queue)
	}
}

type failingMapper struct{}

func (failingMapper) PostForURL(context.Context, string) (resolver.Post, bool, error) {
	return resolver.Post{}, false, errors.New("db down")
}

func TestService_EnqueueURLPurge_MapperError(t *testing.T) {
	store, _ := newMiniStore(t)
	svc := newTestService(t, store, "1", newFakeResolver(), drivertest.New(30), WithURLMapper(failingMapper{}))
	_, err := svc.EnqueueURLPurge(context.Background(), "https://example.test/a/")
	require.Error(t, err)
	depth, err := svc.QueueDepth(context.Background(), URLQueueName("1"))
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestService_Stats(t *testing.T) {
	store, _ := newMiniStore(t)
	svc := newTestService(t, store, "1", newFakeResolver(), drivertest.New(30))
	ctx := context.Background()
	_, err := svc.EnqueuePurgeAll(ctx, false)
	require.NoError(t, err)
	_, err = svc.EnqueueURLPurge(ctx, "https://example.test/a/")
	require.NoError(t, err)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, []QueueStats{
		{Queue: "objects:1", Pending: 1},
		{Queue: "urls:1", Pending: 1},
	}, stats)
}
