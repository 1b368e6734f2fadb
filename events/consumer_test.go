package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UniQw/edgepurge"
	"github.com/UniQw/edgepurge/driver/drivertest"
	"github.com/UniQw/edgepurge/queue"
	"github.com/UniQw/edgepurge/resolver"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// fakeReader hands out msgs in order, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	drained   chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	for i := range msgs {
		msgs[i].Topic = "content-changes"
		msgs[i].Offset = int64(i)
	}
	return &fakeReader{msgs: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	select {
	case <-r.drained:
	default:
		close(r.drained)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type nopResolver struct{}

func (nopResolver) Resolve(_ context.Context, id int64, t resolver.ObjectType, _ resolver.Extra) (*resolver.PurgeObject, error) {
	return resolver.NewPurgeObject(id, t), nil
}

func newServer(t *testing.T, opts ...edgepurge.Option) (*edgepurge.Server, *edgepurge.Service) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := queue.NewRedisStore(rdb)
	svc, err := edgepurge.NewService(store, "1", nopResolver{}, drivertest.New(30), opts...)
	require.NoError(t, err)
	srv, err := edgepurge.NewServer(edgepurge.ServerConfig{}, svc)
	require.NoError(t, err)
	return srv, svc
}

func runUntilDrained(t *testing.T, c *Consumer, r *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	<-r.drained
	cancel()
	require.NoError(t, <-done)
}

func TestConsumer_EnqueuesAndCommits(t *testing.T) {
	srv, svc := newServer(t)
	r := newFakeReader(
		kafka.Message{Value: []byte(`{"site":"1","type":"post","id":42}`)},
		kafka.Message{Value: []byte(`{"type":"term","id":7,"taxonomy":"category"}`)},
		kafka.Message{Value: []byte(`{"site":"1","type":"url","url":"https://example.test/about/"}`)},
		kafka.Message{Value: []byte(`{"site":"1","type":"purge-all"}`)},
	)
	c := NewConsumer(r, srv, WithDefaultSite("1"), WithLogger(edgepurge.NewFmtLogger()))
	runUntilDrained(t, c, r)

	require.Equal(t, []int64{0, 1, 2, 3}, r.Committed())
	ctx := context.Background()
	objects, err := svc.QueueDepth(ctx, edgepurge.ObjectQueueName("1"))
	require.NoError(t, err)
	require.Equal(t, int64(3), objects)
	urls, err := svc.QueueDepth(ctx, edgepurge.URLQueueName("1"))
	require.NoError(t, err)
	require.Equal(t, int64(1), urls)
}

func TestConsumer_SkipsMalformedButNotFailed(t *testing.T) {
	srv, svc := newServer(t)
	r := newFakeReader(
		kafka.Message{Value: []byte(`not json`)},
		kafka.Message{Value: []byte(`{"site":"1","type":"post"}`)},
		kafka.Message{Value: []byte(`{"site":"9","type":"post","id":1}`)},
		kafka.Message{Value: []byte(`{"site":"1","type":"tag","tag":"home"}`)},
	)
	c := NewConsumer(r, srv)
	runUntilDrained(t, c, r)

	require.Equal(t, []int64{0, 1, 2, 3}, r.Committed())
	depth, err := svc.QueueDepth(context.Background(), edgepurge.ObjectQueueName("1"))
	require.NoError(t, err)
	require.Zero(t, depth)
}

type revisionPosts map[int64]bool

func (r revisionPosts) Post(_ context.Context, id int64) (resolver.Post, bool, error) {
	return resolver.Post{ID: id, IsRevision: r[id]}, true, nil
}

func TestConsumer_RevisionsCommittedWithoutEnqueue(t *testing.T) {
	srv, svc := newServer(t, edgepurge.WithPostLookup(revisionPosts{9: true}))
	r := newFakeReader(
		kafka.Message{Value: []byte(`{"site":"1","type":"post","id":9}`)},
		kafka.Message{Value: []byte(`{"site":"1","type":"post","id":8}`)},
	)
	c := NewConsumer(r, srv)
	runUntilDrained(t, c, r)

	require.Equal(t, []int64{0, 1}, r.Committed())
	items, err := svc.ObjectQueue().ListItems(context.Background(), queue.StatePending, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	var in edgepurge.Intent
	require.NoError(t, items[0].Decode(&in))
	require.Equal(t, edgepurge.PostIntent(8), in)
}

func TestConsumer_SpansContinueProducerTrace(t *testing.T) {
	srv, _ := newServer(t)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prop := propagation.TraceContext{}

	parentCtx, parent := tp.Tracer("producer").Start(context.Background(), "publish")
	headers := make(HeaderCarrier, 0)
	prop.Inject(parentCtx, &headers)
	parent.End()

	r := newFakeReader(
		kafka.Message{Value: []byte(`{"site":"1","type":"post","id":1}`), Headers: headers},
		kafka.Message{Value: []byte(`{"site":"2","type":"post","id":1}`)},
	)
	c := NewConsumer(r, srv, WithTracerProvider(tp), WithPropagator(prop))
	runUntilDrained(t, c, r)

	var consumed []sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == "edgepurge.consume" {
			consumed = append(consumed, s)
		}
	}
	require.Len(t, consumed, 2)
	require.Equal(t, parent.SpanContext().TraceID(), consumed[0].Parent().TraceID())
	require.Equal(t, codes.Unset, consumed[0].Status().Code)
	require.Equal(t, codes.Error, consumed[1].Status().Code)
	require.False(t, consumed[1].Parent().IsValid())
}

// flakyRouter fails the calls whose 1-based index is in fail.
type flakyRouter struct {
	Router
	calls atomic.Int64
	fail  func(call int64) bool
}

func (r *flakyRouter) Service(site string) (*edgepurge.Service, error) {
	if r.fail(r.calls.Add(1)) {
		return nil, errors.New("site registry unavailable")
	}
	return r.Router.Service(site)
}

func TestConsumer_TransientFailureRetriedBeforeLaterOffsets(t *testing.T) {
	srv, svc := newServer(t)
	router := &flakyRouter{Router: srv, fail: func(call int64) bool { return call == 2 || call == 3 }}
	r := newFakeReader(
		kafka.Message{Value: []byte(`{"site":"1","type":"post","id":1}`)},
		kafka.Message{Value: []byte(`{"site":"1","type":"post","id":2}`)},
		kafka.Message{Value: []byte(`{"site":"1","type":"post","id":3}`)},
		kafka.Message{Value: []byte(`{"site":"1","type":"post","id":4}`)},
	)
	c := NewConsumer(r, router, WithRetryBackOff(time.Millisecond, 5*time.Millisecond))
	runUntilDrained(t, c, r)

	require.Equal(t, []int64{0, 1, 2, 3}, r.Committed())
	require.Equal(t, int64(6), router.calls.Load())
	depth, err := svc.QueueDepth(context.Background(), edgepurge.ObjectQueueName("1"))
	require.NoError(t, err)
	require.Equal(t, int64(4), depth)
}

func TestConsumer_FailingEventBlocksLaterOffsetsUntilShutdown(t *testing.T) {
	srv, _ := newServer(t)
	router := &flakyRouter{Router: srv, fail: func(call int64) bool { return call >= 2 }}
	r := newFakeReader(
		kafka.Message{Value: []byte(`{"site":"1","type":"post","id":1}`)},
		kafka.Message{Value: []byte(`{"site":"1","type":"post","id":2}`)},
		kafka.Message{Value: []byte(`{"site":"1","type":"post","id":3}`)},
	)
	c := NewConsumer(r, router, WithRetryBackOff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool { return router.calls.Load() >= 5 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, []int64{0}, r.Committed())
}

type errReader struct{ fakeReader }

func (*errReader) FetchMessage(context.Context) (kafka.Message, error) {
	return kafka.Message{}, errors.New("broker gone")
}

func TestConsumer_ReaderErrorStopsRun(t *testing.T) {
	srv, _ := newServer(t)
	c := NewConsumer(&errReader{}, srv)
	err := c.Run(context.Background())
	require.ErrorContains(t, err, "broker gone")
}
