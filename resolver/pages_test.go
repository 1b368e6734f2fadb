package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStaticPages(t *testing.T) {
	n, err := StaticPages(0).Pages(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, _ = StaticPages(4).Pages(context.Background(), "x")
	require.Equal(t, 4, n)
}

func TestHTTPPageCounter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		switch r.URL.Path {
		case "/category/news/":
			w.Header().Set(DefaultPagesHeader, "6")
		case "/broken/":
			w.WriteHeader(http.StatusBadGateway)
			return
		case "/missing/":
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pc := NewHTTPPageCounter(srv.Client(), "", time.Second)
	ctx := context.Background()

	n, err := pc.Pages(ctx, srv.URL+"/category/news/")
	require.NoError(t, err)
	require.Equal(t, 6, n)

	n, err = pc.Pages(ctx, srv.URL+"/plain/")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = pc.Pages(ctx, srv.URL+"/missing/")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = pc.Pages(ctx, srv.URL+"/broken/")
	require.Error(t, err)
}

func TestCachedPageCounter(t *testing.T) {
	var calls atomic.Int32
	var fail atomic.Bool
	next := PageCounterFunc(func(_ context.Context, url string) (int, error) {
		calls.Add(1)
		if fail.Load() {
			return 0, context.DeadlineExceeded
		}
		return len(url), nil
	})
	pc := NewCachedPageCounter(next, time.Minute)
	ctx := context.Background()

	n, err := pc.Pages(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	n, err = pc.Pages(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 1, pc.Len())

	fail.Store(true)
	_, err = pc.Pages(ctx, "other")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, pc.Len())
}
