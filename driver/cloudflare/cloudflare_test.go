package cloudflare

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/UniQw/edgepurge/driver"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type capture struct {
	mu     sync.Mutex
	bodies []map[string]any
	auth   []string
}

func newServer(t *testing.T, c *capture, status int, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/client/v4/zones/zone-1/purge_cache", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.auth = append(c.auth, r.Header.Get("Authorization")+"|"+r.Header.Get("X-Auth-Email")+"|"+r.Header.Get("X-Auth-Key"))
		c.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newDriver(t *testing.T, srv *httptest.Server, cfg Config) *Driver {
	t.Helper()
	cfg.ZoneID = "zone-1"
	cfg.BaseURL = srv.URL + "/client/v4/"
	cfg.HTTP = srv.Client()
	d, err := New(cfg)
	require.NoError(t, err)
	return d
}

const okReply = `{"success":true,"errors":[],"result":{"id":"x"}}`

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{APIToken: "t"})
	require.Error(t, err)
	_, err = New(Config{ZoneID: "z", Email: "a@b"})
	require.Error(t, err)
	d, err := New(Config{ZoneID: "z", Email: "a@b", APIKey: "k"})
	require.NoError(t, err)
	require.Equal(t, DefaultBaseURL, d.cfg.BaseURL)
	require.Equal(t, "cloudflare", d.Name())
	require.Equal(t, 30, d.MaxURLsPerRequest())
}

func TestPurgeByURLs_ChunksAndToken(t *testing.T) {
	c := &capture{}
	d := newDriver(t, newServer(t, c, 200, okReply), Config{APIToken: "tok"})

	urls := make([]string, 65)
	for i := range urls {
		urls[i] = "https://example.test/p/" + string(rune('a'+i%26))
	}
	require.NoError(t, d.PurgeByURLs(context.Background(), urls))

	require.Len(t, c.bodies, 3)
	require.Len(t, c.bodies[0]["files"], 30)
	require.Len(t, c.bodies[2]["files"], 5)
	require.Equal(t, "Bearer tok||", c.auth[0])
}

func TestPurgeByTagsAndAll_GlobalKey(t *testing.T) {
	c := &capture{}
	d := newDriver(t, newServer(t, c, 200, okReply), Config{Email: "ops@example.test", APIKey: "k"})
	ctx := context.Background()

	require.NoError(t, d.PurgeByTags(ctx, []string{"post-1", "term-2"}))
	require.NoError(t, d.PurgeAll(ctx))

	require.Equal(t, []any{"post-1", "term-2"}, c.bodies[0]["tags"])
	require.Equal(t, true, c.bodies[1]["purge_everything"])
	require.Equal(t, "|ops@example.test|k", c.auth[1])
}

func TestPurge_ErrorClassification(t *testing.T) {
	ctx := context.Background()

	d := newDriver(t, newServer(t, &capture{}, 403, `{"success":false,"errors":[{"code":10000,"message":"Authentication error"}]}`), Config{APIToken: "bad"})
	err := d.PurgeAll(ctx)
	require.True(t, driver.IsPermanent(err))
	require.Contains(t, err.Error(), "Authentication error")

	d = newDriver(t, newServer(t, &capture{}, 429, `{"success":false}`), Config{APIToken: "t"})
	err = d.PurgeByURLs(ctx, []string{"https://a.test/"})
	require.Error(t, err)
	require.False(t, driver.IsPermanent(err))

	d = newDriver(t, newServer(t, &capture{}, 200, `{"success":false,"errors":[{"code":1234,"message":"odd"}]}`), Config{APIToken: "t"})
	err = d.PurgeByURLs(ctx, []string{"https://a.test/"})
	require.ErrorContains(t, err, "1234 odd")
	require.False(t, driver.IsPermanent(err))
}

func TestPurge_Span(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	c := &capture{}
	d := newDriver(t, newServer(t, c, 200, okReply), Config{
		APIToken: "t",
		Tracer:   sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)),
	})
	require.NoError(t, d.PurgeByURLs(context.Background(), []string{"https://a.test/"}))
	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "purge.purge_urls", spans[0].Name())
}

func TestFactory(t *testing.T) {
	d, err := Factory(driver.Settings{Options: map[string]string{"zone_id": "z", "api_token": "t"}})
	require.NoError(t, err)
	_, ok := driver.SupportsTags(d)
	require.True(t, ok)

	_, err = Factory(driver.Settings{})
	require.Error(t, err)
}
