package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/UniQw/edgepurge"
	"github.com/UniQw/edgepurge/resolver"
)

// site fakes both the CMS REST API and the CDN purge endpoint.
type site struct {
	*httptest.Server
	mu     sync.Mutex
	purged []string
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/wp-json/wp/v2/posts/42":
			fmt.Fprintf(w, `{"id": 42, "type": "page", "slug": "hello", "status": "publish", "link": %q}`, s.URL+"/hello/")
		case r.Method == http.MethodGet && r.URL.Path == "/wp-json/wp/v2/posts/43":
			fmt.Fprintf(w, `{"id": 43, "type": "revision", "slug": "42-revision-v1", "status": "inherit", "link": %q}`, s.URL+"/?p=43")
		case r.Method == http.MethodPost && r.URL.Path == "/cdn/purge":
			var body struct {
				URLs []string `json:"urls"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			s.mu.Lock()
			s.purged = append(s.purged, body.URLs...)
			s.mu.Unlock()
			_, _ = w.Write([]byte(`{"ok": true}`))
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *site) Purged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.purged...)
	sort.Strings(out)
	return out
}

func testYAML(redisAddr, home string) string {
	return fmt.Sprintf(`
store: redis
redis_addr: %s
queue:
  reservation_lease: 0s
  ticks_per_trigger: 2
sites:
  - id: "1"
    home: %s
    show_front_page: true
    driver: hostcdn
    driver_options:
      endpoint: %s/cdn
`, redisAddr, home, home)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApp_EnqueueAndRunOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newSite(t)

	cfg, err := Load(readYAML(t, testYAML(mr.Addr(), s.URL)))
	require.NoError(t, err)

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, discardLogger())
	require.NoError(t, err)
	defer a.Close()

	svc, err := a.service("")
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, edgepurge.PostIntent(42))
	require.NoError(t, err)

	stats, err := a.server.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats["1"].Expanded)
	require.Equal(t, 2, stats["1"].Dispatched)
	require.Equal(t, []string{s.URL + "/", s.URL + "/hello/"}, s.Purged())

	depth, err := svc.QueueDepth(ctx, edgepurge.ObjectQueueName("1"))
	require.NoError(t, err)
	require.Zero(t, depth)
	depth, err = svc.QueueDepth(ctx, edgepurge.URLQueueName("1"))
	require.NoError(t, err)
	require.Zero(t, depth)

	require.NoError(t, a.ping(ctx))
}

func TestApp_UnknownDriver(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg, err := Load(readYAML(t, fmt.Sprintf(`
redis_addr: %s
sites: [{id: "1", home: "https://a.example", driver: akamai}]
`, mr.Addr())))
	require.NoError(t, err)

	_, err = buildApp(context.Background(), cfg, discardLogger())
	require.ErrorContains(t, err, "site 1")
}

func TestApp_ServiceNeedsSiteWhenSeveral(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg, err := Load(readYAML(t, fmt.Sprintf(`
redis_addr: %s
sites:
  - {id: a, home: "https://a.example", driver: hostcdn, driver_options: {endpoint: "https://cdn.example"}}
  - {id: b, home: "https://b.example", driver: hostcdn, driver_options: {endpoint: "https://cdn.example"}}
`, mr.Addr())))
	require.NoError(t, err)

	a, err := buildApp(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer a.Close()

	_, err = a.service("")
	require.ErrorContains(t, err, "--site is required")
	svc, err := a.service("b")
	require.NoError(t, err)
	require.Equal(t, "b", svc.Site())
	_, err = a.service("c")
	require.ErrorIs(t, err, edgepurge.ErrUnknownSite)

	_, _, err = a.newConsumer()
	require.ErrorContains(t, err, "kafka_brokers")
}

func TestInitCmd(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "conf", "edgepurge.yaml")
	old := cfgFile
	cfgFile = dest
	t.Cleanup(func() { cfgFile = old })

	run := func(args ...string) (string, error) {
		cmd := newInitCmd(defaultYAML)
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs(append([]string{}, args...))
		err := cmd.Execute()
		return out.String(), err
	}

	out, err := run()
	require.NoError(t, err)
	require.Contains(t, out, dest)
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, defaultYAML, string(b))

	_, err = run()
	require.ErrorContains(t, err, "already exists")

	require.NoError(t, os.WriteFile(dest, []byte("x"), 0o600))
	_, err = run("--force")
	require.NoError(t, err)
	b, err = os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, defaultYAML, string(b))
}

func TestVersionCmd(t *testing.T) {
	cmd := newVersionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	require.Equal(t, "edgepurge dev\n", out.String())
}

func TestRootCmd_EnqueueRunOnceStats(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newSite(t)
	path := filepath.Join(t.TempDir(), "edgepurge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML(mr.Addr(), s.URL)), 0o600))
	t.Cleanup(func() { cfgFile = "" })

	exec := func(args ...string) []byte {
		t.Helper()
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs(append([]string{"--config", path}, args...))
		require.NoError(t, cmd.ExecuteContext(context.Background()))
		return out.Bytes()
	}

	out := exec("enqueue", "post", "42")
	require.Contains(t, string(out), edgepurge.ObjectQueueName("1"))

	var stats map[string]edgepurge.TickStats
	require.NoError(t, json.Unmarshal(exec("run-once"), &stats))
	require.Equal(t, 2, stats["1"].Dispatched)

	var sites []struct {
		Site   string                 `json:"site"`
		Queues []edgepurge.QueueStats `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(exec("stats", "--failed", "5"), &sites))
	require.Len(t, sites, 1)
	require.Equal(t, "1", sites[0].Site)
	require.Equal(t, []edgepurge.QueueStats{
		{Queue: edgepurge.ObjectQueueName("1"), Completed: 1},
		{Queue: edgepurge.URLQueueName("1"), Completed: 2},
	}, sites[0].Queues)
}

func TestApp_EnqueueRevisionRefused(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newSite(t)

	cfg, err := Load(readYAML(t, testYAML(mr.Addr(), s.URL)))
	require.NoError(t, err)

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, discardLogger())
	require.NoError(t, err)
	defer a.Close()

	svc, err := a.service("")
	require.NoError(t, err)
	_, err = svc.EnqueuePurgeIntent(ctx, resolver.TypePost, 43)
	require.ErrorIs(t, err, edgepurge.ErrRevision)
	_, err = svc.EnqueuePurgeIntent(ctx, resolver.TypePost, 42)
	require.NoError(t, err)

	depth, err := svc.QueueDepth(ctx, edgepurge.ObjectQueueName("1"))
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}
