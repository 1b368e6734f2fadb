package resolver

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// StaticPages reports the same page count for every archive.
type StaticPages int

func (n StaticPages) Pages(context.Context, string) (int, error) {
	if n < 1 {
		return 1, nil
	}
	return int(n), nil
}

// PageCounterFunc adapts a function to PageCounter.
type PageCounterFunc func(ctx context.Context, url string) (int, error)

func (f PageCounterFunc) Pages(ctx context.Context, url string) (int, error) { return f(ctx, url) }

// DefaultPagesHeader is the response header HTTPPageCounter reads.
const DefaultPagesHeader = "X-WP-TotalPages"

// HTTPPageCounter asks the site itself how many pages an archive has by
// issuing a HEAD request and reading a total-pages header.
type HTTPPageCounter struct {
	client  HTTPDoer
	header  string
	timeout time.Duration
}

// NewHTTPPageCounter creates a counter. An empty header means DefaultPagesHeader.
func NewHTTPPageCounter(client HTTPDoer, header string, timeout time.Duration) *HTTPPageCounter {
	if header == "" {
		header = DefaultPagesHeader
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPageCounter{client: client, header: header, timeout: timeout}
}

// Pages returns 1 when the site does not report a count.
func (c *HTTPPageCounter) Pages(ctx context.Context, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("page count for %s: status %d", url, resp.StatusCode)
	}
	n, err := strconv.Atoi(resp.Header.Get(c.header))
	if err != nil || n < 1 {
		return 1, nil
	}
	return n, nil
}

// CachedPageCounter memoizes another PageCounter for a TTL. Failed lookups
// are not cached.
type CachedPageCounter struct {
	next  PageCounter
	cache *ttlcache.Cache[string, int]
}

// NewCachedPageCounter wraps next. Call Start to run expiry in the
// background and Stop to end it; without Start, entries are still dropped
// lazily on access.
func NewCachedPageCounter(next PageCounter, ttl time.Duration) *CachedPageCounter {
	return &CachedPageCounter{
		next: next,
		cache: ttlcache.New[string, int](
			ttlcache.WithTTL[string, int](ttl),
			ttlcache.WithDisableTouchOnHit[string, int](),
		),
	}
}

func (c *CachedPageCounter) Pages(ctx context.Context, url string) (int, error) {
	var loadErr error
	loader := ttlcache.LoaderFunc[string, int](
		func(cache *ttlcache.Cache[string, int], key string) *ttlcache.Item[string, int] {
			n, err := c.next.Pages(ctx, key)
			if err != nil {
				loadErr = err
				return nil
			}
			return cache.Set(key, n, ttlcache.DefaultTTL)
		},
	)
	v := c.cache.Get(url, ttlcache.WithLoader[string, int](loader))
	if v != nil {
		return v.Value(), nil
	}
	if loadErr != nil {
		return 0, loadErr
	}
	return 0, fmt.Errorf("page count for %s: cache miss", url)
}

func (c *CachedPageCounter) Start() { go c.cache.Start() }

func (c *CachedPageCounter) Stop() { c.cache.Stop() }

// Len returns the number of cached entries.
func (c *CachedPageCounter) Len() int { return c.cache.Len() }
