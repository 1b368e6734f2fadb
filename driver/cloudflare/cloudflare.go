// Package cloudflare purges the Cloudflare cache through the zone
// purge_cache endpoint.
package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/UniQw/edgepurge/driver"
	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel/trace"
)

const (
	// Name is the registry name of this driver.
	Name = "cloudflare"
	// DefaultBaseURL is the Cloudflare v4 API root.
	DefaultBaseURL = "https://api.cloudflare.com/client/v4"
	// MaxURLsPerRequest is the files/tags limit of one purge_cache call.
	MaxURLsPerRequest = 30
)

// Config holds zone and credentials. Set either APIToken, or Email and APIKey.
type Config struct {
	ZoneID   string
	APIToken string
	Email    string
	APIKey   string
	BaseURL  string
	HTTP     driver.HTTPDoer
	Tracer   trace.TracerProvider
}

// Driver implements driver.Driver and driver.TagPurger.
type Driver struct {
	cfg    Config
	client driver.HTTPDoer
	tracer trace.Tracer
}

var (
	_ driver.Driver    = (*Driver)(nil)
	_ driver.TagPurger = (*Driver)(nil)
)

// New validates cfg and returns a driver.
func New(cfg Config) (*Driver, error) {
	if cfg.ZoneID == "" {
		return nil, errors.New("cloudflare: zone_id is required")
	}
	if cfg.APIToken == "" && (cfg.Email == "" || cfg.APIKey == "") {
		return nil, errors.New("cloudflare: api_token or email and api_key are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	client := cfg.HTTP
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Driver{cfg: cfg, client: client, tracer: driver.Tracer(cfg.Tracer, "edgepurge/driver/cloudflare")}, nil
}

// Factory builds the driver from registry settings.
func Factory(s driver.Settings) (driver.Driver, error) {
	return New(Config{
		ZoneID:   s.Option("zone_id"),
		APIToken: s.Option("api_token"),
		Email:    s.Option("email"),
		APIKey:   s.Option("api_key"),
		BaseURL:  s.Option("base_url"),
		HTTP:     s.HTTP,
		Tracer:   s.Tracer,
	})
}

func (d *Driver) Name() string { return Name }

func (d *Driver) MaxURLsPerRequest() int { return MaxURLsPerRequest }

func (d *Driver) PurgeByURLs(ctx context.Context, urls []string) error {
	for _, chunk := range driver.Chunk(urls, MaxURLsPerRequest) {
		if err := d.purge(ctx, "purge_urls", map[string]any{"files": chunk}, len(chunk)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) PurgeByTags(ctx context.Context, tags []string) error {
	for _, chunk := range driver.Chunk(tags, MaxURLsPerRequest) {
		if err := d.purge(ctx, "purge_tags", map[string]any{"tags": chunk}, len(chunk)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) PurgeAll(ctx context.Context) error {
	return d.purge(ctx, "purge_all", map[string]any{"purge_everything": true}, 0)
}

type apiResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (d *Driver) purge(ctx context.Context, op string, body any, items int) error {
	h := http.Header{}
	if d.cfg.APIToken != "" {
		h.Set("Authorization", "Bearer "+d.cfg.APIToken)
	} else {
		h.Set("X-Auth-Email", d.cfg.Email)
		h.Set("X-Auth-Key", d.cfg.APIKey)
	}

	raw, err := driver.Do(ctx, d.client, d.tracer, driver.Call{
		Driver: Name,
		Op:     op,
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/zones/%s/purge_cache", d.cfg.BaseURL, d.cfg.ZoneID),
		Header: h,
		Body:   body,
		Items:  items,
	})
	if err != nil {
		return err
	}

	var resp apiResponse
	if err := sonic.Unmarshal(raw, &resp); err != nil {
		return &driver.Error{Driver: Name, Op: op, StatusCode: http.StatusOK, Err: fmt.Errorf("decode response: %w", err)}
	}
	if !resp.Success {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, fmt.Sprintf("%d %s", e.Code, e.Message))
		}
		return &driver.Error{Driver: Name, Op: op, StatusCode: http.StatusOK, Err: fmt.Errorf("api error: %s", strings.Join(msgs, "; "))}
	}
	return nil
}
