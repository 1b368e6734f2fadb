// Package hostcdn purges a first-party hosting CDN through its purge
// endpoint. The CDN has no cache tags.
package hostcdn

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/UniQw/edgepurge/driver"
	"go.opentelemetry.io/otel/trace"
)

const (
	// Name selects this driver in site configuration.
	Name = "hostcdn"
	// MaxURLsPerRequest is the largest batch the purge endpoint accepts.
	MaxURLsPerRequest = 500
)

// Config holds the endpoint and credentials of one CDN account.
type Config struct {
	// Endpoint is the API root; requests go to {Endpoint}/purge.
	Endpoint string
	// Token is sent as a bearer token when set.
	Token    string
	HTTP     driver.HTTPDoer
	Tracer   trace.TracerProvider
}

// Driver purges URLs and whole sites through the CDN purge endpoint.
type Driver struct {
	cfg    Config
	client driver.HTTPDoer
	tracer trace.Tracer
}

var _ driver.Driver = (*Driver)(nil)

// New validates cfg and returns a Driver. A nil HTTP client is replaced by
// one with a 30s timeout.
func New(cfg Config) (*Driver, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("hostcdn: endpoint is required")
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	client := cfg.HTTP
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Driver{cfg: cfg, client: client, tracer: driver.Tracer(cfg.Tracer, "edgepurge/driver/hostcdn")}, nil
}

// Factory builds a Driver from the "endpoint" and "token" site options.
func Factory(s driver.Settings) (driver.Driver, error) {
	return New(Config{
		Endpoint: s.Option("endpoint"),
		Token:    s.Option("token"),
		HTTP:     s.HTTP,
		Tracer:   s.Tracer,
	})
}

func (d *Driver) Name() string { return Name }

func (d *Driver) MaxURLsPerRequest() int { return MaxURLsPerRequest }

type purgeRequest struct {
	Type string   `json:"type"`
	URLs []string `json:"urls,omitempty"`
}

func (d *Driver) PurgeByURLs(ctx context.Context, urls []string) error {
	for _, chunk := range driver.Chunk(urls, MaxURLsPerRequest) {
		if err := d.purge(ctx, "purge_urls", purgeRequest{Type: "urls", URLs: chunk}, len(chunk)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) PurgeAll(ctx context.Context) error {
	return d.purge(ctx, "purge_all", purgeRequest{Type: "all"}, 0)
}

func (d *Driver) purge(ctx context.Context, op string, body purgeRequest, items int) error {
	h := http.Header{}
	if d.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+d.cfg.Token)
	}
	_, err := driver.Do(ctx, d.client, d.tracer, driver.Call{
		Driver: Name,
		Op:     op,
		Method: http.MethodPost,
		URL:    d.cfg.Endpoint + "/purge",
		Header: h,
		Body:   body,
		Items:  items,
	})
	return err
}
