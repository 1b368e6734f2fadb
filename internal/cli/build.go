package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/UniQw/edgepurge"
	"github.com/UniQw/edgepurge/driver"
	"github.com/UniQw/edgepurge/driver/cloudflare"
	"github.com/UniQw/edgepurge/driver/hostcdn"
	"github.com/UniQw/edgepurge/events"
	"github.com/UniQw/edgepurge/queue"
	"github.com/UniQw/edgepurge/queue/pgstore"
	"github.com/UniQw/edgepurge/resolver"
)

// app is the assembled process: one store, one service per site and the
// server driving them.
type app struct {
	cfg      Config
	log      *slog.Logger
	plog     edgepurge.Logger
	server   *edgepurge.Server
	registry *prometheus.Registry
	ping     func(context.Context) error
	closers  []func()
}

func newDriverRegistry() *driver.Registry {
	r := driver.NewRegistry()
	r.Register(cloudflare.Name, cloudflare.Factory)
	r.Register(hostcdn.Name, hostcdn.Factory)
	return r
}

func buildApp(ctx context.Context, cfg Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		log:      logger,
		plog:     edgepurge.NewSlogLogger(logger),
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	metrics := edgepurge.NewMetrics(a.registry)
	drivers := newDriverRegistry()
	sites := edgepurge.StaticSites(cfg.SiteIDs())
	httpClient := &http.Client{}

	services := make([]*edgepurge.Service, 0, len(cfg.Sites))
	for _, sc := range cfg.Sites {
		svc, err := a.buildService(store, sc, drivers, httpClient, sites, metrics)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", sc.ID, err)
		}
		services = append(services, svc)
	}

	a.server, err = edgepurge.NewServer(edgepurge.ServerConfig{
		Schedule:        cfg.Queue.Schedule,
		GCInterval:      cfg.GCInterval,
		RefreshInterval: cfg.RefreshInterval,
		Logger:          a.plog,
	}, services...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) (queue.Store, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch a.cfg.Store {
	case storePostgres:
		pool, err := pgxpool.New(pingCtx, a.cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := pool.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		st := pgstore.New(pool, pgstore.WithReservationLease(a.cfg.Queue.ReservationLease))
		if err := st.EnsureSchema(pingCtx); err != nil {
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		a.ping = pool.Ping
		return st, nil
	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.ping = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		return queue.NewRedisStore(rdb, queue.WithReservationLease(a.cfg.Queue.ReservationLease)), nil
	}
}

func (a *app) buildService(
	store queue.Store,
	sc SiteConfig,
	drivers *driver.Registry,
	httpClient *http.Client,
	sites edgepurge.SiteLister,
	metrics *edgepurge.Metrics,
) (*edgepurge.Service, error) {
	drv, err := drivers.Build(sc.Driver, driver.Settings{
		Options: sc.DriverOptions,
		HTTP:    httpClient,
		Tracer:  otel.GetTracerProvider(),
	})
	if err != nil {
		return nil, err
	}

	rest := sc.RESTURL
	if rest == "" {
		rest = strings.TrimSuffix(sc.Home, "/") + "/wp-json/wp/v2"
	}
	ents := resolver.NewRESTEntities(httpClient, rest, sc.RESTToken, a.cfg.HTTPTimeout, sc.PostTypes...)

	pages := resolver.NewCachedPageCounter(
		resolver.NewHTTPPageCounter(httpClient, sc.PagesHeader, a.cfg.HTTPTimeout),
		a.cfg.PageCacheTTL,
	)
	pages.Start()
	a.closers = append(a.closers, pages.Stop)

	ropts := []resolver.Option{resolver.WithPageCounter(pages)}
	if sc.MaxPages > 0 {
		ropts = append(ropts, resolver.WithMaxPages(sc.MaxPages))
	}
	res := resolver.New(ents, resolver.NewSitePermalinks(sc.Home, sc.ShowFrontPage, sc.ArchiveTypes...), ropts...)

	return edgepurge.NewService(store, sc.ID, res, drv,
		edgepurge.WithConfig(a.cfg.Queue),
		edgepurge.WithLogger(a.plog),
		edgepurge.WithSiteLister(sites),
		edgepurge.WithURLMapper(ents),
		edgepurge.WithPostLookup(ents),
		edgepurge.WithMetrics(metrics),
	)
}

// newConsumer reads change events from the configured topic into the
// server's sites. With a single site, events without a site field go to it.
func (a *app) newConsumer() (*events.Consumer, func() error, error) {
	if len(a.cfg.KafkaBrokers) == 0 {
		return nil, nil, fmt.Errorf("kafka_brokers is not configured")
	}
	r := events.NewReader(events.ReaderConfig{
		Brokers: a.cfg.KafkaBrokers,
		Topic:   a.cfg.KafkaTopic,
		GroupID: a.cfg.KafkaGroup,
	})
	opts := []events.Option{
		events.WithLogger(a.plog),
		events.WithTracerProvider(otel.GetTracerProvider()),
		events.WithPropagator(otel.GetTextMapPropagator()),
	}
	if len(a.cfg.Sites) == 1 {
		opts = append(opts, events.WithDefaultSite(a.cfg.Sites[0].ID))
	}
	return events.NewConsumer(r, a.server, opts...), r.Close, nil
}

// service returns the service of site, or the only site when site is empty.
func (a *app) service(site string) (*edgepurge.Service, error) {
	if site == "" {
		if len(a.cfg.Sites) != 1 {
			return nil, fmt.Errorf("--site is required with %d sites configured", len(a.cfg.Sites))
		}
		site = a.cfg.Sites[0].ID
	}
	return a.server.Service(site)
}

// Close releases everything buildApp opened, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
