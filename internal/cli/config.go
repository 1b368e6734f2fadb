package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/UniQw/edgepurge"
)

// SiteConfig describes one site: where its content lives and which CDN
// fronts it.
type SiteConfig struct {
	ID            string            `mapstructure:"id"`
	Home          string            `mapstructure:"home"`
	ShowFrontPage bool              `mapstructure:"show_front_page"`
	ArchiveTypes  []string          `mapstructure:"archive_types"`
	RESTURL       string            `mapstructure:"rest_url"`
	RESTToken     string            `mapstructure:"rest_token"`
	PostTypes     []string          `mapstructure:"post_types"`
	PagesHeader   string            `mapstructure:"pages_header"`
	MaxPages      int               `mapstructure:"max_pages"`
	Driver        string            `mapstructure:"driver"`
	DriverOptions map[string]string `mapstructure:"driver_options"`
}

// Config holds the typed configuration of the edgepurge binary.
type Config struct {
	LogLevel      string
	Store         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string
	MetricsAddr   string
	OTelEndpoint  string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	GCInterval      time.Duration
	RefreshInterval time.Duration
	PageCacheTTL    time.Duration
	HTTPTimeout     time.Duration

	Queue edgepurge.Config
	Sites []SiteConfig
}

const (
	storeRedis    = "redis"
	storePostgres = "postgres"
)

func setDefaults(v *viper.Viper) {
	d := edgepurge.DefaultConfig()
	v.SetDefault("log_level", "info")
	v.SetDefault("store", storeRedis)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("kafka_topic", "edgepurge.events")
	v.SetDefault("kafka_group", "edgepurge")
	v.SetDefault("gc_interval", time.Hour)
	v.SetDefault("refresh_interval", 15*time.Second)
	v.SetDefault("page_cache_ttl", 5*time.Minute)
	v.SetDefault("http_timeout", 10*time.Second)

	v.SetDefault("queue.max_urls_per_request", d.MaxURLsPerRequest)
	v.SetDefault("queue.max_attempts", d.MaxAttempts)
	v.SetDefault("queue.object_batch_size", d.ObjectBatchSize)
	v.SetDefault("queue.object_passes", d.ObjectPasses)
	v.SetDefault("queue.url_batches", d.URLBatches)
	v.SetDefault("queue.ticks_per_trigger", d.TicksPerTrigger)
	v.SetDefault("queue.reservation_lease", d.ReservationLease)
	v.SetDefault("queue.driver_timeout", d.DriverTimeout)
	v.SetDefault("queue.gc_retention", d.GCRetention)
	v.SetDefault("queue.gc_batch_size", d.GCBatchSize)
	v.SetDefault("queue.schedule", d.Schedule)
	v.SetDefault("queue.lock_ttl", d.LockTTL)
}

// Load reads all values from the given viper instance and validates them.
func Load(v *viper.Viper) (Config, error) {
	setDefaults(v)
	cfg := Config{
		LogLevel:        v.GetString("log_level"),
		Store:           strings.ToLower(v.GetString("store")),
		RedisAddr:       v.GetString("redis_addr"),
		RedisPassword:   v.GetString("redis_password"),
		RedisDB:         v.GetInt("redis_db"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		MetricsAddr:     v.GetString("metrics_addr"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		KafkaBrokers:    stringList(v, "kafka_brokers"),
		KafkaTopic:      v.GetString("kafka_topic"),
		KafkaGroup:      v.GetString("kafka_group"),
		GCInterval:      v.GetDuration("gc_interval"),
		RefreshInterval: v.GetDuration("refresh_interval"),
		PageCacheTTL:    v.GetDuration("page_cache_ttl"),
		HTTPTimeout:     v.GetDuration("http_timeout"),
		Queue: edgepurge.Config{
			MaxURLsPerRequest: v.GetInt("queue.max_urls_per_request"),
			MaxAttempts:       v.GetInt("queue.max_attempts"),
			ObjectBatchSize:   v.GetInt("queue.object_batch_size"),
			ObjectPasses:      v.GetInt("queue.object_passes"),
			URLBatches:        v.GetInt("queue.url_batches"),
			TicksPerTrigger:   v.GetInt("queue.ticks_per_trigger"),
			ReservationLease:  v.GetDuration("queue.reservation_lease"),
			DriverTimeout:     v.GetDuration("queue.driver_timeout"),
			GCRetention:       v.GetDuration("queue.gc_retention"),
			GCBatchSize:       v.GetInt("queue.gc_batch_size"),
			Schedule:          v.GetString("queue.schedule"),
			LockTTL:           v.GetDuration("queue.lock_ttl"),
		},
	}
	if err := v.UnmarshalKey("sites", &cfg.Sites); err != nil {
		return Config{}, fmt.Errorf("sites: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	switch c.Store {
	case storeRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis_addr is required for the redis store"))
		}
	case storePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres_dsn is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store %q: want redis or postgres", c.Store))
	}
	if len(c.Sites) == 0 {
		errs = append(errs, errors.New("at least one site is required"))
	}
	seen := make(map[string]bool, len(c.Sites))
	for i, s := range c.Sites {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Errorf("sites[%d]: id is required", i))
		case seen[s.ID]:
			errs = append(errs, fmt.Errorf("sites[%d]: duplicate id %s", i, s.ID))
		}
		seen[s.ID] = true
		if s.Driver == "" {
			errs = append(errs, fmt.Errorf("sites[%d]: driver is required", i))
		}
		if s.Home == "" {
			errs = append(errs, fmt.Errorf("sites[%d]: home is required", i))
		}
	}
	return errors.Join(errs...)
}

// SiteIDs returns the configured site ids in file order.
func (c Config) SiteIDs() []string {
	out := make([]string, 0, len(c.Sites))
	for _, s := range c.Sites {
		out = append(out, s.ID)
	}
	return out
}

// stringList accepts a YAML list or a comma-separated string, as set from
// flags and environment.
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, s := range v.GetStringSlice(key) {
		out = append(out, splitList(s)...)
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
