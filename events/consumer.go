package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/edgepurge"
	"github.com/UniQw/edgepurge/resolver"
	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Router finds the Service of a site. *edgepurge.Server satisfies it.
type Router interface {
	Service(site string) (*edgepurge.Service, error)
}

// ReaderConfig names the topic and consumer group to read.
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader returns a consumer-group reader with manual commits.
func NewReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // manual commit only
		StartOffset:    kafka.FirstOffset,
	})
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithDefaultSite routes events without a site field.
func WithDefaultSite(site string) Option { return func(c *Consumer) { c.defaultSite = site } }

func WithLogger(l edgepurge.Logger) Option { return func(c *Consumer) { c.log = l } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Consumer) { c.tracer = tp.Tracer("github.com/UniQw/edgepurge/events") }
}

// WithPropagator overrides the global text map propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(c *Consumer) { c.propagator = p }
}

// WithRetryBackOff bounds the exponential wait between attempts at an event
// whose intent could not be stored.
func WithRetryBackOff(initial, maxWait time.Duration) Option {
	return func(c *Consumer) {
		c.retryInitial = initial
		c.retryMax = maxWait
	}
}

// Consumer turns change events into queued purge intents. Offsets are
// committed only once the intent is stored (at-least-once delivery).
// Malformed events and events for unknown sites are committed and skipped;
// any other failure is retried with backoff and the partition does not
// advance past it.
type Consumer struct {
	reader       Reader
	router       Router
	defaultSite  string
	log          edgepurge.Logger
	tracer       trace.Tracer
	propagator   propagation.TextMapPropagator
	retryInitial time.Duration
	retryMax     time.Duration
}

func NewConsumer(r Reader, router Router, opts ...Option) *Consumer {
	c := &Consumer{
		reader:       r,
		router:       router,
		log:          edgepurge.NewFmtLogger(),
		retryInitial: 100 * time.Millisecond,
		retryMax:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("github.com/UniQw/edgepurge/events")
	}
	if c.propagator == nil {
		c.propagator = otel.GetTextMapPropagator()
	}
	return c
}

// Run reads until ctx is cancelled. It returns nil on shutdown and an error
// only when the reader fails. A message is never committed before its intent
// is stored, so a message still failing at shutdown is redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		carrier := HeaderCarrier(m.Headers)
		msgCtx := c.propagator.Extract(ctx, &carrier)
		if err := c.handleWithRetry(msgCtx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, ErrMalformed) {
				return fmt.Errorf("change event at offset %d: %w", m.Offset, err)
			}
			c.log.Warnf("dropping malformed change event: topic=%s partition=%d offset=%d err=%v", m.Topic, m.Partition, m.Offset, err)
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.log.Errorf("commit failed: topic=%s partition=%d offset=%d err=%v", m.Topic, m.Partition, m.Offset, err)
		}
	}
}

// handleWithRetry calls Handle until it succeeds, reports ErrMalformed or ctx
// is done.
func (c *Consumer) handleWithRetry(ctx context.Context, m kafka.Message) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxInterval = c.retryMax

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.Handle(ctx, m)
		if errors.Is(err, ErrMalformed) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Errorf("change event failed, retrying in %s: topic=%s partition=%d offset=%d err=%v", next, m.Topic, m.Partition, m.Offset, err)
		}),
	)
	return err
}

// Handle enqueues the intent of one message.
func (c *Consumer) Handle(ctx context.Context, m kafka.Message) (err error) {
	ctx, span := c.tracer.Start(ctx, "edgepurge.consume", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", m.Topic),
			attribute.Int64("messaging.kafka.offset", m.Offset),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ev, err := Decode(m.Value)
	if err != nil {
		return err
	}
	site := ev.Site
	if site == "" {
		site = c.defaultSite
	}
	span.SetAttributes(attribute.String("edgepurge.site", site), attribute.String("edgepurge.type", ev.Type))

	svc, err := c.router.Service(site)
	if errors.Is(err, edgepurge.ErrUnknownSite) {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err != nil {
		return err
	}
	in, _ := ev.Intent()
	switch in.Type {
	case edgepurge.IntentURL:
		_, err = svc.EnqueueURLPurge(ctx, in.URL)
	case edgepurge.IntentPost:
		_, err = svc.EnqueuePurgeIntent(ctx, resolver.TypePost, in.ID)
	default:
		_, err = svc.Enqueue(ctx, in)
	}
	if errors.Is(err, edgepurge.ErrRevision) {
		c.log.Debugf("revision ignored: topic=%s offset=%d post=%d", m.Topic, m.Offset, in.ID)
		return nil
	}
	if errors.Is(err, edgepurge.ErrTagsUnsupported) || errors.Is(err, edgepurge.ErrInvalidIntent) {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return err
}
