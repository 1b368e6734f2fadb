package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Writer is the part of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher sends change events to a topic, keyed by site so one site's
// events stay ordered on a partition.
type Publisher struct {
	w     Writer
	topic string
}

// NewWriter returns a writer that hashes keys onto partitions.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
}

func NewPublisher(w Writer, topic string) *Publisher {
	return &Publisher{w: w, topic: topic}
}

// Publish writes ev with the active trace context in its headers.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if _, err := ev.Intent(); err != nil {
		return err
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	headers := make(HeaderCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &headers)
	err = p.w.WriteMessages(ctx, kafka.Message{
		Topic:   p.topic,
		Key:     []byte(ev.Site),
		Value:   value,
		Headers: []kafka.Header(headers),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", p.topic, err)
	}
	return nil
}

func (p *Publisher) Close() error { return p.w.Close() }
