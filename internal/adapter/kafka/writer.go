// Package kafka publishes alert bundles to a Kafka topic so downstream services
// can consume the same prioritized feed the local subscribers see.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mathisontech/beacon/internal/config"
	"github.com/mathisontech/beacon/internal/domain"
	"github.com/mathisontech/beacon/internal/observability"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	queueSize    = 64
	writeTimeout = 10 * time.Second
)

// MessageWriter is the subset of *kafkago.Writer used by Publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// NewWriter creates a Kafka producer for the configured bundle topic.
func NewWriter(cfg *config.Config) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// Publisher forwards bundles from the poller to Kafka. Handle never blocks the
// poll cycle: bundles are queued and written by Run, and dropped when the queue
// is full.
type Publisher struct {
	writer  MessageWriter
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	queue   chan domain.Bundle
}

// NewPublisher wraps w. A nil clock uses real time.
func NewPublisher(w MessageWriter, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Publisher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Publisher{
		writer:  w,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		queue:   make(chan domain.Bundle, queueSize),
	}
}

// Handle enqueues b for publishing. It has the poller.Callback signature.
func (p *Publisher) Handle(b domain.Bundle) {
	select {
	case p.queue <- b:
	default:
		p.metrics.BundlesPublished.WithLabelValues("dropped").Inc()
		p.logger.Warn("bundle queue full, dropping bundle", "location", b.Location.Key())
	}
}

// Run writes queued bundles until ctx is canceled, then flushes what is left
// in the queue with a bounded deadline.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return nil
		case b := <-p.queue:
			p.write(ctx, b)
		}
	}
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	for {
		select {
		case b := <-p.queue:
			p.write(ctx, b)
		default:
			return
		}
	}
}

func (p *Publisher) write(ctx context.Context, b domain.Bundle) {
	if err := p.Publish(ctx, b); err != nil {
		p.logger.Error("publish bundle failed", "location", b.Location.Key(), "error", err)
	}
}

// Publish writes a single bundle synchronously.
func (p *Publisher) Publish(ctx context.Context, b domain.Bundle) error {
	msg, err := serializeToMessage(b, p.clock.Now())
	if err != nil {
		p.metrics.BundlesPublished.WithLabelValues("error").Inc()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.metrics.BundlesPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("write bundle: %w", err)
	}

	p.metrics.BundlesPublished.WithLabelValues("success").Inc()
	p.logger.Debug("bundle published", "location", b.Location.Key(), "alerts", len(b.Alerts), "poll_mode", b.PollMode)
	return nil
}

// Close closes the underlying writer. Call it after Run has returned.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals a Bundle into a Kafka message keyed by location,
// so every bundle for one location lands on the same partition.
func serializeToMessage(b domain.Bundle, publishedAt time.Time) (kafkago.Message, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize bundle: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(b.Location.Key()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "poll_mode", Value: []byte(b.PollMode)},
			{Key: "service_error", Value: []byte(strconv.FormatBool(b.ServiceError))},
			{Key: "alert_count", Value: []byte(strconv.Itoa(len(b.Alerts)))},
			{Key: "published_at", Value: []byte(publishedAt.Format(time.RFC3339))},
		},
	}, nil
}
