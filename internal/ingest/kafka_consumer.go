package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/rideshare/internal/geo"
	"github.com/example/rideshare/internal/observability"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// LocationSink applies a location update.
type LocationSink interface {
	UpdateUserLocation(ctx context.Context, userID string, p geo.Point) error
}

type Consumer struct {
	reader   MessageReader
	sink     LocationSink
	log      *slog.Logger
	attempts int
	delay    time.Duration
}

func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
}

func NewConsumer(reader MessageReader, sink LocationSink, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: reader, sink: sink, log: logger.With("component", "ingest"), attempts: 3, delay: 200 * time.Millisecond}
}

// Run consumes until ctx is done. Read errors back off exponentially up to
// 30s; a message whose update keeps failing is dropped.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("shutting down consumer")
				return ctx.Err()
			}
			c.log.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		c.handle(ctx, m)
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var p LocationPing
	if err := json.Unmarshal(m.Value, &p); err != nil || p.UserID == "" || !p.Point.Valid() {
		observability.IngestMessages.WithLabelValues("invalid").Inc()
		c.log.Warn("invalid message", "offset", m.Offset, "error", err)
		return
	}
	if err := updateWithRetry(ctx, c.sink, p, c.attempts, c.delay); err != nil {
		observability.IngestMessages.WithLabelValues("failed").Inc()
		c.log.Error("location update failed", "user_id", p.UserID, "error", err)
		return
	}
	observability.IngestMessages.WithLabelValues("applied").Inc()
}

// updateWithRetry applies p with retry/backoff.
func updateWithRetry(ctx context.Context, sink LocationSink, p LocationPing, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = sink.UpdateUserLocation(ctx, p.UserID, p.Point); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
