// Package kafka ships a Publisher that writes outbox events to a Kafka
// topic via segmentio/kafka-go, grounded on the pack's ILLUVRSE Kafka
// producer (retry loop, key-hash balancer, per-attempt timeout).
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	segmentio "github.com/segmentio/kafka-go"

	"github.com/rodolfodpk/crablet/dcb"
	"github.com/rodolfodpk/crablet/outbox"
)

type Config struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int
	WriteTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Publisher writes each dcb.Event as one Kafka message, keyed by the
// event's type so same-type events land on the same partition (ordering
// within a type, not globally — matching spec.md's "no cross-publisher
// ordering promised").
type Publisher struct {
	writer *segmentio.Writer
	cfg    Config
}

func NewPublisher(cfg Config) (*Publisher, error) {
	cfg = cfg.normalize()
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("outbox/kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("outbox/kafka: topic required")
	}
	w := &segmentio.Writer{
		Addr:         segmentio.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &segmentio.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	}
	return &Publisher{writer: w, cfg: cfg}, nil
}

func (p *Publisher) Name() string { return "kafka:" + p.cfg.Topic }

func (p *Publisher) IsHealthy(ctx context.Context) bool { return p.writer != nil }

func (p *Publisher) PreferredMode() outbox.Mode { return outbox.ModeBatch }

// PublishBatch writes every event, retrying the whole WriteMessages call up
// to MaxAttempts times with exponential backoff on transient error — the
// same shape as the teacher pack's audit Kafka producer.
func (p *Publisher) PublishBatch(ctx context.Context, events []dcb.Event) error {
	if len(events) == 0 {
		return nil
	}
	messages := make([]segmentio.Message, len(events))
	for i, e := range events {
		value, err := json.Marshal(eventEnvelope{
			Type:          e.Type,
			Tags:          tagStrings(e.Tags),
			Data:          e.Data,
			TransactionID: e.TransactionID,
			Position:      e.Position,
			OccurredAt:    e.OccurredAt,
		})
		if err != nil {
			return fmt.Errorf("outbox/kafka: marshal event at position %d: %w", e.Position, err)
		}
		messages[i] = segmentio.Message{Key: []byte(e.Type), Value: value, Time: time.Now().UTC()}
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
		err := p.writer.WriteMessages(attemptCtx, messages...)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("outbox/kafka: publish failed after %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

func (p *Publisher) Close() error { return p.writer.Close() }

type eventEnvelope struct {
	Type          string    `json:"type"`
	Tags          []string  `json:"tags"`
	Data          []byte    `json:"data"`
	TransactionID uint64    `json:"transaction_id"`
	Position      int64     `json:"position"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func tagStrings(tags []dcb.Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.GetKey() + ":" + t.GetValue()
	}
	return out
}
