// Package s3archive ships a Publisher that archives outbox events as
// newline-delimited JSON objects uploaded via aws-sdk-go-v2's S3
// manager.Uploader — a cold-storage sink exercising a domain dependency
// the teacher repo never needed.
package s3archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rodolfodpk/crablet/dcb"
	"github.com/rodolfodpk/crablet/outbox"
)

type Config struct {
	Bucket    string
	KeyPrefix string
}

// Publisher uploads each published batch as one object, keyed by the
// batch's position range so repeated at-least-once deliveries of an
// overlapping range simply produce overlapping, independently-readable
// objects rather than colliding.
type Publisher struct {
	uploader *manager.Uploader
	cfg      Config
}

func NewPublisher(client *s3.Client, cfg Config) *Publisher {
	return &Publisher{uploader: manager.NewUploader(client), cfg: cfg}
}

func (p *Publisher) Name() string { return "s3archive:" + p.cfg.Bucket }

func (p *Publisher) IsHealthy(ctx context.Context) bool { return p.uploader != nil }

func (p *Publisher) PreferredMode() outbox.Mode { return outbox.ModeBatch }

type archivedEvent struct {
	Type          string    `json:"type"`
	Tags          []string  `json:"tags"`
	Data          []byte    `json:"data"`
	TransactionID uint64    `json:"transaction_id"`
	Position      int64     `json:"position"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// PublishBatch writes one object containing the batch, one JSON object per
// line, to {keyPrefix}/{firstPosition}-{lastPosition}.ndjson.
func (p *Publisher) PublishBatch(ctx context.Context, events []dcb.Event) error {
	if len(events) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		tags := make([]string, len(e.Tags))
		for i, t := range e.Tags {
			tags[i] = t.GetKey() + ":" + t.GetValue()
		}
		if err := enc.Encode(archivedEvent{
			Type: e.Type, Tags: tags, Data: e.Data,
			TransactionID: e.TransactionID, Position: e.Position, OccurredAt: e.OccurredAt,
		}); err != nil {
			return fmt.Errorf("outbox/s3archive: encode event at position %d: %w", e.Position, err)
		}
	}

	key := fmt.Sprintf("%s/%d-%d.ndjson", p.cfg.KeyPrefix, events[0].Position, events[len(events)-1].Position)
	_, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &p.cfg.Bucket,
		Key:    &key,
		Body:   &buf,
	})
	if err != nil {
		return fmt.Errorf("outbox/s3archive: upload %s: %w", key, err)
	}
	return nil
}
