package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/rodolfodpk/crablet/dcb"
	"github.com/rodolfodpk/crablet/metrics"
)

// Worker drives one (topic, publisher) pair: poll -> check leadership ->
// fetch -> publish -> advance cursor -> idle-sleep, grounded on
// go-simple-es-projector's Runner.Run fetch/apply/commit/advance loop,
// generalized with leadership and backoff gates and batch publishing.
type Worker struct {
	topic     Topic
	publisher Publisher
	store     dcb.EventStore
	repo      *Repository
	elector   *Elector
	backoff   *Controller
	bus       *metrics.Bus
	cfg       Config
	log       *logrus.Entry
}

func NewWorker(topic Topic, publisher Publisher, store dcb.EventStore, pool *pgxpool.Pool, instanceID string, bus *metrics.Bus, cfg Config, log *logrus.Entry) *Worker {
	cfg = cfg.Normalize()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		topic:     topic,
		publisher: publisher,
		store:     store,
		repo:      NewRepository(pool),
		elector:   NewElector(pool, topic.Name, publisher.Name(), instanceID, log),
		backoff:   NewController(cfg),
		bus:       bus,
		cfg:       cfg,
		log:       log.WithFields(logrus.Fields{"topic": topic.Name, "publisher": publisher.Name()}),
	}
}

// Run polls at cfg.PollingInterval until ctx is cancelled, observing the
// shutdown signal at cycle boundaries only — an in-flight publish always
// completes or fails cleanly before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.repo.EnsureRow(ctx, w.topic.Name, w.publisher.Name()); err != nil {
		return err
	}

	ticker := time.NewTicker(w.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.elector.Release(ctx)
			return ctx.Err()
		case <-ticker.C:
			if err := w.cycle(ctx); err != nil {
				w.log.WithError(err).Warn("outbox cycle failed")
			}
		}
	}
}

func (w *Worker) cycle(ctx context.Context) error {
	if w.backoff.ShouldSkip() {
		return nil
	}

	row, err := w.repo.Get(ctx, w.topic.Name, w.publisher.Name())
	if err != nil {
		return err
	}
	if row.Status != StatusActive {
		return nil
	}

	if !w.elector.IsLeader() {
		acquired, err := w.elector.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if !acquired {
			return nil
		}
		go w.elector.Heartbeat(ctx, w.repo, w.topic.Name, w.publisher.Name(), w.cfg.HeartbeatInterval)
		w.bus.Publish(metrics.LeadershipMetric{InstanceID: w.elector.instanceID, IsLeader: true})
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.QueryTimeout)
	defer cancel()

	after := &dcb.Cursor{Position: row.LastPosition}
	limit := w.cfg.BatchSize
	events, err := w.fetchBatch(fetchCtx, after, limit)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		w.backoff.RecordEmpty()
		w.bus.Publish(metrics.ProcessingCycleMetric{})
		return nil
	}

	start := time.Now()
	publishErr := w.publisher.PublishBatch(ctx, events)
	duration := time.Since(start)

	if publishErr != nil {
		w.bus.Publish(metrics.OutboxErrorMetric{Publisher: w.publisher.Name()})
		if err := w.repo.RecordFailure(ctx, w.topic.Name, w.publisher.Name(), publishErr, w.cfg.MaxRetries); err != nil {
			w.log.WithError(err).Warn("failed to record publish failure")
		}
		return &dcb.PublisherError{EventStoreError: dcb.EventStoreError{Op: "PublishBatch", Err: publishErr}, Publisher: w.publisher.Name()}
	}

	highest := events[len(events)-1].Position
	if err := w.repo.AdvancePosition(ctx, w.topic.Name, w.publisher.Name(), highest); err != nil {
		return err
	}
	w.backoff.RecordSuccess()
	w.bus.Publish(metrics.EventsPublishedMetric{Publisher: w.publisher.Name(), Count: len(events)})
	w.bus.Publish(metrics.PublishingDurationMetric{Publisher: w.publisher.Name(), Duration: duration})
	return nil
}

// fetchBatch reads up to limit events matching the topic past after, in
// ascending position order, bypassing dcb.EventStore.Query's unbounded
// result collection with an explicit LIMIT via QueryStream's first N.
func (w *Worker) fetchBatch(ctx context.Context, after *dcb.Cursor, limit int) ([]dcb.Event, error) {
	out, errc := w.store.QueryStream(ctx, w.topic.ToQuery(), after)
	events := make([]dcb.Event, 0, limit)
	for e := range out {
		events = append(events, e)
		if len(events) >= limit {
			break
		}
	}
	select {
	case err := <-errc:
		if err != nil {
			return nil, err
		}
	default:
	}
	return events, nil
}
