// Package metrics implements the Metrics Bus (C10): a fire-and-forget
// broadcast of typed metric events so producers on the append/command/
// outbox hot paths never block on a slow or absent subscriber.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is the marker interface every metric type implements.
type Event interface {
	isMetricEvent()
}

type EventsAppendedMetric struct{ Count int }
type EventTypeMetric struct{ Type string }
type ConcurrencyViolationMetric struct{}
type CommandStartedMetric struct{ CommandType string }
type CommandSuccessMetric struct {
	CommandType string
	Duration    time.Duration
}
type CommandFailureMetric struct {
	CommandType string
	ErrorKind   string
}
type IdempotentOperationMetric struct{ CommandType string }
type EventsPublishedMetric struct {
	Publisher string
	Count     int
}
type PublishingDurationMetric struct {
	Publisher string
	Duration  time.Duration
}
type OutboxErrorMetric struct{ Publisher string }
type ProcessingCycleMetric struct{}
type LeadershipMetric struct {
	InstanceID string
	IsLeader   bool
}

func (EventsAppendedMetric) isMetricEvent()       {}
func (EventTypeMetric) isMetricEvent()            {}
func (ConcurrencyViolationMetric) isMetricEvent() {}
func (CommandStartedMetric) isMetricEvent()       {}
func (CommandSuccessMetric) isMetricEvent()       {}
func (CommandFailureMetric) isMetricEvent()       {}
func (IdempotentOperationMetric) isMetricEvent()  {}
func (EventsPublishedMetric) isMetricEvent()      {}
func (PublishingDurationMetric) isMetricEvent()   {}
func (OutboxErrorMetric) isMetricEvent()          {}
func (ProcessingCycleMetric) isMetricEvent()      {}
func (LeadershipMetric) isMetricEvent()           {}

// Bus is a multi-producer, multi-consumer broadcast: Publish never blocks —
// a full subscriber channel drops the event and increments a counter rather
// than backpressuring the producer, per spec.md's "lossy tolerated" design.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	bufferSize  int
	dropped     atomic.Uint64
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{subscribers: make(map[int]chan Event), bufferSize: bufferSize}
}

// Subscribe returns a channel of future events and an unsubscribe func.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
}

// Publish fans e out to every current subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the running count of events dropped because a
// subscriber's channel was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// LoggingSink is the default subscriber shipped with this package: it
// drains a Bus subscription and logs each event at debug level via logrus.
type LoggingSink struct {
	log *logrus.Entry
}

func NewLoggingSink(log *logrus.Entry) *LoggingSink {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LoggingSink{log: log}
}

// Run drains events until the channel closes (the bus's unsubscribe func
// was called) or ctx-style cancellation is handled by the caller closing
// the channel itself.
func (s *LoggingSink) Run(events <-chan Event) {
	for e := range events {
		s.log.WithField("metric", e).Debug("metric event")
	}
}
