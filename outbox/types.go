// Package outbox drives a per-(topic, publisher) background worker that
// reads committed events from a dcb.EventStore and delivers them to an
// external sink at least once, tracking progress in the
// outbox_topic_progress table.
package outbox

import (
	"context"
	"time"

	"github.com/rodolfodpk/crablet/dcb"
)

// Topic names a subset of the event stream, compiled into a dcb.Query.
// RequiredTags must all be present; AnyOfTags requires at least one present
// (each rendered as its own QueryItem, OR'd together); ExactTags must match
// both key and value.
type Topic struct {
	Name         string
	RequiredTags []dcb.Tag
	AnyOfTags    []dcb.Tag
	ExactTags    []dcb.Tag
	EventTypes   []string
}

// ToQuery compiles the topic's tag predicates into a dcb.Query. RequiredTags
// and ExactTags are mandatory on every match (tag containment is AND-only at
// the storage layer, so both reduce to the same predicate); when AnyOfTags
// is non-empty, at least one of its tags must also be present, so the query
// is the distribution (required AND exact AND anyOf[i]) for each i — not a
// bare OR of an anyOf-less item against one item per any-of tag, which would
// let required tags be bypassed entirely.
func (t Topic) ToQuery() dcb.Query {
	base := append(append([]dcb.Tag{}, t.RequiredTags...), t.ExactTags...)
	if len(t.AnyOfTags) == 0 {
		return dcb.NewQueryFromItems(dcb.NewQueryItem(t.EventTypes, base))
	}
	items := make([]dcb.QueryItem, 0, len(t.AnyOfTags))
	for _, any := range t.AnyOfTags {
		tags := append(append([]dcb.Tag{}, base...), any)
		items = append(items, dcb.NewQueryItem(t.EventTypes, tags))
	}
	return dcb.NewQueryFromItems(items...)
}

// Status is the lifecycle of a progress row.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusPaused Status = "PAUSED"
	StatusFailed Status = "FAILED"
)

// ProgressRow mirrors one row of outbox_topic_progress.
type ProgressRow struct {
	Topic           string
	Publisher       string
	LastPosition    int64
	LastPublishedAt *time.Time
	Status          Status
	ErrorCount      int
	LastError       string
	LeaderInstance  string
	LeaderSince     *time.Time
	LeaderHeartbeat *time.Time
}

// Mode is a publisher's preferred delivery granularity.
type Mode int

const (
	ModeBatch Mode = iota
	ModeOne
)

// Publisher delivers a batch of events to an external sink.
type Publisher interface {
	Name() string
	IsHealthy(ctx context.Context) bool
	PublishBatch(ctx context.Context, events []dcb.Event) error
	PreferredMode() Mode
}

// Config carries per-worker tuning, defaults matching spec.md §4.5/§4.7.
type Config struct {
	PollingInterval time.Duration
	BatchSize       int
	MaxRetries      int
	RetryDelay      time.Duration

	BackoffThreshold  int
	BackoffMultiplier float64
	BackoffMaxSeconds int

	HeartbeatInterval time.Duration
	StaleMultiplier   int

	QueryTimeout time.Duration
}

func (c Config) Normalize() Config {
	if c.PollingInterval <= 0 {
		c.PollingInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.BackoffThreshold <= 0 {
		c.BackoffThreshold = 5
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2
	}
	if c.BackoffMaxSeconds <= 0 {
		c.BackoffMaxSeconds = 60
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.StaleMultiplier <= 0 {
		c.StaleMultiplier = 3
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 15 * time.Second
	}
	return c
}
