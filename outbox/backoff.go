package outbox

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Controller is the per-worker empty-poll backoff state machine from
// spec.md §4.7. Past BackoffThreshold consecutive empty polls it drives
// cenkalti/backoff/v4's exponential policy to turn each additional empty
// poll into a skip count, rather than hand-rolled exponent math.
type Controller struct {
	cfg            Config
	emptyPollCount int
	skipCounter    int
	policy         *backoff.ExponentialBackOff
}

func NewController(cfg Config) *Controller {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.PollingInterval
	policy.Multiplier = cfg.BackoffMultiplier
	policy.MaxInterval = time.Duration(cfg.BackoffMaxSeconds) * time.Second
	policy.MaxElapsedTime = 0
	policy.RandomizationFactor = 0
	policy.Reset()
	return &Controller{cfg: cfg, policy: policy}
}

func (c *Controller) maxSkips() int {
	if c.cfg.PollingInterval <= 0 {
		return 0
	}
	return int(int64(c.cfg.BackoffMaxSeconds) * 1000 / c.cfg.PollingInterval.Milliseconds())
}

// RecordEmpty registers a poll that found no events. Past the configured
// threshold, it draws the next interval off the exponential policy and
// converts it into a skip count (interval / pollingInterval), so
// ShouldSkip suppresses that many subsequent cycles instead of hot-polling
// an idle topic.
func (c *Controller) RecordEmpty() {
	c.emptyPollCount++
	if c.emptyPollCount <= c.cfg.BackoffThreshold {
		return
	}
	next := c.policy.NextBackOff()
	if next == backoff.Stop || c.cfg.PollingInterval <= 0 {
		c.skipCounter = c.maxSkips()
		return
	}
	skips := int(next / c.cfg.PollingInterval)
	if max := c.maxSkips(); skips > max {
		skips = max
	}
	c.skipCounter = skips
}

// RecordSuccess resets both counters immediately.
func (c *Controller) RecordSuccess() {
	c.emptyPollCount = 0
	c.skipCounter = 0
	c.policy.Reset()
}

// ShouldSkip decrements and reports true while skipCounter remains
// positive.
func (c *Controller) ShouldSkip() bool {
	if c.skipCounter > 0 {
		c.skipCounter--
		return true
	}
	return false
}
