package outbox

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Elector holds the session-scoped advisory lock for one (topic, publisher)
// pair, per spec.md §4.6: pg_try_advisory_lock/pg_advisory_unlock on a
// dedicated connection checked out from the pool, distinct from the command
// executor's transaction-scoped pg_advisory_xact_lock since a leadership
// term must outlive any single transaction.
type Elector struct {
	pool       *pgxpool.Pool
	lockKey    int64
	instanceID string
	conn       *pgxpool.Conn
	log        *logrus.Entry
}

func lockKeyFor(topic, publisher string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(topic + "/" + publisher))
	return int64(h.Sum64())
}

func NewElector(pool *pgxpool.Pool, topic, publisher, instanceID string, log *logrus.Entry) *Elector {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Elector{pool: pool, lockKey: lockKeyFor(topic, publisher), instanceID: instanceID, log: log}
}

// TryAcquire attempts to become leader, checking out a dedicated connection
// that is held for the lifetime of the term — releasing it (or the process
// dying) releases the lock automatically, which is how failover is
// detected per spec.md: no peer voting, just lock release.
func (e *Elector) TryAcquire(ctx context.Context) (bool, error) {
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, e.lockKey).Scan(&acquired); err != nil {
		conn.Release()
		return false, err
	}
	if !acquired {
		conn.Release()
		return false, nil
	}
	e.conn = conn
	return true, nil
}

// Release gives up leadership, unlocking and returning the connection to
// the pool.
func (e *Elector) Release(ctx context.Context) {
	if e.conn == nil {
		return
	}
	var released bool
	_ = e.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, e.lockKey).Scan(&released)
	e.conn.Release()
	e.conn = nil
}

// IsLeader reports whether this Elector currently holds the lock.
func (e *Elector) IsLeader() bool { return e.conn != nil }

// Heartbeat starts a ticker writing leader_instance/leader_since (first
// tick only) and leader_heartbeat on the progress row every interval, until
// ctx is cancelled. Staleness (now - leader_heartbeat > staleThreshold) is
// informational per spec.md — the advisory lock itself is authoritative.
func (e *Elector) Heartbeat(ctx context.Context, repo *Repository, topic, publisher string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if first {
				if err := repo.MarkLeader(ctx, topic, publisher, e.instanceID); err != nil {
					e.log.WithError(err).Warn("outbox: failed to record new leader")
				}
				first = false
			}
			if err := repo.Heartbeat(ctx, topic, publisher); err != nil {
				e.log.WithError(err).Warn("outbox: heartbeat write failed")
			}
		}
	}
}
