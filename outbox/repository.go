package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rodolfodpk/crablet/dcb"
)

// execer is the narrow slice of *pgxpool.Pool's method set Repository
// needs — factored out, like dcb's dbConn, so a go-sqlmock-backed
// database/sql.DB can stand in for *pgxpool.Pool in unit tests without a
// live Postgres (see repository_test.go's sqlExecerAdapter).
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the progress-row data access layer over
// outbox_topic_progress, mutated only by the row's current leader per
// spec.md §5.
type Repository struct {
	pool execer
}

func NewRepository(pool execer) *Repository {
	return &Repository{pool: pool}
}

// EnsureRow inserts the (topic, publisher) progress row if it doesn't
// already exist, defaulting to ACTIVE/position 0.
func (r *Repository) EnsureRow(ctx context.Context, topic, publisher string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO outbox_topic_progress (topic, publisher)
		VALUES ($1, $2)
		ON CONFLICT (topic, publisher) DO NOTHING
	`, topic, publisher)
	return err
}

func (r *Repository) Get(ctx context.Context, topic, publisher string) (ProgressRow, error) {
	var row ProgressRow
	var status string
	var lastError, leaderInstance *string
	err := r.pool.QueryRow(ctx, `
		SELECT topic, publisher, last_position, last_published_at, status,
		       error_count, last_error, leader_instance, leader_since, leader_heartbeat
		FROM outbox_topic_progress WHERE topic = $1 AND publisher = $2
	`, topic, publisher).Scan(
		&row.Topic, &row.Publisher, &row.LastPosition, &row.LastPublishedAt, &status,
		&row.ErrorCount, &lastError, &leaderInstance, &row.LeaderSince, &row.LeaderHeartbeat,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ProgressRow{}, &dcb.ResourceError{
				EventStoreError: dcb.EventStoreError{Op: "Get", Err: fmt.Errorf("no progress row for (%s, %s)", topic, publisher)},
				Resource:        "database",
			}
		}
		return ProgressRow{}, &dcb.ResourceError{EventStoreError: dcb.EventStoreError{Op: "Get", Err: err}, Resource: "database"}
	}
	row.Status = Status(status)
	if lastError != nil {
		row.LastError = *lastError
	}
	if leaderInstance != nil {
		row.LeaderInstance = *leaderInstance
	}
	return row, nil
}

// AdvancePosition moves last_position forward after a successful publish,
// resetting error_count and recording last_published_at.
func (r *Repository) AdvancePosition(ctx context.Context, topic, publisher string, position int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_topic_progress
		SET last_position = $3, last_published_at = now(), error_count = 0, last_error = NULL
		WHERE topic = $1 AND publisher = $2
	`, topic, publisher, position)
	return err
}

// RecordFailure increments error_count and stores the error, auto-pausing
// (transitioning to FAILED) once error_count exceeds maxRetries.
func (r *Repository) RecordFailure(ctx context.Context, topic, publisher string, cause error, maxRetries int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_topic_progress
		SET error_count = error_count + 1,
		    last_error = $3,
		    status = CASE WHEN error_count + 1 > $4 THEN 'FAILED' ELSE status END
		WHERE topic = $1 AND publisher = $2
	`, topic, publisher, cause.Error(), maxRetries)
	return err
}

func (r *Repository) MarkLeader(ctx context.Context, topic, publisher, instanceID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_topic_progress
		SET leader_instance = $3, leader_since = now(), leader_heartbeat = now()
		WHERE topic = $1 AND publisher = $2
	`, topic, publisher, instanceID)
	return err
}

func (r *Repository) Heartbeat(ctx context.Context, topic, publisher string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_topic_progress SET leader_heartbeat = now()
		WHERE topic = $1 AND publisher = $2
	`, topic, publisher)
	return err
}

// SetStatus drives the Pause/Resume/Reset management operations (C9).
func (r *Repository) SetStatus(ctx context.Context, topic, publisher string, status Status, clearErrors bool) error {
	if clearErrors {
		_, err := r.pool.Exec(ctx, `
			UPDATE outbox_topic_progress SET status = $3, error_count = 0, last_error = NULL
			WHERE topic = $1 AND publisher = $2
		`, topic, publisher, string(status))
		return err
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_topic_progress SET status = $3
		WHERE topic = $1 AND publisher = $2
	`, topic, publisher, string(status))
	return err
}

// ResetToPosition is the only operation allowed to move last_position
// backward (spec.md §5: "last_position of a progress row never decreases
// except via explicit reset") — used to replay delivery from an earlier
// point after a publisher-side data loss.
func (r *Repository) ResetToPosition(ctx context.Context, topic, publisher string, position int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_topic_progress
		SET last_position = $3, status = 'ACTIVE', error_count = 0, last_error = NULL
		WHERE topic = $1 AND publisher = $2
	`, topic, publisher, position)
	return err
}

// Lag returns max(position) across all events minus last_position.
func (r *Repository) Lag(ctx context.Context, topic, publisher string) (int64, error) {
	var maxPosition, lastPosition int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE((SELECT max(position) FROM events), 0),
		       (SELECT last_position FROM outbox_topic_progress WHERE topic = $1 AND publisher = $2)
	`, topic, publisher).Scan(&maxPosition, &lastPosition)
	if err != nil {
		return 0, &dcb.ResourceError{EventStoreError: dcb.EventStoreError{Op: "Lag", Err: err}, Resource: "database"}
	}
	return maxPosition - lastPosition, nil
}
