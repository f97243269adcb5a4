package outbox

import "context"

// Management is the thin adapter over the progress table spec.md §4.8
// describes: Pause/Resume/Reset/Status/Lag, each keyed by (topic,
// publisher).
type Management struct {
	repo *Repository
}

func NewManagement(repo *Repository) *Management {
	return &Management{repo: repo}
}

// Pause transitions ACTIVE -> PAUSED. The worker honors this at the start
// of its next cycle, never mid-publish.
func (m *Management) Pause(ctx context.Context, topic, publisher string) error {
	return m.repo.SetStatus(ctx, topic, publisher, StatusPaused, false)
}

// Resume transitions PAUSED|FAILED -> ACTIVE, clearing error_count and
// last_error.
func (m *Management) Resume(ctx context.Context, topic, publisher string) error {
	return m.repo.SetStatus(ctx, topic, publisher, StatusActive, true)
}

// Reset is Resume without touching last_position, unless replayFrom is
// non-nil — the one operation allowed to move last_position backward, for
// deliberate replay after a publisher-side data loss.
func (m *Management) Reset(ctx context.Context, topic, publisher string, replayFrom *int64) error {
	if replayFrom != nil {
		return m.repo.ResetToPosition(ctx, topic, publisher, *replayFrom)
	}
	return m.repo.SetStatus(ctx, topic, publisher, StatusActive, true)
}

func (m *Management) Status(ctx context.Context, topic, publisher string) (ProgressRow, error) {
	return m.repo.Get(ctx, topic, publisher)
}

func (m *Management) Lag(ctx context.Context, topic, publisher string) (int64, error) {
	return m.repo.Lag(ctx, topic, publisher)
}
