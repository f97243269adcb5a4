package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodolfodpk/crablet/dcb"
)

// sqlExecerAdapter lets a go-sqlmock *sql.DB stand in for Repository's
// execer interface, translating between database/sql and pgx's call
// shapes: *sql.Row already satisfies pgx.Row (both expose only
// Scan(dest ...any) error), and database/sql.Result is rendered into a
// pgconn.CommandTag carrying just the affected-row count Repository never
// actually inspects.
type sqlExecerAdapter struct {
	db *sql.DB
}

func (a sqlExecerAdapter) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	n, _ := res.RowsAffected()
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n)), nil
}

func (a sqlExecerAdapter) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return a.db.QueryRowContext(ctx, query, args...)
}

func newMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	repo := NewRepository(sqlExecerAdapter{db: db})
	return repo, mock, func() { db.Close() }
}

func TestRepository_EnsureRow(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	mock.ExpectExec("INSERT INTO outbox_topic_progress").
		WithArgs("orders", "kafka:orders").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.EnsureRow(context.Background(), "orders", "kafka:orders")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_AdvancePosition(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	mock.ExpectExec("UPDATE outbox_topic_progress").
		WithArgs("orders", "kafka:orders", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.AdvancePosition(context.Background(), "orders", "kafka:orders", 42)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_RecordFailure(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	mock.ExpectExec("UPDATE outbox_topic_progress").
		WithArgs("orders", "kafka:orders", "boom", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.RecordFailure(context.Background(), "orders", "kafka:orders", assertError{"boom"}, 3)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Get_NotFound(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	mock.ExpectQuery("SELECT topic, publisher").
		WithArgs("orders", "kafka:orders").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "orders", "kafka:orders")
	require.Error(t, err)
	assert.True(t, dcb.IsResourceError(err))
}

func TestRepository_Get_Found(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	cols := []string{"topic", "publisher", "last_position", "last_published_at", "status",
		"error_count", "last_error", "leader_instance", "leader_since", "leader_heartbeat"}
	rows := sqlmock.NewRows(cols).AddRow(
		"orders", "kafka:orders", int64(10), nil, "ACTIVE", 0, "", "", nil, nil,
	)
	mock.ExpectQuery("SELECT topic, publisher").
		WithArgs("orders", "kafka:orders").
		WillReturnRows(rows)

	row, err := repo.Get(context.Background(), "orders", "kafka:orders")
	require.NoError(t, err)
	assert.Equal(t, int64(10), row.LastPosition)
	assert.Equal(t, StatusActive, row.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ResetToPosition(t *testing.T) {
	repo, mock, done := newMockRepository(t)
	defer done()

	mock.ExpectExec("UPDATE outbox_topic_progress").
		WithArgs("orders", "kafka:orders", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.ResetToPosition(context.Background(), "orders", "kafka:orders", 5)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// assertError is a minimal error value for RecordFailure's cause argument.
type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
