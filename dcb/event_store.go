package dcb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// EventStore is the primary abstraction every caller of this package
// interacts with: durable ordered append, tag-indexed query, projection,
// transactional scoping, and command audit persistence (C2).
type EventStore interface {
	// AppendIf atomically checks condition and, if it passes, assigns
	// positions and writes events under one transaction_id. Returns the
	// transaction id of the commit.
	AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (uint64, error)
	// Append is the unconditional convenience wrapper — equivalent to
	// AppendIf(events, Empty()). Reserved for callers with no invariant to
	// enforce.
	Append(ctx context.Context, events []InputEvent) (uint64, error)

	// Query returns every event matching query with position after the
	// cursor's (or from the beginning if nil), in ascending
	// (transaction_id, position) order.
	Query(ctx context.Context, query Query, after *Cursor) ([]Event, error)
	// QueryStream is the server-side-streaming variant of Query, bounded
	// by EventStoreConfig.FetchSize.
	QueryStream(ctx context.Context, query Query, after *Cursor) (<-chan Event, <-chan error)

	// Project drives projectors over one pass of the matching stream,
	// returning each projector's final state plus a combined
	// AppendCondition whose afterCursor is the position of the last event
	// consumed — ready to hand to AppendIf.
	Project(ctx context.Context, projectors []StateProjector, after *Cursor) (map[string]any, AppendCondition, error)
	// ProjectStream streams intermediate states as each matching event is
	// folded in.
	ProjectStream(ctx context.Context, projectors []StateProjector, after *Cursor) (<-chan map[string]any, <-chan AppendCondition, <-chan error)

	// ExecuteInTransaction opens a transaction (or reuses the current one,
	// if this handle is already transaction-scoped) and hands fn a
	// transaction-scoped EventStore. Commits on a nil return, rolls back
	// otherwise.
	ExecuteInTransaction(ctx context.Context, fn func(EventStore) error) error

	// StoreCommand appends a command audit row. Idempotent per
	// transactionId since each transaction_id is unique.
	StoreCommand(ctx context.Context, payload []byte, commandType string, metadata []byte) error

	GetConfig() EventStoreConfig
	GetPool() *pgxpool.Pool
}

// dbConn is the subset of *pgxpool.Pool and pgx.Tx that eventStore needs.
// Holding this instead of a concrete pool lets ExecuteInTransaction hand
// callers a transaction-scoped EventStore that runs every query against the
// same pgx.Tx rather than opening a second one.
type dbConn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// eventStore is the root implementation of EventStore. tx is nil on the
// pool-backed root handle and non-nil on a transaction-scoped handle
// returned by ExecuteInTransaction.
type eventStore struct {
	pool   *pgxpool.Pool
	conn   dbConn
	tx     pgx.Tx
	config EventStoreConfig
	clock  Clock
	log    *logrus.Entry
}

// NewEventStore validates the connection and schema, then returns an
// EventStore using the default configuration.
func NewEventStore(ctx context.Context, pool *pgxpool.Pool, log *logrus.Entry) (EventStore, error) {
	return NewEventStoreWithConfig(ctx, pool, DefaultEventStoreConfig(), log)
}

// NewEventStoreWithConfig is NewEventStore with caller-supplied
// configuration; zero fields are filled with documented defaults.
func NewEventStoreWithConfig(ctx context.Context, pool *pgxpool.Pool, cfg EventStoreConfig, log *logrus.Entry) (EventStore, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{Op: "NewEventStore", Err: fmt.Errorf("ping database: %w", err)},
			Resource:        "database",
		}
	}
	if err := validateEventsTableExists(ctx, pool); err != nil {
		return nil, err
	}
	if err := validateCommandsTableExists(ctx, pool); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &eventStore{pool: pool, conn: pool, config: cfg.Normalize(), clock: SystemClock, log: log}, nil
}

func (es *eventStore) GetConfig() EventStoreConfig { return es.config }
func (es *eventStore) GetPool() *pgxpool.Pool       { return es.pool }

func durationMs(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// validateEvents enforces the structural invariants spec.md places on
// AppendEvent: non-empty type, non-empty tag keys/values, no duplicate tag
// key within one event.
func validateEvents(events []InputEvent, maxBatchSize int) error {
	if len(events) == 0 {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("event list must not be empty")},
			Field:           "events", Value: "empty",
		}
	}
	if len(events) > maxBatchSize {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("batch size %d exceeds maximum %d", len(events), maxBatchSize)},
			Field:           "events", Value: fmt.Sprintf("count:%d", len(events)),
		}
	}
	for i, e := range events {
		if e.GetType() == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("event at index %d has empty type", i)},
				Field:           "type", Value: "empty",
			}
		}
		seen := make(map[string]bool, len(e.GetTags()))
		for _, t := range e.GetTags() {
			if t.GetKey() == "" || t.GetValue() == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("event at index %d has a tag with an empty key or value", i)},
					Field:           "tag", Value: "empty",
				}
			}
			if seen[t.GetKey()] {
				return &ValidationError{
					EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("event at index %d has duplicate tag key %q", i, t.GetKey())},
					Field:           "tag.key", Value: t.GetKey(),
				}
			}
			seen[t.GetKey()] = true
		}
	}
	return nil
}

// Append is the unconditional convenience wrapper.
func (es *eventStore) Append(ctx context.Context, events []InputEvent) (uint64, error) {
	return es.AppendIf(ctx, events, Empty())
}

// AppendIf performs the single-round-trip DCB check-and-insert via the
// append_events_with_condition stored routine (dcb/migrations/0001_init.sql),
// so the check and the write are evaluated atomically inside one statement
// — no TOCTOU window between reading the condition and committing the
// insert.
func (es *eventStore) AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (uint64, error) {
	if err := validateEvents(events, es.config.MaxBatchSize); err != nil {
		return 0, err
	}
	if condition == nil {
		condition = Empty()
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(es.config.AppendTimeoutMs)*time.Millisecond)
	defer cancel()

	eventPayload := make([]eventJSON, len(events))
	for i, e := range events {
		eventPayload[i] = eventJSON{
			Type: e.GetType(),
			Tags: TagsToArray(e.GetTags()),
			Data: rawJSONOrNull(e.GetData()),
		}
	}

	failItems := condition.getFailIfEventsMatch().GetItems()
	failPayload := make([]failItemJSON, len(failItems))
	for i, item := range failItems {
		types := item.GetEventTypes()
		if types == nil {
			types = []string{}
		}
		failPayload[i] = failItemJSON{Types: types, Tags: TagsToArray(item.GetTags())}
	}

	eventsJSON, err := json.Marshal(eventPayload)
	if err != nil {
		return 0, &ValidationError{EventStoreError: EventStoreError{Op: "AppendIf", Err: err}, Field: "events"}
	}
	failJSON, err := json.Marshal(failPayload)
	if err != nil {
		return 0, &ValidationError{EventStoreError: EventStoreError{Op: "AppendIf", Err: err}, Field: "condition"}
	}

	var resultJSON []byte
	after := condition.getAfterCursor()
	row := es.conn.QueryRow(ctx, `SELECT append_events_with_condition($1, $2, $3, $4)`,
		eventsJSON, failJSON, after.TransactionID, after.Position)
	if scanErr := row.Scan(&resultJSON); scanErr != nil {
		if isConcurrencyViolation(scanErr) {
			return 0, &ConcurrencyError{
				EventStoreError: EventStoreError{Op: "AppendIf", Err: scanErr},
				AfterCursor:     after,
			}
		}
		return 0, &ResourceError{
			EventStoreError: EventStoreError{Op: "AppendIf", Err: fmt.Errorf("append_events_with_condition: %w", scanErr)},
			Resource:        "database",
		}
	}

	var result appendResultJSON
	if err := json.Unmarshal(resultJSON, &result); err != nil {
		return 0, &ResourceError{EventStoreError: EventStoreError{Op: "AppendIf", Err: err}, Resource: "database"}
	}
	es.log.WithFields(logrus.Fields{"events": len(events), "transaction_id": result.TransactionID}).Debug("appended events")
	txID, err := parseUint64(result.TransactionID)
	if err != nil {
		return 0, &ResourceError{EventStoreError: EventStoreError{Op: "AppendIf", Err: err}, Resource: "database"}
	}
	return txID, nil
}

type eventJSON struct {
	Type string          `json:"type"`
	Tags []string        `json:"tags"`
	Data json.RawMessage `json:"data,omitempty"`
}

type failItemJSON struct {
	Types []string `json:"types"`
	Tags  []string `json:"tags"`
}

type appendResultJSON struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id"`
	LastPosition  int64  `json:"last_position"`
}

func rawJSONOrNull(data []byte) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(data)
}

func parseUint64(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

// isConcurrencyViolation detects the custom SQLSTATE DCB01 the stored
// routine raises on a condition violation.
func isConcurrencyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return asPgError(err, &pgErr) && pgErr.Code == "DCB01"
}

// buildReadQuerySQL renders query + cursor into a SELECT over events, using
// the "tags @> $N::text[]" containment operator for the DCB tag predicate.
// The cursor predicate depends on what the caller actually tracked: a full
// (transaction_id, position) cursor gets the lexicographic comparison, while
// a position-only cursor (no transaction_id available, as in the outbox's
// progress row) gets a plain position comparison.
func buildReadQuerySQL(q Query, after *Cursor, limit *int) (string, []any) {
	var conditions []string
	var args []any
	argIndex := 1

	items := q.GetItems()
	if len(items) > 0 {
		var orConditions []string
		for _, item := range items {
			var andConditions []string
			if len(item.GetEventTypes()) > 0 {
				andConditions = append(andConditions, fmt.Sprintf("type = ANY($%d::text[])", argIndex))
				args = append(args, item.GetEventTypes())
				argIndex++
			}
			if len(item.GetTags()) > 0 {
				andConditions = append(andConditions, fmt.Sprintf("tags @> $%d::text[]", argIndex))
				args = append(args, TagsToArray(item.GetTags()))
				argIndex++
			}
			if len(andConditions) > 0 {
				orConditions = append(orConditions, "("+strings.Join(andConditions, " AND ")+")")
			} else {
				// an item with no types and no tags matches everything
				orConditions = append(orConditions, "TRUE")
			}
		}
		conditions = append(conditions, "("+strings.Join(orConditions, " OR ")+")")
	}

	if after != nil {
		switch {
		case after.TransactionID != 0:
			conditions = append(conditions, fmt.Sprintf("((transaction_id = $%d AND position > $%d) OR (transaction_id > $%d))", argIndex, argIndex+1, argIndex))
			args = append(args, after.TransactionID, after.Position)
			argIndex += 2
		case after.Position != 0:
			// A cursor with no transaction_id (outbox progress tracks only
			// position) — a plain position predicate, not the lexicographic
			// pair above, since "transaction_id > 0" would otherwise be true
			// for every committed row and make the position filter a no-op.
			conditions = append(conditions, fmt.Sprintf("position > $%d", argIndex))
			args = append(args, after.Position)
			argIndex++
		}
	}

	var sb strings.Builder
	sb.WriteString("SELECT type, tags, data, transaction_id, position, occurred_at FROM events")
	if len(conditions) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conditions, " AND "))
	}
	sb.WriteString(" ORDER BY transaction_id ASC, position ASC")
	if limit != nil {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", *limit))
	}
	return sb.String(), args
}

type rowEvent struct {
	Type          string
	Tags          []string
	Data          []byte
	TransactionID uint64
	Position      int64
	OccurredAt    time.Time
}

func (r rowEvent) toEvent() Event {
	return Event{
		Type:          r.Type,
		Tags:          ParseTagsArray(r.Tags),
		Data:          r.Data,
		TransactionID: r.TransactionID,
		Position:      r.Position,
		OccurredAt:    r.OccurredAt,
	}
}

func scanEventRow(rows pgx.Rows) (Event, error) {
	var r rowEvent
	if err := rows.Scan(&r.Type, &r.Tags, &r.Data, &r.TransactionID, &r.Position, &r.OccurredAt); err != nil {
		return Event{}, err
	}
	return r.toEvent(), nil
}

// Query reads every matching event into memory. For large result sets
// prefer QueryStream.
func (es *eventStore) Query(ctx context.Context, query Query, after *Cursor) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(es.config.QueryTimeoutMs)*time.Millisecond)
	defer cancel()

	sqlQuery, args := buildReadQuerySQL(query, after, nil)
	rows, err := es.conn.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, &ResourceError{EventStoreError: EventStoreError{Op: "Query", Err: err}, Resource: "database"}
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEventRow(rows)
		if err != nil {
			return nil, &ResourceError{EventStoreError: EventStoreError{Op: "Query", Err: err}, Resource: "database"}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &ResourceError{EventStoreError: EventStoreError{Op: "Query", Err: err}, Resource: "database"}
	}
	return events, nil
}

// QueryStream streams matching events with server-side cursoring
// (pgx.Rows consumed directly, no client buffering) through a channel
// bounded by FetchSize, observing ctx.Done() so a cancelled caller doesn't
// leak the goroutine.
func (es *eventStore) QueryStream(ctx context.Context, query Query, after *Cursor) (<-chan Event, <-chan error) {
	out := make(chan Event, es.config.FetchSize)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("dcb: panic streaming query: %v", r)
			}
		}()

		sqlQuery, args := buildReadQuerySQL(query, after, nil)
		rows, err := es.conn.Query(ctx, sqlQuery, args...)
		if err != nil {
			errc <- &ResourceError{EventStoreError: EventStoreError{Op: "QueryStream", Err: err}, Resource: "database"}
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEventRow(rows)
			if err != nil {
				errc <- &ResourceError{EventStoreError: EventStoreError{Op: "QueryStream", Err: err}, Resource: "database"}
				return
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
		if err := rows.Err(); err != nil {
			errc <- &ResourceError{EventStoreError: EventStoreError{Op: "QueryStream", Err: err}, Resource: "database"}
		}
	}()

	return out, errc
}

// StoreCommand appends a command audit row inside the caller's implicit
// transaction. On the root (non-transactional) handle this runs in its own
// single-statement transaction.
func (es *eventStore) StoreCommand(ctx context.Context, payload []byte, commandType string, metadata []byte) error {
	_, err := es.conn.Exec(ctx, `
		INSERT INTO commands (transaction_id, type, data, metadata)
		VALUES (pg_current_xact_id(), $1, $2, $3)
	`, commandType, payload, metadata)
	if err != nil {
		return &ResourceError{EventStoreError: EventStoreError{Op: "StoreCommand", Err: err}, Resource: "database"}
	}
	return nil
}

