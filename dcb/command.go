package dcb

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// CommandResult is what a CommandHandler returns: the events to append, the
// condition to append them under, and — when Events is empty — the reason
// the handler considers the command already satisfied.
type CommandResult struct {
	Events          []InputEvent
	Condition       AppendCondition
	IdempotencyNote string
}

// CommandHandler generates events for one command type. A handler must
// declare its CommandType as a constant runtime string, used by
// CommandRegistry to route incoming commands.
type CommandHandler interface {
	CommandType() string
	Handle(ctx context.Context, store EventStore, cmd Command) (CommandResult, error)
}

// CommandHandlerFunc adapts a plain function to CommandHandler for handlers
// with no additional state.
type CommandHandlerFunc struct {
	Type string
	Fn   func(ctx context.Context, store EventStore, cmd Command) (CommandResult, error)
}

func (f CommandHandlerFunc) CommandType() string { return f.Type }
func (f CommandHandlerFunc) Handle(ctx context.Context, store EventStore, cmd Command) (CommandResult, error) {
	return f.Fn(ctx, store, cmd)
}

// CommandRegistry maps a command type string to its handler. Duplicate
// registration is rejected fail-fast — a routing ambiguity caught at wiring
// time, never at request time.
type CommandRegistry struct {
	handlers map[string]CommandHandler
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{handlers: make(map[string]CommandHandler)}
}

func (r *CommandRegistry) Register(h CommandHandler) error {
	if h.CommandType() == "" {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: "Register", Err: fmt.Errorf("handler command type cannot be empty")},
			Field:           "commandType", Value: "empty",
		}
	}
	if _, exists := r.handlers[h.CommandType()]; exists {
		return &AmbiguousHandlersError{
			EventStoreError: EventStoreError{Op: "Register", Err: fmt.Errorf("command type %q already has a registered handler", h.CommandType())},
			CommandType:     h.CommandType(),
		}
	}
	r.handlers[h.CommandType()] = h
	return nil
}

func (r *CommandRegistry) resolve(commandType string) (CommandHandler, error) {
	h, ok := r.handlers[commandType]
	if !ok {
		return nil, &UnknownCommandError{
			EventStoreError: EventStoreError{Op: "Execute", Err: fmt.Errorf("no handler registered for command type %q", commandType)},
			CommandType:     commandType,
		}
	}
	return h, nil
}

// ExecutionResult classifies the outcome of Execute. Kind is Created when
// the handler produced events that were appended, or Idempotent when the
// handler reported the command already satisfied (no events, no append).
type ExecutionResult struct {
	Kind            ExecutionKind
	TransactionID   uint64
	IdempotencyNote string
}

type ExecutionKind int

const (
	ExecutionCreated ExecutionKind = iota
	ExecutionIdempotent
)

func (k ExecutionKind) String() string {
	if k == ExecutionIdempotent {
		return "Idempotent"
	}
	return "Created"
}

// Executor wraps a CommandRegistry and an EventStore, implementing
// executeCommand's algorithm: resolve handler, open a transaction, invoke
// the handler, append or skip, persist the command audit row, commit.
type Executor struct {
	store    EventStore
	registry *CommandRegistry
	log      *logrus.Entry
}

func NewExecutor(store EventStore, registry *CommandRegistry, log *logrus.Entry) *Executor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{store: store, registry: registry, log: log}
}

// Execute resolves cmd's handler, runs it inside a transaction, and either
// appends the returned events (classified Created) or, if the handler
// reported the command already satisfied, commits without appending
// (classified Idempotent). In both cases the command audit row is written
// only when the store's config has PersistCommands set. A ConcurrencyError from AppendIf is re-surfaced
// unchanged — the executor never retries on the caller's behalf.
func (ex *Executor) Execute(ctx context.Context, cmd Command) (ExecutionResult, error) {
	handler, err := ex.registry.resolve(cmd.GetType())
	if err != nil {
		return ExecutionResult{}, err
	}

	var result ExecutionResult
	payload := cmd.GetData()
	metadata, err := marshalMetadata(cmd.GetMetadata())
	if err != nil {
		return ExecutionResult{}, &ValidationError{EventStoreError: EventStoreError{Op: "Execute", Err: err}, Field: "metadata"}
	}

	txErr := ex.store.ExecuteInTransaction(ctx, func(txStore EventStore) error {
		cr, err := handler.Handle(ctx, txStore, cmd)
		if err != nil {
			return &DomainError{EventStoreError: EventStoreError{Op: "Execute", Err: err}, Kind: "handler"}
		}

		if len(cr.Events) == 0 {
			if cr.IdempotencyNote == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{Op: "Execute", Err: fmt.Errorf("handler for %q produced no events and no idempotency note", cmd.GetType())},
					Field:           "events", Value: "empty",
				}
			}
			result = ExecutionResult{Kind: ExecutionIdempotent, IdempotencyNote: cr.IdempotencyNote}
			if cfg := txStore.GetConfig(); cfg.PersistCommands {
				if err := txStore.StoreCommand(ctx, payload, cmd.GetType(), metadata); err != nil {
					return err
				}
			}
			ex.log.WithField("command_type", cmd.GetType()).Debug("command idempotent, no events appended")
			return nil
		}

		condition := cr.Condition
		if condition == nil {
			condition = Empty()
		}
		txID, err := txStore.AppendIf(ctx, cr.Events, condition)
		if err != nil {
			return err
		}
		result = ExecutionResult{Kind: ExecutionCreated, TransactionID: txID}

		if cfg := txStore.GetConfig(); cfg.PersistCommands {
			if err := txStore.StoreCommand(ctx, payload, cmd.GetType(), metadata); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return ExecutionResult{}, txErr
	}
	return result, nil
}

// ExecuteWithLocks is Execute preceded by sorted pg_advisory_xact_lock
// acquisitions on lockKeys — useful when a handler's decision model spans
// entities whose optimistic DCB check isn't enough on its own (e.g. a
// multi-wallet transfer the caller wants serialized rather than retried).
// Locks are sorted before acquisition so two commands touching the same
// entity set in different orders can never deadlock each other.
func (ex *Executor) ExecuteWithLocks(ctx context.Context, cmd Command, lockKeys []string) (ExecutionResult, error) {
	handler, err := ex.registry.resolve(cmd.GetType())
	if err != nil {
		return ExecutionResult{}, err
	}
	sorted := append([]string{}, lockKeys...)
	sort.Strings(sorted)

	var result ExecutionResult
	payload := cmd.GetData()
	metadata, err := marshalMetadata(cmd.GetMetadata())
	if err != nil {
		return ExecutionResult{}, &ValidationError{EventStoreError: EventStoreError{Op: "ExecuteWithLocks", Err: err}, Field: "metadata"}
	}

	txErr := ex.store.ExecuteInTransaction(ctx, func(txStore EventStore) error {
		for _, key := range sorted {
			if err := acquireAdvisoryLock(ctx, txStore, key); err != nil {
				return err
			}
		}

		cr, err := handler.Handle(ctx, txStore, cmd)
		if err != nil {
			return &DomainError{EventStoreError: EventStoreError{Op: "ExecuteWithLocks", Err: err}, Kind: "handler"}
		}

		if len(cr.Events) == 0 {
			if cr.IdempotencyNote == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{Op: "ExecuteWithLocks", Err: fmt.Errorf("handler for %q produced no events and no idempotency note", cmd.GetType())},
					Field:           "events", Value: "empty",
				}
			}
			result = ExecutionResult{Kind: ExecutionIdempotent, IdempotencyNote: cr.IdempotencyNote}
			if cfg := txStore.GetConfig(); cfg.PersistCommands {
				if err := txStore.StoreCommand(ctx, payload, cmd.GetType(), metadata); err != nil {
					return err
				}
			}
			return nil
		}

		condition := cr.Condition
		if condition == nil {
			condition = Empty()
		}
		txID, err := txStore.AppendIf(ctx, cr.Events, condition)
		if err != nil {
			return err
		}
		result = ExecutionResult{Kind: ExecutionCreated, TransactionID: txID}

		if cfg := txStore.GetConfig(); cfg.PersistCommands {
			if err := txStore.StoreCommand(ctx, payload, cmd.GetType(), metadata); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return ExecutionResult{}, txErr
	}
	return result, nil
}

func acquireAdvisoryLock(ctx context.Context, store EventStore, key string) error {
	es, ok := store.(*eventStore)
	if !ok || es.conn == nil {
		return nil
	}
	_, err := es.conn.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	if err != nil {
		return &ResourceError{EventStoreError: EventStoreError{Op: "ExecuteWithLocks", Err: fmt.Errorf("advisory lock %q: %w", key, err)}, Resource: "database"}
	}
	return nil
}

func marshalMetadata(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	return ToJSONErr(meta)
}
