package dcb

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrations returns the embedded SQL migration scripts in apply order.
// The calling application is responsible for running them against its
// pool before constructing an EventStore — this package validates the
// resulting schema but does not run migrations itself, matching the
// "no configuration parsing" / no hidden side effects discipline.
func Migrations() ([]string, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("dcb: reading embedded migrations: %w", err)
	}
	scripts := make([]string, 0, len(entries))
	for _, e := range entries {
		b, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("dcb: reading migration %s: %w", e.Name(), err)
		}
		scripts = append(scripts, string(b))
	}
	return scripts, nil
}

// validateEventsTableExists checks that the events table exists; it is the
// one required table for an EventStore to function.
func validateEventsTableExists(ctx context.Context, pool *pgxpool.Pool) error {
	return validateTableExists(ctx, pool, "events", true)
}

// validateCommandsTableExists checks the optional commands audit table.
func validateCommandsTableExists(ctx context.Context, pool *pgxpool.Pool) error {
	return validateTableExists(ctx, pool, "commands", false)
}

func validateTableExists(ctx context.Context, pool *pgxpool.Pool, tableName string, required bool) error {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables WHERE table_name = $1
		)
	`, tableName).Scan(&exists)
	if err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{Op: "validateTableExists", Err: fmt.Errorf("checking table %s: %w", tableName, err)},
			Resource:        "database",
		}
	}
	if !exists {
		if required {
			return &TableStructureError{
				EventStoreError: EventStoreError{Op: "validateTableExists", Err: fmt.Errorf("required table %s does not exist", tableName)},
				TableName:       tableName,
				Issue:           "missing",
			}
		}
		return nil
	}
	return nil
}
