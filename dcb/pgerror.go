package dcb

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// asPgError unwraps err looking for a *pgconn.PgError, mirroring how
// isConcurrencyViolation distinguishes the custom DCB01 SQLSTATE from every
// other constraint failure without parsing the message text.
func asPgError(err error, target **pgconn.PgError) bool {
	return errors.As(err, target)
}
