package dcb

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Regression coverage for the position-only cursor the outbox worker feeds
// in (a Cursor with TransactionID left at zero, from ProgressRow.LastPosition
// alone): it must render a standalone "position > $N" predicate, never the
// lexicographic (transaction_id, position) pair, since "transaction_id > 0"
// is true for every committed row and would make the position filter a
// no-op — the same matching event stream would be re-fetched every cycle.
func TestBuildReadQuerySQL_PositionOnlyCursorFiltersByPosition(t *testing.T) {
	after := &Cursor{Position: 42}
	sql, args := buildReadQuerySQL(NewQueryAll(), after, nil)

	assert.Contains(t, sql, "position > $")
	assert.NotContains(t, sql, "transaction_id >")
	require.Len(t, args, 1)
	assert.Equal(t, int64(42), args[0])
}

func TestBuildReadQuerySQL_FullCursorUsesLexicographicPair(t *testing.T) {
	after := &Cursor{TransactionID: 7, Position: 42}
	sql, args := buildReadQuerySQL(NewQueryEmpty(), after, nil)

	assert.Contains(t, sql, "transaction_id = $")
	assert.Contains(t, sql, "transaction_id >")
	require.Len(t, args, 2)
	assert.Equal(t, uint64(7), args[0])
	assert.Equal(t, int64(42), args[1])
}

func TestBuildReadQuerySQL_ZeroCursorAddsNoPredicate(t *testing.T) {
	sql, args := buildReadQuerySQL(NewQueryEmpty(), &Zero, nil)
	assert.Empty(t, args)
	assert.False(t, strings.Contains(sql, "WHERE"))
}
