package dcb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTag_RejectsEmpty(t *testing.T) {
	assert.Panics(t, func() { NewTag("", "v") })
	assert.Panics(t, func() { NewTag("k", "") })
}

func TestNewTags_OddLengthYieldsEmpty(t *testing.T) {
	tags := NewTags("a", "1", "b")
	assert.Empty(t, tags)
}

func TestNewTags_PairsUp(t *testing.T) {
	tags := NewTags("wallet_id", "w1", "owner", "alice")
	require.Len(t, tags, 2)
	assert.Equal(t, "wallet_id", tags[0].GetKey())
	assert.Equal(t, "w1", tags[0].GetValue())
}

func TestCursor_Before(t *testing.T) {
	a := Cursor{TransactionID: 1, Position: 5}
	b := Cursor{TransactionID: 1, Position: 6}
	c := Cursor{TransactionID: 2, Position: 1}

	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.True(t, b.Before(c))
	assert.True(t, Zero.Before(a))
}

func TestTagsToArray_SortsAndRoundTrips(t *testing.T) {
	tags := []Tag{NewTag("b", "2"), NewTag("a", "1")}
	arr := TagsToArray(tags)
	assert.Equal(t, []string{"a=1", "b=2"}, arr)

	back := ParseTagsArray(arr)
	require.Len(t, back, 2)
	assert.Equal(t, "a", back[0].GetKey())
	assert.Equal(t, "1", back[0].GetValue())
}

func TestNewQuery_SingleItem(t *testing.T) {
	q := NewQuery(NewTags("wallet_id", "w1"), "WalletOpened")
	items := q.GetItems()
	require.Len(t, items, 1)
	assert.Equal(t, []string{"WalletOpened"}, items[0].GetEventTypes())
}

func TestNewQueryEmpty_HasNoItems(t *testing.T) {
	q := NewQueryEmpty()
	assert.Empty(t, q.GetItems())
}

func TestNewQueryAll_HasOneWildcardItem(t *testing.T) {
	q := NewQueryAll()
	items := q.GetItems()
	require.Len(t, items, 1)
	assert.Empty(t, items[0].GetEventTypes())
	assert.Empty(t, items[0].GetTags())
}

func TestQueryBuilder_CombinesItemsWithOr(t *testing.T) {
	q := NewQueryBuilder().
		AddItem().WithTag("course_id", "c1").WithType("CourseDefined").
		AddItem().WithTag("student_id", "s1").WithType("StudentSubscribedToCourse").
		Build()

	items := q.GetItems()
	require.Len(t, items, 2)
	assert.Equal(t, []string{"CourseDefined"}, items[0].GetEventTypes())
	assert.Equal(t, []string{"StudentSubscribedToCourse"}, items[1].GetEventTypes())
}

func TestQueryBuilder_EmptyBuildsEmptyQuery(t *testing.T) {
	q := NewQueryBuilder().Build()
	assert.Empty(t, q.GetItems())
}

func TestEmpty_NeverRejects(t *testing.T) {
	cond := Empty()
	assert.Empty(t, cond.getFailIfEventsMatch().GetItems())
	assert.Equal(t, Zero, cond.getAfterCursor())
}

func TestExpectEmptyStream_MatchesEverything(t *testing.T) {
	cond := ExpectEmptyStream()
	items := cond.getFailIfEventsMatch().GetItems()
	require.Len(t, items, 1)
	assert.Empty(t, items[0].GetEventTypes())
}

func TestFromDecisionModel_CarriesCursor(t *testing.T) {
	cursor := Cursor{TransactionID: 3, Position: 7}
	q := NewQuery(NewTags("wallet_id", "w1"), "DepositMade")
	cond := FromDecisionModel(q, cursor)
	assert.Equal(t, cursor, cond.getAfterCursor())
}

func TestWithIdempotencyCheck_AddsItem(t *testing.T) {
	base := FromDecisionModel(NewQuery(NewTags("wallet_id", "w1"), "DepositMade"), Cursor{Position: 2})
	withCheck := WithIdempotencyCheck(base, "DepositMade", "deposit_id", "d1")

	items := withCheck.getFailIfEventsMatch().GetItems()
	require.Len(t, items, 2)
	assert.Equal(t, []string{"DepositMade"}, items[1].GetEventTypes())
	assert.Equal(t, "deposit_id", items[1].GetTags()[0].GetKey())
	// the cursor travels unchanged
	assert.Equal(t, Cursor{Position: 2}, withCheck.getAfterCursor())
}

func TestIdempotencyCondition_StartsFromZero(t *testing.T) {
	cond := IdempotencyCondition("WalletOpened", "wallet_id", "w1")
	assert.Equal(t, Zero, cond.getAfterCursor())
	items := cond.getFailIfEventsMatch().GetItems()
	require.Len(t, items, 1)
	assert.Equal(t, []string{"WalletOpened"}, items[0].GetEventTypes())
}

func TestFailIfExists_MatchesAnyType(t *testing.T) {
	cond := FailIfExists("wallet_id", "w1")
	items := cond.getFailIfEventsMatch().GetItems()
	require.Len(t, items, 1)
	assert.Empty(t, items[0].GetEventTypes())
}
