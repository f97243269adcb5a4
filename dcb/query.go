package dcb

import (
	"sort"
	"strings"
)

// QueryItem is a single atomic predicate: (eventTypes, tags). A stored
// event matches a QueryItem iff its type is in eventTypes (or eventTypes is
// empty) AND all of the item's tags are present on the event. Opaque:
// construct through NewQueryItem or QueryBuilder.
type QueryItem interface {
	isQueryItem()
	GetEventTypes() []string
	GetTags() []Tag
}

type queryItem struct {
	EventTypes []string
	Tags       []Tag
}

func (qi *queryItem) isQueryItem()          {}
func (qi *queryItem) GetEventTypes() []string { return qi.EventTypes }
func (qi *queryItem) GetTags() []Tag          { return qi.Tags }

// NewQueryItem creates a QueryItem. An empty types slice matches any type.
func NewQueryItem(types []string, tags []Tag) QueryItem {
	return &queryItem{EventTypes: types, Tags: tags}
}

// Query is a disjunction of QueryItems — an event matches the Query iff it
// matches at least one item. The empty Query (no items) matches every
// event. Opaque: construct through the New* functions or QueryBuilder.
type Query interface {
	isQuery()
	GetItems() []QueryItem
}

type query struct {
	Items []QueryItem
}

func (q *query) isQuery()             {}
func (q *query) GetItems() []QueryItem { return q.Items }

// NewQuery builds a single-item Query matching events of any of eventTypes
// that carry all of tags.
func NewQuery(tags []Tag, eventTypes ...string) Query {
	return &query{Items: []QueryItem{NewQueryItem(eventTypes, tags)}}
}

// NewQueryEmpty returns the Query with zero items. As a read query it adds
// no filter, so it matches every event; as an AppendCondition's
// failIfMatches it never rejects (see Empty). NewQueryAll is the
// one-wildcard-item form, which rejects on any event when used as
// failIfMatches.
func NewQueryEmpty() Query { return &query{Items: []QueryItem{}} }

// NewQueryAll returns the Query matching every event in the store.
func NewQueryAll() Query {
	return &query{Items: []QueryItem{NewQueryItem(nil, nil)}}
}

// NewQueryFromItems combines items with OR semantics.
func NewQueryFromItems(items ...QueryItem) Query {
	return &query{Items: items}
}

// QueryBuilder provides a fluent path to Query construction. Items added
// with AddItem are combined with OR; tags/types added to the current item
// are combined with AND.
type QueryBuilder struct {
	items       []QueryItem
	currentItem queryItem
}

func NewQueryBuilder() *QueryBuilder { return &QueryBuilder{} }

func (qb *QueryBuilder) AddItem() *QueryBuilder {
	qb.flush()
	qb.currentItem = queryItem{}
	return qb
}

func (qb *QueryBuilder) flush() {
	if len(qb.currentItem.EventTypes) > 0 || len(qb.currentItem.Tags) > 0 {
		item := qb.currentItem
		qb.items = append(qb.items, &item)
	}
}

func (qb *QueryBuilder) WithTag(key, value string) *QueryBuilder {
	qb.currentItem.Tags = append(qb.currentItem.Tags, NewTag(key, value))
	return qb
}

func (qb *QueryBuilder) WithTags(kv ...string) *QueryBuilder {
	for _, t := range NewTags(kv...) {
		qb.currentItem.Tags = append(qb.currentItem.Tags, t)
	}
	return qb
}

func (qb *QueryBuilder) WithType(eventType string) *QueryBuilder {
	qb.currentItem.EventTypes = append(qb.currentItem.EventTypes, eventType)
	return qb
}

func (qb *QueryBuilder) WithTypes(eventTypes ...string) *QueryBuilder {
	qb.currentItem.EventTypes = append(qb.currentItem.EventTypes, eventTypes...)
	return qb
}

func (qb *QueryBuilder) WithTagAndType(key, value, eventType string) *QueryBuilder {
	return qb.WithTag(key, value).WithType(eventType)
}

func (qb *QueryBuilder) Build() Query {
	qb.flush()
	if len(qb.items) == 0 {
		return NewQueryEmpty()
	}
	return NewQueryFromItems(qb.items...)
}

// AppendCondition is the pair (failIfMatches, afterCursor) evaluated
// atomically with an append: the write is rejected if any event matching
// failIfMatches exists with position > afterCursor. Opaque: construct
// through the dcb guard helpers below.
type AppendCondition interface {
	isAppendCondition()
	getFailIfEventsMatch() Query
	getAfterCursor() Cursor
}

type appendCondition struct {
	failIfEventsMatch Query
	afterCursor       Cursor
}

func (ac *appendCondition) isAppendCondition()        {}
func (ac *appendCondition) getFailIfEventsMatch() Query { return ac.failIfEventsMatch }
func (ac *appendCondition) getAfterCursor() Cursor      { return ac.afterCursor }

// NewAppendCondition pairs a failIfMatches Query with an afterCursor. Most
// callers want the dcb guard helpers (Empty, ExpectEmptyStream,
// FromDecisionModel) instead of calling this directly.
func NewAppendCondition(failIfMatches Query, afterCursor Cursor) AppendCondition {
	if failIfMatches == nil {
		failIfMatches = NewQueryEmpty()
	}
	return &appendCondition{failIfEventsMatch: failIfMatches, afterCursor: afterCursor}
}

// =============================================================================
// DCB Guard (C3) — pure, no I/O. Builds and composes AppendCondition values
// used both by command handlers (to declare write pre-conditions) and by the
// event store (to evaluate them).
// =============================================================================

// Empty never rejects an append — equivalent to an unconditional write.
func Empty() AppendCondition {
	return &appendCondition{failIfEventsMatch: NewQueryEmpty(), afterCursor: Zero}
}

// ExpectEmptyStream rejects the append if the store already contains any
// event at all (scope Query = match-all, cursor = zero).
func ExpectEmptyStream() AppendCondition {
	return &appendCondition{failIfEventsMatch: NewQueryAll(), afterCursor: Zero}
}

// FromDecisionModel rejects the append if any event matching query exists
// with position > cursor — the cursor a handler obtained by projecting its
// decision model.
func FromDecisionModel(query Query, cursor Cursor) AppendCondition {
	return &appendCondition{failIfEventsMatch: query, afterCursor: cursor}
}

// WithIdempotencyCheck unions an additional QueryItem — (eventType,
// {key:value}) — into an existing condition's failIfMatches, rejecting any
// second attempt to write the same logically-unique entity.
func WithIdempotencyCheck(cond AppendCondition, eventType, key, value string) AppendCondition {
	item := NewQueryItem([]string{eventType}, []Tag{NewTag(key, value)})
	items := append(append([]QueryItem{}, cond.getFailIfEventsMatch().GetItems()...), item)
	return &appendCondition{
		failIfEventsMatch: NewQueryFromItems(items...),
		afterCursor:       cond.getAfterCursor(),
	}
}

// IdempotencyCondition is the standalone builder form: empty,
// afterCursor=zero, failIfMatches=forEventAndTag(eventType,key,value). Used
// directly by creation commands that need no other decision-model state.
func IdempotencyCondition(eventType, key, value string) AppendCondition {
	return WithIdempotencyCheck(Empty(), eventType, key, value)
}

// FailIfExists is a shorthand AppendCondition rejecting on any event
// carrying the given tag, regardless of type.
func FailIfExists(key, value string) AppendCondition {
	q := NewQueryBuilder().WithTag(key, value).Build()
	return NewAppendCondition(q, Zero)
}

// =============================================================================
// Tag <-> storage representation
// =============================================================================

// TagsToArray renders tags as the sorted "key=value" strings stored in the
// events.tags TEXT[] column.
func TagsToArray(tags []Tag) []string {
	if len(tags) == 0 {
		return []string{}
	}
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.GetKey() + "=" + t.GetValue()
	}
	sort.Strings(out)
	return out
}

// ParseTagsArray is the inverse of TagsToArray.
func ParseTagsArray(arr []string) []Tag {
	tags := make([]Tag, 0, len(arr))
	for _, item := range arr {
		parts := strings.SplitN(item, "=", 2)
		if len(parts) == 2 && parts[0] != "" {
			tags = append(tags, NewTag(parts[0], parts[1]))
		}
	}
	return tags
}

// tagsToKey produces a stable grouping key for a tag set, used to merge
// QueryItems that share tags but differ in event types (CombineProjectorQueries).
func tagsToKey(tags []Tag) string {
	if len(tags) == 0 {
		return ""
	}
	pairs := make([]string, len(tags))
	for i, t := range tags {
		pairs[i] = t.GetKey() + ":" + t.GetValue()
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}
