package dcb

import (
	"context"
	"fmt"
)

// CombineProjectorQueries merges the QueryItems of every projector into one
// Query, grouping items that share the same tag set so a multi-projector
// Project call still issues a single SELECT: items differing only in event
// type collapse into one item with the union of types.
func CombineProjectorQueries(projectors []StateProjector) Query {
	groups := make(map[string]*queryItem)
	var order []string
	for _, p := range projectors {
		for _, item := range p.Query.GetItems() {
			key := tagsToKey(item.GetTags())
			existing, ok := groups[key]
			if !ok {
				existing = &queryItem{Tags: append([]Tag{}, item.GetTags()...)}
				groups[key] = existing
				order = append(order, key)
			}
			existing.EventTypes = append(existing.EventTypes, item.GetEventTypes()...)
		}
	}
	items := make([]QueryItem, 0, len(order))
	for _, key := range order {
		items = append(items, groups[key])
	}
	return &query{Items: items}
}

// EventMatchesProjector reports whether event falls within projector's
// Query — an empty Query matches everything, otherwise the event must
// satisfy at least one QueryItem (type in EventTypes, if any, AND every tag
// present).
func EventMatchesProjector(event Event, projector StateProjector) bool {
	items := projector.Query.GetItems()
	if len(items) == 0 {
		return true
	}
	for _, item := range items {
		if !eventMatchesItem(event, item) {
			continue
		}
		return true
	}
	return false
}

func eventMatchesItem(event Event, item QueryItem) bool {
	if types := item.GetEventTypes(); len(types) > 0 {
		found := false
		for _, t := range types {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if tags := item.GetTags(); len(tags) > 0 {
		have := make(map[string]string, len(event.Tags))
		for _, t := range event.Tags {
			have[t.GetKey()] = t.GetValue()
		}
		for _, want := range tags {
			if have[want.GetKey()] != want.GetValue() {
				return false
			}
		}
	}
	return true
}

func validateProjectors(op string, projectors []StateProjector) error {
	if len(projectors) == 0 {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: op, Err: fmt.Errorf("at least one projector is required")},
			Field:           "projectors", Value: "empty",
		}
	}
	for _, p := range projectors {
		if p.ID == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{Op: op, Err: fmt.Errorf("projector ID cannot be empty")},
				Field:           "projector.id", Value: "empty",
			}
		}
		if p.TransitionFn == nil {
			return &ValidationError{
				EventStoreError: EventStoreError{Op: op, Err: fmt.Errorf("projector %s has nil transition function", p.ID)},
				Field:           "transitionFn", Value: "nil",
			}
		}
		if len(p.Query.GetItems()) == 0 {
			return &ValidationError{
				EventStoreError: EventStoreError{Op: op, Err: fmt.Errorf("projector %s has empty query", p.ID)},
				Field:           "query", Value: "empty",
			}
		}
	}
	return nil
}

// Project drives every projector over one pass of the events matching the
// combined query, returning each projector's final state plus an
// AppendCondition scoped to that same combined query with afterCursor set to
// the position of the last event folded in — the decision-model contract
// spec.md requires of a read used to guard a subsequent AppendIf.
func (es *eventStore) Project(ctx context.Context, projectors []StateProjector, after *Cursor) (map[string]any, AppendCondition, error) {
	if err := validateProjectors("Project", projectors); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, durationMs(es.config.QueryTimeoutMs))
	defer cancel()

	combined := CombineProjectorQueries(projectors)
	sqlQuery, args := buildReadQuerySQL(combined, after, nil)

	rows, err := es.conn.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, nil, &ResourceError{EventStoreError: EventStoreError{Op: "Project", Err: err}, Resource: "database"}
	}
	defer rows.Close()

	states := make(map[string]any, len(projectors))
	for _, p := range projectors {
		states[p.ID] = p.InitialState
	}

	cursor := Zero
	if after != nil {
		cursor = *after
	}
	for rows.Next() {
		event, err := scanEventRow(rows)
		if err != nil {
			return nil, nil, &ResourceError{EventStoreError: EventStoreError{Op: "Project", Err: err}, Resource: "database"}
		}
		cursor = Cursor{TransactionID: event.TransactionID, Position: event.Position}
		for _, p := range projectors {
			if EventMatchesProjector(event, p) {
				states[p.ID] = p.TransitionFn(states[p.ID], event)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, &ResourceError{EventStoreError: EventStoreError{Op: "Project", Err: err}, Resource: "database"}
	}

	return states, NewAppendCondition(combined, cursor), nil
}

// ProjectStream is the streaming sibling of Project: intermediate states are
// pushed on the returned channel as each matching event is folded in, and
// the final AppendCondition is sent on the second channel once the scan
// completes.
func (es *eventStore) ProjectStream(ctx context.Context, projectors []StateProjector, after *Cursor) (<-chan map[string]any, <-chan AppendCondition, <-chan error) {
	stateCh := make(chan map[string]any, es.config.FetchSize)
	condCh := make(chan AppendCondition, 1)
	errc := make(chan error, 1)

	if err := validateProjectors("ProjectStream", projectors); err != nil {
		errc <- err
		close(stateCh)
		close(condCh)
		close(errc)
		return stateCh, condCh, errc
	}

	go func() {
		defer close(stateCh)
		defer close(condCh)
		defer close(errc)
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("dcb: panic streaming projection: %v", r)
			}
		}()

		combined := CombineProjectorQueries(projectors)
		sqlQuery, args := buildReadQuerySQL(combined, after, nil)

		rows, err := es.conn.Query(ctx, sqlQuery, args...)
		if err != nil {
			errc <- &ResourceError{EventStoreError: EventStoreError{Op: "ProjectStream", Err: err}, Resource: "database"}
			return
		}
		defer rows.Close()

		states := make(map[string]any, len(projectors))
		for _, p := range projectors {
			states[p.ID] = p.InitialState
		}

		cursor := Zero
		if after != nil {
			cursor = *after
		}
		for rows.Next() {
			event, err := scanEventRow(rows)
			if err != nil {
				errc <- &ResourceError{EventStoreError: EventStoreError{Op: "ProjectStream", Err: err}, Resource: "database"}
				return
			}
			cursor = Cursor{TransactionID: event.TransactionID, Position: event.Position}
			for _, p := range projectors {
				if EventMatchesProjector(event, p) {
					states[p.ID] = p.TransitionFn(states[p.ID], event)
				}
			}
			snapshot := make(map[string]any, len(states))
			for k, v := range states {
				snapshot[k] = v
			}
			select {
			case stateCh <- snapshot:
			case <-ctx.Done():
				return
			}
		}
		if err := rows.Err(); err != nil {
			errc <- &ResourceError{EventStoreError: EventStoreError{Op: "ProjectStream", Err: err}, Resource: "database"}
			return
		}

		select {
		case condCh <- NewAppendCondition(combined, cursor):
		case <-ctx.Done():
		}
	}()

	return stateCh, condCh, errc
}
