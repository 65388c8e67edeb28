package models

import "strings"

// The single ordering rule. Both the in-process comparator and the store's
// ORDER BY clauses derive from the tuple below; there is no second definition
// anywhere else.
//
//	(time, lanePriority, systemId, containerId, uniqueId,
//	 connectionId, sequence, eventId)
//
// connectionId and sequence only discriminate within the raw lane (they are
// empty/null elsewhere); the event ID is the final total-order tie-break.

// OrderColumns returns the ordered column list for the chosen timebase, as it
// appears in every lane-table read. The store's composite indexes mirror this
// tuple so bounded reads come back pre-ordered.
func OrderColumns(tb Timebase) []string {
	return []string{
		tb.Column(),
		"lane_priority",
		"system_id",
		"container_id",
		"unique_id",
		"connection_id",
		"sequence",
		"event_id",
	}
}

// OrderClause renders OrderColumns as a SQL ORDER BY body. Null sequences
// sort first to match the comparator's nil-before-value rule.
func OrderClause(tb Timebase) string {
	cols := OrderColumns(tb)
	parts := make([]string, len(cols))
	for i, c := range cols {
		if c == "sequence" {
			parts[i] = c + " ASC NULLS FIRST"
		} else {
			parts[i] = c + " ASC"
		}
	}
	return strings.Join(parts, ", ")
}

// Compare is the in-process comparator over the same tuple. It returns a
// negative value when a orders before b, and never returns 0 for distinct
// events because the event ID breaks every remaining tie.
func Compare(a, b *Event, tb Timebase) int {
	at, bt := a.Time(tb), b.Time(tb)
	if !at.Equal(bt) {
		if at.Before(bt) {
			return -1
		}
		return 1
	}
	if d := a.Lane.Priority() - b.Lane.Priority(); d != 0 {
		return d
	}
	if d := strings.Compare(a.SystemID, b.SystemID); d != 0 {
		return d
	}
	if d := strings.Compare(a.ContainerID, b.ContainerID); d != 0 {
		return d
	}
	if d := strings.Compare(a.UniqueID, b.UniqueID); d != 0 {
		return d
	}
	if d := strings.Compare(a.ConnectionID, b.ConnectionID); d != 0 {
		return d
	}
	if d := compareSequence(a.Sequence, b.Sequence); d != 0 {
		return d
	}
	return strings.Compare(a.EventID, b.EventID)
}

func compareSequence(a, b *int64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	default:
		return 0
	}
}
