package models

import "fmt"

// Timebase selects which of the two timestamps a query or stream orders by.
// Mixing timebases inside one query is forbidden; the choice is made once per
// request.
type Timebase string

const (
	// TimebaseSource orders by the producer-authored observation time.
	TimebaseSource Timebase = "source"
	// TimebaseCanonical orders by the receive time assigned at ingest.
	TimebaseCanonical Timebase = "canonical"
)

// Valid reports whether tb is a known timebase.
func (tb Timebase) Valid() bool {
	return tb == TimebaseSource || tb == TimebaseCanonical
}

// Column returns the lane-table column holding this timebase's timestamp.
func (tb Timebase) Column() string {
	if tb == TimebaseCanonical {
		return "canonical_time"
	}
	return "source_time"
}

// ParseTimebase converts a wire string into a Timebase.
func ParseTimebase(s string) (Timebase, error) {
	tb := Timebase(s)
	if !tb.Valid() {
		return "", fmt.Errorf("unknown timebase %q", s)
	}
	return tb, nil
}
