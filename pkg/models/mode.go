package models

import "fmt"

// TimelineMode distinguishes live operation from replay. Replay mode is a
// hard gate: command dispatch refuses it and file writers never see it.
type TimelineMode string

const (
	ModeLive   TimelineMode = "LIVE"
	ModeReplay TimelineMode = "REPLAY"
)

func (m TimelineMode) Valid() bool {
	return m == ModeLive || m == ModeReplay
}

// ParseTimelineMode converts a wire string to a TimelineMode.
func ParseTimelineMode(s string) (TimelineMode, error) {
	m := TimelineMode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown timeline mode %q", s)
	}
	return m, nil
}
