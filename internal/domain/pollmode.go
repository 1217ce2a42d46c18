package domain

import "time"

// PollMode is the polling cadence tier. Values are named after the threat levels
// that select them, except the idle tier which is "normal".
type PollMode string

const (
	PollCritical PollMode = "critical"
	PollSevere   PollMode = "severe"
	PollModerate PollMode = "moderate"
	PollNormal   PollMode = "normal"
)

var pollIntervals = map[PollMode]time.Duration{
	PollCritical: 60 * time.Second,
	PollSevere:   180 * time.Second,
	PollModerate: 600 * time.Second,
	PollNormal:   900 * time.Second,
}

// Interval returns the delay between scheduled fetches in this mode.
// Unknown modes use the normal interval.
func (m PollMode) Interval() time.Duration {
	if d, ok := pollIntervals[m]; ok {
		return d
	}
	return pollIntervals[PollNormal]
}

// Demote returns the next slower mode. Normal stays normal.
func (m PollMode) Demote() PollMode {
	switch m {
	case PollCritical:
		return PollSevere
	case PollSevere:
		return PollModerate
	default:
		return PollNormal
	}
}

// Rank orders modes from fastest (0) to slowest (3).
func (m PollMode) Rank() int {
	switch m {
	case PollCritical:
		return 0
	case PollSevere:
		return 1
	case PollModerate:
		return 2
	default:
		return 3
	}
}

// Elevated reports whether the mode is critical or severe.
func (m PollMode) Elevated() bool {
	return m == PollCritical || m == PollSevere
}

// PollModeFor maps a threat level to the mode it demands.
func PollModeFor(level ThreatLevel) PollMode {
	switch level {
	case LevelCritical:
		return PollCritical
	case LevelSevere:
		return PollSevere
	case LevelModerate:
		return PollModerate
	default:
		return PollNormal
	}
}

// PollModeForAlerts returns the mode demanded by the highest threat among alerts.
func PollModeForAlerts(alerts []Alert) PollMode {
	return PollModeFor(HighestThreat(alerts))
}
