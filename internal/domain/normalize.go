package domain

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"
)

// NormalizeAlerts classifies raw alerts as of now. Expired alerts and alerts whose
// severity classifies as minor are dropped. The result is ordered by threat rank,
// then imminent before non-imminent, then ascending time to impact.
func NormalizeAlerts(raw []RawAlert, now time.Time) []Alert {
	alerts := make([]Alert, 0, len(raw))
	for i := range raw {
		if !raw[i].Expires.IsZero() && raw[i].Expires.Before(now) {
			continue
		}
		a, ok := normalizeAlert(raw[i], now)
		if !ok {
			continue
		}
		alerts = append(alerts, a)
	}
	SortAlerts(alerts)
	return alerts
}

func normalizeAlert(r RawAlert, now time.Time) (Alert, bool) {
	severity := ClassifySeverity(r.Severity, r.Event)
	if severity == LevelMinor {
		return Alert{}, false
	}

	title := r.Headline
	if title == "" {
		title = r.Event
	}
	onset := r.Onset
	if onset.IsZero() {
		onset = r.Effective
	}
	tti := ComputeTimeToImpact(onset, now)

	return Alert{
		ID:                    r.ID,
		Title:                 title,
		Event:                 r.Event,
		Description:           r.Description,
		Instruction:           r.Instruction,
		Areas:                 splitAreas(r.AreaDesc),
		SenderName:            r.SenderName,
		Severity:              severity,
		ThreatLevel:           ClassifyThreatLevel(r.Severity, r.Urgency, r.Certainty),
		EmergencyType:         ClassifyEmergencyType(r.Event),
		Urgency:               lowerOrUnknown(r.Urgency),
		Certainty:             lowerOrUnknown(r.Certainty),
		ActionRequired:        DeriveActionRequired(r.Event, severity),
		EvacuationRecommended: ShouldRecommendEvacuation(r.Event, severity),
		TimeToImpact:          tti,
		IsImminent:            IsImminent(tti),
		Effective:             r.Effective,
		Expires:               r.Expires,
	}, true
}

// SortAlerts orders alerts in place by priority. The sort is stable.
func SortAlerts(alerts []Alert) {
	slices.SortStableFunc(alerts, compareAlerts)
}

func compareAlerts(a, b Alert) int {
	if c := cmp.Compare(a.ThreatLevel.Rank(), b.ThreatLevel.Rank()); c != 0 {
		return c
	}
	if a.IsImminent != b.IsImminent {
		if a.IsImminent {
			return -1
		}
		return 1
	}
	return cmp.Compare(a.TimeToImpact, b.TimeToImpact)
}

// HighestThreat returns the most urgent ThreatLevel among alerts, or LevelMinor when empty.
func HighestThreat(alerts []Alert) ThreatLevel {
	best := LevelMinor
	for i := range alerts {
		if alerts[i].ThreatLevel.Rank() < best.Rank() {
			best = alerts[i].ThreatLevel
		}
	}
	return best
}

// FormatTimeToImpact renders a time to impact for display: "Unknown", "2h 5m",
// "45m", or "NOW" for anything under a minute.
func FormatTimeToImpact(d time.Duration) string {
	if d == UnknownImpact {
		return "Unknown"
	}
	hours := int64(d / time.Hour)
	minutes := int64((d % time.Hour) / time.Minute)
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	default:
		return "NOW"
	}
}

func splitAreas(desc string) []string {
	if desc == "" {
		return []string{}
	}
	parts := strings.Split(desc, ";")
	areas := make([]string, 0, len(parts))
	for _, p := range parts {
		areas = append(areas, strings.TrimSpace(p))
	}
	return areas
}

func lowerOrUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.ToLower(s)
}
