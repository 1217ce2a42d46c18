package domain

import (
	"strings"
	"time"
)

// Event names (lower-case substrings) that force a severity regardless of the raw value.
var (
	alwaysCriticalEvents = []string{
		"tornado warning", "flash flood warning", "severe thunderstorm warning",
		"hurricane warning", "blizzard warning", "ice storm warning",
	}
	alwaysSevereEvents = []string{
		"tornado watch", "flash flood watch", "severe thunderstorm watch",
		"hurricane watch", "winter storm warning", "high wind warning",
	}
	evacuationEvents = []string{
		"hurricane warning", "wildfire warning", "flood warning",
		"dam break", "levee failure", "evacuation order",
	}
)

// emergencyTypeRules is evaluated in order; the first matching rule wins.
var emergencyTypeRules = []struct {
	keywords []string
	kind     EmergencyType
}{
	{[]string{"tornado"}, EmergencyTornado},
	{[]string{"flood"}, EmergencyFlooding},
	{[]string{"hurricane", "tropical storm"}, EmergencyHurricane},
	{[]string{"thunderstorm", "hail"}, EmergencySevereWeather},
	{[]string{"winter", "blizzard", "ice"}, EmergencyWinterStorm},
	{[]string{"fire"}, EmergencyWildfire},
	{[]string{"earthquake"}, EmergencyEarthquake},
}

var cannedActions = []struct {
	event   string
	actions []string
}{
	{"tornado warning", []string{"SEEK IMMEDIATE SHELTER", "Go to lowest floor, interior room", "Stay away from windows"}},
	{"flash flood warning", []string{"DO NOT DRIVE THROUGH FLOODED ROADS", "Move to higher ground immediately", "Avoid low-lying areas"}},
	{"severe thunderstorm warning", []string{"Seek indoor shelter", "Avoid windows and electrical equipment", "Do not go outside"}},
}

var genericActions = []string{"Follow local emergency instructions", "Stay informed via emergency broadcasts"}

// ClassifySeverity maps the raw NWS severity and event name to the display severity.
func ClassifySeverity(rawSeverity, event string) ThreatLevel {
	ev := strings.ToLower(event)
	switch {
	case strings.EqualFold(rawSeverity, "Extreme") || containsAny(ev, alwaysCriticalEvents):
		return LevelCritical
	case strings.EqualFold(rawSeverity, "Severe") || containsAny(ev, alwaysSevereEvents):
		return LevelSevere
	case strings.EqualFold(rawSeverity, "Moderate"):
		return LevelModerate
	default:
		return LevelMinor
	}
}

// ClassifyThreatLevel combines raw severity, urgency and certainty into an operational
// priority. Comparisons ignore case, so "Immediate" and "immediate" are equivalent.
func ClassifyThreatLevel(severity, urgency, certainty string) ThreatLevel {
	extreme := strings.EqualFold(severity, "Extreme")
	severe := strings.EqualFold(severity, "Severe")
	immediate := strings.EqualFold(urgency, "immediate")
	observed := strings.EqualFold(certainty, "observed")

	switch {
	case extreme && immediate && observed:
		return LevelCritical
	case extreme, severe && immediate, severe && observed:
		return LevelSevere
	case severe, strings.EqualFold(severity, "Moderate"):
		return LevelModerate
	default:
		return LevelMinor
	}
}

// ClassifyEmergencyType returns the hazard category for an event name.
func ClassifyEmergencyType(event string) EmergencyType {
	ev := strings.ToLower(event)
	for _, rule := range emergencyTypeRules {
		if containsAny(ev, rule.keywords) {
			return rule.kind
		}
	}
	return EmergencyGeneral
}

// DeriveActionRequired returns the instructions to surface for an alert. The result
// is a fresh slice and may be empty.
func DeriveActionRequired(event string, severity ThreatLevel) []string {
	ev := strings.ToLower(event)
	for _, c := range cannedActions {
		if strings.Contains(ev, c.event) {
			return append([]string(nil), c.actions...)
		}
	}
	if severity == LevelCritical || severity == LevelSevere {
		return append([]string(nil), genericActions...)
	}
	return []string{}
}

// ShouldRecommendEvacuation is true only for critical alerts of an evacuation-class event.
func ShouldRecommendEvacuation(event string, severity ThreatLevel) bool {
	return severity == LevelCritical && containsAny(strings.ToLower(event), evacuationEvents)
}

// ComputeTimeToImpact returns max(0, onset-now), or UnknownImpact when onset is zero.
func ComputeTimeToImpact(onset, now time.Time) time.Duration {
	if onset.IsZero() {
		return UnknownImpact
	}
	d := onset.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsImminent reports whether d is within ImminentWithin.
func IsImminent(d time.Duration) bool {
	return d <= ImminentWithin
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
