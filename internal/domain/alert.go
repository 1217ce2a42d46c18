package domain

import (
	"encoding/json"
	"math"
	"time"
)

// ThreatLevel is a four-tier priority scale shared by Alert.Severity and Alert.ThreatLevel.
type ThreatLevel string

const (
	LevelCritical ThreatLevel = "critical"
	LevelSevere   ThreatLevel = "severe"
	LevelModerate ThreatLevel = "moderate"
	LevelMinor    ThreatLevel = "minor"
)

// Rank orders levels from most (0) to least (3) urgent. Unknown levels rank as minor.
func (l ThreatLevel) Rank() int {
	switch l {
	case LevelCritical:
		return 0
	case LevelSevere:
		return 1
	case LevelModerate:
		return 2
	default:
		return 3
	}
}

// EmergencyType groups alert events by the kind of hazard they describe.
type EmergencyType string

const (
	EmergencyTornado       EmergencyType = "tornado"
	EmergencyFlooding      EmergencyType = "flooding"
	EmergencyHurricane     EmergencyType = "hurricane"
	EmergencySevereWeather EmergencyType = "severe_weather"
	EmergencyWinterStorm   EmergencyType = "winter_storm"
	EmergencyWildfire      EmergencyType = "wildfire"
	EmergencyEarthquake    EmergencyType = "earthquake"
	EmergencyGeneral       EmergencyType = "general"
)

// UnknownImpact is the TimeToImpact of an alert with no onset or effective time.
const UnknownImpact = time.Duration(math.MaxInt64)

// ImminentWithin is the horizon inside which an alert counts as imminent.
const ImminentWithin = time.Hour

// RawAlert is an active alert as decoded from the upstream feed. Zero times mean missing.
type RawAlert struct {
	ID          string
	Event       string
	Headline    string
	Severity    string // Extreme, Severe, Moderate, Minor, Unknown
	Urgency     string
	Certainty   string
	Description string
	Instruction string
	AreaDesc    string
	SenderName  string
	Effective   time.Time
	Onset       time.Time
	Expires     time.Time
}

// Alert is a classified, immutable alert ready for delivery.
type Alert struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Event       string   `json:"event"`
	Description string   `json:"description,omitempty"`
	Instruction string   `json:"instruction,omitempty"`
	Areas       []string `json:"areas"`
	SenderName  string   `json:"senderName,omitempty"`

	Severity      ThreatLevel   `json:"severity"`
	ThreatLevel   ThreatLevel   `json:"threatLevel"`
	EmergencyType EmergencyType `json:"emergencyType"`
	Urgency       string        `json:"urgency"`
	Certainty     string        `json:"certainty"`

	ActionRequired        []string `json:"actionRequired"`
	EvacuationRecommended bool     `json:"evacuationRecommended"`

	// TimeToImpact is UnknownImpact when the alert has no onset.
	TimeToImpact time.Duration `json:"-"`
	IsImminent   bool          `json:"isImminent"`

	Effective time.Time `json:"effective,omitzero"`
	Expires   time.Time `json:"expires,omitzero"`
}

// ImpactKnown reports whether the alert carries an onset time.
func (a Alert) ImpactKnown() bool {
	return a.TimeToImpact != UnknownImpact
}

// MarshalJSON adds timeToImpactMs, null when the onset is unknown.
func (a Alert) MarshalJSON() ([]byte, error) {
	type plain Alert
	var ms *int64
	if a.ImpactKnown() {
		v := a.TimeToImpact.Milliseconds()
		ms = &v
	}
	return json.Marshal(struct {
		plain
		TimeToImpactMs *int64 `json:"timeToImpactMs"`
		TimeToImpact   string `json:"timeToImpact"`
	}{plain(a), ms, FormatTimeToImpact(a.TimeToImpact)})
}

// UnmarshalJSON restores TimeToImpact from timeToImpactMs.
func (a *Alert) UnmarshalJSON(data []byte) error {
	type plain Alert
	aux := struct {
		*plain
		TimeToImpactMs *int64 `json:"timeToImpactMs"`
	}{plain: (*plain)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.TimeToImpactMs == nil {
		a.TimeToImpact = UnknownImpact
	} else {
		a.TimeToImpact = time.Duration(*aux.TimeToImpactMs) * time.Millisecond
	}
	return nil
}
