// Package domain models National Weather Service (NWS) active alerts and the
// classification rules used to prioritize them.
//
// # Data Source
//
// Alerts come from the NWS public API at https://api.weather.gov. A location is
// first resolved to a forecast grid through /points/{lat},{lng}; active alerts for
// the point are then requested from /alerts/active, filtered upstream to
// severity=Severe,Extreme and certainty=Observed,Likely.
//
// # Two Classifications
//
// Every alert carries two four-level classifications that may disagree:
//
//	Severity:    display label derived from the raw NWS severity plus a list of
//	             event names that are always treated as critical or severe.
//	ThreatLevel: operational priority derived from raw severity, urgency and
//	             certainty. Sorting and poll-mode escalation use ThreatLevel only.
//
// Both use the values critical, severe, moderate and minor.
//
//	ThreatLevel rules:
//	  critical  severity=Extreme AND urgency=immediate AND certainty=observed
//	  severe    severity=Extreme, or Severe with urgency=immediate or certainty=observed
//	  moderate  severity Severe or Moderate
//	  minor     anything else
//
// # Normalization
//
// [NormalizeAlerts] drops expired alerts and alerts whose Severity is minor,
// then orders the remainder by threat rank, imminence (onset within one hour)
// and time to impact. Classification never fails: unknown events become
// [EmergencyGeneral] and unknown severities become [LevelMinor].
//
// # Poll Modes
//
// A [PollMode] mirrors the threat tiers and fixes the polling cadence:
//
//	critical 60s | severe 180s | moderate 600s | normal 900s
package domain
