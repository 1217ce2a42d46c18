package domain

import (
	"context"
	"time"
)

// Degraded-result messages delivered to subscribers in place of errors.
const (
	AlertsUnavailable     = "Weather service temporarily unavailable"
	ConditionsUnavailable = "Current conditions unavailable"
	ServiceUnavailable    = "Weather service unavailable"
	ServiceErrorMessage   = "Weather service error"
)

// GridPoint is the forecast grid metadata the upstream resolves a location to.
type GridPoint struct {
	County      string `json:"county"`
	GridID      string `json:"gridId,omitempty"`
	GridX       int    `json:"gridX,omitempty"`
	GridY       int    `json:"gridY,omitempty"`
	ForecastURL string `json:"-"`
}

// AlertSet is the result of one alert fetch. A non-empty Error means the upstream
// could not be reached and Alerts is empty.
type AlertSet struct {
	Alerts      []Alert   `json:"alerts"`
	Grid        GridPoint `json:"location"`
	LastUpdated time.Time `json:"lastUpdated"`
	Error       string    `json:"error,omitempty"`
}

// Conditions is the first short-term forecast period for a location.
type Conditions struct {
	Temperature      int       `json:"temperature"`
	TemperatureUnit  string    `json:"temperatureUnit,omitempty"`
	WindSpeed        string    `json:"windSpeed,omitempty"`
	WindDirection    string    `json:"windDirection,omitempty"`
	ShortForecast    string    `json:"shortForecast,omitempty"`
	DetailedForecast string    `json:"detailedForecast,omitempty"`
	IsDaytime        bool      `json:"isDaytime"`
	LastUpdated      time.Time `json:"lastUpdated,omitzero"`
	Error            string    `json:"error,omitempty"`
}

// Bundle is the unit delivered to subscribers once per fetch cycle. Subscribers
// share the Alerts backing array and must not modify it.
type Bundle struct {
	Location     Location   `json:"location"`
	Alerts       []Alert    `json:"alerts"`
	AlertsError  string     `json:"alertsError,omitempty"`
	Grid         GridPoint  `json:"grid"`
	Conditions   Conditions `json:"conditions"`
	LastUpdated  time.Time  `json:"lastUpdated"`
	PollMode     PollMode   `json:"pollMode"`
	ServiceError bool       `json:"serviceError,omitempty"`
}

// AlertSource is the upstream alert authority.
type AlertSource interface {
	// Point resolves a location to its forecast grid.
	Point(ctx context.Context, loc Location) (GridPoint, error)

	// ActiveAlerts returns the active severe and extreme alerts for a location.
	ActiveAlerts(ctx context.Context, loc Location) ([]RawAlert, error)

	// Forecast returns the current forecast period for a grid.
	Forecast(ctx context.Context, grid GridPoint) (Conditions, error)
}
