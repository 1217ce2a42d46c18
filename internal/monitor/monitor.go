// Package monitor is the consumer-side view of the poller: it keeps the latest
// alerts and conditions for one location, tracks connection state, and raises
// change and critical-alert notifications.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mathisontech/beacon/internal/domain"
	"github.com/mathisontech/beacon/internal/poller"
)

// ErrNotReady is returned by CheckReadiness until the first bundle has arrived.
var ErrNotReady = errors.New("no weather data received yet")

// ConnectionStatus describes the health of the alert feed as seen by a consumer.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// Poller is the subset of *poller.Poller the monitor drives.
type Poller interface {
	StartPolling(loc domain.Location) error
	StopPolling()
	ForceUpdate() error
	Subscribe(fn poller.Callback) poller.SubscriptionID
	Unsubscribe(id poller.SubscriptionID)
	Status() poller.Status
}

// Handlers are optional notifications. Both run on the poller's delivery path and
// must not call back into the poller's ForceUpdate.
type Handlers struct {
	// OnAlertChange fires when the set of alert IDs differs from the previous bundle.
	OnAlertChange func(newAlerts, oldAlerts []domain.Alert)
	// OnCriticalAlert fires for every bundle carrying at least one critical alert.
	OnCriticalAlert func(critical []domain.Alert)
}

// Snapshot is the consumer-visible state.
type Snapshot struct {
	Alerts           []domain.Alert     `json:"alerts"`
	Conditions       *domain.Conditions `json:"conditions"`
	Loading          bool               `json:"loading"`
	Error            string             `json:"error,omitempty"`
	LastUpdated      time.Time          `json:"lastUpdated,omitzero"`
	PollMode         domain.PollMode    `json:"pollMode"`
	Location         *domain.Location   `json:"location"`
	ConnectionStatus ConnectionStatus   `json:"connectionStatus"`
}

// Monitor subscribes to a Poller on behalf of one consumer.
type Monitor struct {
	poller   Poller
	handlers Handlers
	logger   *slog.Logger

	subMu      sync.Mutex
	subID      poller.SubscriptionID
	subscribed bool

	mu       sync.RWMutex
	state    Snapshot
	received bool
}

// New creates an idle Monitor.
func New(p Poller, handlers Handlers, logger *slog.Logger) *Monitor {
	return &Monitor{
		poller:   p,
		handlers: handlers,
		logger:   logger,
		state: Snapshot{
			Alerts:           []domain.Alert{},
			Loading:          true,
			PollMode:         domain.PollNormal,
			ConnectionStatus: StatusConnecting,
		},
	}
}

// StartMonitoring subscribes to the poller and starts polling loc. Bundles for
// any other location are ignored.
func (m *Monitor) StartMonitoring(loc domain.Location) error {
	if err := loc.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.state.Location = &loc
	m.state.Loading = true
	m.state.Error = ""
	m.state.ConnectionStatus = StatusConnecting
	m.mu.Unlock()

	// Subscribe may deliver the last bundle synchronously, so no lock is held here.
	m.subMu.Lock()
	if !m.subscribed {
		m.subID = m.poller.Subscribe(m.handleBundle)
		m.subscribed = true
	}
	m.subMu.Unlock()

	if err := m.poller.StartPolling(loc); err != nil {
		m.setError(err.Error())
		return err
	}
	m.logger.Info("monitoring started", "location", loc.Key())
	return nil
}

// StopMonitoring unsubscribes and stops polling. The last alerts are kept.
func (m *Monitor) StopMonitoring() {
	m.subMu.Lock()
	if m.subscribed {
		m.poller.Unsubscribe(m.subID)
		m.subscribed = false
	}
	m.subMu.Unlock()

	m.poller.StopPolling()

	m.mu.Lock()
	m.state.Location = nil
	m.state.Loading = false
	m.state.ConnectionStatus = StatusDisconnected
	m.mu.Unlock()

	m.logger.Info("monitoring stopped")
}

// RefreshAlerts forces an immediate poll cycle. It is a no-op when nothing is
// being monitored.
func (m *Monitor) RefreshAlerts() error {
	m.mu.Lock()
	if m.state.Location == nil {
		m.mu.Unlock()
		return nil
	}
	m.state.Loading = true
	m.state.ConnectionStatus = StatusConnecting
	m.mu.Unlock()

	if err := m.poller.ForceUpdate(); err != nil {
		m.logger.Warn("manual refresh failed", "error", err)
		m.setError(err.Error())
		return err
	}
	return nil
}

func (m *Monitor) setError(msg string) {
	m.mu.Lock()
	m.state.Loading = false
	m.state.Error = msg
	m.state.ConnectionStatus = StatusError
	m.mu.Unlock()
}

func (m *Monitor) handleBundle(b domain.Bundle) {
	m.mu.Lock()
	if m.state.Location == nil || *m.state.Location != b.Location {
		m.mu.Unlock()
		return
	}
	if m.received && b.LastUpdated.Before(m.state.LastUpdated) {
		m.mu.Unlock()
		m.logger.Debug("ignoring stale bundle", "lastUpdated", b.LastUpdated)
		return
	}

	prev := m.state.Alerts
	alerts := b.Alerts
	if b.ServiceError && len(alerts) == 0 {
		// keep showing the last-known alerts while the feed is failing
		alerts = prev
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	if b.Conditions.Error == "" {
		c := b.Conditions
		m.state.Conditions = &c
	}

	errMsg := bundleError(b)
	m.state.Alerts = alerts
	m.state.Loading = false
	m.state.Error = errMsg
	m.state.LastUpdated = b.LastUpdated
	m.state.PollMode = b.PollMode
	if errMsg != "" {
		m.state.ConnectionStatus = StatusError
	} else {
		m.state.ConnectionStatus = StatusConnected
	}
	m.received = true
	m.mu.Unlock()

	if m.handlers.OnAlertChange != nil && !sameIDs(alerts, prev) {
		m.handlers.OnAlertChange(alerts, prev)
	}
	// only the alerts this bundle actually carries, not the retained ones
	if critical := filterThreat(b.Alerts, domain.LevelCritical); len(critical) > 0 {
		m.logger.Warn("critical alerts active", "count", len(critical), "first", critical[0].Title)
		if m.handlers.OnCriticalAlert != nil {
			m.handlers.OnCriticalAlert(critical)
		}
	}
}

func bundleError(b domain.Bundle) string {
	switch {
	case b.AlertsError != "":
		return b.AlertsError
	case b.Conditions.Error != "":
		return b.Conditions.Error
	case b.ServiceError:
		return domain.ServiceErrorMessage
	}
	return ""
}

func sameIDs(a, b []domain.Alert) bool {
	return slices.EqualFunc(a, b, func(x, y domain.Alert) bool { return x.ID == y.ID })
}

func filterThreat(alerts []domain.Alert, level domain.ThreatLevel) []domain.Alert {
	out := make([]domain.Alert, 0)
	for i := range alerts {
		if alerts[i].ThreatLevel == level {
			out = append(out, alerts[i])
		}
	}
	return out
}

// Snapshot returns a copy of the current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.state
	s.Alerts = slices.Clone(m.state.Alerts)
	if m.state.Conditions != nil {
		c := *m.state.Conditions
		s.Conditions = &c
	}
	if m.state.Location != nil {
		loc := *m.state.Location
		s.Location = &loc
	}
	return s
}

// AlertsByThreat returns the current alerts at exactly level, in priority order.
func (m *Monitor) AlertsByThreat(level domain.ThreatLevel) []domain.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterThreat(m.state.Alerts, level)
}

// MostUrgentAlert returns the highest-priority alert.
func (m *Monitor) MostUrgentAlert() (domain.Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.state.Alerts) == 0 {
		return domain.Alert{}, false
	}
	return m.state.Alerts[0], true
}

// HasCriticalAlerts reports whether any displayed alert is critical.
func (m *Monitor) HasCriticalAlerts() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.ContainsFunc(m.state.Alerts, func(a domain.Alert) bool {
		return a.ThreatLevel == domain.LevelCritical
	})
}

// HasEvacuationRecommendation reports whether any displayed alert recommends evacuation.
func (m *Monitor) HasEvacuationRecommendation() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.ContainsFunc(m.state.Alerts, func(a domain.Alert) bool {
		return a.EvacuationRecommended
	})
}

// PollingStatus passes through the poller's scheduling state.
func (m *Monitor) PollingStatus() poller.Status {
	return m.poller.Status()
}

// CheckReadiness reports ready once at least one bundle has been received.
func (m *Monitor) CheckReadiness(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.received {
		return ErrNotReady
	}
	return nil
}
