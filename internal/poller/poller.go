// Package poller schedules alert fetches for one location at a cadence driven by
// the most urgent active alert, and fans each result out to subscribers.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mathisontech/beacon/internal/domain"
	"github.com/mathisontech/beacon/internal/observability"
)

// ErrNoLocation is returned by ForceUpdate before any location has been set.
var ErrNoLocation = errors.New("no location set")

// Fetcher is the data source for a poll cycle. GetAlerts reports upstream
// unavailability through AlertSet.Error; a returned error is an orchestration
// failure and triggers the poller's own retry backoff.
type Fetcher interface {
	GetAlerts(ctx context.Context, loc domain.Location) (domain.AlertSet, error)
	GetCurrentConditions(ctx context.Context, loc domain.Location) domain.Conditions
}

// Settings tunes scheduling outside of the fixed poll-mode intervals.
type Settings struct {
	EscalationDelay time.Duration // delay of the fast-path re-fetch after escalating
	RetryBase       time.Duration
	RetryCap        time.Duration
	MaxRetries      int           // consecutive failed cycles retried before a service-error bundle
	CycleTimeout    time.Duration // upper bound on one cycle's network work; 0 disables
}

// DefaultSettings returns a 1s escalation delay and 5s..30s retry backoff over 3 retries.
func DefaultSettings() Settings {
	return Settings{
		EscalationDelay: time.Second,
		RetryBase:       5 * time.Second,
		RetryCap:        30 * time.Second,
		MaxRetries:      3,
		CycleTimeout:    2 * time.Minute,
	}
}

// Poller is the adaptive polling service. All methods are safe for concurrent use.
//
// At most one cycle runs at a time and at most one timer is pending. Results of a
// cycle that was superseded by StopPolling, StartPolling or Close while in flight
// are discarded.
type Poller struct {
	fetcher  Fetcher
	settings Settings
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics

	cycleMu sync.Mutex

	mu             sync.Mutex
	location       *domain.Location
	mode           domain.PollMode
	lastAlertLevel domain.PollMode
	retryCount     int
	polling        bool
	backgrounded   bool
	timer          clockwork.Timer
	timerSeq       uint64
	nextFetch      time.Time
	generation     uint64
	subs           []subscription
	last           *domain.Bundle
}

// New creates an idle Poller. A nil clock uses real time.
func New(fetcher Fetcher, settings Settings, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{
		fetcher:        fetcher,
		settings:       settings,
		clock:          clock,
		logger:         logger,
		metrics:        metrics,
		mode:           domain.PollNormal,
		lastAlertLevel: domain.PollNormal,
	}
}

// StartPolling begins polling loc, replacing any existing cycle. The first fetch
// runs immediately in the background and is skipped if a ForceUpdate gets there
// first.
func (p *Poller) StartPolling(loc domain.Location) error {
	if err := loc.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	p.cancelTimerLocked()
	p.generation++
	gen := p.generation
	seq := p.timerSeq
	p.nextFetch = p.clock.Now()
	p.location = &loc
	p.mode = domain.PollNormal
	p.lastAlertLevel = domain.PollNormal
	p.retryCount = 0
	p.polling = true
	p.mu.Unlock()

	p.metrics.PollerRunning.Set(1)
	p.metrics.PollIntervalSeconds.Set(domain.PollNormal.Interval().Seconds())
	p.logger.Info("polling started", "location", loc.Key())

	go p.runCycle(gen, seq, true)
	return nil
}

// StopPolling cancels the pending fetch and resets the mode to normal. Subscribers,
// the location and the last bundle are kept.
func (p *Poller) StopPolling() {
	p.mu.Lock()
	wasPolling := p.polling
	p.cancelTimerLocked()
	p.generation++
	p.polling = false
	p.mode = domain.PollNormal
	p.mu.Unlock()

	p.metrics.PollerRunning.Set(0)
	if wasPolling {
		p.logger.Info("polling stopped")
	}
}

// ForceUpdate cancels the pending timer and runs a cycle in the calling goroutine.
// Scheduling resumes afterwards if polling is active. Mode and retry count are kept.
// It must not be called from inside a subscriber callback.
func (p *Poller) ForceUpdate() error {
	p.mu.Lock()
	if p.location == nil {
		p.mu.Unlock()
		return ErrNoLocation
	}
	p.cancelTimerLocked()
	gen := p.generation
	p.mu.Unlock()

	p.runCycle(gen, 0, false)
	return nil
}

// SetBackgrounded lowers the polling priority while the embedding application is
// not visible. Going to the background demotes the mode one tier without touching
// the pending timer; every cycle completed while backgrounded applies the same
// demotion. Returning to the foreground triggers an immediate update.
func (p *Poller) SetBackgrounded(hidden bool) {
	p.mu.Lock()
	if hidden == p.backgrounded {
		p.mu.Unlock()
		return
	}
	p.backgrounded = hidden
	if hidden {
		from := p.mode
		p.mode = p.mode.Demote()
		p.mu.Unlock()
		p.metrics.PollIntervalSeconds.Set(p.currentMode().Interval().Seconds())
		p.logger.Info("backgrounded, reducing poll mode", "from", from, "to", p.currentMode())
		return
	}
	hasLocation := p.location != nil
	p.mu.Unlock()

	p.logger.Info("foregrounded, forcing update")
	if hasLocation {
		go func() {
			if err := p.ForceUpdate(); err != nil {
				p.logger.Warn("foreground update skipped", "error", err)
			}
		}()
	}
}

// LastBundle returns the most recent bundle delivered to subscribers, if any.
func (p *Poller) LastBundle() (domain.Bundle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return domain.Bundle{}, false
	}
	return *p.last, true
}

// Close stops polling and drops subscribers, the location and the last bundle.
// The Poller may be started again afterwards.
func (p *Poller) Close() {
	p.StopPolling()

	p.mu.Lock()
	p.subs = nil
	p.location = nil
	p.last = nil
	p.backgrounded = false
	p.mu.Unlock()

	p.metrics.Subscribers.Set(0)
}

func (p *Poller) currentMode() domain.PollMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// runCycle fetches, classifies, schedules and notifies. scheduled cycles carry the
// timer sequence they were armed with and are dropped if that timer was canceled.
func (p *Poller) runCycle(gen, seq uint64, scheduled bool) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	p.mu.Lock()
	if gen != p.generation || p.location == nil || (scheduled && seq != p.timerSeq) {
		p.mu.Unlock()
		return
	}
	p.cancelTimerLocked()
	loc := *p.location
	p.mu.Unlock()

	ctx := context.Background()
	if p.settings.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.settings.CycleTimeout)
		defer cancel()
	}
	set, cond, err := p.fetch(ctx, loc)

	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		p.logger.Debug("discarding superseded poll cycle", "location", loc.Key())
		return
	}

	var (
		bundle domain.Bundle
		delay  time.Duration
		notify = true
	)
	switch {
	case err != nil:
		bundle, delay, notify = p.handleFailureLocked(loc, err)
	case set.Error != "":
		bundle = domain.Bundle{
			Location:     loc,
			Alerts:       set.Alerts,
			AlertsError:  set.Error,
			Grid:         set.Grid,
			Conditions:   cond,
			LastUpdated:  p.clock.Now(),
			PollMode:     p.mode,
			ServiceError: true,
		}
		p.retryCount = 0
		p.last = &bundle
		delay = p.mode.Interval()
		p.metrics.PollCycles.WithLabelValues("service_error").Inc()
	default:
		bundle, delay = p.applyAlertsLocked(loc, set, cond)
		p.metrics.PollCycles.WithLabelValues("success").Inc()
	}

	if p.polling {
		p.scheduleLocked(gen, delay)
	}
	var subs []subscription
	if notify {
		subs = append(subs, p.subs...)
	}
	p.mu.Unlock()

	p.metrics.PollIntervalSeconds.Set(bundle.PollMode.Interval().Seconds())
	for _, s := range subs {
		p.invoke(s, bundle)
	}
}

// applyAlertsLocked updates the mode from a successful fetch and returns the
// bundle and the delay until the next fetch.
func (p *Poller) applyAlertsLocked(loc domain.Location, set domain.AlertSet, cond domain.Conditions) (domain.Bundle, time.Duration) {
	alertMode := domain.PollModeForAlerts(set.Alerts)
	mode := alertMode
	if p.backgrounded {
		mode = mode.Demote()
	}
	escalated := mode.Elevated() && alertMode.Rank() < p.lastAlertLevel.Rank()

	if mode != p.mode {
		p.logger.Info("poll mode changed", "from", p.mode, "to", mode, "location", loc.Key())
	}
	p.mode = mode
	p.lastAlertLevel = alertMode
	p.retryCount = 0

	bundle := domain.Bundle{
		Location:    loc,
		Alerts:      set.Alerts,
		Grid:        set.Grid,
		Conditions:  cond,
		LastUpdated: p.clock.Now(),
		PollMode:    mode,
	}
	p.last = &bundle
	p.recordAlerts(set.Alerts)

	if escalated {
		p.metrics.Escalations.Inc()
		p.logger.Warn("emergency conditions detected, fetching immediate update", "mode", mode, "location", loc.Key())
		return bundle, p.settings.EscalationDelay
	}
	return bundle, mode.Interval()
}

// handleFailureLocked applies the orchestration retry policy. While retries remain
// nothing is delivered; once exhausted a service-error bundle is returned and
// normal scheduling resumes.
func (p *Poller) handleFailureLocked(loc domain.Location, err error) (domain.Bundle, time.Duration, bool) {
	p.retryCount++
	if p.retryCount <= p.settings.MaxRetries {
		delay := retryDelay(p.settings.RetryBase, p.settings.RetryCap, p.retryCount)
		p.metrics.PollCycles.WithLabelValues("retry").Inc()
		p.logger.Warn("poll cycle failed, retrying", "location", loc.Key(), "attempt", p.retryCount, "delay", delay, "error", err)
		return domain.Bundle{PollMode: p.mode}, delay, false
	}

	p.metrics.PollCycles.WithLabelValues("failed").Inc()
	p.logger.Error("poll cycle retries exhausted", "location", loc.Key(), "retries", p.settings.MaxRetries, "error", err)
	p.retryCount = 0
	return domain.Bundle{
		Location:     loc,
		Alerts:       []domain.Alert{},
		AlertsError:  domain.ServiceUnavailable,
		Conditions:   domain.Conditions{Error: domain.ServiceUnavailable},
		LastUpdated:  p.clock.Now(),
		PollMode:     p.mode,
		ServiceError: true,
	}, p.mode.Interval(), true
}

// fetch retrieves alerts and conditions concurrently. A panicking fetcher is
// reported as an error for alerts and as unavailable for conditions.
func (p *Poller) fetch(ctx context.Context, loc domain.Location) (set domain.AlertSet, cond domain.Conditions, err error) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("conditions fetch panicked", "panic", r)
				cond = domain.Conditions{Error: domain.ConditionsUnavailable}
			}
		}()
		cond = p.fetcher.GetCurrentConditions(ctx, loc)
	}()

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("alert fetch panicked: %v", r)
			}
		}()
		set, err = p.fetcher.GetAlerts(ctx, loc)
	}()

	wg.Wait()
	return set, cond, err
}

func (p *Poller) scheduleLocked(gen uint64, delay time.Duration) {
	p.cancelTimerLocked()
	seq := p.timerSeq
	p.nextFetch = p.clock.Now().Add(delay)
	p.timer = p.clock.AfterFunc(delay, func() {
		p.runCycle(gen, seq, true)
	})
}

// cancelTimerLocked is a no-op when no timer is pending.
func (p *Poller) cancelTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.timerSeq++
	p.nextFetch = time.Time{}
}

func (p *Poller) recordAlerts(alerts []domain.Alert) {
	counts := map[domain.ThreatLevel]int{}
	for i := range alerts {
		counts[alerts[i].ThreatLevel]++
	}
	for _, l := range []domain.ThreatLevel{domain.LevelCritical, domain.LevelSevere, domain.LevelModerate, domain.LevelMinor} {
		p.metrics.ActiveAlerts.WithLabelValues(string(l)).Set(float64(counts[l]))
	}
}

// retryDelay returns min(limit, base * 2^(n-1)).
func retryDelay(base, limit time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}
