// Package fetcher turns a location into classified alerts and current conditions,
// hiding transient upstream failures behind a short-lived cache and retries.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mathisontech/beacon/internal/domain"
	"github.com/mathisontech/beacon/internal/observability"
	"golang.org/x/sync/singleflight"
)

// Settings tunes caching and retry behaviour.
type Settings struct {
	CacheTTL    time.Duration
	MaxAttempts int
	BaseBackoff time.Duration // delay after the first failed attempt, doubled after each further failure
}

// DefaultSettings returns a 30s cache, 3 attempts and a 1s base backoff.
func DefaultSettings() Settings {
	return Settings{
		CacheTTL:    30 * time.Second,
		MaxAttempts: 3,
		BaseBackoff: time.Second,
	}
}

// Fetcher retrieves alerts and conditions from an AlertSource.
// It is safe for concurrent use.
type Fetcher struct {
	source   domain.AlertSource
	settings Settings
	cache    *ttlCache
	group    singleflight.Group
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New creates a Fetcher. A nil clock uses real time.
func New(source domain.AlertSource, settings Settings, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Fetcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = 1
	}
	return &Fetcher{
		source:   source,
		settings: settings,
		cache:    newTTLCache(settings.CacheTTL),
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
	}
}

// GetAlerts returns the classified active alerts for loc. Upstream failures are
// reported through AlertSet.Error, never as an error; the error return is reserved
// for an invalid location or a canceled context.
func (f *Fetcher) GetAlerts(ctx context.Context, loc domain.Location) (domain.AlertSet, error) {
	if err := loc.Validate(); err != nil {
		return domain.AlertSet{}, err
	}

	key := loc.Key()
	if set, ok := f.cache.get(key, f.clock.Now()); ok {
		f.metrics.AlertCache.WithLabelValues("hit").Inc()
		return set, nil
	}
	f.metrics.AlertCache.WithLabelValues("miss").Inc()

	// Concurrent misses for the same location share one upstream fetch.
	v, err, _ := f.group.Do(key, func() (any, error) {
		return f.fetchWithRetry(ctx, loc)
	})
	if err != nil {
		return domain.AlertSet{}, err
	}
	return v.(domain.AlertSet), nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, loc domain.Location) (domain.AlertSet, error) {
	key := loc.Key()
	for attempt := 1; attempt <= f.settings.MaxAttempts; attempt++ {
		grid, raw, err := f.fetchOnce(ctx, loc)
		if err == nil {
			now := f.clock.Now()
			set := domain.AlertSet{
				Alerts:      domain.NormalizeAlerts(raw, now),
				Grid:        grid,
				LastUpdated: now,
			}
			f.cache.put(key, set, now)
			f.metrics.AlertFetches.WithLabelValues("success").Inc()
			f.logger.Debug("alerts fetched", "location", key, "raw", len(raw), "kept", len(set.Alerts), "attempt", attempt)
			return set, nil
		}
		if ctx.Err() != nil {
			return domain.AlertSet{}, ctx.Err()
		}

		f.logger.Warn("alert fetch attempt failed", "location", key, "attempt", attempt, "max_attempts", f.settings.MaxAttempts, "error", err)
		if attempt == f.settings.MaxAttempts {
			break
		}
		f.metrics.FetchRetries.Inc()
		if !sleepWithContext(ctx, f.clock, backoffFor(f.settings.BaseBackoff, attempt)) {
			return domain.AlertSet{}, ctx.Err()
		}
	}

	f.metrics.AlertFetches.WithLabelValues("exhausted").Inc()
	f.logger.Error("alert fetch retries exhausted", "location", key, "attempts", f.settings.MaxAttempts)
	return domain.AlertSet{
		Alerts:      []domain.Alert{},
		Grid:        domain.GridPoint{County: "Unknown"},
		LastUpdated: f.clock.Now(),
		Error:       domain.AlertsUnavailable,
	}, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, loc domain.Location) (domain.GridPoint, []domain.RawAlert, error) {
	grid, err := f.source.Point(ctx, loc)
	if err != nil {
		return domain.GridPoint{}, nil, fmt.Errorf("resolve grid point: %w", err)
	}
	raw, err := f.source.ActiveAlerts(ctx, loc)
	if err != nil {
		return domain.GridPoint{}, nil, fmt.Errorf("fetch active alerts: %w", err)
	}
	return grid, raw, nil
}

// GetCurrentConditions makes a single best-effort forecast fetch. Any failure
// yields Conditions with Error set.
func (f *Fetcher) GetCurrentConditions(ctx context.Context, loc domain.Location) domain.Conditions {
	unavailable := domain.Conditions{Error: domain.ConditionsUnavailable}
	if err := loc.Validate(); err != nil {
		return unavailable
	}

	grid, err := f.source.Point(ctx, loc)
	if err == nil {
		var cond domain.Conditions
		if cond, err = f.source.Forecast(ctx, grid); err == nil {
			cond.LastUpdated = f.clock.Now()
			f.metrics.ConditionsFetch.WithLabelValues("success").Inc()
			return cond
		}
	}

	f.metrics.ConditionsFetch.WithLabelValues("error").Inc()
	f.logger.Warn("current conditions unavailable", "location", loc.Key(), "error", err)
	return unavailable
}

// Purge drops every cached alert set.
func (f *Fetcher) Purge() {
	f.cache.purge()
}
