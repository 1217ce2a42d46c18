package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mathisontech/beacon/internal/domain"
	"github.com/mathisontech/beacon/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testLoc = domain.Location{Latitude: 40, Longitude: -75}
	t0      = time.Date(2024, 5, 1, 16, 0, 0, 0, time.UTC)
	errBoom = errors.New("fetch exploded")
)

const waitFor = 2 * time.Second

type fetchResult struct {
	set   domain.AlertSet
	err   error
	panic bool
}

// fakeFetcher returns scripted results in order; the final result repeats.
type fakeFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   atomic.Int32
}

func newFakeFetcher(results ...fetchResult) *fakeFetcher {
	return &fakeFetcher{results: results}
}

func (f *fakeFetcher) set(results ...fetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = results
}

func (f *fakeFetcher) GetAlerts(_ context.Context, _ domain.Location) (domain.AlertSet, error) {
	f.calls.Add(1)
	f.mu.Lock()
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	f.mu.Unlock()

	if r.panic {
		panic("fetcher bug")
	}
	return r.set, r.err
}

func (f *fakeFetcher) GetCurrentConditions(_ context.Context, _ domain.Location) domain.Conditions {
	return domain.Conditions{Temperature: 70, TemperatureUnit: "F"}
}

// gatedFetcher holds GetAlerts open while gated is set until release is closed.
type gatedFetcher struct {
	*fakeFetcher
	gated   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedFetcher(results ...fetchResult) *gatedFetcher {
	return &gatedFetcher{
		fakeFetcher: newFakeFetcher(results...),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
}

func (g *gatedFetcher) GetAlerts(ctx context.Context, loc domain.Location) (domain.AlertSet, error) {
	if g.gated.Load() {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.fakeFetcher.GetAlerts(ctx, loc)
}

func alertsAt(levels ...domain.ThreatLevel) fetchResult {
	alerts := make([]domain.Alert, 0, len(levels))
	for _, l := range levels {
		alerts = append(alerts, domain.Alert{ID: "alert-" + string(l), ThreatLevel: l})
	}
	return fetchResult{set: domain.AlertSet{Alerts: alerts, Grid: domain.GridPoint{County: "Bucks"}}}
}

func unavailable() fetchResult {
	return fetchResult{set: domain.AlertSet{Alerts: []domain.Alert{}, Error: domain.AlertsUnavailable}}
}

type recorder struct {
	ch chan domain.Bundle
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan domain.Bundle, 32)}
}

func (r *recorder) fn(b domain.Bundle) {
	r.ch <- b
}

func (r *recorder) next(t *testing.T) domain.Bundle {
	t.Helper()
	select {
	case b := <-r.ch:
		return b
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for bundle")
		return domain.Bundle{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case b := <-r.ch:
		t.Fatalf("unexpected bundle: %+v", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestPoller(f Fetcher, clock clockwork.Clock) (*Poller, *observability.Metrics) {
	m := observability.NewMetricsForTesting()
	return New(f, DefaultSettings(), clock, slog.New(slog.NewTextHandler(io.Discard, nil)), m), m
}

func TestStartPolling_InvalidLocation(t *testing.T) {
	p, _ := newTestPoller(newFakeFetcher(alertsAt()), clockwork.NewFakeClockAt(t0))

	err := p.StartPolling(domain.Location{Latitude: 120, Longitude: 0})

	require.ErrorIs(t, err, domain.ErrInvalidLocation)
	assert.False(t, p.Status().IsPolling)
}

func TestStartPolling_ImmediateFetchThenNormalInterval(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	p, _ := newTestPoller(newFakeFetcher(alertsAt()), clock)
	rec := newRecorder()
	p.Subscribe(rec.fn)

	require.NoError(t, p.StartPolling(testLoc))
	b := rec.next(t)

	assert.Equal(t, testLoc, b.Location)
	assert.Equal(t, domain.PollNormal, b.PollMode)
	assert.False(t, b.ServiceError)
	assert.Equal(t, 70, b.Conditions.Temperature)

	st := p.Status()
	assert.True(t, st.IsPolling)
	assert.Equal(t, 900*time.Second, st.Interval)
	assert.Equal(t, t0.Add(900*time.Second), st.NextFetch)
	assert.Equal(t, 1, st.CallbackCount)
	assert.Equal(t, t0, st.LastUpdated)

	clock.Advance(900 * time.Second)
	rec.next(t)
}

func TestEscalation_FastPathThenModeInterval(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	p, m := newTestPoller(newFakeFetcher(alertsAt(domain.LevelCritical)), clock)
	rec := newRecorder()
	p.Subscribe(rec.fn)

	require.NoError(t, p.StartPolling(testLoc))
	b := rec.next(t)

	assert.Equal(t, domain.PollCritical, b.PollMode)
	assert.Equal(t, t0.Add(time.Second), p.Status().NextFetch, "escalation re-fetches after 1s")

	clock.Advance(time.Second)
	b = rec.next(t)

	assert.Equal(t, domain.PollCritical, b.PollMode)
	assert.Equal(t, t0.Add(61*time.Second), p.Status().NextFetch, "steady critical polls every 60s")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Escalations))
}

func TestEscalation_MonotonicIntervals(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	ff := newFakeFetcher(alertsAt())
	p, m := newTestPoller(ff, clock)
	rec := newRecorder()
	p.Subscribe(rec.fn)

	require.NoError(t, p.StartPolling(testLoc))
	rec.next(t)
	prev := p.Status().Interval
	assert.Equal(t, 900*time.Second, prev)

	steps := []struct {
		level      domain.ThreatLevel
		mode       domain.PollMode
		fastPathed bool
	}{
		{domain.LevelModerate, domain.PollModerate, false},
		{domain.LevelSevere, domain.PollSevere, true},
		{domain.LevelCritical, domain.PollCritical, true},
	}
	for _, step := range steps {
		ff.set(alertsAt(step.level, domain.LevelModerate))
		require.NoError(t, p.ForceUpdate())
		b := rec.next(t)

		st := p.Status()
		assert.Equal(t, step.mode, b.PollMode)
		assert.Less(t, st.Interval, prev, "interval shrinks entering %s", step.mode)
		if step.fastPathed {
			assert.Equal(t, t0.Add(time.Second), st.NextFetch, "fast path entering %s", step.mode)
		} else {
			assert.Equal(t, t0.Add(st.Interval), st.NextFetch)
		}
		prev = st.Interval
	}
	assert.Equal(t, 60*time.Second, prev)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Escalations))
}

func TestEscalation_NotRepeatedWhileElevated(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	ff := newFakeFetcher(alertsAt(domain.LevelCritical))
	p, m := newTestPoller(ff, clock)
	rec := newRecorder()
	p.Subscribe(rec.fn)

	require.NoError(t, p.StartPolling(testLoc))
	rec.next(t)

	// critical -> severe is a de-escalation
	ff.set(alertsAt(domain.LevelSevere))
	require.NoError(t, p.ForceUpdate())
	b := rec.next(t)

	assert.Equal(t, domain.PollSevere, b.PollMode)
	assert.Equal(t, t0.Add(180*time.Second), p.Status().NextFetch)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Escalations))
}

func TestAlertServiceUnavailable_KeepsMode(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	ff := newFakeFetcher(alertsAt(domain.LevelCritical))
	p, _ := newTestPoller(ff, clock)
	rec := newRecorder()
	p.Subscribe(rec.fn)

	require.NoError(t, p.StartPolling(testLoc))
	rec.next(t)

	ff.set(unavailable())
	require.NoError(t, p.ForceUpdate())
	b := rec.next(t)

	assert.True(t, b.ServiceError)
	assert.Equal(t, domain.AlertsUnavailable, b.AlertsError)
	assert.Empty(t, b.Alerts)
	assert.Equal(t, domain.PollCritical, b.PollMode, "mode is not advanced on a failed read")

	st := p.Status()
	assert.True(t, st.IsPolling)
	assert.Equal(t, domain.PollCritical, st.PollMode)
	assert.Equal(t, t0.Add(60*time.Second), st.NextFetch, "scheduling resumes at the current interval")
	assert.Zero(t, st.RetryCount)
}

func TestOrchestrationFailure_BackoffThenServiceError(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	failure := fetchResult{err: errBoom}
	ff := newFakeFetcher(failure, failure, failure, failure, alertsAt())
	p, _ := newTestPoller(ff, clock)
	rec := newRecorder()
	p.Subscribe(rec.fn)

	require.NoError(t, p.StartPolling(testLoc))

	elapsed := time.Duration(0)
	for attempt, delay := range []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second} {
		want := t0.Add(elapsed + delay)
		require.Eventually(t, func() bool {
			st := p.Status()
			return st.RetryCount == attempt+1 && st.NextFetch.Equal(want)
		}, waitFor, 5*time.Millisecond, "retry %d", attempt+1)
		rec.none(t)
		clock.Advance(delay)
		elapsed += delay
	}

	b := rec.next(t)
	assert.True(t, b.ServiceError)
	assert.Equal(t, domain.ServiceUnavailable, b.AlertsError)
	assert.Equal(t, domain.ServiceUnavailable, b.Conditions.Error)
	assert.Equal(t, domain.PollNormal, b.PollMode)

	st := p.Status()
	assert.Zero(t, st.RetryCount)
	assert.Equal(t, t0.Add(elapsed+900*time.Second), st.NextFetch)

	clock.Advance(900 * time.Second)
	b = rec.next(t)
	assert.False(t, b.ServiceError)
	assert.Equal(t, int32(5), ff.calls.Load())
}

func TestOrchestrationFailure_PanickingFetcher(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	p, _ := newTestPoller(newFakeFetcher(fetchResult{panic: true}), clock)

	require.NoError(t, p.StartPolling(testLoc))

	require.Eventually(t, func() bool {
		st := p.Status()
		return st.RetryCount == 1 && st.NextFetch.Equal(t0.Add(5*time.Second))
	}, waitFor, 5*time.Millisecond)
}

func TestSetBackgrounded(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	ff := newFakeFetcher(alertsAt(domain.LevelCritical))
	p, _ := newTestPoller(ff, clock)
	rec := newRecorder()
	p.Subscribe(rec.fn)

	require.NoError(t, p.StartPolling(testLoc))
	rec.next(t)
	pending := p.Status().NextFetch

	p.SetBackgrounded(true)

	st := p.Status()
	assert.True(t, st.Backgrounded)
	assert.Equal(t, domain.PollSevere, st.PollMode, "critical demotes to severe")
	assert.True(t, st.IsPolling)
	assert.Equal(t, pending, st.NextFetch, "pending timer untouched")

	// cycles while hidden stay demoted
	clock.Advance(time.Second)
	b := rec.next(t)
	assert.Equal(t, domain.PollSevere, b.PollMode)
	assert.Equal(t, t0.Add(time.Second+180*time.Second), p.Status().NextFetch)

	calls := ff.calls.Load()
	p.SetBackgrounded(false)
	b = rec.next(t)

	assert.Equal(t, calls+1, ff.calls.Load(), "foregrounding fetches immediately")
	assert.Equal(t, domain.PollCritical, b.PollMode)
	assert.False(t, p.Status().Backgrounded)
}

func TestSetBackgrounded_Idempotent(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	p, _ := newTestPoller(newFakeFetcher(alertsAt(domain.LevelCritical)), clock)
	rec := newRecorder()
	p.Subscribe(rec.fn)
	require.NoError(t, p.StartPolling(testLoc))
	rec.next(t)

	p.SetBackgrounded(true)
	p.SetBackgrounded(true)

	assert.Equal(t, domain.PollSevere, p.Status().PollMode)
}

func TestSubscribe_ReceivesLastBundleImmediately(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	p, _ := newTestPoller(newFakeFetcher(alertsAt(domain.LevelModerate)), clock)
	rec := newRecorder()
	p.Subscribe(rec.fn)
	require.NoError(t, p.StartPolling(testLoc))
	rec.next(t)

	var got *domain.Bundle
	p.Subscribe(func(b domain.Bundle) { got = &b })

	require.NotNil(t, got, "delivered before Subscribe returns")
	assert.Equal(t, domain.PollModerate, got.PollMode)
	assert.Equal(t, 2, p.Status().CallbackCount)
}

func TestSubscribe_WaitsForInFlightCycle(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	gf := newGatedFetcher(alertsAt(domain.LevelMinor), alertsAt(domain.LevelSevere))
	p, _ := newTestPoller(gf, clock)
	first := newRecorder()
	p.Subscribe(first.fn)
	require.NoError(t, p.StartPolling(testLoc))
	first.next(t)

	gf.gated.Store(true)
	go func() { _ = p.ForceUpdate() }()
	select {
	case <-gf.entered:
	case <-time.After(waitFor):
		t.Fatal("cycle never started")
	}

	late := newRecorder()
	subscribed := make(chan struct{})
	go func() {
		p.Subscribe(late.fn)
		close(subscribed)
	}()
	late.none(t)

	close(gf.release)
	b := late.next(t)
	require.Len(t, b.Alerts, 1)
	assert.Equal(t, domain.LevelSevere, b.Alerts[0].ThreatLevel, "replay is the bundle from the in-flight cycle")
	select {
	case <-subscribed:
	case <-time.After(waitFor):
		t.Fatal("Subscribe did not return")
	}
	late.none(t)
}

func TestSubscribe_PanicIsolated(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	p, m := newTestPoller(newFakeFetcher(alertsAt()), clock)
	p.Subscribe(func(domain.Bundle) { panic("bad subscriber") })
	rec := newRecorder()
	p.Subscribe(rec.fn)

	require.NoError(t, p.StartPolling(testLoc))
	rec.next(t)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallbackPanics))
}

func TestUnsubscribe(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	p, _ := newTestPoller(newFakeFetcher(alertsAt()), clock)
	rec := newRecorder()
	id := p.Subscribe(rec.fn)
	other := newRecorder()
	p.Subscribe(other.fn)

	require.NoError(t, p.StartPolling(testLoc))
	rec.next(t)
	other.next(t)

	p.Unsubscribe(id)
	p.Unsubscribe("unknown")
	require.NoError(t, p.ForceUpdate())

	other.next(t)
	rec.none(t)
	assert.Equal(t, 1, p.Status().CallbackCount)
}

func TestStopPolling(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	ff := newFakeFetcher(alertsAt(domain.LevelSevere))
	p, _ := newTestPoller(ff, clock)
	rec := newRecorder()
	p.Subscribe(rec.fn)
	require.NoError(t, p.StartPolling(testLoc))
	rec.next(t)

	p.StopPolling()
	p.StopPolling()

	st := p.Status()
	assert.False(t, st.IsPolling)
	assert.Equal(t, domain.PollNormal, st.PollMode)
	assert.True(t, st.NextFetch.IsZero())
	assert.Equal(t, 1, st.CallbackCount, "subscribers kept")
	_, ok := p.LastBundle()
	assert.True(t, ok, "last bundle kept")

	clock.Advance(time.Hour)
	rec.none(t)
	assert.Equal(t, int32(1), ff.calls.Load())
}

func TestForceUpdate_AfterStopDoesNotReschedule(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	p, _ := newTestPoller(newFakeFetcher(alertsAt()), clock)
	rec := newRecorder()
	p.Subscribe(rec.fn)
	require.NoError(t, p.StartPolling(testLoc))
	rec.next(t)
	p.StopPolling()

	require.NoError(t, p.ForceUpdate())

	rec.next(t)
	assert.True(t, p.Status().NextFetch.IsZero())
}

func TestStartPolling_InitialCycleYieldsToForceUpdate(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	ff := newFakeFetcher(alertsAt())
	p, _ := newTestPoller(ff, clock)
	rec := newRecorder()
	p.Subscribe(rec.fn)

	// keep the startup cycle parked until ForceUpdate has canceled pending work
	p.cycleMu.Lock()
	require.NoError(t, p.StartPolling(testLoc))
	assert.Equal(t, t0, p.Status().NextFetch)
	forced := make(chan error, 1)
	go func() { forced <- p.ForceUpdate() }()
	require.Eventually(t, func() bool {
		return p.Status().NextFetch.IsZero()
	}, waitFor, time.Millisecond)
	p.cycleMu.Unlock()

	require.NoError(t, <-forced)
	rec.next(t)
	rec.none(t)
	assert.Equal(t, int32(1), ff.calls.Load())
}

func TestForceUpdate_NoLocation(t *testing.T) {
	p, _ := newTestPoller(newFakeFetcher(alertsAt()), clockwork.NewFakeClockAt(t0))
	assert.ErrorIs(t, p.ForceUpdate(), ErrNoLocation)
}

func TestForceUpdate_ReplacesPendingTimer(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	ff := newFakeFetcher(alertsAt())
	p, _ := newTestPoller(ff, clock)
	rec := newRecorder()
	p.Subscribe(rec.fn)
	require.NoError(t, p.StartPolling(testLoc))
	rec.next(t)

	clock.Advance(100 * time.Second)
	require.NoError(t, p.ForceUpdate())
	rec.next(t)
	assert.Equal(t, t0.Add(1000*time.Second), p.Status().NextFetch)

	// the first 900s timer was canceled
	clock.Advance(800 * time.Second)
	rec.none(t)
	assert.Equal(t, int32(2), ff.calls.Load())
}

func TestClose(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	p, _ := newTestPoller(newFakeFetcher(alertsAt()), clock)
	rec := newRecorder()
	p.Subscribe(rec.fn)
	require.NoError(t, p.StartPolling(testLoc))
	rec.next(t)

	p.Close()

	st := p.Status()
	assert.False(t, st.IsPolling)
	assert.Nil(t, st.Location)
	assert.Zero(t, st.CallbackCount)
	_, ok := p.LastBundle()
	assert.False(t, ok)
	assert.ErrorIs(t, p.ForceUpdate(), ErrNoLocation)
}

func TestRetryDelay(t *testing.T) {
	base, limit := 5*time.Second, 30*time.Second
	assert.Equal(t, 5*time.Second, retryDelay(base, limit, 1))
	assert.Equal(t, 10*time.Second, retryDelay(base, limit, 2))
	assert.Equal(t, 20*time.Second, retryDelay(base, limit, 3))
	assert.Equal(t, 30*time.Second, retryDelay(base, limit, 4))
	assert.Equal(t, 30*time.Second, retryDelay(base, limit, 40))
}
