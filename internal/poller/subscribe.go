package poller

import (
	"time"

	"github.com/google/uuid"
	"github.com/mathisontech/beacon/internal/domain"
)

// Callback receives each bundle. It must not modify the bundle's slices.
type Callback func(domain.Bundle)

// SubscriptionID identifies a registered Callback.
type SubscriptionID string

type subscription struct {
	id SubscriptionID
	fn Callback
}

// Subscribe registers fn for every future bundle. When a bundle is already
// available, fn is invoked with it synchronously before Subscribe returns.
// Registration waits for any in-flight cycle, so fn never sees an older bundle
// after a newer one. It must not be called from inside a subscriber callback.
func (p *Poller) Subscribe(fn Callback) SubscriptionID {
	s := subscription{id: SubscriptionID(uuid.New().String()), fn: fn}

	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	p.mu.Lock()
	p.subs = append(p.subs, s)
	count := len(p.subs)
	var last *domain.Bundle
	if p.last != nil {
		b := *p.last
		last = &b
	}
	p.mu.Unlock()

	p.metrics.Subscribers.Set(float64(count))
	if last != nil {
		p.invoke(s, *last)
	}
	return s.id
}

// Unsubscribe removes a callback. Unknown IDs are ignored.
func (p *Poller) Unsubscribe(id SubscriptionID) {
	p.mu.Lock()
	for i, s := range p.subs {
		if s.id == id {
			p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
			break
		}
	}
	count := len(p.subs)
	p.mu.Unlock()

	p.metrics.Subscribers.Set(float64(count))
}

// invoke isolates a panicking subscriber so the rest of the fan-out proceeds.
func (p *Poller) invoke(s subscription, b domain.Bundle) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.CallbackPanics.Inc()
			p.logger.Error("subscriber callback panicked", "subscription", s.id, "panic", r)
		}
	}()
	s.fn(b)
}

// Status is a point-in-time view of the poller.
type Status struct {
	IsPolling     bool             `json:"isPolling"`
	PollMode      domain.PollMode  `json:"pollMode"`
	Interval      time.Duration    `json:"-"`
	IntervalMs    int64            `json:"interval"`
	Location      *domain.Location `json:"location"`
	LastUpdated   time.Time        `json:"lastUpdated,omitzero"`
	NextFetch     time.Time        `json:"nextFetch,omitzero"`
	CallbackCount int              `json:"callbackCount"`
	RetryCount    int              `json:"retryCount"`
	Backgrounded  bool             `json:"backgrounded"`
}

// Status returns the current scheduling state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		IsPolling:     p.polling,
		PollMode:      p.mode,
		Interval:      p.mode.Interval(),
		IntervalMs:    p.mode.Interval().Milliseconds(),
		NextFetch:     p.nextFetch,
		CallbackCount: len(p.subs),
		RetryCount:    p.retryCount,
		Backgrounded:  p.backgrounded,
	}
	if p.location != nil {
		loc := *p.location
		st.Location = &loc
	}
	if p.last != nil {
		st.LastUpdated = p.last.LastUpdated
	}
	return st
}
