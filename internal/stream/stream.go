// Package stream fans recorded security events out to live subscribers such
// as alert dashboards.
package stream

import (
	"context"
	"sync"

	"github.com/treasuryops/guard/internal/audit"
	"github.com/treasuryops/guard/internal/obs"
)

const subscriberBuffer = 16

// Filter selects the events a subscriber receives.
type Filter struct {
	MinSeverity audit.Severity
	AlertsOnly  bool
}

func (f Filter) match(ev audit.Event) bool {
	if f.AlertsOnly && !ev.Alert {
		return false
	}
	return ev.Severity >= f.MinSeverity
}

type subscriber struct {
	ch     chan audit.Event
	filter Filter
}

// Hub is an audit.Sink that republishes every event to its subscribers.
// Slow subscribers miss events instead of stalling the audit log.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	metrics *obs.Metrics
}

var _ audit.Sink = (*Hub)(nil)

// New returns an empty hub. metrics may be nil.
func New(metrics *obs.Metrics) *Hub {
	return &Hub{subs: make(map[int]subscriber), metrics: metrics}
}

// Subscribe registers a subscriber. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, f Filter) <-chan audit.Event {
	ch := make(chan audit.Event, subscriberBuffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{ch: ch, filter: f}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

// Write implements audit.Sink. It never blocks and never fails.
func (h *Hub) Write(_ context.Context, ev audit.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.filter.match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.metrics.StreamDropped()
		}
	}
	return nil
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
