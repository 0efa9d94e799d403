// Package envelope — EnvelopeMonitor.
//
// Repurposes the per-envelope violation tracker to track which
// (source, serviceId) pairs have already been wrapped once, backing the
// "idempotent under identity" round-trip law: wrapping already-wrapped
// content for the same identity must not nest a second envelope.
package envelope

import (
	"sync"
	"time"
)

// WrapEvent records one piece of content having been enveloped.
type WrapEvent struct {
	Source    string    `json:"source"`
	ServiceID string    `json:"service_id"`
	RiskLevel RiskLevel `json:"risk_level"`
	WrappedAt time.Time `json:"wrapped_at"`
}

// EnvelopeMonitor tracks which (source, serviceId) identities have been
// wrapped, for observability and for idempotency enforcement alongside
// the Gate's content-prefix check.
type EnvelopeMonitor struct {
	mu     sync.Mutex
	events []WrapEvent
	clock  func() time.Time
}

// NewEnvelopeMonitor builds an empty monitor.
func NewEnvelopeMonitor() *EnvelopeMonitor {
	return &EnvelopeMonitor{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *EnvelopeMonitor) WithClock(clock func() time.Time) *EnvelopeMonitor {
	m.clock = clock
	return m
}

// RecordWrap appends a WrapEvent for (source, serviceID).
func (m *EnvelopeMonitor) RecordWrap(source, serviceID string, risk RiskLevel) WrapEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := WrapEvent{Source: source, ServiceID: serviceID, RiskLevel: risk, WrappedAt: m.clock()}
	m.events = append(m.events, ev)
	return ev
}

// IsWrapped reports whether (source, serviceID) has been wrapped before.
func (m *EnvelopeMonitor) IsWrapped(source, serviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.Source == source && ev.ServiceID == serviceID {
			return true
		}
	}
	return false
}

// Events returns every recorded wrap, most recent last.
func (m *EnvelopeMonitor) Events() []WrapEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WrapEvent, len(m.events))
	copy(out, m.events)
	return out
}
