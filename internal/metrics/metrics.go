// Package metrics exposes the prometheus/client_golang counters and gauges
// the bridge reports against: reliable-delivery drops, active
// subscriptions, established sessions, and per-hub decrypt failures. The
// retransmit counter is registered, but no caller increments it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric this repository reports. A nil *Registry is
// valid everywhere it's threaded through: every method is a no-op on a nil
// receiver, so callers that don't care about metrics can pass nil.
type Registry struct {
	Retransmits        *prometheus.CounterVec
	Drops               *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge
	DecryptFailures      *prometheus.CounterVec
	SessionsEstablished prometheus.Counter
}

// NewRegistry constructs and registers every metric against reg (or the
// default prometheus.DefaultRegisterer if reg is nil).
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Registry{
		Retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratchethub_reliable_retransmits_total",
			Help: "Total reliable-delivery retransmit attempts, by subscription.",
		}, []string{"subscription"}),
		Drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratchethub_reliable_drops_total",
			Help: "Pending frames abandoned after exhausting retransmit attempts.",
		}, []string{"subscription"}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratchethub_active_subscriptions",
			Help: "Currently open subscriptions across all hubs.",
		}),
		DecryptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratchethub_decrypt_failures_total",
			Help: "Consecutive decrypt failures observed per hub.",
		}, []string{"hub"}),
		SessionsEstablished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratchethub_sessions_established_total",
			Help: "Sessions created via create_session, across all hubs.",
		}),
	}
	reg.MustRegister(m.Retransmits, m.Drops, m.ActiveSubscriptions, m.DecryptFailures, m.SessionsEstablished)
	return m
}

func (m *Registry) retransmit(subscription string) {
	if m == nil {
		return
	}
	m.Retransmits.WithLabelValues(subscription).Inc()
}

// IncRetransmit records one retransmit attempt for subscription.
func (m *Registry) IncRetransmit(subscription string) { m.retransmit(subscription) }

// IncDrop records one abandoned pending frame for subscription.
func (m *Registry) IncDrop(subscription string) {
	if m == nil {
		return
	}
	m.Drops.WithLabelValues(subscription).Inc()
}

// SetActiveSubscriptions sets the current open-subscription gauge.
func (m *Registry) SetActiveSubscriptions(n int) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Set(float64(n))
}

// IncDecryptFailure records one decrypt failure for hub.
func (m *Registry) IncDecryptFailure(hub string) {
	if m == nil {
		return
	}
	m.DecryptFailures.WithLabelValues(hub).Inc()
}

// IncSessionEstablished records one successful create_session.
func (m *Registry) IncSessionEstablished() {
	if m == nil {
		return
	}
	m.SessionsEstablished.Inc()
}
