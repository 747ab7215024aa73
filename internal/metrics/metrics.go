// Package metrics exposes Prometheus counters for authorization server
// outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskauth"

// Metrics holds the server's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	registrations  *prometheus.CounterVec
	authorizations *prometheus.CounterVec
	tokens         *prometheus.CounterVec
	revocations    *prometheus.CounterVec
	keyRotations   prometheus.Counter
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_registrations_total",
			Help:      "Dynamic client registration attempts by result.",
		}, []string{"result"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorize_outcomes_total",
			Help:      "Authorization endpoint outcomes.",
		}, []string{"outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_requests_total",
			Help:      "Token endpoint requests by grant type and result.",
		}, []string{"grant_type", "result"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_revocations_total",
			Help:      "Token revocation requests by result.",
		}, []string{"result"}),
		keyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signing_key_rotations_total",
			Help:      "Active signing key changes observed by this process.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.registrations,
		m.authorizations,
		m.tokens,
		m.revocations,
		m.keyRotations,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registration counts a registration attempt.
func (m *Metrics) Registration(result string) {
	if m == nil {
		return
	}

	m.registrations.WithLabelValues(result).Inc()
}

// Authorize counts an authorization endpoint outcome such as
// "consent_shown", "approved", "denied" or an OAuth error code.
func (m *Metrics) Authorize(outcome string) {
	if m == nil {
		return
	}

	m.authorizations.WithLabelValues(outcome).Inc()
}

// Token counts a token endpoint request. result is "success" or the
// OAuth error code returned.
func (m *Metrics) Token(grantType, result string) {
	if m == nil {
		return
	}

	m.tokens.WithLabelValues(grantType, result).Inc()
}

// Revocation counts a revocation request.
func (m *Metrics) Revocation(result string) {
	if m == nil {
		return
	}

	m.revocations.WithLabelValues(result).Inc()
}

// KeyRotated counts a signing key rotation.
func (m *Metrics) KeyRotated() {
	if m == nil {
		return
	}

	m.keyRotations.Inc()
}
