// Package metrics holds the prometheus collectors for the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are registered on their own registry, so multiple servers can
// exist in one process (e.g in tests).
type Metrics struct {
	registry *prometheus.Registry

	TokensIssued  *prometheus.CounterVec
	GrantFailures *prometheus.CounterVec
	Requests      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authserver",
			Name:      "tokens_issued_total",
			Help:      "Tokens issued, by grant type and token kind.",
		}, []string{"grant_type", "kind"}),
		GrantFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authserver",
			Name:      "grant_failures_total",
			Help:      "Rejected token requests, by grant type and error code.",
		}, []string{"grant_type", "error"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authserver",
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code.",
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		m.TokensIssued,
		m.GrantFailures,
		m.Requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Issued records a minted token. m may be nil.
func (m *Metrics) Issued(grantType, kind string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(grantType, kind).Inc()
}

// Failed records a rejected grant. m may be nil.
func (m *Metrics) Failed(grantType, code string) {
	if m == nil {
		return
	}
	m.GrantFailures.WithLabelValues(grantType, code).Inc()
}
