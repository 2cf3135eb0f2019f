// Package metrics provides Prometheus instrumentation for the glimpse SDK.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that embedding applications can expose SDK metrics without
// collisions, via [Metrics.Handler] or by gathering from the registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Evaluation sources, used as the "source" label on EvaluationsTotal.
const (
	SourceLocal      = "local"
	SourceRemote     = "remote"
	SourceFreshCache = "fresh_cache"
	SourceStaleCache = "stale_cache"
	SourceUnresolved = "unresolved"
)

// Metrics holds all Prometheus collectors used by the SDK.
type Metrics struct {
	Registry *prometheus.Registry

	EvaluationsTotal         *prometheus.CounterVec
	DefinitionReloadsTotal   prometheus.Counter
	DefinitionReloadFailures prometheus.Counter
	RemoteErrorsTotal        *prometheus.CounterVec
	RealtimePatchesTotal     *prometheus.CounterVec
	EventsSentTotal          prometheus.Counter
}

// New creates and registers all SDK metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glimpse_flag_evaluations_total",
			Help: "Total number of flag evaluations by resolution source.",
		}, []string{"source"}),

		DefinitionReloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glimpse_definition_reloads_total",
			Help: "Total number of successful flag definition loads.",
		}),

		DefinitionReloadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glimpse_definition_reload_failures_total",
			Help: "Total number of failed flag definition loads.",
		}),

		RemoteErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glimpse_remote_errors_total",
			Help: "Total number of remote API errors by classification.",
		}, []string{"class"}),

		RealtimePatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glimpse_realtime_patches_total",
			Help: "Total number of realtime flag patches applied.",
		}, []string{"op"}),

		EventsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glimpse_events_sent_total",
			Help: "Total number of analytics events sent.",
		}),
	}

	reg.MustRegister(
		m.EvaluationsTotal,
		m.DefinitionReloadsTotal,
		m.DefinitionReloadFailures,
		m.RemoteErrorsTotal,
		m.RealtimePatchesTotal,
		m.EventsSentTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation increments the evaluation counter for the given source.
func (m *Metrics) RecordEvaluation(source string) {
	m.EvaluationsTotal.WithLabelValues(source).Inc()
}

// RecordRemoteError increments the remote error counter for the given class.
func (m *Metrics) RecordRemoteError(class string) {
	m.RemoteErrorsTotal.WithLabelValues(class).Inc()
}

// RecordRealtimePatch increments the patch counter for "upsert" or "delete".
func (m *Metrics) RecordRealtimePatch(op string) {
	m.RealtimePatchesTotal.WithLabelValues(op).Inc()
}
