// Package metrics exposes Prometheus metrics for analyses and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/straja-ai/imageguard/internal/guard"
)

// Metrics manages the Prometheus metrics on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	Analyses          *prometheus.CounterVec
	AnalysisLatency   prometheus.Histogram
	Risk              prometheus.Histogram
	ExpertInferences  *prometheus.CounterVec
	ExpertLatency     *prometheus.HistogramVec
	ExpertUp          *prometheus.GaugeVec
	HTTPRequests      *prometheus.CounterVec
	HTTPLatency       *prometheus.HistogramVec
	InFlight          prometheus.Gauge
	RejectedUploads   *prometheus.CounterVec
	ActivationDropped prometheus.Counter
}

// New creates and registers the metrics. Process and Go runtime collectors
// are registered alongside.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Analyses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imageguard_analyses_total",
				Help: "Total number of completed analyses by verdict tier.",
			},
			[]string{"tier"},
		),
		AnalysisLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "imageguard_analysis_duration_seconds",
				Help:    "Latency of a full two-expert analysis.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		Risk: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "imageguard_risk_score",
				Help:    "Distribution of combined risk scores.",
				Buckets: []float64{0.05, 0.1, 0.15, 0.3, 0.5, 0.65, 0.8, 0.9, 1},
			},
		),
		ExpertInferences: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imageguard_expert_inferences_total",
				Help: "Expert invocations by role and result.",
			},
			[]string{"role", "result"},
		),
		ExpertLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imageguard_expert_duration_seconds",
				Help:    "Latency of a single expert inference.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"role"},
		),
		ExpertUp: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "imageguard_expert_up",
				Help: "1 when the expert loaded at startup, 0 otherwise.",
			},
			[]string{"role"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imageguard_http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imageguard_http_request_duration_seconds",
				Help:    "Latency of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		InFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "imageguard_analyses_in_flight",
				Help: "Analyses currently running.",
			},
		),
		RejectedUploads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imageguard_rejected_uploads_total",
				Help: "Uploads rejected before analysis, by reason.",
			},
			[]string{"reason"},
		),
		ActivationDropped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "imageguard_activation_events_dropped_total",
				Help: "Analysis events dropped because the emitter queue was full.",
			},
		),
	}
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveExpert records one expert invocation.
func (m *Metrics) ObserveExpert(role string, likelihood float64, d time.Duration, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case d == 0:
		result = "skipped"
	}
	m.ExpertInferences.WithLabelValues(role, result).Inc()
	if result != "skipped" {
		m.ExpertLatency.WithLabelValues(role).Observe(d.Seconds())
	}
}

// ObserveVerdict records one completed analysis.
func (m *Metrics) ObserveVerdict(tier guard.Tier, risk float64, d time.Duration) {
	m.Analyses.WithLabelValues(tier.String()).Inc()
	m.AnalysisLatency.Observe(d.Seconds())
	m.Risk.Observe(risk)
}

// SetExperts publishes the startup status of each expert.
func (m *Metrics) SetExperts(statuses []guard.ExpertStatus) {
	for _, st := range statuses {
		v := 0.0
		if st.State == guard.StateLoaded {
			v = 1
		}
		m.ExpertUp.WithLabelValues(st.Role).Set(v)
	}
}

// RecordRejected counts an upload rejected before analysis.
func (m *Metrics) RecordRejected(reason string) {
	m.RejectedUploads.WithLabelValues(reason).Inc()
}

// Instrument wraps h, labelling metrics with the fixed route name.
func (m *Metrics) Instrument(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(sw, r)
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.HTTPLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
