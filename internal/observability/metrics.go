package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yungbote/scenegraph-backend/internal/platform/envutil"
	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

type Metrics struct {
	registry *prometheus.Registry

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	apiInflight prometheus.Gauge

	llmRequests *prometheus.CounterVec
	llmLatency  *prometheus.HistogramVec
	llmTokens   *prometheus.CounterVec

	ingestStage   *prometheus.HistogramVec
	ingestOutcome *prometheus.CounterVec

	askOutcome    *prometheus.CounterVec
	askLatency    *prometheus.HistogramVec
	contextTokens prometheus.Histogram
	contextCache  *prometheus.CounterVec
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", false)
}

// Current returns the process metrics, or nil when metrics are disabled.
// Every method is safe on a nil receiver.
func Current() *Metrics {
	return instance
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = NewMetrics()
		if log != nil {
			log.Info("prometheus metrics initialized")
		}
	})
	return instance
}

// NewMetrics builds a metrics set on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sg_api_requests_total",
			Help: "Total API requests by method/route/status.",
		}, []string{"method", "route", "status"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sg_api_request_duration_seconds",
			Help:    "API request latency in seconds by method/route/status.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"method", "route", "status"}),
		apiInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sg_api_inflight_requests",
			Help: "In-flight API requests.",
		}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sg_llm_requests_total",
			Help: "LLM requests by model/endpoint/status.",
		}, []string{"model", "endpoint", "status"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sg_llm_request_duration_seconds",
			Help:    "LLM request latency in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"model", "endpoint", "status"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sg_llm_tokens_total",
			Help: "LLM tokens by model/kind.",
		}, []string{"model", "kind"}),
		ingestStage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sg_ingest_stage_duration_seconds",
			Help:    "Ingest stage latency in seconds by stage/status.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage", "status"}),
		ingestOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sg_ingest_total",
			Help: "Ingest outcomes by failing stage and error kind.",
		}, []string{"outcome", "stage", "kind"}),
		askOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sg_ask_total",
			Help: "Question turns by outcome.",
		}, []string{"outcome"}),
		askLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sg_ask_duration_seconds",
			Help:    "Question turn latency in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"outcome"}),
		contextTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sg_context_tokens",
			Help:    "Estimated tokens per built graph context.",
			Buckets: prometheus.ExponentialBuckets(256, 2, 12),
		}),
		contextCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sg_context_cache_total",
			Help: "Graph context cache lookups by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.llmRequests, m.llmLatency, m.llmTokens,
		m.ingestStage, m.ingestOutcome,
		m.askOutcome, m.askLatency, m.contextTokens, m.contextCache,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	method = orDefault(method, "UNKNOWN")
	route = orDefault(route, "unknown")
	status = orDefault(status, "0")
	m.apiRequests.WithLabelValues(method, route, status).Inc()
	m.apiLatency.WithLabelValues(method, route, status).Observe(dur.Seconds())
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

func (m *Metrics) ObserveLLMRequest(model, endpoint, status string, dur time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	model = orDefault(model, "unknown")
	endpoint = orDefault(endpoint, "unknown")
	status = orDefault(status, "0")
	m.llmRequests.WithLabelValues(model, endpoint, status).Inc()
	if dur > 0 {
		m.llmLatency.WithLabelValues(model, endpoint, status).Observe(dur.Seconds())
	}
	if inputTokens > 0 {
		m.llmTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.llmTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

func (m *Metrics) ObserveIngestStage(stage, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.ingestStage.WithLabelValues(orDefault(stage, "unknown"), orDefault(status, "ok")).Observe(dur.Seconds())
}

// IncIngest counts a finished ingest. Successful ingests carry empty stage
// and kind labels.
func (m *Metrics) IncIngest(outcome, stage, kind string) {
	if m == nil {
		return
	}
	m.ingestOutcome.WithLabelValues(orDefault(outcome, "unknown"), stage, kind).Inc()
}

func (m *Metrics) ObserveAsk(outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	outcome = orDefault(outcome, "unknown")
	m.askOutcome.WithLabelValues(outcome).Inc()
	m.askLatency.WithLabelValues(outcome).Observe(dur.Seconds())
}

func (m *Metrics) ObserveContextTokens(tokens int) {
	if m == nil {
		return
	}
	m.contextTokens.Observe(float64(tokens))
}

func (m *Metrics) IncContextCache(result string) {
	if m == nil {
		return
	}
	m.contextCache.WithLabelValues(orDefault(result, "unknown")).Inc()
}

func orDefault(v, def string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	return v
}
