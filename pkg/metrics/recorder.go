package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"a2arunner/pkg/llm"
	"a2arunner/pkg/resilience"
)

//nolint:gochecknoglobals // fixed label set for the health gauge
var healthStates = []resilience.State{
	resilience.Healthy,
	resilience.Degraded,
	resilience.Recovering,
	resilience.Failed,
	resilience.CircuitOpen,
}

// PrometheusRecorder records engine and LLM metrics. It satisfies both
// engine.Recorder and llm.Recorder.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	tasksTotal      *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	recoveriesTotal *prometheus.CounterVec
	healthState     *prometheus.GaugeVec

	llmRequestsTotal   *prometheus.CounterVec
	llmTokensTotal     *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the collectors on a fresh registry, along
// with the Go and process collectors.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_tasks_total",
				Help: "Tasks processed by handler and outcome",
			},
			[]string{"handler", "outcome"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "a2a_task_duration_seconds",
				Help:    "Wall time from task start to its terminal event",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler", "outcome"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_task_retries_total",
				Help: "Retry attempts after a failed attempt",
			},
			[]string{"handler"},
		),
		recoveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "a2a_recovery_attempts_total",
				Help: "Recovery probes by result",
			},
			[]string{"handler", "result"},
		),
		healthState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "a2a_handler_health_state",
				Help: "1 for the handler's current health state, 0 otherwise",
			},
			[]string{"handler", "state"},
		),
		llmRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by model and status",
			},
			[]string{"model", "status", "error_type"},
		),
		llmTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "type"},
		),
		llmRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
	}
}

// Registry exposes the underlying registry.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *PrometheusRecorder) ObserveTask(handler, outcome string, duration time.Duration) {
	p.tasksTotal.WithLabelValues(handler, outcome).Inc()
	p.taskDuration.WithLabelValues(handler, outcome).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveRetry(handler string) {
	p.retriesTotal.WithLabelValues(handler).Inc()
}

func (p *PrometheusRecorder) ObserveRecovery(handler string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	p.recoveriesTotal.WithLabelValues(handler, result).Inc()
}

func (p *PrometheusRecorder) SetHealthState(handler string, state resilience.State) {
	for _, s := range healthStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.healthState.WithLabelValues(handler, string(s)).Set(v)
	}
}

func (p *PrometheusRecorder) ObserveLLMRequest(model string, usage llm.Usage, success bool, errorType string, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.llmRequestsTotal.WithLabelValues(model, status, errorType).Inc()
	if success {
		p.llmTokensTotal.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
		p.llmTokensTotal.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
	}
	p.llmRequestDuration.WithLabelValues(model).Observe(duration.Seconds())
}
