// internal/metrics/registry.go
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benck/ha-medole/internal/domain"
)

const namespace = "medole"

// Registry holds the Prometheus metrics of the service.
// A nil *Registry is valid and records nothing.
type Registry struct {
	reg *prometheus.Registry

	// Polling
	PollCycles   *prometheus.CounterVec
	PollDuration *prometheus.HistogramVec
	Retries      *prometheus.CounterVec

	// Transport
	ExchangeErrors *prometheus.CounterVec
	Reconnects     *prometheus.CounterVec

	// Writes
	Writes *prometheus.CounterVec

	// Health
	ConsecutiveFailures *prometheus.GaugeVec
	Online              *prometheus.GaugeVec

	// Bridge
	BridgePublishes *prometheus.CounterVec
}

// NewRegistry creates a registry with all metrics registered on a private
// prometheus.Registry, so several instances can coexist in tests.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,

		PollCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "cycles_total",
			Help:      "Poll cycles by result",
		}, []string{"device", "result"}),
		PollDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "duration_seconds",
			Help:      "Poll cycle duration in seconds",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"device"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "retries_total",
			Help:      "Span reads retried after a transient error",
		}, []string{"device"}),

		ExchangeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Failed exchanges by error kind",
		}, []string{"device", "kind"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Transport reopen attempts by result",
		}, []string{"device", "result"}),

		Writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "write",
			Name:      "commands_total",
			Help:      "Write commands by result",
		}, []string{"device", "result"}),

		ConsecutiveFailures: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "consecutive_failures",
			Help:      "Consecutive failed poll cycles",
		}, []string{"device"}),
		Online: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "online",
			Help:      "1 when the last published snapshot is online",
		}, []string{"device"}),

		BridgePublishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "publishes_total",
			Help:      "MQTT publishes by result",
		}, []string{"device", "result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// RecordPoll records one finished poll cycle.
func (r *Registry) RecordPoll(device string, ok bool, d time.Duration) {
	if r == nil {
		return
	}
	r.PollCycles.WithLabelValues(device, result(ok)).Inc()
	r.PollDuration.WithLabelValues(device).Observe(d.Seconds())
}

// RecordRetry records one retried span read.
func (r *Registry) RecordRetry(device string) {
	if r == nil {
		return
	}
	r.Retries.WithLabelValues(device).Inc()
}

// RecordExchangeError records one failed exchange.
func (r *Registry) RecordExchangeError(device string, kind domain.ErrorKind) {
	if r == nil {
		return
	}
	r.ExchangeErrors.WithLabelValues(device, kind.String()).Inc()
}

// RecordReconnect records one transport reopen attempt.
func (r *Registry) RecordReconnect(device string, ok bool) {
	if r == nil {
		return
	}
	r.Reconnects.WithLabelValues(device, result(ok)).Inc()
}

// RecordWrite records one write command by error kind ("none" on success).
func (r *Registry) RecordWrite(device string, kind domain.ErrorKind) {
	if r == nil {
		return
	}
	r.Writes.WithLabelValues(device, kind.String()).Inc()
}

// UpdateHealth updates the health gauges of one device.
func (r *Registry) UpdateHealth(device string, failures int, online bool) {
	if r == nil {
		return
	}
	r.ConsecutiveFailures.WithLabelValues(device).Set(float64(failures))
	v := 0.0
	if online {
		v = 1
	}
	r.Online.WithLabelValues(device).Set(v)
}

// RecordPublish records one MQTT publish.
func (r *Registry) RecordPublish(device string, ok bool) {
	if r == nil {
		return
	}
	r.BridgePublishes.WithLabelValues(device, result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
