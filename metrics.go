package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/app"
	ledgersvc "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/ledger"
)

// opsMetrics are the Prometheus series served on the operations listener
type opsMetrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	sweepDuration   prometheus.Gauge
	sweepEntries    prometheus.Gauge
	sweepInvalid    prometheus.Gauge
	sweepLastFinish prometheus.Gauge
}

func newOpsMetrics(a *app.App) *opsMetrics {
	m := &opsMetrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "proaudit",
				Subsystem: "ops",
				Name:      "http_requests_total",
				Help:      "Total number of operations endpoint requests",
			},
			[]string{"method", "handler", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "proaudit",
				Subsystem: "ops",
				Name:      "http_request_duration_seconds",
				Help:      "Operations endpoint request duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
			[]string{"method", "handler"},
		),
		sweepDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proaudit",
			Subsystem: "chain_sweep",
			Name:      "duration_seconds",
			Help:      "Duration of the last full chain verification sweep",
		}),
		sweepEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proaudit",
			Subsystem: "chain_sweep",
			Name:      "entries_verified",
			Help:      "Ledger entries verified by the last sweep",
		}),
		sweepInvalid: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proaudit",
			Subsystem: "chain_sweep",
			Name:      "invalid_chains",
			Help:      "Organizations whose chain failed the last sweep",
		}),
		sweepLastFinish: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proaudit",
			Subsystem: "chain_sweep",
			Name:      "last_finished_timestamp_seconds",
			Help:      "Unix time the last sweep finished",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.sweepDuration,
		m.sweepEntries,
		m.sweepInvalid,
		m.sweepLastFinish,
	)

	if a.Pool != nil {
		pool := a.Pool
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "proaudit", Subsystem: "db", Name: "connections_acquired",
				Help: "Connections currently in use",
			}, func() float64 { return float64(pool.Stats().AcquiredConns) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "proaudit", Subsystem: "db", Name: "connections_idle",
				Help: "Idle connections in the pool",
			}, func() float64 { return float64(pool.Stats().IdleConns) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "proaudit", Subsystem: "db", Name: "connections_max",
				Help: "Configured maximum pool size",
			}, func() float64 { return float64(pool.Stats().MaxConns) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "proaudit", Subsystem: "db", Name: "circuit_state",
				Help: "Circuit breaker state: 0 closed, 1 open, 2 half open",
			}, func() float64 { return float64(pool.Stats().CircuitState) }),
		)
	}
	if a.DLQ != nil {
		dlq := a.DLQ
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "proaudit", Subsystem: "streams", Name: "dead_letter_depth",
			Help: "Stream messages waiting for redrive",
		}, func() float64 { return float64(dlq.Len()) }))
	}

	a.Sweeper.OnReport(m.observeSweep)
	return m
}

func (m *opsMetrics) observeSweep(r *ledgersvc.SweepReport) {
	m.sweepDuration.Set(r.Duration.Seconds())
	m.sweepEntries.Set(float64(r.EntriesVerified))
	m.sweepInvalid.Set(float64(len(r.Invalid)))
	m.sweepLastFinish.Set(float64(r.StartedAt.Add(r.Duration).Unix()))
}

func (m *opsMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// instrument wraps an operations handler with request metrics
func (m *opsMetrics) instrument(handlerName string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(wrapped, r)

		m.httpRequestsTotal.WithLabelValues(r.Method, handlerName, statusCodeClass(wrapped.statusCode)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, handlerName).Observe(time.Since(start).Seconds())
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// statusCodeClass returns the status code class (2xx, 3xx, 4xx, 5xx)
func statusCodeClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
