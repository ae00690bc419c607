package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Autosave outcomes.
const (
	OutcomeSaved    = "saved"
	OutcomeExpired  = "expired"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Metrics groups the exam engine collectors and the HTTP collectors.
type Metrics struct {
	SessionsStarted   prometheus.Counter
	SessionsResumed   prometheus.Counter
	Autosaves         *prometheus.CounterVec
	Finalizations     *prometheus.CounterVec
	FinalizeConflicts prometheus.Counter
	RequestCounter    *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	registry          prometheus.Gatherer
}

// New creates the collectors and registers them on reg. Tests pass a fresh
// prometheus.NewRegistry() so counters start at zero.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exam_sessions_started_total",
			Help: "Exam sessions created by enter",
		}),
		SessionsResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exam_sessions_resumed_total",
			Help: "Enter calls that resumed an in-progress session",
		}),
		Autosaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_autosaves_total",
			Help: "Autosave attempts by outcome",
		}, []string{"outcome"}),
		Finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_finalizations_total",
			Help: "Committed finalizations by terminal status",
		}, []string{"status"}),
		FinalizeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exam_finalize_conflicts_total",
			Help: "Finalize calls rejected because the session was already closed",
		}),
		RequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"method", "endpoint"}),
		registry: reg,
	}

	reg.MustRegister(
		m.SessionsStarted,
		m.SessionsResumed,
		m.Autosaves,
		m.Finalizations,
		m.FinalizeConflicts,
		m.RequestCounter,
		m.RequestDuration,
	)
	return m
}

// Middleware records request count and latency per route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}

		m.RequestCounter.WithLabelValues(
			c.Request.Method,
			endpoint,
			strconv.Itoa(c.Writer.Status()),
		).Inc()

		m.RequestDuration.WithLabelValues(
			c.Request.Method,
			endpoint,
		).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
