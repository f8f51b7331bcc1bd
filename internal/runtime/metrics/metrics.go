// Package metrics exposes the Prometheus collectors shared by the connection,
// broker, worker and relay. Every recording method is safe on a nil *Metrics
// so components can run without instrumentation.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	loggingpkg "github.com/drblury/queuelink/internal/runtime/logging"
)

const namespace = "queuelink"

// Job outcomes recorded by the worker.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePanic   = "panic"
)

// Request outcomes recorded by the broker.
const (
	RequestOK        = "ok"
	RequestRemote    = "remote_error"
	RequestLost      = "lost"
	RequestAbandoned = "abandoned"
)

// Metrics holds the collectors. Use New and then Register.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	connectionState   prometheus.Gauge
	reconnects        prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	framesIn          *prometheus.CounterVec
	framesOut         prometheus.Counter

	pendingRequests prometheus.Gauge
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	jobs         *prometheus.CounterVec
	jobsInFlight prometheus.Gauge
	jobDuration  prometheus.Histogram

	relayForwarded *prometheus.CounterVec
	relayErrors    *prometheus.CounterVec
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

func newGauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
}

// New builds the collectors. A nil registerer means the default registry.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:        registerer,
		connectionState:   newGauge("connection", "state", "Current connection state (0 idle, 1 connecting, 2 open, 3 reconnecting, 4 closing, 5 closed)"),
		reconnects:        newCounter("connection", "reconnects_total", "Reconnect attempts scheduled after an abnormal closure"),
		heartbeatTimeouts: newCounter("connection", "heartbeat_timeouts_total", "Links torn down because no heartbeat arrived in time"),
		framesIn:          newCounterVec("connection", "frames_received_total", "Inbound frames by kind", "kind"),
		framesOut:         newCounter("connection", "frames_sent_total", "Outbound frames written to the socket"),
		pendingRequests:   newGauge("broker", "pending_requests", "Requests waiting for a reply"),
		requests:          newCounterVec("broker", "requests_total", "Correlated requests by command and outcome", "command", "outcome"),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "request_duration_seconds",
			Help:      "Time between sending a request and receiving its reply",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		jobs:         newCounterVec("worker", "jobs_total", "Processed jobs by outcome", "outcome"),
		jobsInFlight: newGauge("worker", "jobs_in_flight", "Jobs currently handled"),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Handler execution time",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		relayForwarded: newCounterVec("relay", "events_forwarded_total", "Queue events published to the relay transport", "event"),
		relayErrors:    newCounterVec("relay", "errors_total", "Queue events the relay failed to publish", "event"),
	}
}

// Register registers the collectors. Safe to call multiple times; collectors
// already present in the registry are reused.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	err := errors.Join(
		register(m.registerer, &m.connectionState),
		register(m.registerer, &m.reconnects),
		register(m.registerer, &m.heartbeatTimeouts),
		register(m.registerer, &m.framesIn),
		register(m.registerer, &m.framesOut),
		register(m.registerer, &m.pendingRequests),
		register(m.registerer, &m.requests),
		register(m.registerer, &m.requestDuration),
		register(m.registerer, &m.jobs),
		register(m.registerer, &m.jobsInFlight),
		register(m.registerer, &m.jobDuration),
		register(m.registerer, &m.relayForwarded),
		register(m.registerer, &m.relayErrors),
	)
	if err != nil {
		return err
	}

	m.registered = true
	return nil
}

// register adds c to reg. When an equal collector already exists, c is
// replaced by it so several instances feed the same series.
func register[T prometheus.Collector](reg prometheus.Registerer, c *T) error {
	err := reg.Register(*c)
	if err == nil {
		return nil
	}
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return err
	}
	if existing, ok := already.ExistingCollector.(T); ok {
		*c = existing
	}
	return nil
}

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on port in a background goroutine. Close the
// returned server to stop it.
func Serve(port int, logger loggingpkg.ServiceLogger) *http.Server {
	logger = loggingpkg.OrNop(logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("Starting metrics server", loggingpkg.LogFields{"address": srv.Addr})
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", err, loggingpkg.LogFields{"address": srv.Addr})
		}
	}()
	return srv
}

// SetConnectionState records the numeric connection state.
func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) IncHeartbeatTimeouts() {
	if m == nil {
		return
	}
	m.heartbeatTimeouts.Inc()
}

// FrameReceived counts an inbound frame of the given kind.
func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.framesOut.Inc()
}

// RequestStarted bumps the pending gauge. Pair it with RequestFinished.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.pendingRequests.Inc()
}

// RequestFinished records the outcome and latency of a correlated request.
func (m *Metrics) RequestFinished(command, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pendingRequests.Dec()
	m.requests.WithLabelValues(command, outcome).Inc()
	if outcome == RequestOK || outcome == RequestRemote {
		m.requestDuration.WithLabelValues(command).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsInFlight.Inc()
}

// JobFinished records a handler outcome and its duration.
func (m *Metrics) JobFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobsInFlight.Dec()
	m.jobs.WithLabelValues(outcome).Inc()
	m.jobDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) EventRelayed(event string) {
	if m == nil {
		return
	}
	m.relayForwarded.WithLabelValues(event).Inc()
}

func (m *Metrics) RelayFailed(event string) {
	if m == nil {
		return
	}
	m.relayErrors.WithLabelValues(event).Inc()
}
