// Package metrics holds the Prometheus collectors shared by the bus, its
// transports and its jobs.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics tracks bus activity. A nil *Metrics is valid and records nothing,
// so components can be built without a registry in tests.
type Metrics struct {
	mu sync.Mutex

	sent          *prometheus.CounterVec
	received      *prometheus.CounterVec
	sendDuration  *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	subscriptions prometheus.Gauge

	totals Totals

	registerer prometheus.Registerer
	registered bool
}

// Totals is a point-in-time view of the counters, kept alongside the
// Prometheus collectors for diagnostics and tests.
type Totals struct {
	Sent         uint64    `json:"sent"`
	SendFailures uint64    `json:"send_failures"`
	Received     uint64    `json:"received"`
	JobRuns      uint64    `json:"job_runs"`
	JobFailures  uint64    `json:"job_failures"`
	CollectedAt  time.Time `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "protobus",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "protobus",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer uses prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:    registerer,
		sent:          newCounterVec("transport", "messages_sent_total", "Messages handed to a transport for delivery", []string{"protocol", "outcome"}),
		received:      newCounterVec("transport", "messages_received_total", "Messages delivered by a transport receive loop", []string{"protocol", "outcome"}),
		sendDuration:  newHistogramVec("transport", "send_duration_seconds", "Time spent publishing one message", prometheus.DefBuckets, []string{"protocol"}),
		stageDuration: newHistogramVec("bus", "stage_duration_seconds", "Time spent activating or deactivating one lifecycle stage", []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5, 10}, []string{"stage", "phase", "outcome"}),
		jobRuns:       newCounterVec("jobs", "runs_total", "Polling and scheduled job executions", []string{"job", "kind", "outcome"}),
		jobDuration:   newHistogramVec("jobs", "run_duration_seconds", "Duration of one job execution", prometheus.DefBuckets, []string{"job", "kind"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "protobus",
			Subsystem: "subscriptions",
			Name:      "current",
			Help:      "Subscriptions currently held by the registry",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.sent,
		m.received,
		m.sendDuration,
		m.stageDuration,
		m.jobRuns,
		m.jobDuration,
		m.subscriptions,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordSend records one publish attempt.
func (m *Metrics) RecordSend(protocol string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if err != nil {
		m.totals.SendFailures++
	} else {
		m.totals.Sent++
	}
	m.mu.Unlock()

	m.sent.WithLabelValues(protocol, outcome(err)).Inc()
	m.sendDuration.WithLabelValues(protocol).Observe(d.Seconds())
}

// RecordReceive records one message handed to the receiver.
func (m *Metrics) RecordReceive(protocol string, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.totals.Received++
	m.mu.Unlock()

	m.received.WithLabelValues(protocol, outcome(err)).Inc()
}

// RecordStage records how long a lifecycle stage took.
func (m *Metrics) RecordStage(stage, phase string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, phase, outcome(err)).Observe(d.Seconds())
}

// RecordJobRun records one job execution.
func (m *Metrics) RecordJobRun(job, kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.totals.JobRuns++
	if err != nil {
		m.totals.JobFailures++
	}
	m.mu.Unlock()

	m.jobRuns.WithLabelValues(job, kind, outcome(err)).Inc()
	m.jobDuration.WithLabelValues(job, kind).Observe(d.Seconds())
}

// SetSubscriptions publishes the registry size.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

// Totals returns a snapshot of the running counters.
func (m *Metrics) Totals() Totals {
	if m == nil {
		return Totals{CollectedAt: time.Now()}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.totals
	t.CollectedAt = time.Now()
	return t
}

// Reset clears all collectors (useful for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totals = Totals{}
	m.sent.Reset()
	m.received.Reset()
	m.sendDuration.Reset()
	m.stageDuration.Reset()
	m.jobRuns.Reset()
	m.jobDuration.Reset()
	m.subscriptions.Set(0)
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
