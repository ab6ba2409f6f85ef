package model

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Meter accumulates token usage process-wide.
//
// Every successful call's usage is added here by the Adapter and also
// returned to the caller, so the stage runtime can fold the same numbers
// into the run state. The meter is shared by all runs in the process.
type Meter struct {
	mu     sync.Mutex
	input  int64
	output int64
	calls  int64

	tokensTotal *prometheus.CounterVec
	callsTotal  prometheus.Counter
}

// NewMeter creates a Meter. When reg is non-nil the counters are registered
// with Prometheus under the agentflow_model namespace.
func NewMeter(reg prometheus.Registerer) *Meter {
	m := &Meter{}
	if reg != nil {
		m.tokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentflow",
			Subsystem: "model",
			Name:      "tokens_total",
			Help:      "Cumulative tokens consumed by model calls.",
		}, []string{"direction"})
		m.callsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentflow",
			Subsystem: "model",
			Name:      "calls_total",
			Help:      "Cumulative successful model calls.",
		})
		reg.MustRegister(m.tokensTotal, m.callsTotal)
	}
	return m
}

// Record adds one call's usage to the process totals.
func (m *Meter) Record(u Usage) {
	m.mu.Lock()
	m.input += int64(u.Input)
	m.output += int64(u.Output)
	m.calls++
	m.mu.Unlock()

	if m.tokensTotal != nil {
		m.tokensTotal.WithLabelValues("input").Add(float64(u.Input))
		m.tokensTotal.WithLabelValues("output").Add(float64(u.Output))
	}
	if m.callsTotal != nil {
		m.callsTotal.Inc()
	}
}

// Totals returns the accumulated usage and call count.
func (m *Meter) Totals() (Usage, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Usage{Input: int(m.input), Output: int(m.output)}, m.calls
}
