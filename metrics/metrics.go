// Package metrics exposes Prometheus collectors reporting orchestrator
// activity. A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "planmesh"

// Collector bundles the execution, step and event bus metrics.
type Collector struct {
	executionsStarted  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	activeExecutions   prometheus.Gauge
	steps              *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	eventsDropped      *prometheus.CounterVec
}

// New constructs a Collector and registers it with reg (the default
// registerer when nil). Collectors already registered under the same names
// are reused, so building several managers in one process is safe.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		executionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Executions accepted by the manager.",
		}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal status.",
		}, []string{"strategy", "status"}),
		activeExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_executions",
			Help:      "Executions currently registered.",
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Plan steps by final status.",
		}, []string{"strategy", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of plan step execution including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events discarded because a consumer fell behind.",
		}, []string{"type"}),
	}

	var err error
	if c.executionsStarted, err = register(reg, c.executionsStarted); err != nil {
		return nil, err
	}
	if c.executionsFinished, err = register(reg, c.executionsFinished); err != nil {
		return nil, err
	}
	if c.activeExecutions, err = register(reg, c.activeExecutions); err != nil {
		return nil, err
	}
	if c.steps, err = register(reg, c.steps); err != nil {
		return nil, err
	}
	if c.stepDuration, err = register(reg, c.stepDuration); err != nil {
		return nil, err
	}
	if c.eventsDropped, err = register(reg, c.eventsDropped); err != nil {
		return nil, err
	}

	return c, nil
}

// MustNew is like New but panics on registration errors.
func MustNew(reg prometheus.Registerer) *Collector {
	c, err := New(reg)
	if err != nil {
		panic(err)
	}
	return c
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// ExecutionStarted records an accepted dispatch.
func (c *Collector) ExecutionStarted() {
	if c == nil {
		return
	}
	c.executionsStarted.Inc()
	c.activeExecutions.Inc()
}

// ExecutionFinished records a terminal transition.
func (c *Collector) ExecutionFinished(strategy, status string) {
	if c == nil {
		return
	}
	c.executionsFinished.WithLabelValues(strategy, status).Inc()
}

// ExecutionEvicted decrements the active gauge once the registry entry is gone.
func (c *Collector) ExecutionEvicted() {
	if c == nil {
		return
	}
	c.activeExecutions.Dec()
}

// ObserveStep records a finished step.
func (c *Collector) ObserveStep(strategy, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.steps.WithLabelValues(strategy, status).Inc()
	c.stepDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// EventDropped records an overflow drop.
func (c *Collector) EventDropped(eventType string) {
	if c == nil {
		return
	}
	c.eventsDropped.WithLabelValues(eventType).Inc()
}
