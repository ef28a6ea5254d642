// Package metrics holds the Prometheus collectors for the dispatch runtime.
//
// All recording methods are safe to call on a nil *Metrics, so subsystems
// can be constructed without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "modframe"

// Metrics is the set of collectors shared by the runner, input, event and
// plugin subsystems.
type Metrics struct {
	runnerCycles         prometheus.Counter
	runnerCycleDuration  prometheus.Histogram
	runnerMissedDeadline prometheus.Counter

	handlerPanics *prometheus.CounterVec
	eventCalls    *prometheus.CounterVec
	inputEvents   *prometheus.CounterVec

	asyncEnqueued prometheus.Counter
	asyncDropped  prometheus.Counter

	pluginTransitions *prometheus.CounterVec

	bridgeMessages *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runnerCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "cycles_total",
			Help:      "Total number of completed runner cycles",
		}),
		runnerCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "cycle_duration_seconds",
			Help:      "Time spent invoking runner handlers per cycle",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .016, .033, .05, .1, .5, 1},
		}),
		runnerMissedDeadline: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "missed_deadlines_total",
			Help:      "Cycles that overran the configured tick interval",
		}),
		handlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Recovered handler panics by subsystem",
		}, []string{"subsystem"}),
		eventCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "event",
			Name:      "calls_total",
			Help:      "Event channel calls by channel",
		}, []string{"channel"}),
		inputEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "input",
			Name:      "events_total",
			Help:      "Input events dispatched by channel",
		}, []string{"channel"}),
		asyncEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "input",
			Name:      "async_enqueued_total",
			Help:      "Async input deliveries accepted by the worker pool",
		}),
		asyncDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "input",
			Name:      "async_dropped_total",
			Help:      "Async input deliveries dropped because the queue was full",
		}),
		pluginTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "transitions_total",
			Help:      "Plugin lifecycle transitions by resulting state",
		}, []string{"state"}),
		bridgeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "messages_total",
			Help:      "Bridged messages by direction and result",
		}, []string{"direction", "result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.runnerCycles,
			m.runnerCycleDuration,
			m.runnerMissedDeadline,
			m.handlerPanics,
			m.eventCalls,
			m.inputEvents,
			m.asyncEnqueued,
			m.asyncDropped,
			m.pluginTransitions,
			m.bridgeMessages,
		)
	}
	return m
}

// ObserveCycle records one runner cycle.
func (m *Metrics) ObserveCycle(d time.Duration, missed bool) {
	if m == nil {
		return
	}
	m.runnerCycles.Inc()
	m.runnerCycleDuration.Observe(d.Seconds())
	if missed {
		m.runnerMissedDeadline.Inc()
	}
}

// HandlerPanic records a recovered panic.
func (m *Metrics) HandlerPanic(subsystem string) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(subsystem).Inc()
}

// EventCall records a call on an event channel.
func (m *Metrics) EventCall(channel string) {
	if m == nil {
		return
	}
	m.eventCalls.WithLabelValues(channel).Inc()
}

// InputEvent records a dispatched input event.
func (m *Metrics) InputEvent(channel string) {
	if m == nil {
		return
	}
	m.inputEvents.WithLabelValues(channel).Inc()
}

// AsyncEnqueued records an accepted async delivery.
func (m *Metrics) AsyncEnqueued() {
	if m == nil {
		return
	}
	m.asyncEnqueued.Inc()
}

// AsyncDropped records a dropped async delivery.
func (m *Metrics) AsyncDropped() {
	if m == nil {
		return
	}
	m.asyncDropped.Inc()
}

// PluginTransition records a plugin entering state.
func (m *Metrics) PluginTransition(state string) {
	if m == nil {
		return
	}
	m.pluginTransitions.WithLabelValues(state).Inc()
}

// BridgeMessage records a message crossing the bridge. direction is
// "out" or "in"; result is "ok" or "error".
func (m *Metrics) BridgeMessage(direction, result string) {
	if m == nil {
		return
	}
	m.bridgeMessages.WithLabelValues(direction, result).Inc()
}

// Timer measures elapsed time from its creation.
type Timer struct {
	start time.Time
}

// StartTimer starts a new timer.
func StartTimer() Timer {
	return Timer{start: time.Now()}
}

// Elapsed returns the time since the timer started.
func (t Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
