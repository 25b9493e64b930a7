package metrics

import (
	"time"
)

// BridgeMetrics holds the irbridge metrics.
type BridgeMetrics struct {
	registry *Registry
	started  time.Time

	// Counters
	EventsTotal          *Counter
	UnknownKeycodesTotal *Counter
	AcceptedTotal        *Counter
	SuppressedTotal      *Counter
	RepeatsTotal         *Counter
	StaleTicksTotal      *Counter
	ActivationsTotal     *Counter
	DeactivationsTotal   *Counter
	DispatchedTotal      *Counter
	UnhandledTotal       *Counter
	ResetsTotal          *Counter
	SourceRestartsTotal  *Counter

	// Gauges
	RepeatIntervalMs *Gauge
	SourcesUp        *Gauge
	UptimeSeconds    *Gauge
}

// NewBridgeMetrics creates and registers all irbridge metrics.
func NewBridgeMetrics(registry *Registry) *BridgeMetrics {
	if registry == nil {
		registry = NewRegistry("irbridge")
	}

	return &BridgeMetrics{
		registry: registry,
		started:  time.Now(),

		EventsTotal: registry.RegisterCounter(
			"input_events_total",
			"Hardware button events received",
			nil,
		),
		UnknownKeycodesTotal: registry.RegisterCounter(
			"unknown_keycodes_total",
			"Hardware events whose keycode no remote profile binds",
			nil,
		),
		AcceptedTotal: registry.RegisterCounter(
			"presses_accepted_total",
			"Genuine presses accepted by the repeat normalizer",
			nil,
		),
		SuppressedTotal: registry.RegisterCounter(
			"presses_suppressed_total",
			"Genuine presses suppressed inside the repeat window",
			nil,
		),
		RepeatsTotal: registry.RegisterCounter(
			"synthetic_repeats_total",
			"Synthetic repeats dispatched while a button was held",
			nil,
		),
		StaleTicksTotal: registry.RegisterCounter(
			"stale_ticks_total",
			"Repeat timer firings dropped as stale or duplicate",
			nil,
		),
		ActivationsTotal: registry.RegisterCounter(
			"secret_code_activations_total",
			"Secret code activations",
			nil,
		),
		DeactivationsTotal: registry.RegisterCounter(
			"secret_code_deactivations_total",
			"Secret code deactivations by escape or timeout",
			nil,
		),
		DispatchedTotal: registry.RegisterCounter(
			"dispatched_total",
			"Commands and signals delivered to at least one handler",
			nil,
		),
		UnhandledTotal: registry.RegisterCounter(
			"unhandled_total",
			"Commands dropped because no handler is bound",
			nil,
		),
		ResetsTotal: registry.RegisterCounter(
			"core_resets_total",
			"Core state resets after an input source restart",
			nil,
		),
		SourceRestartsTotal: registry.RegisterCounter(
			"source_restarts_total",
			"Input source restarts after a device was lost",
			nil,
		),

		RepeatIntervalMs: registry.RegisterGauge(
			"repeat_interval_milliseconds",
			"Current synthetic repeat interval",
			nil,
		),
		SourcesUp: registry.RegisterGauge(
			"sources_up",
			"Input sources currently open",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),
	}
}

// Registry returns the underlying registry.
func (m *BridgeMetrics) Registry() *Registry {
	return m.registry
}

// HandlerErrors returns the error counter for a dispatch handler.
func (m *BridgeMetrics) HandlerErrors(handler string) *Counter {
	return m.registry.RegisterCounter(
		"handler_errors_total",
		"Downstream calls that failed",
		Labels{"handler": handler},
	)
}

// HandlerDropped returns the counter of events a handler's full queue dropped.
func (m *BridgeMetrics) HandlerDropped(handler string) *Counter {
	return m.registry.RegisterCounter(
		"handler_dropped_total",
		"Events dropped because the handler queue was full",
		Labels{"handler": handler},
	)
}

// HandlerDuration returns the latency histogram for a dispatch handler.
func (m *BridgeMetrics) HandlerDuration(handler string) *Histogram {
	return m.registry.RegisterHistogram(
		"handler_duration_seconds",
		"Duration of downstream calls in seconds",
		Labels{"handler": handler},
		DurationBuckets,
	)
}

// UpdateUptime updates the uptime metric.
func (m *BridgeMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}

// Snapshot returns the headline counters, for the periodic status log line.
func (m *BridgeMetrics) Snapshot() map[string]any {
	m.UpdateUptime()
	return map[string]any{
		"events":      m.EventsTotal.Value(),
		"accepted":    m.AcceptedTotal.Value(),
		"suppressed":  m.SuppressedTotal.Value(),
		"repeats":     m.RepeatsTotal.Value(),
		"activations": m.ActivationsTotal.Value(),
		"unhandled":   m.UnhandledTotal.Value(),
		"unknown":     m.UnknownKeycodesTotal.Value(),
		"uptime_s":    m.UptimeSeconds.Value(),
	}
}
