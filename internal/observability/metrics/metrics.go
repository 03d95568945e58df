package metrics

import "github.com/prometheus/client_golang/prometheus"

// RealtimeMetrics exposes counters/gauges for the realtime sync layer.
type RealtimeMetrics struct {
	eventsTotal       *prometheus.CounterVec
	parseFailures     prometheus.Counter
	transportSwitches *prometheus.CounterVec
	connectionState   prometheus.Gauge
}

func NewRealtimeMetrics(reg prometheus.Registerer) *RealtimeMetrics {
	m := &RealtimeMetrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "realtime",
			Name:      "events_received_total",
			Help:      "Total update events received, by transport and entity type",
		}, []string{"transport", "entity_type"}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "realtime",
			Name:      "parse_failures_total",
			Help:      "Total malformed frames dropped by the dispatcher",
		}),
		transportSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "realtime",
			Name:      "transport_switches_total",
			Help:      "Total transitions of the active transport",
		}, []string{"transport"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portal",
			Subsystem: "realtime",
			Name:      "connection_state",
			Help:      "Connection state (0 disconnected, 1 connecting, 2 connected)",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.eventsTotal, m.parseFailures, m.transportSwitches, m.connectionState)
	return m
}

func (m *RealtimeMetrics) ObserveEvent(transport, entityType string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(transport, entityType).Inc()
}

func (m *RealtimeMetrics) ObserveParseFailure() {
	if m == nil {
		return
	}
	m.parseFailures.Inc()
}

func (m *RealtimeMetrics) ObserveTransportSwitch(transport string) {
	if m == nil {
		return
	}
	m.transportSwitches.WithLabelValues(transport).Inc()
}

func (m *RealtimeMetrics) SetConnectionState(state float64) {
	if m == nil {
		return
	}
	m.connectionState.Set(state)
}

// OfflineMetrics exposes counters/histograms for the offline queue.
type OfflineMetrics struct {
	replaysTotal   *prometheus.CounterVec
	conflictsTotal *prometheus.CounterVec
	deadLetters    prometheus.Counter
	queueDepth     prometheus.Gauge
	replayLatency  prometheus.Histogram
}

func NewOfflineMetrics(reg prometheus.Registerer) *OfflineMetrics {
	m := &OfflineMetrics{
		replaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "offline",
			Name:      "replays_total",
			Help:      "Total replay attempts, by outcome",
		}, []string{"outcome"}),
		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "offline",
			Name:      "conflicts_total",
			Help:      "Total conflicts resolved, by strategy",
		}, []string{"strategy"}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "offline",
			Name:      "dead_letters_total",
			Help:      "Total actions moved to the dead-letter list",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portal",
			Subsystem: "offline",
			Name:      "queue_depth",
			Help:      "Actions currently waiting for replay",
		}),
		replayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "portal",
			Subsystem: "offline",
			Name:      "replay_latency_seconds",
			Help:      "Latency of a full replay pass",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.replaysTotal, m.conflictsTotal, m.deadLetters, m.queueDepth, m.replayLatency)
	return m
}

func (m *OfflineMetrics) ObserveReplay(outcome string) {
	if m == nil {
		return
	}
	m.replaysTotal.WithLabelValues(outcome).Inc()
}

func (m *OfflineMetrics) ObserveConflictResolved(strategy string) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(strategy).Inc()
}

func (m *OfflineMetrics) ObserveDeadLetter() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

func (m *OfflineMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *OfflineMetrics) ObserveReplayLatency(seconds float64) {
	if m == nil {
		return
	}
	m.replayLatency.Observe(seconds)
}
