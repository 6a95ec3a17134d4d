package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the synchronization engine. A nil
// *Metrics is valid and records nothing, so components can be tested bare.
type Metrics struct {
	stateTransitions   *prometheus.CounterVec
	reconnectAttempts  prometheus.Counter
	mutationsProposed  prometheus.Counter
	mutationsFinalized *prometheus.CounterVec
	conflictsDetected  prometheus.Counter
	conflictsResolved  *prometheus.CounterVec
	framesDropped      *prometheus.CounterVec
	activeParticipants prometheus.Gauge
}

// NewMetrics registers the engine's collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huc_connection_state_transitions_total",
			Help: "Connection state transitions by new state and reason.",
		}, []string{"state", "reason"}),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "huc_reconnect_attempts_total",
			Help: "Reconnection attempts made after a connection loss.",
		}),
		mutationsProposed: factory.NewCounter(prometheus.CounterOpts{
			Name: "huc_mutations_proposed_total",
			Help: "Locally proposed mutations.",
		}),
		mutationsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huc_mutations_finalized_total",
			Help: "Mutations reaching a terminal status.",
		}, []string{"status"}),
		conflictsDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "huc_conflicts_detected_total",
			Help: "Conflicts raised for user resolution.",
		}),
		conflictsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huc_conflicts_resolved_total",
			Help: "Conflicts resolved by user choice.",
		}, []string{"choice"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huc_frames_dropped_total",
			Help: "Inbound frames dropped by the router.",
		}, []string{"kind"}),
		activeParticipants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huc_active_participants",
			Help: "Participants currently in the presence roster.",
		}),
	}
}

func (m *Metrics) RecordStateTransition(state ConnectionState, reason TransitionReason) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(state.String(), string(reason)).Inc()
}

func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) RecordMutationProposed() {
	if m == nil {
		return
	}
	m.mutationsProposed.Inc()
}

func (m *Metrics) RecordMutationFinalized(status MutationStatus) {
	if m == nil {
		return
	}
	m.mutationsFinalized.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) RecordConflictDetected() {
	if m == nil {
		return
	}
	m.conflictsDetected.Inc()
}

func (m *Metrics) RecordConflictResolved(choice ConflictChoice) {
	if m == nil {
		return
	}
	m.conflictsResolved.WithLabelValues(string(choice)).Inc()
}

func (m *Metrics) RecordFrameDropped(kind RouterEventKind) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) SetActiveParticipants(count int) {
	if m == nil {
		return
	}
	m.activeParticipants.Set(float64(count))
}
