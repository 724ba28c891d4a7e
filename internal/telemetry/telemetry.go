package telemetry

import (
	"log/slog"
	"time"
)

// Kind enumerates the structured telemetry event families.
type Kind string

const (
	KindConnectionOpened Kind = "connection_opened"
	KindConnectionClosed Kind = "connection_closed"
	KindStateTransition  Kind = "state_transition"
	KindMatchDecision    Kind = "match_decision"
	KindProbeResult      Kind = "probe_result"
	KindGameCreated      Kind = "game_created"
	KindGameTerminated   Kind = "game_terminated"
	KindDesyncDetected   Kind = "desync_detected"
	KindExclusion        Kind = "exclusion"
	KindMalformed        Kind = "malformed_message"
	KindInvalidSession   Kind = "invalid_session"
	KindAdmissionDenied  Kind = "admission_denied"
	KindDuplicateSession Kind = "duplicate_session"
	KindActionDeadline   Kind = "action_deadline"
	KindSinkBackpressure Kind = "sink_backpressure"
	KindInternalPanic    Kind = "internal_panic"
)

// Event is one structured telemetry record. Optional correlation IDs stay
// empty when they do not apply.
type Event struct {
	Timestamp     time.Time      `json:"ts"`
	Kind          Kind           `json:"kind"`
	ParticipantID string         `json:"participant_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	GameID        string         `json:"game_id,omitempty"`
	SceneID       string         `json:"scene_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Emitter is the fire-and-forget telemetry sink used across the core.
// Emit never blocks the caller on I/O.
type Emitter interface {
	Emit(ev Event)
}

// logEmitter writes events through slog and forwards them to the bus for
// any configured external sink.
type logEmitter struct {
	logger *slog.Logger
	bus    *Bus // may be nil when no forwarder is configured
}

func NewEmitter(logger *slog.Logger, bus *Bus) Emitter {
	return &logEmitter{logger: logger, bus: bus}
}

func (e *logEmitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	attrs := []any{"kind", ev.Kind}
	if ev.ParticipantID != "" {
		attrs = append(attrs, "participant_id", ev.ParticipantID)
	}
	if ev.SessionID != "" {
		attrs = append(attrs, "session_id", ev.SessionID)
	}
	if ev.GameID != "" {
		attrs = append(attrs, "game_id", ev.GameID)
	}
	if ev.SceneID != "" {
		attrs = append(attrs, "scene_id", ev.SceneID)
	}
	if len(ev.Details) > 0 {
		attrs = append(attrs, "details", ev.Details)
	}
	e.logger.Info("telemetry", attrs...)

	if e.bus != nil {
		e.bus.Forward(ev)
	}
}

// Nop discards all events; used in tests.
type Nop struct{}

func (Nop) Emit(Event) {}
