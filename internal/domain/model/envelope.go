package model

import (
	"encoding/json"
	"time"
)

// Op identifies a typed message on the wire. The core is agnostic to the
// framing; it only sees (connectionID, Envelope) pairs.
type Op string

// Inbound opcodes.
const (
	OpRegister        Op = "register"
	OpSubmitScreening Op = "submit_screening"
	OpAdvance         Op = "advance"
	OpSyncGlobals     Op = "sync_globals"
	OpStaticSceneData Op = "static_scene_data"
	OpEnqueueForScene Op = "enqueue_for_scene"
	OpLeaveWaitroom   Op = "leave_waitroom"
	OpProbeReady      Op = "probe_ready"
	OpProbeResult     Op = "probe_result"
	OpAction          Op = "action"
	OpStateHashSample Op = "state_hash_sample"
	OpResetComplete   Op = "reset_complete"
	OpSignaling       Op = "signaling"
	OpSelfExclude     Op = "self_exclude"
	OpResyncState     Op = "resync_state"
	OpPing            Op = "ping"
)

// Outbound opcodes.
const (
	OpSessionRestored    Op = "session_restored"
	OpExperimentConfig   Op = "experiment_config"
	OpActivateScene      Op = "activate_scene"
	OpTerminateScene     Op = "terminate_scene"
	OpWaitingRoomStatus  Op = "waiting_room_status"
	OpMatchCountdown     Op = "match_countdown"
	OpProbePrepare       Op = "probe_prepare"
	OpProbeStart         Op = "probe_start"
	OpPlayerAssigned     Op = "player_assigned"
	OpTickBroadcast      Op = "tick_broadcast"
	OpAuthoritativeState Op = "authoritative_state"
	OpResetGame          Op = "reset_game"
	OpEndGame            Op = "end_game"
	OpPartnerExcluded    Op = "partner_excluded"
	OpResyncRequest      Op = "resync_request"
	OpDuplicateSession   Op = "duplicate_session"
	OpInvalidSession     Op = "invalid_session"
	OpPong               Op = "pong"
)

// Envelope is the single wire shape for both directions: a string opcode
// plus an opaque structured payload.
type Envelope struct {
	Op      Op              `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Priority int32

const (
	PriorityLow    Priority = 10
	PriorityNormal Priority = 20
	PriorityHigh   Priority = 30
)

// Outbound is a server-to-client message queued on a connector mailbox.
// The wire form is marshaled once per message and cached, so fanning the
// same event out to a whole group costs a single encode.
type Outbound struct {
	Op         Op
	Payload    any
	Priority   Priority
	OccurredAt int64

	cached []byte
}

func NewOutbound(op Op, payload any) *Outbound {
	return &Outbound{
		Op:         op,
		Payload:    payload,
		Priority:   PriorityNormal,
		OccurredAt: time.Now().UnixMilli(),
	}
}

func NewOutboundPriority(op Op, payload any, p Priority) *Outbound {
	ev := NewOutbound(op, payload)
	ev.Priority = p
	return ev
}

// WireBytes marshals the envelope, caching the result for repeated sends.
func (o *Outbound) WireBytes() ([]byte, error) {
	if o.cached != nil {
		return o.cached, nil
	}
	raw, err := json.Marshal(o.Payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(Envelope{Op: o.Op, Payload: raw})
	if err != nil {
		return nil, err
	}
	o.cached = data
	return data, nil
}
