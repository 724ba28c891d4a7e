package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Inbound payload schemas. Decoded by the dispatcher; a decode failure is a
// MalformedMessage (dropped, connection kept).
// ---------------------------------------------------------------------------

type RegisterRequest struct {
	ParticipantID string         `json:"participant_id,omitempty"`
	Globals       map[string]any `json:"globals,omitempty"`
}

type ScreeningRequest struct {
	SessionID string           `json:"session_id"`
	Context   ScreeningContext `json:"context"`
}

// ScreeningContext carries what the client measured about itself at entry.
type ScreeningContext struct {
	Browser  string         `json:"browser,omitempty"`
	IsMobile bool           `json:"is_mobile,omitempty"`
	PingMS   int            `json:"ping_ms,omitempty"`
	Callback map[string]any `json:"callback,omitempty"`
}

type AdvanceRequest struct {
	SessionID  string `json:"session_id"`
	SceneIndex int    `json:"scene_index,omitempty"`
}

type SyncGlobalsRequest struct {
	SessionID string         `json:"session_id"`
	Globals   map[string]any `json:"globals"`
}

type StaticSceneDataRequest struct {
	SessionID string         `json:"session_id"`
	SceneID   string         `json:"scene_id"`
	Elements  map[string]any `json:"elements"`
}

type EnqueueRequest struct {
	SessionID  string         `json:"session_id"`
	SceneID    string         `json:"scene_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type LeaveWaitroomRequest struct {
	SessionID string `json:"session_id"`
	SceneID   string `json:"scene_id"`
}

type ProbeReadyRequest struct {
	SessionID string    `json:"session_id"`
	ProbeID   uuid.UUID `json:"probe_id"`
}

type ProbeResultRequest struct {
	SessionID string    `json:"session_id"`
	ProbeID   uuid.UUID `json:"probe_id"`
	RTTMS     int       `json:"rtt_ms"`
	Failed    bool      `json:"failed,omitempty"`
}

type ActionRequest struct {
	SessionID string          `json:"session_id"`
	GameID    uuid.UUID       `json:"game_id"`
	PlayerIdx int             `json:"player_idx"`
	TickNum   uint64          `json:"tick_num"`
	Action    json.RawMessage `json:"action"`
	// EpisodeDone reports the episode boundary in peer-authoritative scenes.
	// Deterministic peers agree, so the first report wins.
	EpisodeDone bool `json:"episode_done,omitempty"`
}

type StateHashSampleRequest struct {
	SessionID string    `json:"session_id"`
	GameID    uuid.UUID `json:"game_id"`
	PlayerIdx int       `json:"player_idx"`
	TickNum   uint64    `json:"tick_num"`
	Hash      string    `json:"hash"`
}

type ResetCompleteRequest struct {
	SessionID string    `json:"session_id"`
	GameID    uuid.UUID `json:"game_id"`
}

type SignalingRequest struct {
	SessionID string          `json:"session_id"`
	GameID    uuid.UUID       `json:"game_id"`
	Blob      json.RawMessage `json:"blob"`
}

type SelfExcludeRequest struct {
	SessionID string    `json:"session_id"`
	GameID    uuid.UUID `json:"game_id"`
	Reason    string    `json:"reason"`
}

type ResyncStateRequest struct {
	SessionID string          `json:"session_id"`
	GameID    uuid.UUID       `json:"game_id"`
	TickNum   uint64          `json:"tick_num"`
	State     json.RawMessage `json:"state"`
}

type PingRequest struct {
	SessionID string `json:"session_id,omitempty"`
	SentAt    int64  `json:"sent_at"`
	InFocus   *bool  `json:"in_focus,omitempty"`
}

// ---------------------------------------------------------------------------
// Outbound payload schemas.
// ---------------------------------------------------------------------------

type SessionRestoredPayload struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	SceneIndex    int    `json:"scene_index"`
	SceneID       string `json:"scene_id,omitempty"`
	Restored      bool   `json:"restored"`
}

type ExperimentConfigPayload struct {
	SessionID     string         `json:"session_id"`
	ParticipantID string         `json:"participant_id"`
	Screening     map[string]any `json:"screening,omitempty"`
	Runtime       map[string]any `json:"runtime,omitempty"`
	ICEServers    []ICEServer    `json:"ice_servers,omitempty"`
	Admitted      *bool          `json:"admitted,omitempty"`
	DenyReason    string         `json:"deny_reason,omitempty"`
}

// ICEServer is handed to peers verbatim for direct channel setup.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ActivateScenePayload struct {
	SceneID    string         `json:"scene_id"`
	SceneIndex int            `json:"scene_index"`
	Kind       string         `json:"kind"`
	Content    map[string]any `json:"content,omitempty"`
}

type TerminateScenePayload struct {
	SceneID  string `json:"scene_id"`
	Reason   string `json:"reason,omitempty"`
	Redirect string `json:"redirect,omitempty"`
}

type WaitingRoomStatusPayload struct {
	SceneID      string `json:"scene_id"`
	WaitingCount int    `json:"waiting_count"`
	GroupSize    int    `json:"group_size"`
	ElapsedSec   int    `json:"elapsed_sec"`
}

type MatchCountdownPayload struct {
	SceneID string `json:"scene_id"`
	Seconds int    `json:"seconds"`
}

type ProbePreparePayload struct {
	ProbeID    uuid.UUID   `json:"probe_id"`
	SceneID    string      `json:"scene_id"`
	Initiator  bool        `json:"initiator"`
	ICEServers []ICEServer `json:"ice_servers,omitempty"`
}

type ProbeStartPayload struct {
	ProbeID uuid.UUID `json:"probe_id"`
	Rounds  int       `json:"rounds"`
}

type PlayerAssignedPayload struct {
	GameID              uuid.UUID `json:"game_id"`
	SceneID             string    `json:"scene_id"`
	PlayerIndex         int       `json:"player_index"`
	Seed                uint64    `json:"seed"`
	ExpectedPlayerCount int       `json:"expected_player_count"`
}

type TickBroadcastPayload struct {
	GameID        uuid.UUID               `json:"game_id"`
	TickNum       uint64                  `json:"tick_num"`
	Actions       map[int]json.RawMessage `json:"actions,omitempty"`
	HashRequested bool                    `json:"hash_requested,omitempty"`
}

type AuthoritativeStatePayload struct {
	GameID  uuid.UUID       `json:"game_id"`
	TickNum uint64          `json:"tick_num"`
	State   json.RawMessage `json:"state"`
}

type ResetGamePayload struct {
	GameID    uuid.UUID `json:"game_id"`
	Episode   int       `json:"episode"`
	FreezeSec int       `json:"freeze_sec"`
}

type EndGamePayload struct {
	GameID  uuid.UUID `json:"game_id"`
	SceneID string    `json:"scene_id"`
	Reason  string    `json:"reason"`
	Partial bool      `json:"partial"`
}

type PartnerExcludedPayload struct {
	GameID  uuid.UUID `json:"game_id"`
	Message string    `json:"message"`
}

type RelayedSignalingPayload struct {
	GameID    uuid.UUID       `json:"game_id"`
	SenderIdx int             `json:"sender_idx"`
	Blob      json.RawMessage `json:"blob"`
}

type RelayedActionPayload struct {
	GameID    uuid.UUID       `json:"game_id"`
	PlayerIdx int             `json:"player_idx"`
	TickNum   uint64          `json:"tick_num"`
	Action    json.RawMessage `json:"action"`
}

type ResyncRequestPayload struct {
	GameID  uuid.UUID `json:"game_id"`
	TickNum uint64    `json:"tick_num"`
}

type DuplicateSessionPayload struct {
	ParticipantID string `json:"participant_id"`
	Message       string `json:"message"`
}

type InvalidSessionPayload struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type PongPayload struct {
	SentAt   int64 `json:"sent_at"`
	ServerAt int64 `json:"server_at"`
}
