package model

import "fmt"

// SceneKind selects the orchestrator activation path.
type SceneKind string

const (
	SceneStatic   SceneKind = "static"
	SceneGym      SceneKind = "gym"
	SceneExternal SceneKind = "external"
)

// PeerMode selects the coordination model for gym scenes.
type PeerMode string

const (
	PeerModeNone       PeerMode = "none"
	PeerModePeerAuth   PeerMode = "peer-authoritative"
	PeerModeServerAuth PeerMode = "server-authoritative"
)

// ActionPopulationPolicy decides what the tick loop does about a member
// whose action has not arrived by the tick boundary.
type ActionPopulationPolicy string

const (
	PopulateDefault  ActionPopulationPolicy = "default"
	PopulatePrevious ActionPopulationPolicy = "previous"
	PopulateBlock    ActionPopulationPolicy = "block"
)

// ScreeningRules are the experiment-entry admission checks.
type ScreeningRules struct {
	AllowMobile bool   `mapstructure:"allow_mobile" json:"allow_mobile"`
	MaxPingMS   int    `mapstructure:"max_ping_ms" json:"max_ping_ms"`
	CallbackID  string `mapstructure:"callback_id" json:"callback_id,omitempty"`
}

// DataCollection names which client elements/events are persisted.
type DataCollection struct {
	Elements []string `mapstructure:"elements" json:"elements,omitempty"`
	Events   []string `mapstructure:"events" json:"events,omitempty"`
}

// SceneSpec is one stage of the researcher-defined scene graph. Specs are
// validated at experiment registration and immutable afterwards; sessions
// hold a cloned slice of them.
type SceneSpec struct {
	SceneID             string                 `mapstructure:"scene_id" json:"scene_id"`
	Kind                SceneKind              `mapstructure:"kind" json:"kind"`
	GroupSize           int                    `mapstructure:"group_size" json:"group_size"`
	Matcher             string                 `mapstructure:"matcher" json:"matcher,omitempty"`
	WaitroomMaxWait     int                    `mapstructure:"waitroom_max_wait" json:"waitroom_max_wait"`
	CountdownSeconds    int                    `mapstructure:"countdown_seconds" json:"countdown_seconds"`
	TickRate            int                    `mapstructure:"tick_rate" json:"tick_rate"`
	Episodes            int                    `mapstructure:"episodes" json:"episodes"`
	ResetFreezeSec      int                    `mapstructure:"reset_freeze_sec" json:"reset_freeze_sec"`
	ActionPopulation    ActionPopulationPolicy `mapstructure:"action_population_policy" json:"action_population_policy"`
	PeerMode            PeerMode               `mapstructure:"peer_mode" json:"peer_mode"`
	HashSamplingEvery   int                    `mapstructure:"hash_sampling_every" json:"hash_sampling_every"`
	AuthoritativeResync bool                   `mapstructure:"authoritative_resync" json:"authoritative_resync"`
	ProbeRequired       bool                   `mapstructure:"probe_required" json:"probe_required"`
	MaxServerRTT        int                    `mapstructure:"max_server_rtt" json:"max_server_rtt"`
	MaxPeerRTT          int                    `mapstructure:"max_peer_rtt" json:"max_peer_rtt"`
	GraceSeconds        int                    `mapstructure:"grace_seconds" json:"grace_seconds"`
	Screening           ScreeningRules         `mapstructure:"screening" json:"screening"`
	DataCollection      DataCollection         `mapstructure:"data_collection" json:"data_collection"`
	Content             map[string]any         `mapstructure:"content" json:"content,omitempty"`
}

// Defaults from the concurrency/timeout table, applied at config load.
const (
	DefaultWaitroomMaxWait   = 120
	DefaultCountdownSeconds  = 3
	DefaultResetAckTimeout   = 10
	DefaultProbeTimeout      = 5
	DefaultGraceSeconds      = 15
	DefaultGameGraceSeconds  = 30
	DefaultHashSamplingEvery = 30
	DefaultTickRate          = 30
)

// Validate rejects specs the core cannot honor. Probing only supports
// pairwise measurement, so larger groups must opt out.
func (s *SceneSpec) Validate() error {
	if s.SceneID == "" {
		return fmt.Errorf("scene spec: missing scene_id")
	}
	switch s.Kind {
	case SceneStatic, SceneExternal:
	case SceneGym:
		if s.GroupSize < 1 {
			return fmt.Errorf("scene %s: gym scenes need group_size >= 1", s.SceneID)
		}
		if s.ProbeRequired && s.GroupSize != 2 {
			return fmt.Errorf("scene %s: probe_required only supported for group_size == 2", s.SceneID)
		}
	default:
		return fmt.Errorf("scene %s: unknown kind %q", s.SceneID, s.Kind)
	}
	return nil
}

// ApplyDefaults fills unset options with the documented defaults.
func (s *SceneSpec) ApplyDefaults() {
	if s.WaitroomMaxWait == 0 {
		s.WaitroomMaxWait = DefaultWaitroomMaxWait
	}
	if s.CountdownSeconds == 0 {
		s.CountdownSeconds = DefaultCountdownSeconds
	}
	if s.TickRate == 0 {
		s.TickRate = DefaultTickRate
	}
	if s.Episodes == 0 {
		s.Episodes = 1
	}
	if s.HashSamplingEvery == 0 {
		s.HashSamplingEvery = DefaultHashSamplingEvery
	}
	if s.ActionPopulation == "" {
		s.ActionPopulation = PopulatePrevious
	}
	if s.PeerMode == "" {
		s.PeerMode = PeerModeNone
	}
	if s.GraceSeconds == 0 {
		if s.Kind == SceneGym {
			s.GraceSeconds = DefaultGameGraceSeconds
		} else {
			s.GraceSeconds = DefaultGraceSeconds
		}
	}
}
