package model

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// SessionMetadata accumulates audit facts about one participant's run.
type SessionMetadata struct {
	StartedAt         time.Time        `json:"started_at"`
	ScreeningResult   *ScreeningResult `json:"screening_result,omitempty"`
	Assignments       []AssignmentLog  `json:"assignments,omitempty"`
	Partial           bool             `json:"partial"`
	TerminationReason string           `json:"termination_reason,omitempty"`
}

type ScreeningResult struct {
	Admitted bool   `json:"admitted"`
	Reason   string `json:"reason,omitempty"`
}

// AssignmentLog records one game assignment for the audit trail.
type AssignmentLog struct {
	GameID      string    `json:"game_id"`
	SceneID     string    `json:"scene_id"`
	PlayerIndex int       `json:"player_index"`
	AssignedAt  time.Time `json:"assigned_at"`
}

// Session is the per-participant experiment state. The sessionID is the
// client-facing token; the participantID never goes over the wire except
// inside register/restore payloads.
type Session struct {
	ID            string
	ParticipantID string
	SceneGraph    []SceneSpec
	SceneIndex    int
	SceneState    map[string]any
	Metadata      SessionMetadata
	Ended         bool
}

// NewSessionID returns a 16-byte random token, base64url without padding.
func NewSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func NewSession(participantID string, graph []SceneSpec) *Session {
	cloned := make([]SceneSpec, len(graph))
	copy(cloned, graph)
	return &Session{
		ID:            NewSessionID(),
		ParticipantID: participantID,
		SceneGraph:    cloned,
		SceneState:    make(map[string]any),
		Metadata:      SessionMetadata{StartedAt: time.Now()},
	}
}

// CurrentScene returns the active scene spec, or nil past the end.
func (s *Session) CurrentScene() *SceneSpec {
	if s.SceneIndex < 0 || s.SceneIndex >= len(s.SceneGraph) {
		return nil
	}
	return &s.SceneGraph[s.SceneIndex]
}

// SceneByID finds a scene in this session's graph.
func (s *Session) SceneByID(sceneID string) *SceneSpec {
	for i := range s.SceneGraph {
		if s.SceneGraph[i].SceneID == sceneID {
			return &s.SceneGraph[i]
		}
	}
	return nil
}

func (s *Session) OnFinalScene() bool {
	return s.SceneIndex >= len(s.SceneGraph)-1
}
