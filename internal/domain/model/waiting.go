package model

import (
	"time"

	"github.com/google/uuid"
)

// WaitingEntry is one participant queued in a scene's waiting room.
// Present if and only if the participant state is InWaitroom.
type WaitingEntry struct {
	ParticipantID string
	SceneID       string
	ArrivedAt     time.Time
	Attributes    map[string]any
	RTTToServer   *int            // ms, nil until measured
	PriorPartners map[string]bool // participantIDs matched with before
}

// PlayerGroup is a formed, immutable group of participants bound to one game.
// Member order is arrival order and derives playerIndex.
type PlayerGroup struct {
	GroupID        uuid.UUID
	SceneID        string
	OrderedMembers []string
	FormedAt       time.Time
	PriorPartners  map[string]map[string]bool
}

func NewPlayerGroup(sceneID string, entries []*WaitingEntry) *PlayerGroup {
	g := &PlayerGroup{
		GroupID:       uuid.New(),
		SceneID:       sceneID,
		FormedAt:      time.Now(),
		PriorPartners: make(map[string]map[string]bool),
	}
	for _, e := range entries {
		g.OrderedMembers = append(g.OrderedMembers, e.ParticipantID)
		partners := make(map[string]bool, len(e.PriorPartners))
		for p := range e.PriorPartners {
			partners[p] = true
		}
		g.PriorPartners[e.ParticipantID] = partners
	}
	return g
}

// PlayerIndex returns the 0-based slot of a member, or -1.
func (g *PlayerGroup) PlayerIndex(participantID string) int {
	for i, id := range g.OrderedMembers {
		if id == participantID {
			return i
		}
	}
	return -1
}

// ProbeSession is one pre-match RTT measurement between a pair of members.
// At most one active probe exists per participant.
type ProbeSession struct {
	ProbeID     uuid.UUID
	SceneID     string
	Pair        [2]string
	StartedAt   time.Time
	MeasuredRTT *int
}

func NewProbeSession(sceneID string, a, b string) *ProbeSession {
	return &ProbeSession{
		ProbeID:   uuid.New(),
		SceneID:   sceneID,
		Pair:      [2]string{a, b},
		StartedAt: time.Now(),
	}
}
