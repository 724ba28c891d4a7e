package model

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GameStatus transitions are one-way except Active <-> Resetting.
type GameStatus string

const (
	GameInactive  GameStatus = "inactive"
	GameActive    GameStatus = "active"
	GameResetting GameStatus = "resetting"
	GameDone      GameStatus = "done"
)

// Game is one run of an interactive scene for a single group. Fields under
// Mu are mutated only by the game lifecycle manager; the registry stores the
// entity but never touches its state.
type Game struct {
	ID        uuid.UUID
	SceneID   string
	Group     *PlayerGroup
	Seed      uint64 // immutable; never regenerated across resets
	CreatedAt time.Time

	// Mu is the per-game lock, last in the global lock order.
	Mu sync.Mutex

	Status            GameStatus
	TickSeqNum        uint64
	Episode           int
	LastActions       map[int]json.RawMessage
	Partial           bool
	TerminationReason string
}

func NewGame(sceneID string, group *PlayerGroup, seed uint64) *Game {
	return &Game{
		ID:          uuid.New(),
		SceneID:     sceneID,
		Group:       group,
		Seed:        seed,
		CreatedAt:   time.Now(),
		Status:      GameInactive,
		LastActions: make(map[int]json.RawMessage),
	}
}

// SnapshotStatus reads the status under the game lock.
func (g *Game) SnapshotStatus() GameStatus {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	return g.Status
}

// MemberCount is the expected player count announced at assignment.
func (g *Game) MemberCount() int {
	return len(g.Group.OrderedMembers)
}
