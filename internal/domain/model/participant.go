package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ParticipantState tracks where a participant is in the experiment flow.
type ParticipantState string

const (
	StateIdle       ParticipantState = "idle"
	StateInWaitroom ParticipantState = "in_waitroom"
	StateInGame     ParticipantState = "in_game"
	StateGameEnded  ParticipantState = "game_ended"
	StateEnded      ParticipantState = "ended"
)

// StateEvent names the triggers of the participant state machine.
type StateEvent string

const (
	EventEnterWaitroom StateEvent = "enter_waitroom"
	EventMatched       StateEvent = "matched"
	EventWaitTimeout   StateEvent = "wait_timeout"
	EventWaitDropout   StateEvent = "wait_dropout"
	EventGameEnded     StateEvent = "game_ended"
	EventExcluded      StateEvent = "excluded"
	EventAdvance       StateEvent = "advance"
	EventFinalScene    StateEvent = "final_scene"
)

// transitions is the allowed participant state machine. EventFinalScene is
// accepted from any state and is handled before the table lookup.
var transitions = map[ParticipantState]map[StateEvent]ParticipantState{
	StateIdle: {
		EventEnterWaitroom: StateInWaitroom,
	},
	StateInWaitroom: {
		EventMatched:     StateInGame,
		EventWaitTimeout: StateEnded,
		EventWaitDropout: StateEnded,
	},
	StateInGame: {
		EventGameEnded: StateGameEnded,
		EventExcluded:  StateEnded,
	},
	StateGameEnded: {
		EventAdvance: StateIdle,
	},
}

// Participant is the server-lifetime identity of a person in the experiment.
// Exactly one row exists per participantID; it survives reconnects.
type Participant struct {
	ID         string
	ConnID     *uuid.UUID // nil while disconnected
	SceneIndex int
	Globals    map[string]any
	State      ParticipantState
	CreatedAt  time.Time
}

func NewParticipant(id string) *Participant {
	return &Participant{
		ID:        id,
		Globals:   make(map[string]any),
		State:     StateIdle,
		CreatedAt: time.Now(),
	}
}

// Apply runs one state machine step. Invalid transitions return an error and
// leave the state untouched; callers log and continue, they never panic.
func (p *Participant) Apply(ev StateEvent) error {
	if ev == EventFinalScene {
		p.State = StateEnded
		return nil
	}
	next, ok := transitions[p.State][ev]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, p.State)
	}
	p.State = next
	return nil
}
