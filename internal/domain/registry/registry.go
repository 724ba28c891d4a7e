package registry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/interlab/experiment-coordinator/internal/domain/model"
)

// Registry exclusively owns the long-lived entities: participants, sessions
// and games. Entities reference each other by ID only. Locking is coarse:
//
//	participants mutex -> (per-scene waiting rooms, owned by matchmaker)
//	             -> games mutex -> per-game lock (model.Game.Mu)
//
// Code never acquires an earlier lock while holding a later one. Nothing
// here suspends while a mutex is held.
type Registry struct {
	pmu          sync.Mutex
	participants map[string]*model.Participant
	sessions     map[string]*model.Session // sessionID -> session
	byPart       map[string]string         // participantID -> sessionID

	gmu      sync.Mutex
	games    map[uuid.UUID]*model.Game
	byMember map[string]uuid.UUID // participantID -> gameID
}

func New() *Registry {
	return &Registry{
		participants: make(map[string]*model.Participant),
		sessions:     make(map[string]*model.Session),
		byPart:       make(map[string]string),
		games:        make(map[uuid.UUID]*model.Game),
		byMember:     make(map[string]uuid.UUID),
	}
}

// WithParticipants runs fn under the participant lock. The callback must
// not block or take the games lock out of order (it may take it after).
func (r *Registry) WithParticipants(fn func(participants map[string]*model.Participant, sessions map[string]*model.Session)) {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	fn(r.participants, r.sessions)
}

// Participant returns the participant row, if registered.
func (r *Registry) Participant(id string) (*model.Participant, bool) {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	p, ok := r.participants[id]
	return p, ok
}

// ParticipantCount is used for the admission cap.
func (r *Registry) ParticipantCount() int {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	return len(r.participants)
}

// PutParticipant installs a new participant row. Returns false if a row for
// that ID already exists.
func (r *Registry) PutParticipant(p *model.Participant) bool {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	if _, ok := r.participants[p.ID]; ok {
		return false
	}
	r.participants[p.ID] = p
	return true
}

// Session resolves a session token.
func (r *Registry) Session(sessionID string) (*model.Session, bool) {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// SessionByParticipant resolves the one-to-one participant binding.
func (r *Registry) SessionByParticipant(participantID string) (*model.Session, bool) {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	sid, ok := r.byPart[participantID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[sid]
	return s, ok
}

// PutSession installs a session; the participant binding is immutable, so a
// second session for the same participant is rejected.
func (r *Registry) PutSession(s *model.Session) bool {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	if _, ok := r.byPart[s.ParticipantID]; ok {
		return false
	}
	r.sessions[s.ID] = s
	r.byPart[s.ParticipantID] = s.ID
	return true
}

// DeleteSession removes a session and its participant binding.
func (r *Registry) DeleteSession(sessionID string) {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		delete(r.byPart, s.ParticipantID)
		delete(r.sessions, sessionID)
	}
}

// MutateSession runs fn on the participant's session under the participant
// lock. Returns false when no session exists. fn must not block.
func (r *Registry) MutateSession(participantID string, fn func(s *model.Session)) bool {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	sid, ok := r.byPart[participantID]
	if !ok {
		return false
	}
	s, ok := r.sessions[sid]
	if !ok {
		return false
	}
	fn(s)
	return true
}

// Game resolves a game by ID.
func (r *Registry) Game(id uuid.UUID) (*model.Game, bool) {
	r.gmu.Lock()
	defer r.gmu.Unlock()
	g, ok := r.games[id]
	return g, ok
}

// GameByMember returns the game a participant currently plays in.
func (r *Registry) GameByMember(participantID string) (*model.Game, bool) {
	r.gmu.Lock()
	defer r.gmu.Unlock()
	gid, ok := r.byMember[participantID]
	if !ok {
		return nil, false
	}
	g, ok := r.games[gid]
	return g, ok
}

// PutGame installs a game and indexes its members. A member already indexed
// into another game violates the disjointness invariant and is rejected.
func (r *Registry) PutGame(g *model.Game) bool {
	r.gmu.Lock()
	defer r.gmu.Unlock()
	for _, m := range g.Group.OrderedMembers {
		if _, busy := r.byMember[m]; busy {
			return false
		}
	}
	r.games[g.ID] = g
	for _, m := range g.Group.OrderedMembers {
		r.byMember[m] = g.ID
	}
	return true
}

// DeleteGame removes a game and its member index entries.
func (r *Registry) DeleteGame(id uuid.UUID) {
	r.gmu.Lock()
	defer r.gmu.Unlock()
	g, ok := r.games[id]
	if !ok {
		return
	}
	for _, m := range g.Group.OrderedMembers {
		if r.byMember[m] == id {
			delete(r.byMember, m)
		}
	}
	delete(r.games, id)
}

// ActiveGames snapshots the current game list for shutdown sweeps.
func (r *Registry) ActiveGames() []*model.Game {
	r.gmu.Lock()
	defer r.gmu.Unlock()
	out := make([]*model.Game, 0, len(r.games))
	for _, g := range r.games {
		out = append(out, g)
	}
	return out
}
