package game

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/interlab/experiment-coordinator/internal/domain/model"
	"github.com/interlab/experiment-coordinator/internal/domain/registry"
	"github.com/interlab/experiment-coordinator/internal/sink"
	"github.com/interlab/experiment-coordinator/internal/telemetry"
)

// PeerCoordinator is the broker-side lifecycle hook the manager drives.
// Defined here so the peer package can depend on the manager without a
// cycle; bound at wiring time.
type PeerCoordinator interface {
	InitGame(g *model.Game, spec model.SceneSpec)
	Teardown(gameID uuid.UUID)
	ReleaseMember(gameID uuid.UUID, participantID string)
}

type nopPeers struct{}

func (nopPeers) InitGame(*model.Game, model.SceneSpec) {}
func (nopPeers) Teardown(uuid.UUID)                    {}
func (nopPeers) ReleaseMember(uuid.UUID, string)       {}

// Termination reasons recorded on the game; participants only ever see the
// neutral message.
const (
	ReasonCompleted        = "completed"
	ReasonDropout          = "partner_dropout"
	ReasonExclusion        = "partner_exclusion"
	ReasonFatal            = "fatal_error"
	ReasonServerShutdown   = "server_shutdown"
	neutralPartnerMessage  = "your partner experienced a technical issue"
	teardownDrain          = 100 * time.Millisecond
	resetAckTimeout        = 10 * time.Second
	memberErrorThreshold   = 8
)

// Manager owns every Game entity from group assignment to teardown: one
// tick goroutine per Active game, reset/termination transitions, and the
// final partial-data marking.
type Manager struct {
	reg     *registry.Registry
	hub     registry.Hubber
	emitter telemetry.Emitter
	sink    sink.DataSink
	logger  *slog.Logger

	steppers StepperFactory // nil when no server-authoritative scenes exist

	mu    sync.Mutex
	runs  map[uuid.UUID]*run
	peers PeerCoordinator
}

func NewManager(reg *registry.Registry, hub registry.Hubber, emitter telemetry.Emitter, dataSink sink.DataSink, logger *slog.Logger) *Manager {
	return &Manager{
		reg:     reg,
		hub:     hub,
		emitter: emitter,
		sink:    dataSink,
		logger:  logger,
		runs:    make(map[uuid.UUID]*run),
		peers:   nopPeers{},
	}
}

// BindPeers installs the peer broker; called once during wiring.
func (m *Manager) BindPeers(p PeerCoordinator) { m.peers = p }

// BindSteppers installs the simulator factory for server-authoritative scenes.
func (m *Manager) BindSteppers(f StepperFactory) { m.steppers = f }

// run is the per-game runtime: action buffers and loop control. It is
// registered before the loop starts and removed at termination.
type run struct {
	game       *model.Game
	spec       model.SceneSpec
	cancel     context.CancelFunc
	startDelay time.Duration

	actions *actionBuffer
	stepper Stepper

	resetMu   sync.Mutex
	resetAcks map[string]bool
	resetCh   chan struct{} // signaled when all members acked

	episodeDoneCh chan struct{}

	errMu     sync.Mutex
	memberErr map[int]int
}

// CreateGame allocates a game for a formed group, announces assignments and
// starts the tick loop. Assignments (with the seed) go out immediately; the
// loop holds off on tick broadcasts for startDelay, the client-side match
// countdown. The group's members must already be in state InGame.
func (m *Manager) CreateGame(spec model.SceneSpec, group *model.PlayerGroup, startDelay time.Duration) (*model.Game, error) {
	g := model.NewGame(spec.SceneID, group, rand.Uint64())
	if !m.reg.PutGame(g) {
		return nil, fmt.Errorf("game: member of group %s already in an active game", group.GroupID)
	}

	var stepper Stepper
	if spec.PeerMode == model.PeerModeServerAuth {
		if m.steppers == nil {
			m.reg.DeleteGame(g.ID)
			return nil, fmt.Errorf("game: scene %s is server-authoritative but no stepper factory is bound", spec.SceneID)
		}
		var err error
		stepper, err = m.steppers(spec)
		if err != nil {
			m.reg.DeleteGame(g.ID)
			return nil, fmt.Errorf("game: stepper for scene %s: %w", spec.SceneID, err)
		}
	}

	if spec.PeerMode != model.PeerModeNone {
		m.peers.InitGame(g, spec)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		game:          g,
		spec:          spec,
		cancel:        cancel,
		startDelay:    startDelay,
		actions:       newActionBuffer(g.MemberCount()),
		stepper:       stepper,
		resetAcks:     make(map[string]bool),
		resetCh:       make(chan struct{}, 1),
		episodeDoneCh: make(chan struct{}, 1),
		memberErr:     make(map[int]int),
	}
	m.mu.Lock()
	m.runs[g.ID] = r
	m.mu.Unlock()

	// Announce assignments. Replayable so a grace-window reconnect sees
	// its slot again.
	for idx, pid := range group.OrderedMembers {
		m.appendAssignment(pid, g, idx)
		m.hub.SendReplayable(pid, model.NewOutboundPriority(model.OpPlayerAssigned, model.PlayerAssignedPayload{
			GameID:              g.ID,
			SceneID:             spec.SceneID,
			PlayerIndex:         idx,
			Seed:                g.Seed,
			ExpectedPlayerCount: g.MemberCount(),
		}, model.PriorityHigh))
	}

	g.Mu.Lock()
	g.Status = model.GameActive
	g.Mu.Unlock()

	m.emitter.Emit(telemetry.Event{
		Kind:    telemetry.KindGameCreated,
		GameID:  g.ID.String(),
		SceneID: spec.SceneID,
		Details: map[string]any{"members": group.OrderedMembers, "seed": g.Seed},
	})

	go m.loop(ctx, r)
	return g, nil
}

func (m *Manager) appendAssignment(participantID string, g *model.Game, idx int) {
	m.reg.MutateSession(participantID, func(sess *model.Session) {
		sess.Metadata.Assignments = append(sess.Metadata.Assignments, model.AssignmentLog{
			GameID:      g.ID.String(),
			SceneID:     g.SceneID,
			PlayerIndex: idx,
			AssignedAt:  time.Now(),
		})
	})
}

func (m *Manager) runFor(gameID uuid.UUID) (*run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[gameID]
	return r, ok
}

// SubmitAction buffers one member action for the tick loop. Repeated bad
// submissions from the same member mark it for exclusion.
func (m *Manager) SubmitAction(gameID uuid.UUID, playerIdx int, tickNum uint64, action json.RawMessage) error {
	r, ok := m.runFor(gameID)
	if !ok {
		return model.ErrGameNotFound
	}
	if playerIdx < 0 || playerIdx >= r.game.MemberCount() {
		m.noteMemberError(r, playerIdx)
		return fmt.Errorf("%w: player index %d out of range", model.ErrMalformedMessage, playerIdx)
	}
	r.actions.put(playerIdx, action)
	return nil
}

func (m *Manager) noteMemberError(r *run, playerIdx int) {
	if playerIdx < 0 || playerIdx >= r.game.MemberCount() {
		return
	}
	r.errMu.Lock()
	r.memberErr[playerIdx]++
	count := r.memberErr[playerIdx]
	r.errMu.Unlock()
	if count == memberErrorThreshold {
		pid := r.game.Group.OrderedMembers[playerIdx]
		m.Exclude(r.game.ID, pid, "repeated malformed actions")
	}
}

// MarkEpisodeDone signals the current episode finished. In peer-authoritative
// scenes the first deterministic peer report wins; duplicates are ignored.
func (m *Manager) MarkEpisodeDone(gameID uuid.UUID) {
	r, ok := m.runFor(gameID)
	if !ok {
		return
	}
	select {
	case r.episodeDoneCh <- struct{}{}:
	default:
	}
}

// AckReset records one member's reset-complete. When all live members have
// acked, the loop leaves Resetting early.
func (m *Manager) AckReset(gameID uuid.UUID, participantID string) {
	r, ok := m.runFor(gameID)
	if !ok {
		return
	}
	r.resetMu.Lock()
	r.resetAcks[participantID] = true
	done := len(r.resetAcks) >= r.game.MemberCount()
	r.resetMu.Unlock()
	if done {
		select {
		case r.resetCh <- struct{}{}:
		default:
		}
	}
}

// HandleDropout ends the participant's game after their grace expired.
func (m *Manager) HandleDropout(participantID string) {
	g, ok := m.reg.GameByMember(participantID)
	if !ok {
		return
	}
	m.terminate(g.ID, ReasonDropout, participantID)
}

// Exclude removes a member mid-game: the peer broker's exclusion path and
// the repeated-error path both land here.
func (m *Manager) Exclude(gameID uuid.UUID, participantID, detail string) {
	m.emitter.Emit(telemetry.Event{
		Kind:          telemetry.KindExclusion,
		GameID:        gameID.String(),
		ParticipantID: participantID,
		Details:       map[string]any{"detail": detail},
	})
	m.terminate(gameID, ReasonExclusion, participantID)
}

// ReleasePeer drops peer-channel state for a member that advanced past the
// scene, so nothing stale propagates into later scenes.
func (m *Manager) ReleasePeer(gameID uuid.UUID, participantID string) {
	m.peers.ReleaseMember(gameID, participantID)
}

// Terminate ends a game from outside the tick loop (shutdown, fatal error).
func (m *Manager) Terminate(gameID uuid.UUID, reason string) {
	m.terminate(gameID, reason, "")
}

// terminate is the single teardown path. leavingPID names the member whose
// dropout/exclusion caused a non-natural end, empty otherwise.
func (m *Manager) terminate(gameID uuid.UUID, reason string, leavingPID string) {
	m.mu.Lock()
	r, ok := m.runs[gameID]
	if ok {
		delete(m.runs, gameID)
	}
	m.mu.Unlock()
	if !ok {
		return // already terminated; exactly one termination event per game
	}
	r.cancel()

	g := r.game
	natural := reason == ReasonCompleted

	g.Mu.Lock()
	g.Status = model.GameDone
	g.TerminationReason = reason
	g.Partial = !natural
	finalTick := g.TickSeqNum
	g.Mu.Unlock()

	for _, pid := range g.Group.OrderedMembers {
		if pid == leavingPID {
			continue
		}
		if !natural && leavingPID != "" {
			m.hub.Send(pid, model.NewOutboundPriority(model.OpPartnerExcluded, model.PartnerExcludedPayload{
				GameID:  g.ID,
				Message: neutralPartnerMessage,
			}, model.PriorityHigh))
		}
		m.hub.Send(pid, model.NewOutboundPriority(model.OpEndGame, model.EndGamePayload{
			GameID:  g.ID,
			SceneID: g.SceneID,
			Reason:  m.neutralReason(reason),
			Partial: !natural,
		}, model.PriorityHigh))
	}

	// State transitions and partial marking. Both sides of an excluded
	// pair carry partial metadata, the leaver included.
	m.reg.WithParticipants(func(participants map[string]*model.Participant, _ map[string]*model.Session) {
		for _, pid := range g.Group.OrderedMembers {
			p, ok := participants[pid]
			if !ok {
				continue
			}
			ev := model.EventGameEnded
			if pid == leavingPID {
				ev = model.EventExcluded
			}
			if err := p.Apply(ev); err != nil {
				m.logger.Warn("participant transition rejected", "participant_id", pid, "error", err)
			}
		}
	})
	for _, pid := range g.Group.OrderedMembers {
		var sessionID string
		var metadata model.SessionMetadata
		found := m.reg.MutateSession(pid, func(sess *model.Session) {
			if !natural {
				sess.Metadata.Partial = true
				sess.Metadata.TerminationReason = reason
			}
			sessionID = sess.ID
			metadata = sess.Metadata
		})
		if found {
			m.sink.WriteSessionMetadata(sessionID, metadata)
		}
	}

	m.emitter.Emit(telemetry.Event{
		Kind:    telemetry.KindGameTerminated,
		GameID:  g.ID.String(),
		SceneID: g.SceneID,
		Details: map[string]any{"reason": reason, "partial": !natural, "final_tick": finalTick},
	})

	// Short drain so in-flight relays settle before the registry forgets
	// the game.
	time.AfterFunc(teardownDrain, func() {
		m.peers.Teardown(g.ID)
		m.reg.DeleteGame(g.ID)
	})
}

func (m *Manager) neutralReason(reason string) string {
	switch reason {
	case ReasonCompleted:
		return "completed"
	case ReasonServerShutdown:
		return "the experiment server is shutting down"
	default:
		return neutralPartnerMessage
	}
}

// Shutdown terminates every active game with the server_shutdown reason.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Terminate(id, ReasonServerShutdown)
	}
}
