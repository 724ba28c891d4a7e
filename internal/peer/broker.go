package peer

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/interlab/experiment-coordinator/internal/domain/model"
	"github.com/interlab/experiment-coordinator/internal/domain/registry"
	"github.com/interlab/experiment-coordinator/internal/game"
	"github.com/interlab/experiment-coordinator/internal/telemetry"
)

// hashRingSize bounds the per-game window of sampled ticks awaiting
// confirmation from all peers. Samples older than the window are pruned by
// LRU eviction, which matches the "confirmed past that frame" rule for any
// realistic sampling stride.
const hashRingSize = 64

// Broker coordinates direct peer channels: signaling relay, action relay
// fallback, deterministic-replay health via hash sampling, and mid-game
// exclusion. It owns all PeerSessionState; game entities only carry an
// enablement flag through their scene spec.
type Broker struct {
	hub     registry.Hubber
	emitter telemetry.Emitter
	logger  *slog.Logger
	games   *game.Manager

	mu     sync.Mutex
	states map[uuid.UUID]*sessionState
}

// sessionState is the peer-mode sub-entity of one game.
type sessionState struct {
	spec    model.SceneSpec
	members []string // playerIdx -> participantID

	mu sync.Mutex
	// hashes maps sampled tick -> playerIdx -> reported hash. Entries are
	// dropped as soon as every live member has confirmed the tick.
	hashes *lru.Cache[uint64, map[int]string]
	// left marks members that exited; nothing is relayed to or about them
	// past the terminal notification.
	left            map[int]bool
	fallbackRelay   bool
	validationEpoch int
	resyncPending   bool
}

func NewBroker(hub registry.Hubber, emitter telemetry.Emitter, logger *slog.Logger, games *game.Manager) *Broker {
	b := &Broker{
		hub:     hub,
		emitter: emitter,
		logger:  logger,
		games:   games,
		states:  make(map[uuid.UUID]*sessionState),
	}
	games.BindPeers(b)
	return b
}

// Interface guard: the broker is the manager's peer coordinator.
var _ game.PeerCoordinator = (*Broker)(nil)

// InitGame creates peer state when a peer-mode game is born.
func (b *Broker) InitGame(g *model.Game, spec model.SceneSpec) {
	hashes, _ := lru.New[uint64, map[int]string](hashRingSize)
	st := &sessionState{
		spec:    spec,
		members: append([]string(nil), g.Group.OrderedMembers...),
		hashes:  hashes,
		left:    make(map[int]bool),
	}
	b.mu.Lock()
	b.states[g.ID] = st
	b.mu.Unlock()
}

// Teardown releases all peer state for the game.
func (b *Broker) Teardown(gameID uuid.UUID) {
	b.mu.Lock()
	delete(b.states, gameID)
	b.mu.Unlock()
}

// ReleaseMember stops all relaying to and about a member that advanced past
// the scene. No stale events propagate into subsequent scenes.
func (b *Broker) ReleaseMember(gameID uuid.UUID, participantID string) {
	st, ok := b.state(gameID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for idx, pid := range st.members {
		if pid == participantID {
			st.left[idx] = true
		}
	}
}

func (b *Broker) state(gameID uuid.UUID) (*sessionState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[gameID]
	return st, ok
}

// RelaySignaling forwards an opaque signaling blob to every other member,
// in order, without parsing it. Per-sender ordering rides on the per-cell
// mailbox order; cross-sender ordering is not guaranteed.
func (b *Broker) RelaySignaling(gameID uuid.UUID, senderPID string, blob json.RawMessage) error {
	st, ok := b.state(gameID)
	if !ok {
		return model.ErrGameNotFound
	}
	senderIdx := st.indexOf(senderPID)
	if senderIdx < 0 {
		return model.ErrMalformedMessage
	}
	ev := model.NewOutbound(model.OpSignaling, model.RelayedSignalingPayload{
		GameID:    gameID,
		SenderIdx: senderIdx,
		Blob:      blob,
	})
	b.fanOut(st, senderIdx, ev)
	return nil
}

// RelayAction forwards one member action to all other members exactly once.
// Late actions (tick older than the receiver's view) are forwarded anyway;
// the peer-side netcode decides whether to roll back or discard.
func (b *Broker) RelayAction(gameID uuid.UUID, senderPID string, playerIdx int, tickNum uint64, action json.RawMessage) error {
	st, ok := b.state(gameID)
	if !ok {
		return model.ErrGameNotFound
	}
	if st.indexOf(senderPID) != playerIdx {
		return model.ErrMalformedMessage
	}
	st.mu.Lock()
	st.fallbackRelay = true
	st.mu.Unlock()

	ev := model.NewOutbound(model.OpAction, model.RelayedActionPayload{
		GameID:    gameID,
		PlayerIdx: playerIdx,
		TickNum:   tickNum,
		Action:    action,
	})
	b.fanOut(st, playerIdx, ev)
	return nil
}

// fanOut delivers to every live member except the sender.
func (b *Broker) fanOut(st *sessionState, senderIdx int, ev *model.Outbound) {
	st.mu.Lock()
	targets := make([]string, 0, len(st.members))
	for idx, pid := range st.members {
		if idx == senderIdx || st.left[idx] {
			continue
		}
		targets = append(targets, pid)
	}
	st.mu.Unlock()
	for _, pid := range targets {
		b.hub.Send(pid, ev)
	}
}

// RecordHashSample stores one peer's confirmed-state hash for a sampled
// tick and compares once all live members have reported. Mismatch policy is
// log-and-continue; scenes may opt into authoritative resync.
func (b *Broker) RecordHashSample(gameID uuid.UUID, senderPID string, playerIdx int, tickNum uint64, hash string) error {
	st, ok := b.state(gameID)
	if !ok {
		return model.ErrGameNotFound
	}
	if st.indexOf(senderPID) != playerIdx {
		return model.ErrMalformedMessage
	}

	st.mu.Lock()
	samples, ok := st.hashes.Get(tickNum)
	if !ok {
		samples = make(map[int]string, len(st.members))
		st.hashes.Add(tickNum, samples)
	}
	samples[playerIdx] = hash

	live := 0
	for idx := range st.members {
		if !st.left[idx] {
			live++
		}
	}
	complete := len(samples) >= live
	var mismatch bool
	if complete {
		first := ""
		for _, h := range samples {
			if first == "" {
				first = h
			} else if h != first {
				mismatch = true
			}
		}
		// All peers confirmed past this frame; prune it.
		st.hashes.Remove(tickNum)
	}
	reported := make(map[int]string, len(samples))
	for k, v := range samples {
		reported[k] = v
	}
	wantResync := mismatch && st.spec.AuthoritativeResync && !st.resyncPending
	if wantResync {
		st.resyncPending = true
		st.validationEpoch++
	}
	st.mu.Unlock()

	if !complete || !mismatch {
		return nil
	}

	b.emitter.Emit(telemetry.Event{
		Kind:    telemetry.KindDesyncDetected,
		GameID:  gameID.String(),
		SceneID: st.spec.SceneID,
		Details: map[string]any{"tick": tickNum, "hashes": reported},
	})

	if wantResync {
		b.requestResync(gameID, st, tickNum)
	}
	return nil
}

// requestResync asks the lowest-index live member for its full state.
func (b *Broker) requestResync(gameID uuid.UUID, st *sessionState, tickNum uint64) {
	st.mu.Lock()
	source := ""
	for idx, pid := range st.members {
		if !st.left[idx] {
			source = pid
			break
		}
	}
	st.mu.Unlock()
	if source == "" {
		return
	}
	b.hub.Send(source, model.NewOutboundPriority(model.OpResyncRequest, model.ResyncRequestPayload{
		GameID:  gameID,
		TickNum: tickNum,
	}, model.PriorityHigh))
}

// AcceptResyncState broadcasts the chosen peer's full state to the others.
func (b *Broker) AcceptResyncState(gameID uuid.UUID, senderPID string, tickNum uint64, state json.RawMessage) error {
	st, ok := b.state(gameID)
	if !ok {
		return model.ErrGameNotFound
	}
	senderIdx := st.indexOf(senderPID)
	if senderIdx < 0 {
		return model.ErrMalformedMessage
	}
	st.mu.Lock()
	st.resyncPending = false
	st.mu.Unlock()

	ev := model.NewOutboundPriority(model.OpAuthoritativeState, model.AuthoritativeStatePayload{
		GameID:  gameID,
		TickNum: tickNum,
		State:   state,
	}, model.PriorityHigh)
	b.fanOut(st, senderIdx, ev)
	return nil
}

// SelfExclude handles a peer reporting itself excluded (sustained latency,
// lost focus). Partners get the neutral notification through the game
// termination path and both sides' data is marked partial.
func (b *Broker) SelfExclude(gameID uuid.UUID, participantID, reason string) error {
	st, ok := b.state(gameID)
	if !ok {
		return model.ErrGameNotFound
	}
	idx := st.indexOf(participantID)
	if idx < 0 {
		return model.ErrMalformedMessage
	}
	st.mu.Lock()
	st.left[idx] = true
	st.mu.Unlock()

	b.games.Exclude(gameID, participantID, reason)
	return nil
}

func (st *sessionState) indexOf(participantID string) int {
	for idx, pid := range st.members {
		if pid == participantID {
			return idx
		}
	}
	return -1
}
