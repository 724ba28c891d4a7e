package game

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/interlab/experiment-coordinator/internal/domain/model"
	"github.com/interlab/experiment-coordinator/internal/telemetry"
)

// actionBuffer queues inbound actions per player slot between ticks.
type actionBuffer struct {
	mu     sync.Mutex
	queues [][]json.RawMessage
	notify chan struct{}
}

func newActionBuffer(members int) *actionBuffer {
	return &actionBuffer{
		queues: make([][]json.RawMessage, members),
		notify: make(chan struct{}, 1),
	}
}

func (b *actionBuffer) put(idx int, action json.RawMessage) {
	b.mu.Lock()
	b.queues[idx] = append(b.queues[idx], action)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// drain pops the oldest queued action for every slot that has one.
func (b *actionBuffer) drain(into map[int]json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for idx := range b.queues {
		if _, have := into[idx]; have {
			continue
		}
		if len(b.queues[idx]) > 0 {
			into[idx] = b.queues[idx][0]
			b.queues[idx] = b.queues[idx][1:]
		}
	}
}

func (b *actionBuffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for idx := range b.queues {
		b.queues[idx] = nil
	}
}

// loop is the per-game tick goroutine. Panics are contained here: the game
// terminates fatally, the process survives.
func (m *Manager) loop(ctx context.Context, r *run) {
	defer func() {
		if rec := recover(); rec != nil {
			m.emitter.Emit(telemetry.Event{
				Kind:    telemetry.KindInternalPanic,
				GameID:  r.game.ID.String(),
				SceneID: r.spec.SceneID,
				Details: map[string]any{"panic": rec},
			})
			m.Terminate(r.game.ID, ReasonFatal)
		}
	}()

	period := time.Second / time.Duration(r.spec.TickRate)

	if r.startDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.startDelay):
		}
	}

	if r.stepper != nil {
		state, err := r.stepper.Reset(r.game.Seed, 0)
		if err != nil {
			m.logger.Error("stepper reset failed", "game_id", r.game.ID, "error", err)
			m.Terminate(r.game.ID, ReasonFatal)
			return
		}
		m.broadcastState(r, 0, state)
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.episodeDoneCh:
			if !m.advanceEpisode(ctx, r) {
				return
			}
		case <-ticker.C:
			if !m.tick(ctx, r, period) {
				return
			}
		}
	}
}

// tick runs one loop iteration. Returns false when the game ended.
func (m *Manager) tick(ctx context.Context, r *run, period time.Duration) bool {
	g := r.game
	if g.SnapshotStatus() != model.GameActive {
		return true
	}

	actions := make(map[int]json.RawMessage, g.MemberCount())
	r.actions.drain(actions)

	if len(actions) < g.MemberCount() && r.spec.ActionPopulation == model.PopulateBlock {
		// Stall until all actions arrive or the per-tick deadline elapses,
		// then fall back to previous-action for whoever is still missing.
		deadline := time.NewTimer(2 * period)
	waitAll:
		for len(actions) < g.MemberCount() {
			select {
			case <-ctx.Done():
				deadline.Stop()
				return false
			case <-deadline.C:
				m.emitter.Emit(telemetry.Event{
					Kind:    telemetry.KindActionDeadline,
					GameID:  g.ID.String(),
					SceneID: r.spec.SceneID,
					Details: map[string]any{"waiting_for": g.MemberCount() - len(actions)},
				})
				break waitAll
			case <-r.actions.notify:
				r.actions.drain(actions)
			}
		}
		deadline.Stop()
	}

	g.Mu.Lock()
	for idx := 0; idx < g.MemberCount(); idx++ {
		if _, have := actions[idx]; have {
			continue
		}
		switch r.spec.ActionPopulation {
		case model.PopulateDefault:
			actions[idx] = json.RawMessage("null")
		default: // previous, and block's fallback
			if prev, ok := g.LastActions[idx]; ok {
				actions[idx] = prev
			} else {
				actions[idx] = json.RawMessage("null")
			}
		}
	}
	g.TickSeqNum++
	tickNum := g.TickSeqNum
	for idx, a := range actions {
		g.LastActions[idx] = a
	}
	g.Mu.Unlock()

	hashRequested := r.spec.PeerMode == model.PeerModePeerAuth &&
		r.spec.HashSamplingEvery > 0 &&
		tickNum%uint64(r.spec.HashSamplingEvery) == 0

	switch r.spec.PeerMode {
	case model.PeerModeServerAuth:
		state, episodeDone, err := r.stepper.Step(actions)
		if err != nil {
			m.logger.Error("stepper step failed", "game_id", g.ID, "tick", tickNum, "error", err)
			m.Terminate(g.ID, ReasonFatal)
			return false
		}
		m.broadcastState(r, tickNum, state)
		if episodeDone {
			return m.advanceEpisode(ctx, r)
		}
	default:
		// Peer-authoritative actions travel the direct channel or the broker
		// relay; the tick broadcast only paces the loop and requests hashes.
		// Without peer mode it carries the populated action set.
		payload := model.TickBroadcastPayload{
			GameID:        g.ID,
			TickNum:       tickNum,
			HashRequested: hashRequested,
		}
		if r.spec.PeerMode == model.PeerModeNone {
			payload.Actions = actions
		}
		ev := model.NewOutbound(model.OpTickBroadcast, payload)
		for _, pid := range g.Group.OrderedMembers {
			m.hub.Send(pid, ev)
		}
	}
	return true
}

func (m *Manager) broadcastState(r *run, tickNum uint64, state json.RawMessage) {
	ev := model.NewOutbound(model.OpAuthoritativeState, model.AuthoritativeStatePayload{
		GameID:  r.game.ID,
		TickNum: tickNum,
		State:   state,
	})
	for _, pid := range r.game.Group.OrderedMembers {
		m.hub.Send(pid, ev)
	}
}

// advanceEpisode handles the episode boundary: terminate after the last
// configured episode, otherwise run the Resetting handshake. Returns false
// when the game ended.
func (m *Manager) advanceEpisode(ctx context.Context, r *run) bool {
	g := r.game

	g.Mu.Lock()
	g.Episode++
	episode := g.Episode
	g.Mu.Unlock()

	if episode >= r.spec.Episodes {
		m.terminate(g.ID, ReasonCompleted, "")
		return false
	}

	g.Mu.Lock()
	g.Status = model.GameResetting
	g.Mu.Unlock()

	r.resetMu.Lock()
	r.resetAcks = make(map[string]bool)
	r.resetMu.Unlock()
	// Drop the stale ready signal from a previous reset, if any.
	select {
	case <-r.resetCh:
	default:
	}
	r.actions.reset()

	ev := model.NewOutboundPriority(model.OpResetGame, model.ResetGamePayload{
		GameID:    g.ID,
		Episode:   episode,
		FreezeSec: r.spec.ResetFreezeSec,
	}, model.PriorityHigh)
	for _, pid := range g.Group.OrderedMembers {
		m.hub.Send(pid, ev)
	}

	// Whichever comes first: all members acked reset-complete, or the
	// hard timeout. Seeds are never regenerated; peers derive episode RNG
	// from the original seed plus tick.
	select {
	case <-ctx.Done():
		return false
	case <-r.resetCh:
	case <-time.After(resetAckTimeout):
	}

	if r.stepper != nil {
		state, err := r.stepper.Reset(g.Seed, episode)
		if err != nil {
			m.logger.Error("stepper reset failed", "game_id", g.ID, "episode", episode, "error", err)
			m.Terminate(g.ID, ReasonFatal)
			return false
		}
		g.Mu.Lock()
		tickNum := g.TickSeqNum
		g.Mu.Unlock()
		m.broadcastState(r, tickNum, state)
	}

	g.Mu.Lock()
	g.Status = model.GameActive
	g.Mu.Unlock()
	return true
}
