package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interlab/experiment-coordinator/internal/domain/model"
	"github.com/interlab/experiment-coordinator/internal/domain/registry"
	"github.com/interlab/experiment-coordinator/internal/game"
	"github.com/interlab/experiment-coordinator/internal/sink"
	"github.com/interlab/experiment-coordinator/internal/telemetry"
)

// recordingEmitter captures telemetry for assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *recordingEmitter) Emit(ev telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) byKind(kind telemetry.Kind) []telemetry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []telemetry.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type peerFixture struct {
	reg     *registry.Registry
	hub     registry.Hubber
	games   *game.Manager
	broker  *Broker
	emitter *recordingEmitter
	conns   map[string]registry.Connector
	game    *model.Game
	spec    model.SceneSpec
}

func newPeerFixture(t *testing.T, spec model.SceneSpec, members ...string) *peerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New()
	hub := registry.NewHub()
	t.Cleanup(hub.Shutdown)
	emitter := &recordingEmitter{}
	games := game.NewManager(reg, hub, emitter, sink.Discard{}, logger)
	t.Cleanup(games.Shutdown)
	broker := NewBroker(hub, emitter, logger, games)

	f := &peerFixture{reg: reg, hub: hub, games: games, broker: broker, emitter: emitter, conns: make(map[string]registry.Connector)}
	entries := make([]*model.WaitingEntry, len(members))
	for i, pid := range members {
		p := model.NewParticipant(pid)
		p.State = model.StateInGame
		require.True(t, reg.PutParticipant(p))
		require.True(t, reg.PutSession(model.NewSession(pid, nil)))
		conn := registry.NewConnector(context.Background(), registry.ConnectMetadata{}, 256)
		require.Nil(t, hub.Attach(pid, conn))
		f.conns[pid] = conn
		entries[i] = &model.WaitingEntry{ParticipantID: pid, SceneID: spec.SceneID}
	}

	g, err := games.CreateGame(spec, model.NewPlayerGroup(spec.SceneID, entries), 0)
	require.NoError(t, err)
	f.game = g
	f.spec = spec
	return f
}

func peerAuthSpec() model.SceneSpec {
	return model.SceneSpec{
		SceneID:           "duel",
		Kind:              model.SceneGym,
		GroupSize:         2,
		TickRate:          50,
		Episodes:          1,
		ActionPopulation:  model.PopulatePrevious,
		PeerMode:          model.PeerModePeerAuth,
		HashSamplingEvery: 10,
	}
}

func awaitOp(t *testing.T, conn registry.Connector, op model.Op) *model.Outbound {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-conn.Recv():
			require.True(t, ok, "connection closed while waiting for %s", op)
			if ev.Op == op {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", op)
			return nil
		}
	}
}

func TestRelaySignaling_FanOutPreservesSenderOrder(t *testing.T) {
	f := newPeerFixture(t, peerAuthSpec(), "alice", "bob")

	for i := 0; i < 5; i++ {
		blob := json.RawMessage(fmt.Sprintf(`{"sdp":%d}`, i))
		require.NoError(t, f.broker.RelaySignaling(f.game.ID, "alice", blob))
	}

	for i := 0; i < 5; i++ {
		relayed := awaitOp(t, f.conns["bob"], model.OpSignaling).Payload.(model.RelayedSignalingPayload)
		assert.Equal(t, 0, relayed.SenderIdx)
		assert.JSONEq(t, fmt.Sprintf(`{"sdp":%d}`, i), string(relayed.Blob))
	}
}

func TestRelaySignaling_UnknownGame(t *testing.T) {
	f := newPeerFixture(t, peerAuthSpec(), "alice", "bob")
	err := f.broker.RelaySignaling(f.game.ID, "mallory", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, model.ErrMalformedMessage)
}

func TestRelayAction_ExactlyOnceToOthers(t *testing.T) {
	f := newPeerFixture(t, peerAuthSpec(), "alice", "bob")

	require.NoError(t, f.broker.RelayAction(f.game.ID, "alice", 0, 12, json.RawMessage(`{"jump":true}`)))

	relayed := awaitOp(t, f.conns["bob"], model.OpAction).Payload.(model.RelayedActionPayload)
	assert.Equal(t, 0, relayed.PlayerIdx)
	assert.Equal(t, uint64(12), relayed.TickNum)

	// The sender never hears its own action back.
	select {
	case ev := <-f.conns["alice"].Recv():
		assert.NotEqual(t, model.OpAction, ev.Op)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayAction_IndexMustMatchSender(t *testing.T) {
	f := newPeerFixture(t, peerAuthSpec(), "alice", "bob")
	err := f.broker.RelayAction(f.game.ID, "alice", 1, 3, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, model.ErrMalformedMessage)
}

func TestHashSampling_MatchIsQuiet(t *testing.T) {
	f := newPeerFixture(t, peerAuthSpec(), "alice", "bob")

	require.NoError(t, f.broker.RecordHashSample(f.game.ID, "alice", 0, 30, "abc"))
	require.NoError(t, f.broker.RecordHashSample(f.game.ID, "bob", 1, 30, "abc"))

	assert.Empty(t, f.emitter.byKind(telemetry.KindDesyncDetected))
}

func TestHashSampling_MismatchReportsAndContinues(t *testing.T) {
	f := newPeerFixture(t, peerAuthSpec(), "alice", "bob")

	require.NoError(t, f.broker.RecordHashSample(f.game.ID, "alice", 0, 30, "abc"))
	require.NoError(t, f.broker.RecordHashSample(f.game.ID, "bob", 1, 30, "xyz"))

	events := f.emitter.byKind(telemetry.KindDesyncDetected)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(30), events[0].Details["tick"])

	// Log-and-continue: the game survives.
	assert.NotEqual(t, model.GameDone, f.game.SnapshotStatus())
}

func TestHashSampling_ResyncFromLowestLiveIndex(t *testing.T) {
	spec := peerAuthSpec()
	spec.AuthoritativeResync = true
	f := newPeerFixture(t, spec, "alice", "bob")

	require.NoError(t, f.broker.RecordHashSample(f.game.ID, "alice", 0, 30, "abc"))
	require.NoError(t, f.broker.RecordHashSample(f.game.ID, "bob", 1, 30, "xyz"))

	req := awaitOp(t, f.conns["alice"], model.OpResyncRequest).Payload.(model.ResyncRequestPayload)
	assert.Equal(t, uint64(30), req.TickNum)

	state := json.RawMessage(`{"world":"truth"}`)
	require.NoError(t, f.broker.AcceptResyncState(f.game.ID, "alice", 30, state))

	auth := awaitOp(t, f.conns["bob"], model.OpAuthoritativeState).Payload.(model.AuthoritativeStatePayload)
	assert.JSONEq(t, string(state), string(auth.State))
}

func TestSelfExclude_TerminatesGamePartial(t *testing.T) {
	f := newPeerFixture(t, peerAuthSpec(), "alice", "bob")

	start := time.Now()
	require.NoError(t, f.broker.SelfExclude(f.game.ID, "alice", "tab_hidden"))

	excl := awaitOp(t, f.conns["bob"], model.OpPartnerExcluded)
	require.Less(t, time.Since(start), 200*time.Millisecond)
	assert.NotContains(t, excl.Payload.(model.PartnerExcludedPayload).Message, "tab_hidden")

	end := awaitOp(t, f.conns["bob"], model.OpEndGame).Payload.(model.EndGamePayload)
	assert.True(t, end.Partial)

	require.Len(t, f.emitter.byKind(telemetry.KindExclusion), 1)
}

func TestReleaseMember_StopsRelayToAndAboutMember(t *testing.T) {
	f := newPeerFixture(t, peerAuthSpec(), "alice", "bob")

	f.broker.ReleaseMember(f.game.ID, "bob")
	require.NoError(t, f.broker.RelaySignaling(f.game.ID, "alice", json.RawMessage(`{}`)))

	select {
	case ev := <-f.conns["bob"].Recv():
		assert.NotEqual(t, model.OpSignaling, ev.Op, "released member must not receive relays")
	case <-time.After(150 * time.Millisecond):
	}
}
