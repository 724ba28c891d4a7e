package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interlab/experiment-coordinator/config"
	"github.com/interlab/experiment-coordinator/internal/domain/model"
	"github.com/interlab/experiment-coordinator/internal/domain/registry"
	"github.com/interlab/experiment-coordinator/internal/game"
	"github.com/interlab/experiment-coordinator/internal/matchmaker"
	"github.com/interlab/experiment-coordinator/internal/orchestrator"
	"github.com/interlab/experiment-coordinator/internal/peer"
	"github.com/interlab/experiment-coordinator/internal/sink"
	"github.com/interlab/experiment-coordinator/internal/telemetry"
)

const dispatchExperiment = `
name: wiring
scenes:
  - scene_id: intro
    kind: static
  - scene_id: play
    kind: gym
    group_size: 2
`

type recordingEmitter struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *recordingEmitter) Emit(ev telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) count(kind telemetry.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type dispatchFixture struct {
	dispatcher *Dispatcher
	emitter    *recordingEmitter
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	path := filepath.Join(t.TempDir(), "experiment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(dispatchExperiment), 0o644))
	store, err := config.NewExperimentStore(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{}
	reg := registry.New()
	hub := registry.NewHub()
	t.Cleanup(hub.Shutdown)
	games := game.NewManager(reg, hub, telemetry.Nop{}, sink.Discard{}, logger)
	t.Cleanup(games.Shutdown)
	matches := matchmaker.NewService(reg, hub, telemetry.Nop{}, sink.Discard{}, logger, games, cfg)
	orch := orchestrator.NewService(reg, hub, telemetry.Nop{}, sink.Discard{}, logger, games, matches, store, cfg)
	emitter := &recordingEmitter{}
	broker := peer.NewBroker(hub, telemetry.Nop{}, logger, games)

	return &dispatchFixture{
		dispatcher: New(reg, orch, matches, games, broker, emitter, logger),
		emitter:    emitter,
	}
}

func dial() registry.Connector {
	return registry.NewConnector(context.Background(), registry.ConnectMetadata{}, 64)
}

func awaitOp(t *testing.T, recv <-chan *model.Outbound, op model.Op) *model.Outbound {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-recv:
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

// register runs the register opcode through the dispatcher and returns the
// bound identity.
func (f *dispatchFixture) register(t *testing.T, conn registry.Connector) model.SessionRestoredPayload {
	t.Helper()
	f.dispatcher.Dispatch(conn, []byte(`{"op":"register"}`))
	return awaitOp(t, conn.Recv(), model.OpSessionRestored).Payload.(model.SessionRestoredPayload)
}

func TestDispatch_MalformedFrameKeepsConnection(t *testing.T) {
	f := newDispatchFixture(t)
	conn := dial()

	f.dispatcher.Dispatch(conn, []byte(`{"op":`))
	assert.Equal(t, 1, f.emitter.count(telemetry.KindMalformed))

	// The connection survives and later frames still work.
	f.register(t, conn)
}

func TestDispatch_MissingOpIsMalformed(t *testing.T) {
	f := newDispatchFixture(t)
	conn := dial()

	f.dispatcher.Dispatch(conn, []byte(`{"payload":{}}`))
	assert.Equal(t, 1, f.emitter.count(telemetry.KindMalformed))
}

func TestDispatch_UnknownOpIsMalformed(t *testing.T) {
	f := newDispatchFixture(t)
	conn := dial()

	f.dispatcher.Dispatch(conn, []byte(`{"op":"teleport"}`))
	assert.Equal(t, 1, f.emitter.count(telemetry.KindMalformed))
}

func TestDispatch_BadPayloadShapeIsMalformed(t *testing.T) {
	f := newDispatchFixture(t)
	conn := dial()
	f.register(t, conn)

	f.dispatcher.Dispatch(conn, []byte(`{"op":"advance","payload":{"session_id":42}}`))
	assert.Equal(t, 1, f.emitter.count(telemetry.KindMalformed))
}

func TestDispatch_UnknownSessionSeversConnection(t *testing.T) {
	f := newDispatchFixture(t)
	conn := dial()
	recv := conn.Recv()

	f.dispatcher.Dispatch(conn, []byte(`{"op":"advance","payload":{"session_id":"ghost"}}`))

	awaitOp(t, recv, model.OpInvalidSession)
	assert.Equal(t, 1, f.emitter.count(telemetry.KindInvalidSession))

	// The dispatcher closed the connection behind the reply.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-recv:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestDispatch_SessionOwnershipEnforced(t *testing.T) {
	f := newDispatchFixture(t)

	alice := dial()
	victim := f.register(t, alice)

	mallory := dial()
	f.register(t, mallory)
	recv := mallory.Recv()

	frame := fmt.Sprintf(`{"op":"advance","payload":{"session_id":%q}}`, victim.SessionID)
	f.dispatcher.Dispatch(mallory, []byte(frame))

	awaitOp(t, recv, model.OpInvalidSession)
	assert.Equal(t, 1, f.emitter.count(telemetry.KindInvalidSession))
}

func TestDispatch_RegisterThenPing(t *testing.T) {
	f := newDispatchFixture(t)
	conn := dial()

	restored := f.register(t, conn)
	assert.NotEmpty(t, restored.SessionID)
	awaitOp(t, conn.Recv(), model.OpActivateScene)

	sentAt := time.Now().UnixMilli()
	f.dispatcher.Dispatch(conn, []byte(fmt.Sprintf(`{"op":"ping","payload":{"sent_at":%d}}`, sentAt)))
	pong := awaitOp(t, conn.Recv(), model.OpPong).Payload.(model.PongPayload)
	assert.Equal(t, sentAt, pong.SentAt)
}

func TestDispatch_ActionForDeadGame(t *testing.T) {
	f := newDispatchFixture(t)
	conn := dial()
	restored := f.register(t, conn)

	frame := fmt.Sprintf(`{"op":"action","payload":{"session_id":%q,"game_id":"b6f0a6a2-0000-4000-8000-000000000000","player_idx":0,"tick_num":1,"action":1}}`, restored.SessionID)
	f.dispatcher.Dispatch(conn, []byte(frame))

	// Not a protocol violation, just a race against game teardown: the frame
	// is dropped without severing the connection.
	assert.Equal(t, 0, f.emitter.count(telemetry.KindInvalidSession))
	assert.Equal(t, 0, f.emitter.count(telemetry.KindMalformed))
}

func TestDispatch_DisconnectRoutesToOrchestrator(t *testing.T) {
	f := newDispatchFixture(t)
	conn := dial()
	f.register(t, conn)
	recv := conn.Recv()

	f.dispatcher.Disconnect(conn)

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-recv:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
