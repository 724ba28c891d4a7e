package orchestrator

import (
	"context"
	"errors"
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
	"github.com/interlab/experiment-coordinator/internal/sink"
	"github.com/interlab/experiment-coordinator/internal/telemetry"
)

const testExperiment = `
name: pilot
screening:
  allow_mobile: false
  max_ping_ms: 150
  callback_id: vet
runtime:
  asset_pack: "v1"
scenes:
  - scene_id: consent
    kind: static
    grace_seconds: 1
    data_collection:
      elements: [agreed]
  - scene_id: play
    kind: gym
    group_size: 2
    waitroom_max_wait: 60
    grace_seconds: 1
    tick_rate: 50
    episodes: 1
  - scene_id: debrief
    kind: static
    grace_seconds: 1
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

type orchFixture struct {
	reg     *registry.Registry
	hub     registry.Hubber
	service *Service
	emitter *recordingEmitter
}

func newOrchFixture(t *testing.T, cfg *config.Config) *orchFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	path := filepath.Join(t.TempDir(), "experiment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testExperiment), 0o644))
	store, err := config.NewExperimentStore(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	hub := registry.NewHub()
	t.Cleanup(hub.Shutdown)
	games := game.NewManager(reg, hub, telemetry.Nop{}, sink.Discard{}, logger)
	t.Cleanup(games.Shutdown)
	matches := matchmaker.NewService(reg, hub, telemetry.Nop{}, sink.Discard{}, logger, games, cfg)

	emitter := &recordingEmitter{}
	svc := NewService(reg, hub, emitter, sink.Discard{}, logger, games, matches, store, cfg)
	return &orchFixture{reg: reg, hub: hub, service: svc, emitter: emitter}
}

func (f *orchFixture) dial() registry.Connector {
	return registry.NewConnector(context.Background(), registry.ConnectMetadata{}, 64)
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

func TestRegister_FreshSession(t *testing.T) {
	f := newOrchFixture(t, &config.Config{})
	conn := f.dial()

	require.NoError(t, f.service.Register(conn, model.RegisterRequest{
		Globals: map[string]any{"condition": "A", "participant_id": "spoofed"},
	}))

	restored := awaitOp(t, conn, model.OpSessionRestored).Payload.(model.SessionRestoredPayload)
	assert.False(t, restored.Restored)
	assert.NotEmpty(t, restored.SessionID)
	assert.Equal(t, "consent", restored.SceneID)

	cfg := awaitOp(t, conn, model.OpExperimentConfig).Payload.(model.ExperimentConfigPayload)
	assert.Equal(t, 150, cfg.Screening["max_ping_ms"])
	assert.Equal(t, "v1", cfg.Runtime["asset_pack"])

	activate := awaitOp(t, conn, model.OpActivateScene).Payload.(model.ActivateScenePayload)
	assert.Equal(t, "consent", activate.SceneID)
	assert.Equal(t, 0, activate.SceneIndex)

	p, ok := f.reg.Participant(restored.ParticipantID)
	require.True(t, ok)
	assert.Equal(t, "A", p.Globals["condition"])
	assert.NotContains(t, p.Globals, "participant_id", "reserved keys stay server-owned")
}

func TestRegister_ReconnectRestoresAndEvicts(t *testing.T) {
	f := newOrchFixture(t, &config.Config{})
	old := f.dial()

	require.NoError(t, f.service.Register(old, model.RegisterRequest{}))
	pid := awaitOp(t, old, model.OpSessionRestored).Payload.(model.SessionRestoredPayload).ParticipantID
	awaitOp(t, old, model.OpActivateScene)

	fresh := f.dial()
	require.NoError(t, f.service.Register(fresh, model.RegisterRequest{ParticipantID: pid}))

	dup := awaitOp(t, old, model.OpDuplicateSession).Payload.(model.DuplicateSessionPayload)
	assert.Equal(t, pid, dup.ParticipantID)

	restored := awaitOp(t, fresh, model.OpSessionRestored).Payload.(model.SessionRestoredPayload)
	assert.True(t, restored.Restored)

	// The cached activation replays so the client can resume mid-scene.
	activate := awaitOp(t, fresh, model.OpActivateScene).Payload.(model.ActivateScenePayload)
	assert.Equal(t, "consent", activate.SceneID)
}

func TestRegister_CapacityDenies(t *testing.T) {
	f := newOrchFixture(t, &config.Config{ParticipantCap: 1})

	first := f.dial()
	require.NoError(t, f.service.Register(first, model.RegisterRequest{}))

	second := f.dial()
	err := f.service.Register(second, model.RegisterRequest{})
	require.ErrorIs(t, err, model.ErrAdmissionDenied)

	cfg := awaitOp(t, second, model.OpExperimentConfig).Payload.(model.ExperimentConfigPayload)
	require.NotNil(t, cfg.Admitted)
	assert.False(t, *cfg.Admitted)
	assert.NotEmpty(t, cfg.DenyReason)
}

func TestScreening_MobileDenied(t *testing.T) {
	f := newOrchFixture(t, &config.Config{})
	conn := f.dial()
	require.NoError(t, f.service.Register(conn, model.RegisterRequest{}))
	restored := awaitOp(t, conn, model.OpSessionRestored).Payload.(model.SessionRestoredPayload)
	awaitOp(t, conn, model.OpExperimentConfig)

	require.NoError(t, f.service.SubmitScreening(model.ScreeningRequest{
		SessionID: restored.SessionID,
		Context:   model.ScreeningContext{IsMobile: true},
	}))

	verdict := awaitOp(t, conn, model.OpExperimentConfig).Payload.(model.ExperimentConfigPayload)
	require.NotNil(t, verdict.Admitted)
	assert.False(t, *verdict.Admitted)
	assert.NotEmpty(t, verdict.DenyReason)

	p, ok := f.reg.Participant(restored.ParticipantID)
	require.True(t, ok)
	assert.Equal(t, model.StateEnded, p.State)
	assert.Len(t, f.emitter.byKind(telemetry.KindAdmissionDenied), 1)
}

func TestScreening_CallbackErrorFailsOpen(t *testing.T) {
	f := newOrchFixture(t, &config.Config{})
	f.service.RegisterScreeningCallback("vet", func(model.ScreeningContext) (bool, string, error) {
		return false, "never seen", errors.New("upstream down")
	})

	conn := f.dial()
	require.NoError(t, f.service.Register(conn, model.RegisterRequest{}))
	restored := awaitOp(t, conn, model.OpSessionRestored).Payload.(model.SessionRestoredPayload)
	awaitOp(t, conn, model.OpExperimentConfig)

	require.NoError(t, f.service.SubmitScreening(model.ScreeningRequest{
		SessionID: restored.SessionID,
		Context:   model.ScreeningContext{PingMS: 40},
	}))

	verdict := awaitOp(t, conn, model.OpExperimentConfig).Payload.(model.ExperimentConfigPayload)
	require.NotNil(t, verdict.Admitted)
	assert.True(t, *verdict.Admitted, "a broken callback admits")
}

func TestScreening_CallbackDenies(t *testing.T) {
	f := newOrchFixture(t, &config.Config{})
	f.service.RegisterScreeningCallback("vet", func(ctx model.ScreeningContext) (bool, string, error) {
		return false, "quota reached for this demographic", nil
	})

	conn := f.dial()
	require.NoError(t, f.service.Register(conn, model.RegisterRequest{}))
	restored := awaitOp(t, conn, model.OpSessionRestored).Payload.(model.SessionRestoredPayload)
	awaitOp(t, conn, model.OpExperimentConfig)

	require.NoError(t, f.service.SubmitScreening(model.ScreeningRequest{
		SessionID: restored.SessionID,
	}))

	verdict := awaitOp(t, conn, model.OpExperimentConfig).Payload.(model.ExperimentConfigPayload)
	require.NotNil(t, verdict.Admitted)
	assert.False(t, *verdict.Admitted)
	assert.Equal(t, "quota reached for this demographic", verdict.DenyReason)
}

func TestAdvance_WalksGraphAndCompletes(t *testing.T) {
	f := newOrchFixture(t, &config.Config{})
	conn := f.dial()
	require.NoError(t, f.service.Register(conn, model.RegisterRequest{}))
	restored := awaitOp(t, conn, model.OpSessionRestored).Payload.(model.SessionRestoredPayload)
	awaitOp(t, conn, model.OpActivateScene)

	require.NoError(t, f.service.Advance(model.AdvanceRequest{SessionID: restored.SessionID}))
	activate := awaitOp(t, conn, model.OpActivateScene).Payload.(model.ActivateScenePayload)
	assert.Equal(t, "play", activate.SceneID)
	assert.Equal(t, 1, activate.SceneIndex)

	// A replayed advance naming an old index re-activates without moving.
	require.NoError(t, f.service.Advance(model.AdvanceRequest{SessionID: restored.SessionID, SceneIndex: 1}))
	again := awaitOp(t, conn, model.OpActivateScene).Payload.(model.ActivateScenePayload)
	assert.Equal(t, "play", again.SceneID)

	require.NoError(t, f.service.Advance(model.AdvanceRequest{SessionID: restored.SessionID}))
	awaitOp(t, conn, model.OpActivateScene)

	require.NoError(t, f.service.Advance(model.AdvanceRequest{SessionID: restored.SessionID}))
	term := awaitOp(t, conn, model.OpTerminateScene).Payload.(model.TerminateScenePayload)
	assert.Equal(t, "completed", term.Reason)
	assert.Equal(t, "debrief", term.SceneID)

	p, ok := f.reg.Participant(restored.ParticipantID)
	require.True(t, ok)
	assert.Equal(t, model.StateEnded, p.State)
}

func TestAdvance_UnknownSession(t *testing.T) {
	f := newOrchFixture(t, &config.Config{})
	err := f.service.Advance(model.AdvanceRequest{SessionID: "nope"})
	assert.ErrorIs(t, err, model.ErrUnknownSession)
}

func TestSyncGlobals_ReservedKeysHeld(t *testing.T) {
	f := newOrchFixture(t, &config.Config{})
	conn := f.dial()
	require.NoError(t, f.service.Register(conn, model.RegisterRequest{}))
	restored := awaitOp(t, conn, model.OpSessionRestored).Payload.(model.SessionRestoredPayload)

	require.NoError(t, f.service.SyncGlobals(model.SyncGlobalsRequest{
		SessionID: restored.SessionID,
		Globals: map[string]any{
			"score":          42,
			"participant_id": "forged",
			"seed":           1,
		},
	}))

	p, ok := f.reg.Participant(restored.ParticipantID)
	require.True(t, ok)
	assert.Equal(t, 42, p.Globals["score"])
	assert.NotContains(t, p.Globals, "participant_id")
	assert.NotContains(t, p.Globals, "seed")
}

func TestStaticSceneData_FiltersToDeclaredElements(t *testing.T) {
	recorded := make(chan map[string]any, 1)
	f := newOrchFixture(t, &config.Config{})
	f.service.sink = captureSink{records: recorded}

	conn := f.dial()
	require.NoError(t, f.service.Register(conn, model.RegisterRequest{}))
	restored := awaitOp(t, conn, model.OpSessionRestored).Payload.(model.SessionRestoredPayload)

	require.NoError(t, f.service.StaticSceneData(model.StaticSceneDataRequest{
		SessionID: restored.SessionID,
		SceneID:   "consent",
		Elements:  map[string]any{"agreed": true, "debug_dump": "xxx"},
	}))

	record := <-recorded
	assert.Equal(t, map[string]any{"agreed": true}, record)
}

type captureSink struct {
	sink.Discard
	records chan map[string]any
}

func (c captureSink) AppendParticipantData(sceneID, participantID string, record map[string]any) {
	c.records <- record
}

func TestGraceExpiry_PropagatesWaitroomDropout(t *testing.T) {
	f := newOrchFixture(t, &config.Config{})
	conn := f.dial()
	require.NoError(t, f.service.Register(conn, model.RegisterRequest{}))
	restored := awaitOp(t, conn, model.OpSessionRestored).Payload.(model.SessionRestoredPayload)
	pid := restored.ParticipantID

	require.NoError(t, f.service.Advance(model.AdvanceRequest{SessionID: restored.SessionID}))
	require.NoError(t, f.service.Enqueue(conn, model.EnqueueRequest{
		SessionID: restored.SessionID,
		SceneID:   "play",
	}))
	require.True(t, f.service.matches.IsWaiting(pid))

	f.service.HandleConnectionDrop(conn)

	require.Eventually(t, func() bool {
		return !f.service.matches.IsWaiting(pid)
	}, 3*time.Second, 50*time.Millisecond, "grace expiry removes the waiting entry")
}

func TestGraceReconnect_CancelsExpiry(t *testing.T) {
	f := newOrchFixture(t, &config.Config{})
	conn := f.dial()
	require.NoError(t, f.service.Register(conn, model.RegisterRequest{}))
	restored := awaitOp(t, conn, model.OpSessionRestored).Payload.(model.SessionRestoredPayload)
	pid := restored.ParticipantID

	require.NoError(t, f.service.Advance(model.AdvanceRequest{SessionID: restored.SessionID}))
	require.NoError(t, f.service.Enqueue(conn, model.EnqueueRequest{
		SessionID: restored.SessionID,
		SceneID:   "play",
	}))

	f.service.HandleConnectionDrop(conn)

	back := f.dial()
	require.NoError(t, f.service.Register(back, model.RegisterRequest{ParticipantID: pid}))

	time.Sleep(1500 * time.Millisecond)
	assert.True(t, f.service.matches.IsWaiting(pid), "reconnect inside grace keeps the queue slot")
}

func TestPing_AnswersAndTracksLatency(t *testing.T) {
	f := newOrchFixture(t, &config.Config{})
	conn := f.dial()

	sentAt := time.Now().Add(-25 * time.Millisecond).UnixMilli()
	focus := true
	f.service.Ping(conn, model.PingRequest{SentAt: sentAt, InFocus: &focus})

	pong := awaitOp(t, conn, model.OpPong).Payload.(model.PongPayload)
	assert.Equal(t, sentAt, pong.SentAt)
	assert.GreaterOrEqual(t, conn.LastPingMS(), int64(25))
	assert.True(t, conn.InFocus())
}

func TestDrain_RejectsNewRegistrations(t *testing.T) {
	f := newOrchFixture(t, &config.Config{})
	f.service.Drain()

	conn := f.dial()
	err := f.service.Register(conn, model.RegisterRequest{})
	require.ErrorIs(t, err, model.ErrAdmissionDenied)
	awaitOp(t, conn, model.OpInvalidSession)
}
