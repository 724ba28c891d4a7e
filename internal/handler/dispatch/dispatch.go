package dispatch

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/interlab/experiment-coordinator/internal/domain/model"
	"github.com/interlab/experiment-coordinator/internal/domain/registry"
	"github.com/interlab/experiment-coordinator/internal/game"
	"github.com/interlab/experiment-coordinator/internal/matchmaker"
	"github.com/interlab/experiment-coordinator/internal/orchestrator"
	"github.com/interlab/experiment-coordinator/internal/peer"
	"github.com/interlab/experiment-coordinator/internal/telemetry"
)

const replyTimeout = 500 * time.Millisecond

// Dispatcher routes decoded envelopes to the owning subsystem. A malformed
// message is dropped with telemetry, the connection survives; an op naming a
// dead session answers invalid_session and severs the connection.
type Dispatcher struct {
	reg     *registry.Registry
	orch    *orchestrator.Service
	matches *matchmaker.Service
	games   *game.Manager
	broker  *peer.Broker
	emitter telemetry.Emitter
	logger  *slog.Logger
}

func New(reg *registry.Registry, orch *orchestrator.Service, matches *matchmaker.Service, games *game.Manager, broker *peer.Broker, emitter telemetry.Emitter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		reg:     reg,
		orch:    orch,
		matches: matches,
		games:   games,
		broker:  broker,
		emitter: emitter,
		logger:  logger,
	}
}

// Dispatch handles one raw inbound frame from the transport.
func (d *Dispatcher) Dispatch(conn registry.Connector, raw []byte) {
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Op == "" {
		d.malformed(conn, "", err)
		return
	}
	if err := d.route(conn, env); err != nil {
		d.fail(conn, env.Op, err)
	}
}

// Disconnect is the transport's notification that the socket is gone.
func (d *Dispatcher) Disconnect(conn registry.Connector) {
	d.orch.HandleConnectionDrop(conn)
}

func (d *Dispatcher) route(conn registry.Connector, env model.Envelope) error {
	switch env.Op {
	case model.OpRegister:
		var req model.RegisterRequest
		if err := decode(env.Payload, &req); err != nil {
			return err
		}
		return d.orch.Register(conn, req)

	case model.OpSubmitScreening:
		var req model.ScreeningRequest
		if err := decode(env.Payload, &req); err != nil {
			return err
		}
		if err := d.own(conn, req.SessionID); err != nil {
			return err
		}
		return d.orch.SubmitScreening(req)

	case model.OpAdvance:
		var req model.AdvanceRequest
		if err := decode(env.Payload, &req); err != nil {
			return err
		}
		if err := d.own(conn, req.SessionID); err != nil {
			return err
		}
		return d.orch.Advance(req)

	case model.OpSyncGlobals:
		var req model.SyncGlobalsRequest
		if err := decode(env.Payload, &req); err != nil {
			return err
		}
		if err := d.own(conn, req.SessionID); err != nil {
			return err
		}
		return d.orch.SyncGlobals(req)

	case model.OpStaticSceneData:
		var req model.StaticSceneDataRequest
		if err := decode(env.Payload, &req); err != nil {
			return err
		}
		if err := d.own(conn, req.SessionID); err != nil {
			return err
		}
		return d.orch.StaticSceneData(req)

	case model.OpEnqueueForScene:
		var req model.EnqueueRequest
		if err := decode(env.Payload, &req); err != nil {
			return err
		}
		if err := d.own(conn, req.SessionID); err != nil {
			return err
		}
		return d.orch.Enqueue(conn, req)

	case model.OpLeaveWaitroom:
		var req model.LeaveWaitroomRequest
		if err := decode(env.Payload, &req); err != nil {
			return err
		}
		if err := d.own(conn, req.SessionID); err != nil {
			return err
		}
		return d.orch.LeaveWaitroom(req)

	case model.OpProbeReady:
		var req model.ProbeReadyRequest
		if err := decode(env.Payload, &req); err != nil {
			return err
		}
		if err := d.own(conn, req.SessionID); err != nil {
			return err
		}
		d.matches.HandleProbeReady(conn.ParticipantID(), req.ProbeID)
		return nil

	case model.OpProbeResult:
		var req model.ProbeResultRequest
		if err := decode(env.Payload, &req); err != nil {
			return err
		}
		if err := d.own(conn, req.SessionID); err != nil {
			return err
		}
		d.matches.HandleProbeResult(conn.ParticipantID(), req.ProbeID, req.RTTMS, req.Failed)
		return nil

	case model.OpAction:
		var req model.ActionRequest
		if err := decode(env.Payload, &req); err != nil {
			return err
		}
		if err := d.own(conn, req.SessionID); err != nil {
			return err
		}
		return d.handleAction(conn, req)

	case model.OpStateHashSample:
		var req model.StateHashSampleRequest
		if err := decode(env.Payload, &req); err != nil {
			return err
		}
		if err := d.own(conn, req.SessionID); err != nil {
			return err
		}
		return d.broker.RecordHashSample(req.GameID, conn.ParticipantID(), req.PlayerIdx, req.TickNum, req.Hash)

	case model.OpResetComplete:
		var req model.ResetCompleteRequest
		if err := decode(env.Payload, &req); err != nil {
			return err
		}
		if err := d.own(conn, req.SessionID); err != nil {
			return err
		}
		d.games.AckReset(req.GameID, conn.ParticipantID())
		return nil

	case model.OpSignaling:
		var req model.SignalingRequest
		if err := decode(env.Payload, &req); err != nil {
			return err
		}
		if err := d.own(conn, req.SessionID); err != nil {
			return err
		}
		return d.broker.RelaySignaling(req.GameID, conn.ParticipantID(), req.Blob)

	case model.OpSelfExclude:
		var req model.SelfExcludeRequest
		if err := decode(env.Payload, &req); err != nil {
			return err
		}
		if err := d.own(conn, req.SessionID); err != nil {
			return err
		}
		return d.broker.SelfExclude(req.GameID, conn.ParticipantID(), req.Reason)

	case model.OpResyncState:
		var req model.ResyncStateRequest
		if err := decode(env.Payload, &req); err != nil {
			return err
		}
		if err := d.own(conn, req.SessionID); err != nil {
			return err
		}
		return d.broker.AcceptResyncState(req.GameID, conn.ParticipantID(), req.TickNum, req.State)

	case model.OpPing:
		var req model.PingRequest
		if err := decode(env.Payload, &req); err != nil {
			return err
		}
		d.orch.Ping(conn, req)
		return nil

	default:
		return model.ErrMalformedMessage
	}
}

// handleAction routes a member action by the game's coordination mode:
// peer-authoritative actions relay through the broker, everything else
// feeds the tick loop's buffer.
func (d *Dispatcher) handleAction(conn registry.Connector, req model.ActionRequest) error {
	g, ok := d.reg.Game(req.GameID)
	if !ok {
		return model.ErrGameNotFound
	}
	pid := conn.ParticipantID()
	if g.Group.PlayerIndex(pid) != req.PlayerIdx {
		return model.ErrMalformedMessage
	}

	sess, ok := d.reg.SessionByParticipant(pid)
	if !ok {
		return model.ErrUnknownSession
	}
	scene := sess.SceneByID(g.SceneID)
	if scene != nil && scene.PeerMode == model.PeerModePeerAuth {
		if req.EpisodeDone {
			d.games.MarkEpisodeDone(req.GameID)
		}
		return d.broker.RelayAction(req.GameID, pid, req.PlayerIdx, req.TickNum, req.Action)
	}
	return d.games.SubmitAction(req.GameID, req.PlayerIdx, req.TickNum, req.Action)
}

// own verifies the session exists and belongs to the connection's bound
// participant. Anything else is an UnknownSession.
func (d *Dispatcher) own(conn registry.Connector, sessionID string) error {
	sess, ok := d.reg.Session(sessionID)
	if !ok || sess.ParticipantID != conn.ParticipantID() {
		return model.ErrUnknownSession
	}
	return nil
}

func (d *Dispatcher) fail(conn registry.Connector, op model.Op, err error) {
	switch {
	case errors.Is(err, model.ErrUnknownSession):
		d.emitter.Emit(telemetry.Event{
			Kind:          telemetry.KindInvalidSession,
			ParticipantID: conn.ParticipantID(),
			Details:       map[string]any{"op": string(op)},
		})
		conn.Send(model.NewOutboundPriority(model.OpInvalidSession, model.InvalidSessionPayload{
			Message: "this session is no longer valid",
		}, model.PriorityHigh), replyTimeout)
		conn.Close()
	case errors.Is(err, model.ErrAdmissionDenied):
		// Already answered and closed by the orchestrator.
	case errors.Is(err, model.ErrMalformedMessage):
		d.malformed(conn, op, err)
	default:
		d.logger.Warn("dispatch failed", "op", string(op),
			"participant_id", conn.ParticipantID(), "error", err)
	}
}

func (d *Dispatcher) malformed(conn registry.Connector, op model.Op, err error) {
	details := map[string]any{"op": string(op)}
	if err != nil {
		details["error"] = err.Error()
	}
	d.emitter.Emit(telemetry.Event{
		Kind:          telemetry.KindMalformed,
		ParticipantID: conn.ParticipantID(),
		Details:       details,
	})
}

func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		// A bare envelope is legal for ops whose fields are all optional;
		// required-field checks happen downstream.
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return errors.Join(model.ErrMalformedMessage, err)
	}
	return nil
}
