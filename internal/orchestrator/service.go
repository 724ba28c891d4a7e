package orchestrator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/interlab/experiment-coordinator/config"
	"github.com/interlab/experiment-coordinator/internal/domain/model"
	"github.com/interlab/experiment-coordinator/internal/domain/registry"
	"github.com/interlab/experiment-coordinator/internal/game"
	"github.com/interlab/experiment-coordinator/internal/matchmaker"
	"github.com/interlab/experiment-coordinator/internal/sink"
	"github.com/interlab/experiment-coordinator/internal/telemetry"
)

const sendTimeout = 500 * time.Millisecond

// reservedGlobals are server-authoritative: client-shipped values for these
// keys never win a merge.
var reservedGlobals = map[string]bool{
	"participant_id": true,
	"session_id":     true,
	"player_index":   true,
	"seed":           true,
}

// ScreeningCallback is a researcher-supplied admission hook referenced by
// screening.callback_id. Errors are fail-open: the participant is admitted.
type ScreeningCallback func(ctx model.ScreeningContext) (admitted bool, reason string, err error)

// Service binds connections to participants, runs each participant's scene
// graph, screens at experiment entry and keeps sessions alive across
// disconnects.
type Service struct {
	reg     *registry.Registry
	hub     registry.Hubber
	emitter telemetry.Emitter
	sink    sink.DataSink
	logger  *slog.Logger
	games   *game.Manager
	matches *matchmaker.Service
	store   *config.ExperimentStore
	cap     int
	ice     []model.ICEServer

	mu        sync.Mutex
	graces    map[string]*time.Timer // participantID -> pending grace expiry
	callbacks map[string]ScreeningCallback
	draining  bool
}

func NewService(reg *registry.Registry, hub registry.Hubber, emitter telemetry.Emitter, dataSink sink.DataSink, logger *slog.Logger, games *game.Manager, matches *matchmaker.Service, store *config.ExperimentStore, cfg *config.Config) *Service {
	ice := make([]model.ICEServer, 0, len(cfg.ICE))
	for _, e := range cfg.ICE {
		ice = append(ice, model.ICEServer{URLs: e.URLs, Username: e.Username, Credential: e.Credential})
	}
	return &Service{
		reg:       reg,
		hub:       hub,
		emitter:   emitter,
		sink:      dataSink,
		logger:    logger,
		games:     games,
		matches:   matches,
		store:     store,
		cap:       cfg.ParticipantCap,
		ice:       ice,
		graces:    make(map[string]*time.Timer),
		callbacks: make(map[string]ScreeningCallback),
	}
}

// RegisterScreeningCallback installs a researcher admission hook.
func (s *Service) RegisterScreeningCallback(id string, cb ScreeningCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[id] = cb
}

// Register binds a connection to a participant. A claimed ID that already
// has a session restores it; a claimed ID with a live connection evicts the
// older one; anything else starts fresh against the current experiment tree.
func (s *Service) Register(conn registry.Connector, req model.RegisterRequest) error {
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		conn.Send(model.NewOutboundPriority(model.OpInvalidSession, model.InvalidSessionPayload{
			Message: "the experiment server is shutting down",
		}, model.PriorityHigh), sendTimeout)
		conn.Close()
		return model.ErrAdmissionDenied
	}

	pid := req.ParticipantID
	if pid == "" {
		pid = uuid.NewString()
	}

	sess, restored := s.reg.SessionByParticipant(pid)
	if !restored {
		if s.cap > 0 && s.reg.ParticipantCount() >= s.cap {
			s.emitter.Emit(telemetry.Event{
				Kind:          telemetry.KindAdmissionDenied,
				ParticipantID: pid,
				Details:       map[string]any{"reason": "capacity"},
			})
			admitted := false
			conn.Send(model.NewOutboundPriority(model.OpExperimentConfig, model.ExperimentConfigPayload{
				ParticipantID: pid,
				Admitted:      &admitted,
				DenyReason:    "the experiment is full",
			}, model.PriorityHigh), sendTimeout)
			conn.Close()
			return model.ErrAdmissionDenied
		}
		exp := s.store.Current()
		p := model.NewParticipant(pid)
		for k, v := range req.Globals {
			if !reservedGlobals[k] {
				p.Globals[k] = v
			}
		}
		if !s.reg.PutParticipant(p) {
			// Row exists but session lookup missed: the session was reaped.
			// Treat as a restore against the surviving row.
			sess, restored = s.reg.SessionByParticipant(pid)
			if !restored {
				return fmt.Errorf("orchestrator: participant %s has no session", pid)
			}
		} else {
			sess = model.NewSession(pid, exp.Scenes)
			if !s.reg.PutSession(sess) {
				return fmt.Errorf("orchestrator: session race for participant %s", pid)
			}
		}
	}

	conn.BindParticipant(pid)
	if evicted := s.hub.Attach(pid, conn); evicted != nil {
		s.emitter.Emit(telemetry.Event{
			Kind:          telemetry.KindDuplicateSession,
			ParticipantID: pid,
			SessionID:     sess.ID,
		})
		evicted.Send(model.NewOutboundPriority(model.OpDuplicateSession, model.DuplicateSessionPayload{
			ParticipantID: pid,
			Message:       "this session was opened somewhere else",
		}, model.PriorityHigh), sendTimeout)
		evicted.Close()
	}
	connID := conn.GetID()
	s.reg.WithParticipants(func(participants map[string]*model.Participant, _ map[string]*model.Session) {
		if p, ok := participants[pid]; ok {
			p.ConnID = &connID
		}
	})
	s.cancelGrace(pid)

	s.emitter.Emit(telemetry.Event{
		Kind:          telemetry.KindConnectionOpened,
		ParticipantID: pid,
		SessionID:     sess.ID,
		Details:       map[string]any{"restored": restored},
	})

	scene := sess.CurrentScene()
	sceneID := ""
	if scene != nil {
		sceneID = scene.SceneID
	}
	s.hub.Send(pid, model.NewOutboundPriority(model.OpSessionRestored, model.SessionRestoredPayload{
		SessionID:     sess.ID,
		ParticipantID: pid,
		SceneIndex:    sess.SceneIndex,
		SceneID:       sceneID,
		Restored:      restored,
	}, model.PriorityHigh))

	if restored {
		// Reconnect inside grace: replay the cached activation and
		// assignment messages, then let the client resume.
		for _, ev := range s.hub.Replay(pid) {
			conn.Send(ev, sendTimeout)
		}
		return nil
	}

	exp := s.store.Current()
	s.hub.Send(pid, model.NewOutbound(model.OpExperimentConfig, model.ExperimentConfigPayload{
		SessionID:     sess.ID,
		ParticipantID: pid,
		Screening: map[string]any{
			"allow_mobile": exp.Screening.AllowMobile,
			"max_ping_ms":  exp.Screening.MaxPingMS,
		},
		Runtime:    exp.Runtime,
		ICEServers: s.ice,
	}))
	s.activateCurrent(sess)
	return nil
}

// activateCurrent sends the activation for the session's current scene.
// Replayable and keyed by opcode, so reconnect replay and repeated sends are
// idempotent for a client already on that scene.
func (s *Service) activateCurrent(sess *model.Session) {
	scene := sess.CurrentScene()
	if scene == nil || sess.Ended {
		return
	}
	s.hub.SendReplayable(sess.ParticipantID, model.NewOutboundPriority(model.OpActivateScene, model.ActivateScenePayload{
		SceneID:    scene.SceneID,
		SceneIndex: sess.SceneIndex,
		Kind:       string(scene.Kind),
		Content:    scene.Content,
	}, model.PriorityHigh))
}

// SubmitScreening evaluates the experiment's admission rules plus the
// researcher callback. Callback failure admits (fail-open) and is logged.
func (s *Service) SubmitScreening(req model.ScreeningRequest) error {
	sess, ok := s.reg.Session(req.SessionID)
	if !ok {
		return model.ErrUnknownSession
	}
	rules := s.store.Current().Screening

	admitted, reason := true, ""
	if !rules.AllowMobile && req.Context.IsMobile {
		admitted, reason = false, "mobile devices are not supported for this experiment"
	}
	if admitted && rules.MaxPingMS > 0 && req.Context.PingMS > rules.MaxPingMS {
		admitted, reason = false, "your connection latency is too high for this experiment"
	}
	if admitted && rules.CallbackID != "" {
		s.mu.Lock()
		cb, found := s.callbacks[rules.CallbackID]
		s.mu.Unlock()
		if found {
			cbAdmit, cbReason, err := cb(req.Context)
			if err != nil {
				s.logger.Warn("screening callback failed, admitting",
					"callback_id", rules.CallbackID, "session_id", sess.ID, "error", err)
			} else if !cbAdmit {
				admitted, reason = false, cbReason
			}
		} else {
			s.logger.Warn("screening callback not registered, admitting", "callback_id", rules.CallbackID)
		}
	}

	pid := sess.ParticipantID
	var sessionID string
	var metadata model.SessionMetadata
	s.reg.MutateSession(pid, func(sess *model.Session) {
		sess.Metadata.ScreeningResult = &model.ScreeningResult{Admitted: admitted, Reason: reason}
		if !admitted {
			sess.Ended = true
		}
		sessionID = sess.ID
		metadata = sess.Metadata
	})
	s.sink.WriteSessionMetadata(sessionID, metadata)

	s.hub.Send(pid, model.NewOutboundPriority(model.OpExperimentConfig, model.ExperimentConfigPayload{
		SessionID:     sess.ID,
		ParticipantID: pid,
		Admitted:      &admitted,
		DenyReason:    reason,
	}, model.PriorityHigh))

	if !admitted {
		s.reg.WithParticipants(func(participants map[string]*model.Participant, _ map[string]*model.Session) {
			if p, ok := participants[pid]; ok {
				_ = p.Apply(model.EventFinalScene)
			}
		})
		s.emitter.Emit(telemetry.Event{
			Kind:          telemetry.KindAdmissionDenied,
			ParticipantID: pid,
			SessionID:     sess.ID,
			Details:       map[string]any{"reason": reason},
		})
	}
	return nil
}

// Advance moves the session to the next scene. Idempotent: an advance naming
// a scene index at or below the current one only re-sends the current
// activation, so replayed messages never move the index backwards.
func (s *Service) Advance(req model.AdvanceRequest) error {
	sess, ok := s.reg.Session(req.SessionID)
	if !ok {
		return model.ErrUnknownSession
	}
	pid := sess.ParticipantID

	var (
		final     bool
		stale     bool
		leftGame  bool
		lastScene string
	)
	s.reg.MutateSession(pid, func(sess *model.Session) {
		if sess.Ended {
			stale = true
			return
		}
		if req.SceneIndex != 0 && req.SceneIndex <= sess.SceneIndex {
			stale = true
			return
		}
		if cur := sess.CurrentScene(); cur != nil {
			lastScene = cur.SceneID
			leftGame = cur.Kind == model.SceneGym
		}
		if sess.OnFinalScene() {
			final = true
			sess.Ended = true
			return
		}
		sess.SceneIndex++
	})

	if stale {
		s.activateCurrent(sess)
		return nil
	}

	s.reg.WithParticipants(func(participants map[string]*model.Participant, _ map[string]*model.Session) {
		p, ok := participants[pid]
		if !ok {
			return
		}
		if final {
			_ = p.Apply(model.EventFinalScene)
			return
		}
		if p.State == model.StateGameEnded {
			if err := p.Apply(model.EventAdvance); err != nil {
				s.logger.Warn("advance transition rejected", "participant_id", pid, "error", err)
			}
		}
		p.SceneIndex = sess.SceneIndex
	})

	if leftGame {
		// Past an interactive scene nothing peer-related may leak forward.
		if g, ok := s.reg.GameByMember(pid); ok {
			s.games.ReleasePeer(g.ID, pid)
		}
	}

	if final {
		var metadata model.SessionMetadata
		s.reg.MutateSession(pid, func(sess *model.Session) { metadata = sess.Metadata })
		s.sink.WriteSessionMetadata(sess.ID, metadata)
		s.hub.Send(pid, model.NewOutbound(model.OpTerminateScene, model.TerminateScenePayload{
			SceneID: lastScene,
			Reason:  "completed",
		}))
		s.emitter.Emit(telemetry.Event{
			Kind:          telemetry.KindStateTransition,
			ParticipantID: pid,
			SessionID:     sess.ID,
			Details:       map[string]any{"to": string(model.StateEnded), "final_scene": lastScene},
		})
		return nil
	}

	s.activateCurrent(sess)
	return nil
}

// SyncGlobals merges client key/values into the participant's globals bag.
// Reserved keys keep their server values; researcher keys are last-writer.
func (s *Service) SyncGlobals(req model.SyncGlobalsRequest) error {
	sess, ok := s.reg.Session(req.SessionID)
	if !ok {
		return model.ErrUnknownSession
	}
	s.reg.WithParticipants(func(participants map[string]*model.Participant, _ map[string]*model.Session) {
		p, ok := participants[sess.ParticipantID]
		if !ok {
			return
		}
		for k, v := range req.Globals {
			if reservedGlobals[k] {
				continue
			}
			p.Globals[k] = v
		}
	})
	return nil
}

// StaticSceneData collects declared form elements from a static scene.
func (s *Service) StaticSceneData(req model.StaticSceneDataRequest) error {
	sess, ok := s.reg.Session(req.SessionID)
	if !ok {
		return model.ErrUnknownSession
	}
	scene := sess.SceneByID(req.SceneID)
	if scene == nil {
		return model.ErrSceneNotFound
	}

	record := req.Elements
	if declared := scene.DataCollection.Elements; len(declared) > 0 {
		record = make(map[string]any, len(declared))
		for _, key := range declared {
			if v, ok := req.Elements[key]; ok {
				record[key] = v
			}
		}
	}
	s.sink.AppendParticipantData(req.SceneID, sess.ParticipantID, record)
	return nil
}

// Enqueue validates the scene and hands the participant to the matchmaker.
func (s *Service) Enqueue(conn registry.Connector, req model.EnqueueRequest) error {
	sess, ok := s.reg.Session(req.SessionID)
	if !ok {
		return model.ErrUnknownSession
	}
	scene := sess.SceneByID(req.SceneID)
	if scene == nil {
		return model.ErrSceneNotFound
	}
	if scene.Kind != model.SceneGym {
		return fmt.Errorf("%w: scene %s is not matchable", model.ErrMalformedMessage, req.SceneID)
	}
	var rtt *int
	if ms := conn.LastPingMS(); ms > 0 {
		v := int(ms)
		rtt = &v
	}
	return s.matches.Enqueue(sess, *scene, req.Attributes, rtt)
}

// LeaveWaitroom handles a voluntary exit from the waiting room.
func (s *Service) LeaveWaitroom(req model.LeaveWaitroomRequest) error {
	sess, ok := s.reg.Session(req.SessionID)
	if !ok {
		return model.ErrUnknownSession
	}
	s.matches.HandleDropout(sess.ParticipantID, true)
	return nil
}

// Ping answers pong and refreshes the connection's latency/focus bookkeeping.
func (s *Service) Ping(conn registry.Connector, req model.PingRequest) {
	now := time.Now().UnixMilli()
	if req.SentAt > 0 && req.SentAt <= now {
		conn.SetPing(now - req.SentAt)
	}
	if req.InFocus != nil {
		conn.SetFocus(*req.InFocus)
	}
	conn.Send(model.NewOutboundPriority(model.OpPong, model.PongPayload{
		SentAt:   req.SentAt,
		ServerAt: now,
	}, model.PriorityLow), sendTimeout)
}

// HandleConnectionDrop starts the scene-configured grace window. Reconnect
// within grace cancels it; expiry propagates as a dropout.
func (s *Service) HandleConnectionDrop(conn registry.Connector) {
	pid := conn.ParticipantID()
	if pid == "" {
		conn.Close()
		return
	}
	s.hub.Detach(pid, conn.GetID())

	sess, ok := s.reg.SessionByParticipant(pid)
	if !ok || sess.Ended {
		conn.Close()
		return
	}
	grace := time.Duration(model.DefaultGraceSeconds) * time.Second
	sceneID := ""
	if scene := sess.CurrentScene(); scene != nil {
		grace = time.Duration(scene.GraceSeconds) * time.Second
		sceneID = scene.SceneID
	}
	s.reg.WithParticipants(func(participants map[string]*model.Participant, _ map[string]*model.Session) {
		if p, ok := participants[pid]; ok {
			p.ConnID = nil
		}
	})

	s.emitter.Emit(telemetry.Event{
		Kind:          telemetry.KindConnectionClosed,
		ParticipantID: pid,
		SessionID:     sess.ID,
		SceneID:       sceneID,
		Details:       map[string]any{"grace_sec": int(grace.Seconds())},
	})

	s.mu.Lock()
	if prev, ok := s.graces[pid]; ok {
		prev.Stop()
	}
	s.graces[pid] = time.AfterFunc(grace, func() {
		s.expireGrace(pid)
	})
	s.mu.Unlock()
	conn.Close()
}

func (s *Service) cancelGrace(pid string) {
	s.mu.Lock()
	if t, ok := s.graces[pid]; ok {
		t.Stop()
		delete(s.graces, pid)
	}
	s.mu.Unlock()
}

// expireGrace fires when the disconnect grace elapsed without a reconnect.
func (s *Service) expireGrace(pid string) {
	s.mu.Lock()
	delete(s.graces, pid)
	s.mu.Unlock()

	if s.hub.IsConnected(pid) {
		return
	}
	if s.matches.IsWaiting(pid) {
		s.matches.HandleDropout(pid, false)
		return
	}
	if _, inGame := s.reg.GameByMember(pid); inGame {
		s.games.HandleDropout(pid)
	}
}

// Drain stops accepting registrations ahead of shutdown.
func (s *Service) Drain() {
	s.mu.Lock()
	s.draining = true
	for pid, t := range s.graces {
		t.Stop()
		delete(s.graces, pid)
	}
	s.mu.Unlock()
}
