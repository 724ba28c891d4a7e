package matchmaker

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
	"github.com/interlab/experiment-coordinator/internal/sink"
	"github.com/interlab/experiment-coordinator/internal/telemetry"
)

// Service runs the waiting rooms: one queue per scene, a pluggable matcher,
// optional pre-match probing, the start countdown, and the assignment audit
// log. All queue state lives under one coarse mutex; the matcher runs
// synchronously inside it, so find+remove is atomic and a participant can
// never be double-assigned under concurrent arrivals.
type Service struct {
	reg     *registry.Registry
	hub     registry.Hubber
	emitter telemetry.Emitter
	sink    sink.DataSink
	logger  *slog.Logger
	games   *game.Manager
	ice     []model.ICEServer

	mu         sync.Mutex
	rooms      map[string]*waitingRoom
	byPID      map[string]*model.WaitingEntry // global: one entry per participant
	probes     map[uuid.UUID]*probeRun
	probeFails map[string]int
	partners   map[string]map[string]bool // accumulated prior-partner history
	matchers   map[string]Matcher
}

// matchResult pairs a formed group with the entries it consumed, so a
// dissolved probe can return them to the queue intact.
type matchResult struct {
	group   *model.PlayerGroup
	entries []*model.WaitingEntry
}

type waitingRoom struct {
	spec    model.SceneSpec
	entries []*model.WaitingEntry
	timers  map[string]*time.Timer
}

func NewService(reg *registry.Registry, hub registry.Hubber, emitter telemetry.Emitter, dataSink sink.DataSink, logger *slog.Logger, games *game.Manager, cfg *config.Config) *Service {
	ice := make([]model.ICEServer, 0, len(cfg.ICE))
	for _, e := range cfg.ICE {
		ice = append(ice, model.ICEServer{URLs: e.URLs, Username: e.Username, Credential: e.Credential})
	}
	return &Service{
		reg:        reg,
		hub:        hub,
		emitter:    emitter,
		sink:       dataSink,
		logger:     logger,
		games:      games,
		ice:        ice,
		rooms:      make(map[string]*waitingRoom),
		byPID:      make(map[string]*model.WaitingEntry),
		probes:     make(map[uuid.UUID]*probeRun),
		probeFails: make(map[string]int),
		partners:   make(map[string]map[string]bool),
		matchers:   map[string]Matcher{"": &FIFOMatcher{}, "fifo": &FIFOMatcher{}},
	}
}

// RegisterMatcher installs a named matching policy for scene configs to
// reference. Must be called before the first enqueue for that scene.
func (s *Service) RegisterMatcher(name string, m Matcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matchers[name] = m
}

func (s *Service) matcherFor(spec model.SceneSpec) Matcher {
	if m, ok := s.matchers[spec.Matcher]; ok {
		return m
	}
	s.logger.Warn("unknown matcher, using fifo", "matcher", spec.Matcher, "scene_id", spec.SceneID)
	return s.matchers["fifo"]
}

// Enqueue adds a participant to the scene's waiting room and immediately
// tries to match. Idempotent per participant: a second enqueue while
// already waiting is rejected.
func (s *Service) Enqueue(sess *model.Session, spec model.SceneSpec, attributes map[string]any, rttMS *int) error {
	pid := sess.ParticipantID

	var transitionErr error
	s.reg.WithParticipants(func(participants map[string]*model.Participant, _ map[string]*model.Session) {
		p, ok := participants[pid]
		if !ok {
			transitionErr = fmt.Errorf("enqueue: unknown participant %s", pid)
			return
		}
		transitionErr = p.Apply(model.EventEnterWaitroom)
	})
	if transitionErr != nil {
		return transitionErr
	}

	entry := &model.WaitingEntry{
		ParticipantID: pid,
		SceneID:       spec.SceneID,
		ArrivedAt:     time.Now(),
		Attributes:    attributes,
		RTTToServer:   rttMS,
		PriorPartners: s.partnerHistory(pid),
	}

	s.mu.Lock()
	if _, waiting := s.byPID[pid]; waiting {
		s.mu.Unlock()
		return model.ErrAlreadyWaiting
	}
	room := s.roomLocked(spec)
	room.entries = append(room.entries, entry)
	s.byPID[pid] = entry
	s.armTimeoutLocked(room, entry)

	matched := s.tryMatchLocked(room, entry)
	s.broadcastStatusLocked(room)
	s.mu.Unlock()

	if matched != nil {
		s.groupFormed(room.spec, matched.group, matched.entries)
	}
	return nil
}

func (s *Service) partnerHistory(pid string) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.partners[pid]))
	for p := range s.partners[pid] {
		out[p] = true
	}
	return out
}

func (s *Service) roomLocked(spec model.SceneSpec) *waitingRoom {
	room, ok := s.rooms[spec.SceneID]
	if !ok {
		room = &waitingRoom{spec: spec, timers: make(map[string]*time.Timer)}
		s.rooms[spec.SceneID] = room
	}
	return room
}

// tryMatchLocked invokes the matcher and, on success, removes the group's
// entries from the queue atomically. Returns nil when no group formed.
func (s *Service) tryMatchLocked(room *waitingRoom, arriving *model.WaitingEntry) *matchResult {
	snapshot := make([]*model.WaitingEntry, len(room.entries))
	copy(snapshot, room.entries)

	picked := s.matcherFor(room.spec).FindMatch(arriving, snapshot, room.spec.GroupSize)
	if picked == nil {
		return nil
	}
	if len(picked) != room.spec.GroupSize {
		s.logger.Warn("matcher returned wrong group size, ignoring",
			"scene_id", room.spec.SceneID, "got", len(picked), "want", room.spec.GroupSize)
		return nil
	}
	for _, e := range picked {
		s.removeLocked(room, e.ParticipantID)
	}
	group := model.NewPlayerGroup(room.spec.SceneID, picked)

	s.emitter.Emit(telemetry.Event{
		Kind:    telemetry.KindMatchDecision,
		SceneID: room.spec.SceneID,
		Details: map[string]any{
			"group_id": group.GroupID,
			"members":  group.OrderedMembers,
			"waiting":  len(snapshot),
		},
	})
	return &matchResult{group: group, entries: picked}
}

func (s *Service) removeLocked(room *waitingRoom, pid string) {
	for i, e := range room.entries {
		if e.ParticipantID == pid {
			room.entries = append(room.entries[:i], room.entries[i+1:]...)
			break
		}
	}
	if t, ok := room.timers[pid]; ok {
		t.Stop()
		delete(room.timers, pid)
	}
	delete(s.byPID, pid)
}

func (s *Service) armTimeoutLocked(room *waitingRoom, entry *model.WaitingEntry) {
	pid := entry.ParticipantID
	room.timers[pid] = time.AfterFunc(time.Duration(room.spec.WaitroomMaxWait)*time.Second, func() {
		s.handleTimeout(room.spec.SceneID, pid)
	})
}

func (s *Service) broadcastStatusLocked(room *waitingRoom) {
	for _, e := range room.entries {
		s.hub.Send(e.ParticipantID, model.NewOutbound(model.OpWaitingRoomStatus, model.WaitingRoomStatusPayload{
			SceneID:      room.spec.SceneID,
			WaitingCount: len(room.entries),
			GroupSize:    room.spec.GroupSize,
			ElapsedSec:   int(time.Since(e.ArrivedAt).Seconds()),
		}))
	}
}

// handleTimeout fires when an entry waited out the scene's max wait.
func (s *Service) handleTimeout(sceneID, pid string) {
	s.mu.Lock()
	room, ok := s.rooms[sceneID]
	if !ok {
		s.mu.Unlock()
		return
	}
	entry, waiting := s.byPID[pid]
	if !waiting || entry.SceneID != sceneID {
		// Matched or left in the meantime; one termination event at most.
		s.mu.Unlock()
		return
	}
	action := s.matcherFor(room.spec).OnTimeout(entry)

	switch action.Decision {
	case TimeoutContinue:
		s.armTimeoutLocked(room, entry)
		s.mu.Unlock()
		return
	case TimeoutPairWithBots:
		s.removeLocked(room, pid)
		group := model.NewPlayerGroup(sceneID, []*model.WaitingEntry{entry})
		s.broadcastStatusLocked(room)
		s.mu.Unlock()
		s.groupFormed(room.spec, group, []*model.WaitingEntry{entry})
		return
	default: // TimeoutRedirect
		s.removeLocked(room, pid)
		s.broadcastStatusLocked(room)
		s.mu.Unlock()
	}

	s.reg.WithParticipants(func(participants map[string]*model.Participant, _ map[string]*model.Session) {
		if p, ok := participants[pid]; ok {
			if err := p.Apply(model.EventWaitTimeout); err != nil {
				s.logger.Warn("timeout transition rejected", "participant_id", pid, "error", err)
			}
		}
	})
	s.hub.Send(pid, model.NewOutboundPriority(model.OpTerminateScene, model.TerminateScenePayload{
		SceneID:  sceneID,
		Reason:   "no partner could be found in time",
		Redirect: action.Redirect,
	}, model.PriorityHigh))
	s.emitter.Emit(telemetry.Event{
		Kind:          telemetry.KindMatchDecision,
		ParticipantID: pid,
		SceneID:       sceneID,
		Details:       map[string]any{"outcome": "timeout", "redirect": action.Redirect},
	})
}

// HandleDropout is invoked by the orchestrator when a waiting participant's
// disconnect grace expired, and by voluntary leave_waitroom.
func (s *Service) HandleDropout(pid string, voluntary bool) {
	s.mu.Lock()
	entry, waiting := s.byPID[pid]
	if !waiting {
		s.mu.Unlock()
		return
	}
	room := s.rooms[entry.SceneID]
	s.removeLocked(room, pid)

	remaining := make([]*model.WaitingEntry, len(room.entries))
	copy(remaining, room.entries)
	decision := s.matcherFor(room.spec).OnDropout(entry, remaining)

	if decision == DropoutCancel {
		for _, e := range remaining {
			s.removeLocked(room, e.ParticipantID)
		}
	} else {
		s.broadcastStatusLocked(room)
	}
	s.mu.Unlock()

	event := model.EventWaitDropout
	s.reg.WithParticipants(func(participants map[string]*model.Participant, _ map[string]*model.Session) {
		if p, ok := participants[pid]; ok {
			if err := p.Apply(event); err != nil {
				s.logger.Warn("dropout transition rejected", "participant_id", pid, "error", err)
			}
		}
		if decision == DropoutCancel {
			for _, e := range remaining {
				if p, ok := participants[e.ParticipantID]; ok {
					_ = p.Apply(model.EventWaitDropout)
				}
			}
		}
	})
	if decision == DropoutCancel {
		for _, e := range remaining {
			s.hub.Send(e.ParticipantID, model.NewOutboundPriority(model.OpTerminateScene, model.TerminateScenePayload{
				SceneID: entry.SceneID,
				Reason:  "the waiting room was closed",
			}, model.PriorityHigh))
		}
	}
	s.emitter.Emit(telemetry.Event{
		Kind:          telemetry.KindMatchDecision,
		ParticipantID: pid,
		SceneID:       entry.SceneID,
		Details:       map[string]any{"outcome": "dropout", "voluntary": voluntary},
	})
}

// groupFormed runs after find+remove: probe first when the scene asks for
// it, otherwise confirm straight away. Probing is pairwise, so a lone-human
// bot group skips it.
func (s *Service) groupFormed(spec model.SceneSpec, group *model.PlayerGroup, entries []*model.WaitingEntry) {
	if spec.ProbeRequired && len(group.OrderedMembers) == 2 {
		s.startProbe(spec, group, entries)
		return
	}
	s.confirmGroup(spec, group, nil)
}

// confirmGroup emits the countdown, writes the assignment log and hands the
// group to the game lifecycle manager. probeRTT is nil when probing was off.
func (s *Service) confirmGroup(spec model.SceneSpec, group *model.PlayerGroup, probeRTT *int) {
	s.recordPartners(group)

	countdown := model.NewOutboundPriority(model.OpMatchCountdown, model.MatchCountdownPayload{
		SceneID: spec.SceneID,
		Seconds: spec.CountdownSeconds,
	}, model.PriorityHigh)
	for _, pid := range group.OrderedMembers {
		s.hub.Send(pid, countdown)
	}

	record := map[string]any{
		"group_id":       group.GroupID,
		"scene_id":       spec.SceneID,
		"members":        group.OrderedMembers,
		"formed_at":      group.FormedAt.UTC().Format(time.RFC3339Nano),
		"prior_partners": group.PriorPartners,
	}
	if probeRTT != nil {
		record["probe_rtt_ms"] = *probeRTT
	}
	s.sink.WriteMatchAssignment(spec.SceneID, record)

	s.reg.WithParticipants(func(participants map[string]*model.Participant, _ map[string]*model.Session) {
		for _, pid := range group.OrderedMembers {
			if p, ok := participants[pid]; ok {
				if err := p.Apply(model.EventMatched); err != nil {
					s.logger.Warn("matched transition rejected", "participant_id", pid, "error", err)
				}
			}
		}
	})

	delay := time.Duration(spec.CountdownSeconds) * time.Second
	if _, err := s.games.CreateGame(spec, group, delay); err != nil {
		s.logger.Error("game creation failed", "scene_id", spec.SceneID, "group_id", group.GroupID, "error", err)
		for _, pid := range group.OrderedMembers {
			s.hub.Send(pid, model.NewOutboundPriority(model.OpTerminateScene, model.TerminateScenePayload{
				SceneID: spec.SceneID,
				Reason:  "the game could not be started",
			}, model.PriorityHigh))
		}
	}
}

func (s *Service) recordPartners(group *model.PlayerGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range group.OrderedMembers {
		if s.partners[a] == nil {
			s.partners[a] = make(map[string]bool)
		}
		for _, b := range group.OrderedMembers {
			if a != b {
				s.partners[a][b] = true
			}
		}
	}
}

// IsWaiting reports whether the participant has a queued entry anywhere.
func (s *Service) IsWaiting(pid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byPID[pid]
	return ok
}
