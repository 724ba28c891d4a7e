package matchmaker

import (
	"time"

	"github.com/google/uuid"
	"github.com/interlab/experiment-coordinator/internal/domain/model"
	"github.com/interlab/experiment-coordinator/internal/telemetry"
)

const (
	probeTimeout     = time.Duration(model.DefaultProbeTimeout) * time.Second
	probeRounds      = 5
	maxProbeFailures = 2
)

// probeRun tracks one pre-match RTT measurement between a matched pair. The
// group is not confirmed until the probe passes; on failure or timeout the
// pair dissolves back into the queue.
type probeRun struct {
	probe   *model.ProbeSession
	spec    model.SceneSpec
	group   *model.PlayerGroup
	entries map[string]*model.WaitingEntry
	ready   map[string]bool
	results map[string]int
	timer   *time.Timer
}

// startProbe kicks off the pairwise measurement. Member 0 initiates the
// direct channel; both sides get the ICE servers.
func (s *Service) startProbe(spec model.SceneSpec, group *model.PlayerGroup, entries []*model.WaitingEntry) {
	probe := model.NewProbeSession(spec.SceneID, group.OrderedMembers[0], group.OrderedMembers[1])
	run := &probeRun{
		probe:   probe,
		spec:    spec,
		group:   group,
		entries: make(map[string]*model.WaitingEntry, len(entries)),
		ready:   make(map[string]bool),
		results: make(map[string]int),
	}
	for _, e := range entries {
		run.entries[e.ParticipantID] = e
	}

	s.mu.Lock()
	s.probes[probe.ProbeID] = run
	run.timer = time.AfterFunc(probeTimeout, func() {
		s.dissolveProbe(probe.ProbeID, "probe timeout")
	})
	s.mu.Unlock()

	for idx, pid := range group.OrderedMembers {
		s.hub.Send(pid, model.NewOutboundPriority(model.OpProbePrepare, model.ProbePreparePayload{
			ProbeID:    probe.ProbeID,
			SceneID:    spec.SceneID,
			Initiator:  idx == 0,
			ICEServers: s.ice,
		}, model.PriorityHigh))
	}
}

// HandleProbeReady records one side's channel-open signal; when both sides
// are ready the measurement rounds start.
func (s *Service) HandleProbeReady(pid string, probeID uuid.UUID) {
	s.mu.Lock()
	run, ok := s.probes[probeID]
	if !ok || run.group.PlayerIndex(pid) < 0 {
		s.mu.Unlock()
		return
	}
	run.ready[pid] = true
	bothReady := len(run.ready) == len(run.group.OrderedMembers)
	s.mu.Unlock()

	if !bothReady {
		return
	}
	start := model.NewOutboundPriority(model.OpProbeStart, model.ProbeStartPayload{
		ProbeID: probeID,
		Rounds:  probeRounds,
	}, model.PriorityHigh)
	for _, member := range run.group.OrderedMembers {
		s.hub.Send(member, start)
	}
}

// HandleProbeResult records one side's measured RTT. A reported failure
// dissolves immediately; otherwise the pair confirms once both sides report
// under the scene's peer RTT ceiling.
func (s *Service) HandleProbeResult(pid string, probeID uuid.UUID, rttMS int, failed bool) {
	if failed {
		s.dissolveProbe(probeID, "channel setup failed")
		return
	}

	s.mu.Lock()
	run, ok := s.probes[probeID]
	if !ok || run.group.PlayerIndex(pid) < 0 {
		s.mu.Unlock()
		return
	}
	run.results[pid] = rttMS
	if len(run.results) < len(run.group.OrderedMembers) {
		s.mu.Unlock()
		return
	}
	worst := 0
	for _, rtt := range run.results {
		if rtt > worst {
			worst = rtt
		}
	}
	run.timer.Stop()
	delete(s.probes, probeID)
	run.probe.MeasuredRTT = &worst
	pass := run.spec.MaxPeerRTT == 0 || worst <= run.spec.MaxPeerRTT
	s.mu.Unlock()

	s.emitter.Emit(telemetry.Event{
		Kind:    telemetry.KindProbeResult,
		SceneID: run.spec.SceneID,
		Details: map[string]any{
			"probe_id": probeID,
			"rtt_ms":   worst,
			"passed":   pass,
		},
	})

	if !pass {
		s.requeueOrEnd(run, "peer latency too high")
		return
	}
	s.confirmGroup(run.spec, run.group, &worst)
}

// dissolveProbe tears down a failed or timed-out probe and returns the pair
// to the queue.
func (s *Service) dissolveProbe(probeID uuid.UUID, detail string) {
	s.mu.Lock()
	run, ok := s.probes[probeID]
	if !ok {
		s.mu.Unlock()
		return
	}
	run.timer.Stop()
	delete(s.probes, probeID)
	s.mu.Unlock()

	s.emitter.Emit(telemetry.Event{
		Kind:    telemetry.KindProbeResult,
		SceneID: run.spec.SceneID,
		Details: map[string]any{"probe_id": probeID, "passed": false, "detail": detail},
	})
	s.requeueOrEnd(run, detail)
}

// requeueOrEnd puts dissolved members back at the head of the queue in
// arrival order. A member whose probes keep failing is ended through the
// matcher's timeout action instead of looping forever against the same
// partner.
func (s *Service) requeueOrEnd(run *probeRun, detail string) {
	var ended []string

	s.mu.Lock()
	room := s.roomLocked(run.spec)
	var matched *matchResult
	for i := len(run.group.OrderedMembers) - 1; i >= 0; i-- {
		pid := run.group.OrderedMembers[i]
		entry, ok := run.entries[pid]
		if !ok {
			continue
		}
		s.probeFails[pid]++
		if s.probeFails[pid] >= maxProbeFailures {
			ended = append(ended, pid)
			continue
		}
		room.entries = append([]*model.WaitingEntry{entry}, room.entries...)
		s.byPID[pid] = entry
		s.armTimeoutLocked(room, entry)
		if matched == nil {
			matched = s.tryMatchLocked(room, entry)
		}
	}
	s.broadcastStatusLocked(room)
	s.mu.Unlock()

	for _, pid := range ended {
		s.endAfterProbeFailures(run.spec, pid, detail)
	}
	if matched != nil {
		s.groupFormed(run.spec, matched.group, matched.entries)
	}
}

func (s *Service) endAfterProbeFailures(spec model.SceneSpec, pid, detail string) {
	s.mu.Lock()
	action := s.matcherFor(spec).OnTimeout(&model.WaitingEntry{ParticipantID: pid, SceneID: spec.SceneID})
	delete(s.probeFails, pid)
	s.mu.Unlock()

	s.reg.WithParticipants(func(participants map[string]*model.Participant, _ map[string]*model.Session) {
		if p, ok := participants[pid]; ok {
			if err := p.Apply(model.EventWaitTimeout); err != nil {
				s.logger.Warn("probe-failure transition rejected", "participant_id", pid, "error", err)
			}
		}
	})
	s.hub.Send(pid, model.NewOutboundPriority(model.OpTerminateScene, model.TerminateScenePayload{
		SceneID:  spec.SceneID,
		Reason:   "a reliable connection to a partner could not be established",
		Redirect: action.Redirect,
	}, model.PriorityHigh))
	s.logger.Info("participant ended after repeated probe failures",
		"participant_id", pid, "scene_id", spec.SceneID, "detail", detail)
}
