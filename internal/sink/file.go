package sink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/interlab/experiment-coordinator/internal/telemetry"
	"github.com/sony/gobreaker"
)

type jobKind int

const (
	jobParticipantData jobKind = iota
	jobMatchAssignment
	jobSessionMetadata
)

type writeJob struct {
	kind          jobKind
	sceneID       string
	participantID string
	sessionID     string
	record        any
	queuedAt      time.Time
}

// FileSink writes JSON-lines files under the data directory through a
// single background writer. The inbound queue is bounded; on overflow the
// oldest job is dropped and a SinkBackpressure event is emitted. Disk
// failures trip a breaker so a dead volume degrades to telemetry noise
// instead of a goroutine pileup.
type FileSink struct {
	dir     string
	logger  *slog.Logger
	emitter telemetry.Emitter
	breaker *gobreaker.CircuitBreaker

	queue chan writeJob
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

const defaultQueueSize = 8192

func NewFileSink(dir string, logger *slog.Logger, emitter telemetry.Emitter) (*FileSink, error) {
	for _, sub := range []string{"", "sessions"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("sink: mkdir %s: %w", dir, err)
		}
	}
	s := &FileSink{
		dir:     dir,
		logger:  logger,
		emitter: emitter,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "data-sink",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		queue: make(chan writeJob, defaultQueueSize),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

func (s *FileSink) AppendParticipantData(sceneID, participantID string, record map[string]any) {
	s.enqueue(writeJob{
		kind:          jobParticipantData,
		sceneID:       sceneID,
		participantID: participantID,
		record:        record,
		queuedAt:      time.Now(),
	})
}

func (s *FileSink) WriteMatchAssignment(sceneID string, groupRecord any) {
	s.enqueue(writeJob{
		kind:     jobMatchAssignment,
		sceneID:  sceneID,
		record:   groupRecord,
		queuedAt: time.Now(),
	})
}

func (s *FileSink) WriteSessionMetadata(sessionID string, metadata any) {
	s.enqueue(writeJob{
		kind:      jobSessionMetadata,
		sessionID: sessionID,
		record:    metadata,
		queuedAt:  time.Now(),
	})
}

func (s *FileSink) enqueue(job writeJob) {
	select {
	case s.queue <- job:
		return
	default:
	}
	// Queue full: shed the oldest job and report.
	select {
	case dropped := <-s.queue:
		s.emitter.Emit(telemetry.Event{
			Kind:    telemetry.KindSinkBackpressure,
			SceneID: dropped.sceneID,
			Details: map[string]any{"queued_for_ms": time.Since(dropped.queuedAt).Milliseconds()},
		})
	default:
	}
	select {
	case s.queue <- job:
	default:
	}
}

func (s *FileSink) writer() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			for {
				select {
				case job := <-s.queue:
					s.write(job)
				default:
					return
				}
			}
		case job := <-s.queue:
			s.write(job)
		}
	}
}

func (s *FileSink) write(job writeJob) {
	_, err := s.breaker.Execute(func() (any, error) {
		switch job.kind {
		case jobParticipantData:
			line := map[string]any{
				"participant_id": job.participantID,
				"at":             job.queuedAt.UTC().Format(time.RFC3339Nano),
				"record":         job.record,
			}
			return nil, s.appendLine(filepath.Join(s.dir, job.sceneID+".participant.jsonl"), line)
		case jobMatchAssignment:
			return nil, s.appendLine(filepath.Join(s.dir, job.sceneID+".matches.jsonl"), job.record)
		case jobSessionMetadata:
			return nil, s.replaceFile(filepath.Join(s.dir, "sessions", job.sessionID+".json"), job.record)
		}
		return nil, nil
	})
	if err != nil {
		s.logger.Warn("sink write failed", "error", err, "scene_id", job.sceneID)
	}
}

func (s *FileSink) appendLine(path string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

func (s *FileSink) replaceFile(path string, record any) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Close drains the queue and stops the writer.
func (s *FileSink) Close() {
	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}
