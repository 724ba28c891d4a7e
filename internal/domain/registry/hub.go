package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/interlab/experiment-coordinator/internal/domain/model"
)

// Hubber is the gateway for participant delivery and connection lifecycle.
type Hubber interface {
	Attach(participantID string, conn Connector) (evicted Connector)
	Detach(participantID string, connID uuid.UUID)
	Send(participantID string, ev *model.Outbound) bool
	SendReplayable(participantID string, ev *model.Outbound) bool
	Replay(participantID string) []*model.Outbound
	IsConnected(participantID string) bool
	Conn(participantID string) Connector
	Stats() HubStats
	Shutdown()
}

// HubStats is a point-in-time view for health reporting.
type HubStats struct {
	Cells       int `json:"cells"`
	Connections int `json:"connections"`
}

type hubConfig struct {
	mailboxSize      int
	idleTimeout      time.Duration
	evictionInterval time.Duration
}

// Hub routes outbound events to per-participant cells. Lookups are
// lock-free via sync.Map; each cell carries its own fine-grained lock.
type Hub struct {
	cells  sync.Map // participantID -> *Cell
	config hubConfig
	doneCh chan struct{}
	once   sync.Once
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		config: hubConfig{
			mailboxSize:      1024,
			idleTimeout:      30 * time.Minute,
			evictionInterval: 15 * time.Minute,
		},
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.janitor()
	return h
}

func (h *Hub) cell(participantID string) (*Cell, bool) {
	if val, ok := h.cells.Load(participantID); ok {
		return val.(*Cell), true
	}
	return nil, false
}

// Attach binds a live connection to the participant's cell, creating the
// cell on first contact. The previously attached connection, if any, is
// returned so the caller can emit duplicate_session before closing it.
func (h *Hub) Attach(participantID string, conn Connector) Connector {
	val, ok := h.cells.Load(participantID)
	if !ok {
		fresh := NewCell(participantID, h.config.mailboxSize)
		actual, loaded := h.cells.LoadOrStore(participantID, fresh)
		if loaded {
			// Lost the creation race; stop the spare loop.
			fresh.Stop()
		}
		val = actual
	}
	return val.(*Cell).Attach(conn)
}

// Detach drops the connection from the cell. The cell itself stays so the
// participant can reconnect within grace; the janitor reclaims stale cells.
func (h *Hub) Detach(participantID string, connID uuid.UUID) {
	if cell, ok := h.cell(participantID); ok {
		cell.Detach(connID)
	}
}

// Send routes an event to the participant. Returns false on miss/overflow.
func (h *Hub) Send(participantID string, ev *model.Outbound) bool {
	if cell, ok := h.cell(participantID); ok {
		return cell.Push(ev)
	}
	return false
}

// SendReplayable additionally records the event for reconnect replay.
func (h *Hub) SendReplayable(participantID string, ev *model.Outbound) bool {
	if cell, ok := h.cell(participantID); ok {
		return cell.PushReplayable(ev)
	}
	return false
}

func (h *Hub) Replay(participantID string) []*model.Outbound {
	if cell, ok := h.cell(participantID); ok {
		return cell.Replay()
	}
	return nil
}

func (h *Hub) IsConnected(participantID string) bool {
	cell, ok := h.cell(participantID)
	return ok && cell.Conn() != nil
}

func (h *Hub) Conn(participantID string) Connector {
	if cell, ok := h.cell(participantID); ok {
		return cell.Conn()
	}
	return nil
}

func (h *Hub) Stats() HubStats {
	var s HubStats
	h.cells.Range(func(_, val any) bool {
		cell, ok := val.(*Cell)
		if !ok || cell == nil {
			return true
		}
		s.Cells++
		if cell.Conn() != nil {
			s.Connections++
		}
		return true
	})
	return s
}

// janitor reclaims cells whose participant has been gone long past any
// grace window. Sessions are owned by the orchestrator and have their own
// expiry; this loop only frees delivery resources.
func (h *Hub) janitor() {
	ticker := time.NewTicker(h.config.evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.doneCh:
			return
		case <-ticker.C:
			h.cells.Range(func(key, val any) bool {
				cell, ok := val.(*Cell)
				if ok && cell != nil && cell.IsIdle(h.config.idleTimeout) {
					cell.Stop()
					h.cells.Delete(key)
				}
				return true
			})
		}
	}
}

// Shutdown stops all cell goroutines and the janitor.
func (h *Hub) Shutdown() {
	h.once.Do(func() {
		close(h.doneCh)
	})
	h.cells.Range(func(key, val any) bool {
		if cell, ok := val.(*Cell); ok && cell != nil {
			cell.Stop()
		}
		h.cells.Delete(key)
		return true
	})
}
