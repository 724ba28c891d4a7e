package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/interlab/experiment-coordinator/internal/domain/model"
)

// replayCacheSize bounds the per-participant cache of restorable messages.
// A session only ever needs the latest activate_scene and player_assigned,
// but scene churn during reconnect can briefly hold a few more.
const replayCacheSize = 8

// Celler is the internal API of a per-participant delivery unit.
type Celler interface {
	Push(ev *model.Outbound) bool
	PushReplayable(ev *model.Outbound) bool
	Replay() []*model.Outbound
	Attach(conn Connector) (evicted Connector)
	Detach(connID uuid.UUID) bool
	Conn() Connector
	IsIdle(timeout time.Duration) bool
	Stop()
}

// Cell delivers events to a single participant. Unlike a chat hub, a
// participant has at most one live connection: attaching a second one evicts
// the first (duplicate-session semantics). The cell itself outlives the
// connection so grace-period reconnects land on a warm mailbox.
type Cell struct {
	participantID string

	// mailbox decouples emitters (tick loops, matchmaker) from the socket.
	mailbox chan *model.Outbound

	mu             sync.RWMutex
	conn           Connector
	lastActivityAt time.Time

	// replay holds the most recent messages a reconnecting client must see
	// again (activate_scene, player_assigned), keyed by opcode.
	replay *lru.Cache[model.Op, *model.Outbound]

	doneCh   chan struct{}
	stopOnce sync.Once
}

func NewCell(participantID string, mailboxSize int) *Cell {
	replay, _ := lru.New[model.Op, *model.Outbound](replayCacheSize)
	c := &Cell{
		participantID:  participantID,
		mailbox:        make(chan *model.Outbound, mailboxSize),
		replay:         replay,
		doneCh:         make(chan struct{}),
		lastActivityAt: time.Now(),
	}
	go c.loop()
	return c
}

// Push queues an event for delivery. Returns false on mailbox overflow;
// the caller decides whether that is worth a telemetry event.
func (c *Cell) Push(ev *model.Outbound) bool {
	c.touch()
	select {
	case c.mailbox <- ev:
		return true
	default:
		return false
	}
}

// PushReplayable queues an event and remembers it for reconnect replay.
// Only the latest event per opcode is kept.
func (c *Cell) PushReplayable(ev *model.Outbound) bool {
	c.replay.Add(ev.Op, ev)
	return c.Push(ev)
}

// Replay returns the cached restorable messages, oldest first.
func (c *Cell) Replay() []*model.Outbound {
	keys := c.replay.Keys()
	out := make([]*model.Outbound, 0, len(keys))
	for _, k := range keys {
		if ev, ok := c.replay.Get(k); ok {
			out = append(out, ev)
		}
	}
	return out
}

// Attach installs a new live connection and returns the evicted previous
// one, if any. The caller notifies and closes the evicted connector.
func (c *Cell) Attach(conn Connector) Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.conn
	c.conn = conn
	c.lastActivityAt = time.Now()
	return prev
}

// Detach clears the connection if connID still owns the slot. Returns true
// when the cell is left without a live connection.
func (c *Cell) Detach(connID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.GetID() == connID {
		c.conn = nil
	}
	c.lastActivityAt = time.Now()
	return c.conn == nil
}

func (c *Cell) Conn() Connector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// IsIdle reports whether the cell has been connection-less and quiet long
// enough for the janitor to reclaim it.
func (c *Cell) IsIdle(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn == nil && time.Since(c.lastActivityAt) > timeout
}

func (c *Cell) touch() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case ev := <-c.mailbox:
			c.deliver(ev)
		}
	}
}

func (c *Cell) deliver(ev *model.Outbound) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		// Disconnected inside the grace window; the event is dropped here
		// and, if restorable, replayed from the cache on reconnect.
		return
	}
	conn.Send(ev, 500*time.Millisecond)
}

func (c *Cell) Stop() {
	c.stopOnce.Do(func() {
		close(c.doneCh)
	})
}
