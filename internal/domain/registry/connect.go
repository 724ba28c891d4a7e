package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/interlab/experiment-coordinator/internal/domain/model"
)

// Interface guard
var _ Connector = (*connect)(nil)

// Connector is the transport-facing handle for one live connection. The
// transport adapter owns the read/write pumps; everything else talks to the
// connection only through this interface.
type Connector interface {
	GetID() uuid.UUID
	ParticipantID() string
	BindParticipant(id string)
	Send(ev *model.Outbound, timeout time.Duration) bool
	Recv() <-chan *model.Outbound
	Close()

	SetPing(ms int64)
	LastPingMS() int64
	SetFocus(in bool)
	InFocus() bool
}

// ConnectMetadata is exported for the transport and telemetry layers.
type ConnectMetadata struct {
	RemoteIP  string
	UserAgent string
}

type connect struct {
	id        uuid.UUID
	metadata  ConnectMetadata
	createdAt time.Time

	ctx      context.Context
	cancelFn context.CancelFunc

	// sendMu excludes in-flight senders while Close shuts the channel.
	// Close cancels ctx before taking the write side, so a blocked Send
	// unblocks instead of holding Close for its full timeout.
	sendMu sync.RWMutex
	closed bool
	sendCh chan *model.Outbound

	closeOnce sync.Once

	// Atomic fields; touched from the read pump and screening paths.
	participantID atomic.Value // string
	lastPingMS    int64
	inFocus       int32
	droppedCount  uint64
}

// NewConnector builds a connector bound to the request context. Shells are
// not pooled: cells and dispatch paths keep references past Close, so a
// recycled shell could be re-initialized under a stale holder. The
// participant identity is unknown until the register opcode arrives.
func NewConnector(ctx context.Context, meta ConnectMetadata, bufferSize int) Connector {
	childCtx, cancel := context.WithCancel(ctx)
	c := &connect{
		id:        uuid.New(),
		metadata:  meta,
		createdAt: time.Now(),
		ctx:       childCtx,
		cancelFn:  cancel,
		sendCh:    make(chan *model.Outbound, bufferSize),
	}
	c.inFocus = 1
	return c
}

func (c *connect) GetID() uuid.UUID { return c.id }

func (c *connect) ParticipantID() string {
	if v, ok := c.participantID.Load().(string); ok {
		return v
	}
	return ""
}

func (c *connect) BindParticipant(id string) {
	c.participantID.Store(id)
}

// Send enqueues an event for the write pump, waiting up to timeout for
// buffer space. A saturated buffer sheds low-priority events first so a
// stalled consumer never blocks a game tick.
func (c *connect) Send(ev *model.Outbound, timeout time.Duration) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-c.ctx.Done():
		return false
	case c.sendCh <- ev:
		return true
	case <-ctx.Done():
		return c.shedAndRetry(ev)
	}
}

// shedAndRetry makes room for a high-priority event by evicting one queued
// lower-priority event. Low-priority arrivals into a full buffer are dropped.
func (c *connect) shedAndRetry(ev *model.Outbound) bool {
	if ev.Priority <= model.PriorityLow {
		atomic.AddUint64(&c.droppedCount, 1)
		return false
	}
	select {
	case old := <-c.sendCh:
		if old.Priority < ev.Priority {
			select {
			case c.sendCh <- ev:
				return true
			default:
			}
		} else {
			// Put the displaced event back, best effort.
			select {
			case c.sendCh <- old:
			default:
			}
		}
	default:
	}
	atomic.AddUint64(&c.droppedCount, 1)
	return false
}

func (c *connect) Recv() <-chan *model.Outbound { return c.sendCh }

func (c *connect) SetPing(ms int64)  { atomic.StoreInt64(&c.lastPingMS, ms) }
func (c *connect) LastPingMS() int64 { return atomic.LoadInt64(&c.lastPingMS) }

func (c *connect) SetFocus(in bool) {
	var v int32
	if in {
		v = 1
	}
	atomic.StoreInt32(&c.inFocus, v)
}

func (c *connect) InFocus() bool { return atomic.LoadInt32(&c.inFocus) == 1 }

// Close terminates the connection handle exactly once. It may be called
// concurrently by the hub (eviction), the transport (socket error), and
// shutdown, including while another goroutine is blocked in Send: the
// context cancel unblocks those senders, then the write lock waits them out
// before the channel is shut. Recv keeps returning the (now closed) channel
// so the write pump drains naturally.
func (c *connect) Close() {
	c.closeOnce.Do(func() {
		c.cancelFn()
		c.sendMu.Lock()
		c.closed = true
		close(c.sendCh)
		c.sendMu.Unlock()
	})
}
