package ws

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/interlab/experiment-coordinator/internal/domain/registry"
	"github.com/interlab/experiment-coordinator/internal/handler/dispatch"
)

const (
	sendBufferSize = 256
	maxFrameBytes  = 64 << 10
	writeDeadline  = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	inboundPerSec  = 120 // generous for 60 Hz action streams plus overhead
	inboundBurst   = 240
)

// Handler upgrades HTTP requests to websocket connections and runs the
// read/write pumps around a connector. Framing stops here; everything
// past the dispatcher sees only (connection, envelope) pairs.
type Handler struct {
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
	upgrader   websocket.Upgrader
}

func NewHandler(logger *slog.Logger, dispatcher *dispatch.Dispatcher) *Handler {
	return &Handler{
		logger:     logger,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Experiment clients run from researcher-hosted pages on
			// arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	conn := registry.NewConnector(r.Context(), registry.ConnectMetadata{
		RemoteIP:  remoteIP(r),
		UserAgent: r.UserAgent(),
	}, sendBufferSize)

	h.logger.Info("ws opened", "conn_id", conn.GetID(), "remote", r.RemoteAddr)

	go h.writePump(sock, conn)
	h.readPump(sock, conn)
}

// readPump consumes inbound frames in arrival order and feeds the
// dispatcher. Exiting the loop means the socket is gone: the orchestrator is
// notified and the grace window starts.
func (h *Handler) readPump(sock *websocket.Conn, conn registry.Connector) {
	defer func() {
		h.dispatcher.Disconnect(conn)
		sock.Close()
	}()

	sock.SetReadLimit(maxFrameBytes)
	_ = sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(inboundPerSec), inboundBurst)

	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("ws read failed", "conn_id", conn.GetID(), "error", err)
			}
			return
		}
		if !limiter.Allow() {
			// A flooding client loses excess frames, not the connection.
			continue
		}
		h.dispatcher.Dispatch(conn, raw)
	}
}

// writePump drains the connector mailbox onto the socket until the
// connector closes or a write fails. The channel survives Close, so queued
// events drain before the closing handshake.
func (h *Handler) writePump(sock *websocket.Conn, conn registry.Connector) {
	recv := conn.Recv()
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		sock.Close()
	}()

	for {
		select {
		case ev, ok := <-recv:
			if !ok {
				_ = sock.SetWriteDeadline(time.Now().Add(writeDeadline))
				_ = sock.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			data, err := ev.WireBytes()
			if err != nil {
				h.logger.Error("outbound marshal failed", "op", string(ev.Op), "error", err)
				continue
			}
			_ = sock.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn("ws write failed", "conn_id", conn.GetID(), "error", err)
				return
			}
		case <-ticker.C:
			_ = sock.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
