package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"livecast/internal/platform/metrics"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the deadline for a single outbound frame.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// considered dead; pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames; the protocol only carries short
	// JSON commands.
	maxMessageSize = 4096
)

// Dispatcher owns the real-time endpoint. Each connection runs a small state
// machine: the first frame must subscribe it to a session, after which frames
// are typed commands routed to the registry, supervisor, and hub.
type Dispatcher struct {
	registry Registry
	sup      *Supervisor
	hub      *Hub
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewDispatcher returns a Dispatcher. m may be nil to disable metric
// recording (e.g. in tests).
func NewDispatcher(reg Registry, sup *Supervisor, hub *Hub, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		sup:      sup,
		hub:      hub,
		log:      log,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Viewers connect from arbitrary player origins; the host token
			// is the only credential.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS handles GET /ws. It upgrades the connection, runs the read loop to
// completion, and tears the viewer down: revoke the subscription, stop the
// write pump, flush queued frames, close.
func (d *Dispatcher) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Debug("websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	d.log.Debug("viewer connected", slog.String("remote", r.RemoteAddr))

	v := NewViewer(r.RemoteAddr)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		d.writePump(conn, v)
	}()

	d.readLoop(r.Context(), conn, v)

	d.hub.Unsubscribe(v)
	close(v.done)
	<-writerDone
	_ = conn.Close()

	d.log.Debug("viewer disconnected",
		slog.String("remote", r.RemoteAddr),
		slog.String("username", v.username))
}

// readLoop drives the per-connection state machine. Returning from it closes
// the connection: read errors, a rejected subscription, and malformed frames
// are all terminal. Unknown command types are not.
func (d *Dispatcher) readLoop(ctx context.Context, conn *websocket.Conn, v *Viewer) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Unsubscribed: the first frame must be a subscribe request.
	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	sess, ok := d.subscribe(ctx, v, data)
	if !ok {
		return
	}

	d.enqueue(v, SubscribeAck{
		Success: true,
		Type:    TypeSubscribe,
		Stream:  sess.ID,
		State:   sess.State,
		Host:    v.host,
	})

	// Subscribed: typed commands until the connection drops.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := DecodeCommand(data)
		if err != nil {
			d.log.Debug("malformed frame",
				slog.String("stream_id", string(v.stream)),
				slog.String("username", v.username))
			return
		}
		d.dispatch(v, cmd)
	}
}

// subscribe validates the first frame and binds the viewer through the hub.
// On failure the rejection is queued for the client and ok is false.
func (d *Dispatcher) subscribe(ctx context.Context, v *Viewer, data []byte) (Session, bool) {
	var req SubscribeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.enqueue(v, failResponse(TypeSubscribe, causeInvalidMessage))
		return Session{}, false
	}

	sess, err := d.hub.Subscribe(ctx, v, req.Stream, req.Username, req.Token)
	if err != nil {
		d.enqueue(v, failResponse(TypeSubscribe, subscribeCause(err)))
		return Session{}, false
	}
	return sess, true
}

func subscribeCause(err error) string {
	switch {
	case errors.Is(err, ErrInvalidUsername):
		return causeInvalidUsername
	case errors.Is(err, ErrSessionNotFound):
		return causeUnknownStream
	default:
		return causeInvalidMessage
	}
}

// dispatch routes one decoded command. Every reply echoes the inbound type.
func (d *Dispatcher) dispatch(v *Viewer, cmd Command) {
	switch cmd.Kind {
	case CmdStart:
		d.handleStart(v)
	case CmdKeepAlive:
		d.handleKeepAlive(v)
	case CmdChat:
		d.handleChat(v, cmd.Chat)
	default:
		d.enqueue(v, failResponse(cmd.Type, causeUnknownType))
	}
}

// handleStart spawns the transcoder for the viewer's session. Only the host
// may start, and only once.
func (d *Dispatcher) handleStart(v *Viewer) {
	sess, ok := d.registry.Get(v.stream)
	if !ok {
		d.enqueue(v, failResponse(TypeStart, causeUnknownStream))
		return
	}
	if sess.State == StateStarted {
		d.enqueue(v, failResponse(TypeStart, causeAlreadyStarted))
		return
	}
	if !v.host {
		d.enqueue(v, failResponse(TypeStart, causeNotHost))
		return
	}

	if err := d.sup.Start(sess); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			d.enqueue(v, failResponse(TypeStart, causeAlreadyStarted))
		case errors.Is(err, ErrSessionNotFound):
			d.enqueue(v, failResponse(TypeStart, causeUnknownStream))
		default:
			d.log.Error("start transcoder",
				slog.String("stream_id", string(v.stream)),
				slog.String("error", err.Error()))
			d.enqueue(v, failResponse(TypeStart, causeStartFailed))
		}
		return
	}

	if err := d.registry.SetState(v.stream, StateStarted); err != nil {
		d.log.Error("mark session started",
			slog.String("stream_id", string(v.stream)),
			slog.String("error", err.Error()))
	}
	d.registry.Touch(v.stream)

	if d.metrics != nil {
		d.metrics.IncStreamsStarted()
	}
	d.log.Info("stream started",
		slog.String("stream_id", string(v.stream)),
		slog.String("username", v.username))

	d.enqueue(v, okResponse(TypeStart))
}

// handleKeepAlive refreshes the session's keep-alive for started streams.
func (d *Dispatcher) handleKeepAlive(v *Viewer) {
	sess, ok := d.registry.Get(v.stream)
	if !ok {
		d.enqueue(v, failResponse(TypeKeepAlive, causeUnknownStream))
		return
	}
	if sess.State != StateStarted {
		d.enqueue(v, failResponse(TypeKeepAlive, causeNotStarted))
		return
	}

	d.registry.Touch(v.stream)
	d.enqueue(v, okResponse(TypeKeepAlive))
}

// handleChat broadcasts a chat message to the session group. The broadcast
// itself is the sender's response: it echoes the type and carries success.
func (d *Dispatcher) handleChat(v *Viewer, body string) {
	if strings.TrimSpace(body) == "" {
		d.enqueue(v, failResponse(TypeMessage, causeEmptyMessage))
		return
	}
	if !d.registry.Touch(v.stream) {
		d.enqueue(v, failResponse(TypeMessage, causeUnknownStream))
		return
	}

	d.hub.Publish(v.stream, ChatEvent{
		Success:  true,
		Type:     TypeMessage,
		Username: v.username,
		Host:     v.host,
		Country:  v.country,
		Message:  body,
	})
	if d.metrics != nil {
		d.metrics.IncChatMessages()
	}
}

// enqueue queues a frame for the write pump, dropping it if the connection's
// queue is full.
func (d *Dispatcher) enqueue(v *Viewer, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		d.log.Error("marshal response", slog.String("error", err.Error()))
		return
	}
	select {
	case v.send <- data:
	default:
		d.log.Debug("response dropped for slow viewer",
			slog.String("username", v.username))
	}
}

// writePump is the connection's only writer. It forwards queued frames,
// pings on an interval, and on shutdown flushes whatever is still queued
// before sending the close frame.
func (d *Dispatcher) writePump(conn *websocket.Conn, v *Viewer) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-v.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-v.done:
			for {
				select {
				case msg := <-v.send:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
