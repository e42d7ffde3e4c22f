package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/X9X0/LabLink-sub001/internal/alarm"
	"github.com/X9X0/LabLink-sub001/internal/config"
	"github.com/X9X0/LabLink-sub001/internal/fault"
	"github.com/X9X0/LabLink-sub001/internal/metrics"
	"github.com/X9X0/LabLink-sub001/internal/stream"
)

const (
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second
	// wsMaxMessageSize caps inbound control frames; bulk traffic on the
	// link is outbound only.
	wsMaxMessageSize = 4096
	// wsSendBuffer smooths delivery bursts. Per-subscription queues in
	// the multiplexer absorb the real backpressure.
	wsSendBuffer = 64
)

// The gateway fronts bench equipment on a lab network; browsers are not the
// expected client, so cross-origin upgrades are accepted.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsClientMessage is the single inbound frame shape.
type wsClientMessage struct {
	Type        string `json:"type"`
	EquipmentID string `json:"equipment_id,omitempty"`
	StreamType  string `json:"stream_type,omitempty"`
	IntervalMs  int    `json:"interval_ms,omitempty"`
}

// streamDataFrame carries one sample. Data is kept non-omitempty so a failed
// sample is visible as an explicit null next to its error.
type streamDataFrame struct {
	Type        string                 `json:"type"`
	EquipmentID string                 `json:"equipment_id"`
	StreamType  string                 `json:"stream_type"`
	SampledAt   int64                  `json:"sampled_at"`
	Seq         int64                  `json:"seq"`
	Data        map[string]interface{} `json:"data"`
	Error       *fault.Fault           `json:"error,omitempty"`
}

type streamAckFrame struct {
	Type        string `json:"type"`
	EquipmentID string `json:"equipment_id"`
	StreamType  string `json:"stream_type"`
	IntervalMs  int    `json:"interval_ms,omitempty"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type lockEventFrame struct {
	Type        string `json:"type"`
	EquipmentID string `json:"equipment_id"`
	Event       string `json:"event"`
	Holder      string `json:"holder,omitempty"`
}

type alarmEventFrame struct {
	Type       string       `json:"type"`
	Transition string       `json:"transition"`
	Event      *alarm.Event `json:"event"`
}

type errorFrame struct {
	Type  string       `json:"type"`
	Error *fault.Fault `json:"error"`
}

// wsHub tracks the live duplex link per session. A session gets at most one
// link; a fresh attach displaces the previous one.
type wsHub struct {
	mu        sync.Mutex
	bySession map[string]*wsConn
}

func newWSHub() *wsHub {
	return &wsHub{bySession: make(map[string]*wsConn)}
}

// register installs c as the session's live link and returns the link it
// displaced, if any.
func (h *wsHub) register(c *wsConn) *wsConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.bySession[c.sessionID]
	h.bySession[c.sessionID] = c
	return prev
}

// unregister removes c only while it is still the session's live link, so a
// displaced connection cannot evict its replacement.
func (h *wsHub) unregister(c *wsConn) {
	h.mu.Lock()
	if h.bySession[c.sessionID] == c {
		delete(h.bySession, c.sessionID)
	}
	h.mu.Unlock()
}

func (h *wsHub) isCurrent(c *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bySession[c.sessionID] == c
}

func (h *wsHub) current(sessionID string) *wsConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bySession[sessionID]
}

func (h *wsHub) conns() []*wsConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*wsConn, 0, len(h.bySession))
	for _, c := range h.bySession {
		out = append(out, c)
	}
	return out
}

func (h *wsHub) closeAll(reason metrics.DetachReason) {
	for _, c := range h.conns() {
		c.close(reason)
	}
}

// wsConn is one upgraded socket bound to a session. The write pump owns all
// socket writes; everything else enqueues.
type wsConn struct {
	server    *Server
	conn      *websocket.Conn
	sessionID string

	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
	reason metrics.DetachReason
	pumps  map[*stream.Subscription]bool
}

// close marks the connection dead with the given reason and unblocks both
// pumps. The first caller's reason wins.
func (c *wsConn) close(reason metrics.DetachReason) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.reason = reason
	c.mu.Unlock()
	close(c.done)
	c.conn.Close()
}

func (c *wsConn) detachReason() metrics.DetachReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// enqueue hands a frame to the write pump, dropping it when the link buffer
// is full or the connection is gone.
func (c *wsConn) enqueue(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
	}
}

func (c *wsConn) writePump() {
	ping := time.NewTicker(config.WebSocketPingPeriod)
	defer ping.Stop()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close(metrics.DetachReasonSocketError)
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(metrics.DetachReasonSocketError)
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}

func (c *wsConn) readPump() {
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(config.WebSocketIdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(config.WebSocketIdleTimeout))
		if c.server.deps.Sessions != nil {
			_ = c.server.deps.Sessions.Touch(c.sessionID)
		}
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.close(readDetachReason(err))
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(config.WebSocketIdleTimeout))
		c.handleMessage(data)
	}
}

// readDetachReason classifies why the read loop stopped.
func readDetachReason(err error) metrics.DetachReason {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return metrics.DetachReasonClientClose
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return metrics.DetachReasonIdle
	}
	return metrics.DetachReasonSocketError
}

func (c *wsConn) handleMessage(data []byte) {
	var msg wsClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(errorFrame{Type: "error",
			Error: fault.BadRequest("invalid JSON frame").WithDetail("parse_error", err.Error())})
		return
	}
	switch msg.Type {
	case "ping":
		if c.server.deps.Sessions != nil {
			_ = c.server.deps.Sessions.Touch(c.sessionID)
		}
		c.enqueue(pongFrame{Type: "pong"})
	case "start_stream":
		c.startStream(msg)
	case "stop_stream":
		c.stopStream(msg)
	default:
		c.enqueue(errorFrame{Type: "error",
			Error: fault.BadRequest("unknown frame type %q", msg.Type)})
	}
}

func (c *wsConn) startStream(msg wsClientMessage) {
	if err := c.server.authorize(msg.EquipmentID, c.sessionID, "start_stream"); err != nil {
		c.enqueue(errorFrame{Type: "error", Error: fault.From(err)})
		return
	}
	sub, err := c.server.deps.Streams.Subscribe(c.sessionID, msg.EquipmentID, msg.StreamType, msg.IntervalMs)
	if err != nil {
		c.enqueue(errorFrame{Type: "error", Error: fault.From(err)})
		return
	}
	c.enqueue(streamAckFrame{
		Type:        "stream_started",
		EquipmentID: sub.EquipmentID,
		StreamType:  sub.StreamType,
		IntervalMs:  sub.IntervalMs,
	})
	c.pump(sub)
}

func (c *wsConn) stopStream(msg wsClientMessage) {
	if err := c.server.deps.Streams.Unsubscribe(c.sessionID, msg.EquipmentID, msg.StreamType); err != nil {
		c.enqueue(errorFrame{Type: "error", Error: fault.From(err)})
		return
	}
	c.enqueue(streamAckFrame{
		Type:        "stream_stopped",
		EquipmentID: msg.EquipmentID,
		StreamType:  msg.StreamType,
	})
}

// pump drains one subscription onto the link. An identical re-subscribe
// returns the existing subscription, so the pump set is keyed by pointer to
// avoid doubling up; a replaced subscription gets a fresh queue and a fresh
// pump while the old one exits on its drained queue.
func (c *wsConn) pump(sub *stream.Subscription) {
	c.mu.Lock()
	if c.pumps[sub] {
		c.mu.Unlock()
		return
	}
	c.pumps[sub] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.pumps, sub)
			c.mu.Unlock()
		}()
		var drops int64
		for {
			m, ok := sub.Next()
			if !ok {
				return
			}
			if n := sub.Overflow(); n > drops {
				c.server.deps.OTel.RecordStreamDrops(context.Background(), sub.StreamType, n-drops)
				drops = n
			}
			c.enqueue(streamDataFrame{
				Type:        "stream_data",
				EquipmentID: m.EquipmentID,
				StreamType:  m.StreamType,
				SampledAt:   m.SampledAt,
				Seq:         m.Seq,
				Data:        m.Data,
				Error:       m.Error,
			})
		}
	}()
}

// finish runs after the read loop stops. Streams are parked rather than
// dropped so the session can resume them within the grace window; a
// displaced connection skips parking because its replacement already owns
// the session's streams.
func (c *wsConn) finish() {
	s := c.server
	if s.hub.isCurrent(c) {
		if s.deps.Streams != nil {
			s.deps.Streams.Park(c.sessionID)
		}
		if s.deps.Usage != nil {
			s.deps.Usage.RecordDetach(c.sessionID, c.detachReason())
		}
	}
	s.hub.unregister(c)
}

// handleWebSocket upgrades the request into the session's duplex link.
// Session validation happens before the upgrade so a bad session gets a
// proper HTTP error instead of a dropped socket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	sessionID, err := s.resolveSession(r, "")
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if sessionID == "" {
		s.writeFault(w, fault.BadRequest("a session is required to open the duplex link"))
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the handshake error.
		return
	}

	c := &wsConn{
		server:    s,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, wsSendBuffer),
		done:      make(chan struct{}),
		pumps:     make(map[*stream.Subscription]bool),
	}

	// A reconnect displaces the previous link. Parking here closes the old
	// link's queues so its pumps exit before Resume rebuilds them for this
	// one.
	if prev := s.hub.register(c); prev != nil {
		prev.close(metrics.DetachReasonClientClose)
		if s.deps.Streams != nil {
			s.deps.Streams.Park(sessionID)
		}
	}
	if s.deps.Usage != nil {
		s.deps.Usage.RecordAttach(sessionID)
	}

	go c.writePump()

	if s.deps.Streams != nil {
		for _, sub := range s.deps.Streams.Resume(sessionID) {
			c.enqueue(streamAckFrame{
				Type:        "stream_resumed",
				EquipmentID: sub.EquipmentID,
				StreamType:  sub.StreamType,
				IntervalMs:  sub.IntervalMs,
			})
			c.pump(sub)
		}
	}

	c.readPump()
	c.finish()
}

// NotifyLockDemoted pushes a lock event to every observer demoted by an
// exclusive grant. Wired to the arbiter's demotion callback at composition.
func (s *Server) NotifyLockDemoted(equipmentID string, observers []string, holder string) {
	for _, sessionID := range observers {
		if c := s.hub.current(sessionID); c != nil {
			c.enqueue(lockEventFrame{
				Type:        "lock_event",
				EquipmentID: equipmentID,
				Event:       "demoted",
				Holder:      holder,
			})
		}
	}
}

// NotifyLockPromoted tells a queued waiter its exclusive lock was granted.
func (s *Server) NotifyLockPromoted(equipmentID, sessionID string) {
	if c := s.hub.current(sessionID); c != nil {
		c.enqueue(lockEventFrame{
			Type:        "lock_event",
			EquipmentID: equipmentID,
			Event:       "granted",
		})
	}
}

// NotifyAlarmTransition broadcasts an alarm state change to every live link.
func (s *Server) NotifyAlarmTransition(event alarm.Event, transition alarm.State) {
	frame := alarmEventFrame{
		Type:       "alarm_event",
		Transition: string(transition),
		Event:      &event,
	}
	for _, c := range s.hub.conns() {
		c.enqueue(frame)
	}
}

// CloseSessionLink tears down the session's duplex link, if one is live.
// Wired to session end so a terminated session cannot keep streaming.
func (s *Server) CloseSessionLink(sessionID string) {
	if c := s.hub.current(sessionID); c != nil {
		c.close(metrics.DetachReasonClientClose)
	}
}
