package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hivekit/hive/pkg/bus"
)

// clientMessage is what a WebSocket client sends. The filter fields apply to
// subscribe, unsubscribe and replay.
type clientMessage struct {
	Action  string   `json:"action"`
	RunID   string   `json:"run_id,omitempty"`
	AgentID string   `json:"agent_id,omitempty"`
	Types   []string `json:"types,omitempty"`
}

func (m clientMessage) filter() bus.Filter {
	return bus.Filter{RunID: m.RunID, AgentID: m.AgentID, Types: m.Types}
}

// filterKey identifies a subscription within one connection so unsubscribe
// can name the filter it was created with.
func filterKey(f bus.Filter) string {
	return f.RunID + "|" + f.AgentID + "|" + strings.Join(f.Types, ",")
}

// wsConnection is one client. Writes are serialized by writeMu; bus fan-out
// happens on publisher goroutines.
type wsConnection struct {
	id   string
	conn *websocket.Conn
	ctx  context.Context

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]func() // filter key → bus unsubscribe
}

// streamManager bridges the event bus to WebSocket clients: filtered live
// subscriptions plus replay catch-up so late subscribers see the full
// timeline.
type streamManager struct {
	bus          *bus.Bus
	writeTimeout time.Duration
}

func newStreamManager(b *bus.Bus, writeTimeout time.Duration) *streamManager {
	return &streamManager{bus: b, writeTimeout: writeTimeout}
}

// websocket upgrades the request and serves the connection until it closes.
func (s *Server) websocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	s.streams.handle(c.Request.Context(), conn)
}

// handle runs the read loop for one connection. Blocks until the connection
// closes; all subscriptions are torn down on exit.
func (m *streamManager) handle(ctx context.Context, conn *websocket.Conn) {
	wc := &wsConnection{
		id:   uuid.New().String(),
		conn: conn,
		ctx:  ctx,
		subs: make(map[string]func()),
	}
	defer func() {
		wc.subMu.Lock()
		for key, unsubscribe := range wc.subs {
			unsubscribe()
			delete(wc.subs, key)
		}
		wc.subMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	m.sendJSON(wc, map[string]string{
		"type":          "connection.established",
		"connection_id": wc.id,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", wc.id, "error", err)
			continue
		}
		m.handleClientMessage(wc, msg)
	}
}

func (m *streamManager) handleClientMessage(wc *wsConnection, msg clientMessage) {
	switch msg.Action {
	case "subscribe":
		m.subscribe(wc, msg.filter())
	case "unsubscribe":
		m.unsubscribe(wc, msg.filter())
	case "replay":
		m.replay(wc, msg.filter())
	case "ping":
		m.sendJSON(wc, map[string]string{"type": "pong"})
	default:
		m.sendJSON(wc, map[string]string{
			"type":    "error",
			"message": "unknown action: " + msg.Action,
		})
	}
}

// subscribe registers a live bus subscription and immediately replays the
// matching history, so the client observes the full timeline in one stream.
// The live subscription is registered before the replay so no event falls in
// between; the client deduplicates by event_id if one is delivered twice.
func (m *streamManager) subscribe(wc *wsConnection, f bus.Filter) {
	key := filterKey(f)
	wc.subMu.Lock()
	if _, exists := wc.subs[key]; exists {
		wc.subMu.Unlock()
		m.sendJSON(wc, map[string]string{"type": "subscription.confirmed", "filter": key})
		return
	}
	unsubscribe := m.bus.Subscribe(f, func(e bus.Event) {
		m.sendEvent(wc, e)
	})
	wc.subs[key] = unsubscribe
	wc.subMu.Unlock()

	m.sendJSON(wc, map[string]string{"type": "subscription.confirmed", "filter": key})
	m.replay(wc, f)
}

func (m *streamManager) unsubscribe(wc *wsConnection, f bus.Filter) {
	key := filterKey(f)
	wc.subMu.Lock()
	if unsubscribe, ok := wc.subs[key]; ok {
		unsubscribe()
		delete(wc.subs, key)
	}
	wc.subMu.Unlock()
}

// replay sends all recorded events matching the filter, in publish order.
func (m *streamManager) replay(wc *wsConnection, f bus.Filter) {
	for _, e := range m.bus.Replay(f) {
		if err := m.sendEvent(wc, e); err != nil {
			return
		}
	}
}

func (m *streamManager) sendEvent(wc *wsConnection, e bus.Event) error {
	data, err := json.Marshal(map[string]any{"type": "event", "event": e})
	if err != nil {
		slog.Warn("Failed to marshal event", "connection_id", wc.id, "error", err)
		return err
	}
	return m.sendRaw(wc, data)
}

func (m *streamManager) sendJSON(wc *wsConnection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", wc.id, "error", err)
		return
	}
	if err := m.sendRaw(wc, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", wc.id, "error", err)
	}
}

// sendRaw writes one frame with the configured write timeout. Writes are
// serialized per connection because bus listeners run on publisher
// goroutines.
func (m *streamManager) sendRaw(wc *wsConnection, data []byte) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(wc.ctx, m.writeTimeout)
	defer cancel()
	return wc.conn.Write(writeCtx, websocket.MessageText, data)
}
