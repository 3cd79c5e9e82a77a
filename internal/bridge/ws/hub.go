// Package ws streams bridge lifecycle events to IDE extension clients over
// WebSocket. Clients scope what they receive by event kind (session,
// execution) and by session id; a client following a session is
// automatically extended to any spillover session its commands land in.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/statbridge/statbridge/internal/common/logger"
	"github.com/statbridge/statbridge/internal/events"
	"github.com/statbridge/statbridge/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The bridge binds to localhost; IDE webviews connect with arbitrary
	// origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// filter is the hub-side delivery scope for one client. The zero filter
// delivers everything.
type filter struct {
	// kinds limits delivery to event-kind prefixes (session, execution).
	kinds map[string]bool
	// sessions limits delivery to events carrying one of these session
	// ids. Spillover sessions are added here automatically when a watched
	// session spills.
	sessions map[string]bool
}

// matches decides whether an event reaches the client.
func (f *filter) matches(eventType, sessionID string) bool {
	if len(f.kinds) > 0 {
		kind, _, _ := strings.Cut(eventType, ".")
		if !f.kinds[kind] {
			return false
		}
	}
	if len(f.sessions) > 0 {
		if sessionID == "" || !f.sessions[sessionID] {
			return false
		}
	}
	return true
}

// follow extends a session-scoped filter to a spillover session when the
// client watches the session it spilled from.
func (f *filter) follow(spilledFrom, spillID string) bool {
	if len(f.sessions) == 0 || !f.sessions[spilledFrom] {
		return false
	}
	f.sessions[spillID] = true
	return true
}

// Hub fans bridge events out to connected WebSocket clients.
type Hub struct {
	eventBus bus.EventBus
	logger   *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]*filter

	subs []bus.Subscription
}

// NewHub creates a hub over the event bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "ws-hub")),
		clients:  make(map[*Client]*filter),
	}
}

// Start subscribes the hub to session and execution events.
func (h *Hub) Start() error {
	for _, subject := range []string{events.SubjectAllSessions, events.SubjectAllExecutions} {
		sub, err := h.eventBus.Subscribe(subject, h.handleEvent)
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// Stop unsubscribes and closes every client.
func (h *Hub) Stop() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
	}
}

// handleEvent delivers one bus event to every client whose filter admits it.
// Spillover events first widen the filters of clients watching the origin
// session, so the spillover's own execution events reach them too.
func (h *Hub) handleEvent(ctx context.Context, event *bus.Event) error {
	sessionID := event.SessionID()

	if event.Type == events.SessionSpilled {
		h.followSpillover(event)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c, f := range h.clients {
		if f.matches(event.Type, sessionID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.Send(payload) {
			h.logger.Debug("dropping event for slow client", zap.String("event_type", event.Type))
		}
	}
	return nil
}

// followSpillover widens session-scoped filters from the origin session to
// the spillover session named in the event.
func (h *Hub) followSpillover(event *bus.Event) {
	spillID := event.SessionID()
	origin, _ := event.Data["spilled_from"].(string)
	if spillID == "" || origin == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range h.clients {
		if f.follow(origin, spillID) {
			h.logger.Debug("client follows spillover session",
				zap.String("spilled_from", origin),
				zap.String("session_id", spillID))
		}
	}
}

// HandleConnection upgrades an HTTP request and runs the client pumps.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, h.logger)

	h.mu.Lock()
	h.clients[client] = &filter{}
	h.mu.Unlock()

	go client.WritePump()
	go client.ReadPump()
}

// unregister removes a client and its filter.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.closeSend()
	}
	h.mu.Unlock()
}

// scope applies a client's subscribe/unsubscribe control message to its
// filter.
func (h *Hub) scope(c *Client, msg ScopeMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, ok := h.clients[c]
	if !ok {
		return
	}

	switch msg.Action {
	case "subscribe":
		if len(msg.SessionIDs) > 0 && f.sessions == nil {
			f.sessions = make(map[string]bool)
		}
		for _, id := range msg.SessionIDs {
			f.sessions[id] = true
		}
		if len(msg.Kinds) > 0 && f.kinds == nil {
			f.kinds = make(map[string]bool)
		}
		for _, k := range msg.Kinds {
			if k == events.KindSession || k == events.KindExecution {
				f.kinds[k] = true
			}
		}
	case "unsubscribe":
		for _, id := range msg.SessionIDs {
			delete(f.sessions, id)
		}
		for _, k := range msg.Kinds {
			delete(f.kinds, k)
		}
	default:
		h.logger.Warn("unknown scope action", zap.String("action", msg.Action))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
