package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statbridge/statbridge/internal/common/logger"
	"github.com/statbridge/statbridge/internal/events"
	"github.com/statbridge/statbridge/internal/events/bus"
)

func newTestHub(t *testing.T) (*Hub, *bus.MemoryEventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	return NewHub(b, log), b
}

// attach registers a client without a live connection; Send only touches the
// outbound queue, so delivery is observable on c.send.
func attach(h *Hub, f *filter) *Client {
	c := newClient(h, nil, h.logger)
	h.mu.Lock()
	h.clients[c] = f
	h.mu.Unlock()
	return c
}

func recvEvent(t *testing.T, c *Client) *bus.Event {
	t.Helper()
	select {
	case payload := <-c.send:
		var e bus.Event
		require.NoError(t, json.Unmarshal(payload, &e))
		return &e
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func assertNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case payload := <-c.send:
		t.Fatalf("unexpected event delivered: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilterMatches(t *testing.T) {
	unscoped := &filter{}
	assert.True(t, unscoped.matches(events.ExecutionStarted, "abc"))
	assert.True(t, unscoped.matches(events.SessionCreated, ""))

	byKind := &filter{kinds: map[string]bool{events.KindExecution: true}}
	assert.True(t, byKind.matches(events.ExecutionCompleted, "abc"))
	assert.False(t, byKind.matches(events.SessionDestroyed, "abc"))

	bySession := &filter{sessions: map[string]bool{"abc": true}}
	assert.True(t, bySession.matches(events.ExecutionStarted, "abc"))
	assert.False(t, bySession.matches(events.ExecutionStarted, "other"))
	// Session-scoped clients never see events without a session id
	assert.False(t, bySession.matches(events.SessionCreated, ""))

	both := &filter{
		kinds:    map[string]bool{events.KindSession: true},
		sessions: map[string]bool{"abc": true},
	}
	assert.True(t, both.matches(events.SessionError, "abc"))
	assert.False(t, both.matches(events.ExecutionStarted, "abc"))
}

func TestHubDeliversByFilter(t *testing.T) {
	h, _ := newTestHub(t)

	all := attach(h, &filter{})
	onlyAbc := attach(h, &filter{sessions: map[string]bool{"abc": true}})

	event := bus.NewEvent(events.ExecutionStarted, "session-manager", map[string]interface{}{"session_id": "xyz"})
	require.NoError(t, h.handleEvent(context.Background(), event))

	got := recvEvent(t, all)
	assert.Equal(t, events.ExecutionStarted, got.Type)
	assertNoEvent(t, onlyAbc)
}

func TestHubFollowsSpillover(t *testing.T) {
	h, _ := newTestHub(t)

	watcher := attach(h, &filter{sessions: map[string]bool{"abc": true}})
	bystander := attach(h, &filter{sessions: map[string]bool{"other": true}})

	// The watched session spills; the watcher's scope widens to the
	// spillover session, the bystander's does not.
	spill := bus.NewEvent(events.SessionSpilled, "session-manager", map[string]interface{}{
		"session_id":   "a1b2c3d4",
		"spilled_from": "abc",
	})
	require.NoError(t, h.handleEvent(context.Background(), spill))
	recvEvent(t, watcher)
	assertNoEvent(t, bystander)

	exec := bus.NewEvent(events.ExecutionCompleted, "session-manager", map[string]interface{}{"session_id": "a1b2c3d4"})
	require.NoError(t, h.handleEvent(context.Background(), exec))

	got := recvEvent(t, watcher)
	assert.Equal(t, events.ExecutionCompleted, got.Type)
	assertNoEvent(t, bystander)
}

func TestHubScopeMessages(t *testing.T) {
	h, _ := newTestHub(t)
	c := attach(h, &filter{})

	h.scope(c, ScopeMessage{Action: "subscribe", SessionIDs: []string{"abc"}, Kinds: []string{events.KindExecution, "bogus"}})

	h.mu.RLock()
	f := h.clients[c]
	h.mu.RUnlock()
	assert.True(t, f.sessions["abc"])
	assert.True(t, f.kinds[events.KindExecution])
	assert.False(t, f.kinds["bogus"], "unknown kinds are ignored")

	h.scope(c, ScopeMessage{Action: "unsubscribe", SessionIDs: []string{"abc"}})
	assert.False(t, f.sessions["abc"])
}

func TestHubEndToEndOverBus(t *testing.T) {
	h, b := newTestHub(t)
	require.NoError(t, h.Start())
	defer h.Stop()

	c := attach(h, &filter{kinds: map[string]bool{events.KindSession: true}})

	require.NoError(t, b.Publish(context.Background(),
		events.SessionCreated,
		bus.NewEvent(events.SessionCreated, "session-manager", map[string]interface{}{"session_id": "abc"})))

	got := recvEvent(t, c)
	assert.Equal(t, events.SessionCreated, got.Type)
	assert.Equal(t, "abc", got.SessionID())
}

func TestHubUnregister(t *testing.T) {
	h, _ := newTestHub(t)
	c := attach(h, &filter{})

	assert.Equal(t, 1, h.ClientCount())
	h.unregister(c)
	assert.Equal(t, 0, h.ClientCount())

	// Scope messages from a departed client are ignored.
	h.scope(c, ScopeMessage{Action: "subscribe", SessionIDs: []string{"abc"}})
	assert.Equal(t, 0, h.ClientCount())
}
