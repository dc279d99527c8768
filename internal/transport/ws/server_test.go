package ws_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"

	"github.com/verseworld/verse/internal/auth"
	"github.com/verseworld/verse/internal/config"
	"github.com/verseworld/verse/internal/presence"
	"github.com/verseworld/verse/internal/transport/ws"
)

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		Path:         "/ws",
		ReadLimit:    32768,
		WriteTimeout: 5 * time.Second,
		OutboxBuffer: 64,
	}
}

func newTestStack(t *testing.T, verifier ws.TokenVerifier) (*ws.Server, *presence.Registry, *httptest.Server) {
	t.Helper()
	return newTestStackWithConfig(t, testWSConfig(), verifier)
}

func newTestStackWithConfig(t *testing.T, cfg config.WebSocketConfig, verifier ws.TokenVerifier) (*ws.Server, *presence.Registry, *httptest.Server) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	server := ws.NewServer(cfg, verifier, logger, "")
	registry := presence.NewRegistry()
	core := presence.NewCore(registry, server, logger, presence.Vector3{Y: 0.9})
	server.SetSession(core)

	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})
	return server, registry, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, ts.URL+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) presence.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var env presence.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// readUntil skips frames until one carries the wanted event.
func readUntil(t *testing.T, c *websocket.Conn, event string) presence.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, c)
		if env.Event == event {
			return env
		}
	}
	t.Fatalf("never received %q", event)
	return presence.Envelope{}
}

func send(t *testing.T, c *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(presence.Envelope{Event: event, Data: data})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, frame))
}

func TestConnectDeliversSnapshot(t *testing.T) {
	_, registry, ts := newTestStack(t, nil)

	c1 := dial(t, ts, "")
	env := readEnvelope(t, c1)
	assert.Equal(t, presence.EventCurrentPlayers, env.Event)

	var roster map[string]presence.Participant
	require.NoError(t, json.Unmarshal(env.Data, &roster))
	assert.Len(t, roster, 1, "snapshot must include the newcomer itself")
	assert.Equal(t, 1, registry.Count())
}

func TestSecondConnectAnnouncedToFirst(t *testing.T) {
	_, _, ts := newTestStack(t, nil)

	c1 := dial(t, ts, "")
	readUntil(t, c1, presence.EventCurrentPlayers)

	c2 := dial(t, ts, "")
	env2 := readUntil(t, c2, presence.EventCurrentPlayers)
	var roster map[string]presence.Participant
	require.NoError(t, json.Unmarshal(env2.Data, &roster))
	assert.Len(t, roster, 2)

	joined := readUntil(t, c1, presence.EventPlayerConnected)
	var p presence.Participant
	require.NoError(t, json.Unmarshal(joined.Data, &p))
	assert.Equal(t, presence.Vector3{Y: 0.9}, p.Position)
}

func TestMovementFanOut(t *testing.T) {
	_, _, ts := newTestStack(t, nil)

	c1 := dial(t, ts, "")
	snap := readUntil(t, c1, presence.EventCurrentPlayers)
	var roster map[string]presence.Participant
	require.NoError(t, json.Unmarshal(snap.Data, &roster))
	var c1ID string
	for id := range roster {
		c1ID = id
	}

	c2 := dial(t, ts, "")
	readUntil(t, c2, presence.EventCurrentPlayers)
	readUntil(t, c1, presence.EventPlayerConnected)

	send(t, c1, presence.EventPlayerMovement, presence.MoveRequest{
		Position: &presence.Vector3{X: 1},
		Rotation: &presence.Rotation{Yaw: 0.25},
	})

	env := readUntil(t, c2, presence.EventPlayerMoved)
	var move presence.MoveEvent
	require.NoError(t, json.Unmarshal(env.Data, &move))
	assert.Equal(t, c1ID, move.ID)
	assert.Equal(t, presence.Vector3{X: 1}, move.Position)
	assert.Equal(t, 0.25, move.Rotation.Yaw)
}

func TestChatReachesEveryoneIncludingSender(t *testing.T) {
	_, _, ts := newTestStack(t, nil)

	c1 := dial(t, ts, "")
	readUntil(t, c1, presence.EventCurrentPlayers)
	c2 := dial(t, ts, "")
	readUntil(t, c2, presence.EventCurrentPlayers)
	readUntil(t, c1, presence.EventPlayerConnected)

	send(t, c1, presence.EventChatMessage, presence.ChatMessage{Sender: "Alice", Message: "hi"})

	for _, c := range []*websocket.Conn{c1, c2} {
		env := readUntil(t, c, presence.EventChatMessage)
		var msg presence.ChatMessage
		require.NoError(t, json.Unmarshal(env.Data, &msg))
		assert.Equal(t, presence.ChatMessage{Sender: "Alice", Message: "hi"}, msg)
	}
}

func TestDisconnectBroadcastsLeave(t *testing.T) {
	_, registry, ts := newTestStack(t, nil)

	c1 := dial(t, ts, "")
	readUntil(t, c1, presence.EventCurrentPlayers)
	c2 := dial(t, ts, "")
	snap := readUntil(t, c2, presence.EventCurrentPlayers)
	readUntil(t, c1, presence.EventPlayerConnected)

	var roster map[string]presence.Participant
	require.NoError(t, json.Unmarshal(snap.Data, &roster))
	require.Len(t, roster, 2)

	require.NoError(t, c2.Close(websocket.StatusNormalClosure, "bye"))

	env := readUntil(t, c1, presence.EventPlayerDisconnected)
	var departed string
	require.NoError(t, json.Unmarshal(env.Data, &departed))
	assert.NotEmpty(t, departed)

	deadline := time.Now().Add(5 * time.Second)
	for registry.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, registry.Count(), "registry must drop the departed connection")
}

func TestVerifiedTokenRenamesOnConnect(t *testing.T) {
	tokens := auth.NewTokenManager(config.AuthConfig{
		JWTSecret: "transport-test-secret",
		TokenTTL:  time.Hour,
	})
	_, _, ts := newTestStack(t, tokens)

	token, err := tokens.Issue(7, "alice")
	require.NoError(t, err)

	c1 := dial(t, ts, "?token="+token)
	readUntil(t, c1, presence.EventCurrentPlayers)

	env := readUntil(t, c1, presence.EventPlayerUpdated)
	var p presence.Participant
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "alice", p.DisplayName)
}

func TestInvalidTokenKeepsPlaceholder(t *testing.T) {
	tokens := auth.NewTokenManager(config.AuthConfig{
		JWTSecret: "transport-test-secret",
		TokenTTL:  time.Hour,
	})
	_, registry, ts := newTestStack(t, tokens)

	c1 := dial(t, ts, "?token=bogus")
	readUntil(t, c1, presence.EventCurrentPlayers)

	snap := registry.Snapshot()
	require.Len(t, snap, 1)
	for _, p := range snap {
		assert.Contains(t, p.DisplayName, "Player_")
	}
}

func TestMalformedFrameDoesNotCloseConnection(t *testing.T) {
	_, _, ts := newTestStack(t, nil)

	c1 := dial(t, ts, "")
	readUntil(t, c1, presence.EventCurrentPlayers)
	c2 := dial(t, ts, "")
	readUntil(t, c2, presence.EventCurrentPlayers)
	readUntil(t, c1, presence.EventPlayerConnected)

	// Unframed garbage, then a malformed movement. Both are dropped.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	require.NoError(t, c1.Write(ctx, websocket.MessageText, []byte("garbage")))
	cancel()
	send(t, c1, presence.EventPlayerMovement, map[string]any{"position": map[string]float64{"x": 1}})

	// The connection survives: a well-formed chat still goes through.
	send(t, c1, presence.EventChatMessage, presence.ChatMessage{Sender: "Alice", Message: "still here"})
	env := readUntil(t, c2, presence.EventChatMessage)
	var msg presence.ChatMessage
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "still here", msg.Message)
}

// drainEvents reads every frame from c into a channel until the connection
// closes, so the connection's outbox never backs up while the test's main
// goroutine is busy elsewhere.
func drainEvents(c *websocket.Conn) <-chan presence.Envelope {
	events := make(chan presence.Envelope, 4096)
	go func() {
		defer close(events)
		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			var env presence.Envelope
			if json.Unmarshal(data, &env) == nil {
				events <- env
			}
		}
	}()
	return events
}

func waitForEvent(t *testing.T, events <-chan presence.Envelope, event string) presence.Envelope {
	t.Helper()
	deadline := time.After(30 * time.Second)
	for {
		select {
		case env, ok := <-events:
			if !ok {
				t.Fatalf("connection closed before %q arrived", event)
			}
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("never received %q", event)
		}
	}
}

func TestSlowConsumerDisconnectedAlone(t *testing.T) {
	cfg := config.WebSocketConfig{
		Path:         "/ws",
		ReadLimit:    65536,
		WriteTimeout: 500 * time.Millisecond,
		OutboxBuffer: 1,
	}
	_, registry, ts := newTestStackWithConfig(t, cfg, nil)

	c1 := dial(t, ts, "")
	readUntil(t, c1, presence.EventCurrentPlayers)
	c2 := dial(t, ts, "")
	readUntil(t, c2, presence.EventCurrentPlayers)
	readUntil(t, c1, presence.EventPlayerConnected)

	// c2 stops reading from here on; c1 keeps draining in the background.
	events := drainEvents(c1)

	// Flood chat (delivered to both peers) until the stalled peer's socket
	// buffers fill and its one-slot outbox overflows.
	padding := strings.Repeat("x", 16*1024)
	for i := 0; i < 1024; i++ {
		send(t, c1, presence.EventChatMessage, presence.ChatMessage{Sender: "Speedy", Message: padding})
	}

	env := waitForEvent(t, events, presence.EventPlayerDisconnected)
	var departed string
	require.NoError(t, json.Unmarshal(env.Data, &departed))
	assert.NotEmpty(t, departed)

	deadline := time.Now().Add(10 * time.Second)
	for registry.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, registry.Count(), "only the slow connection may be dropped")

	// The slow peer was closed for falling behind, not for a protocol error.
	var readErr error
	readCtx, readCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer readCancel()
	for {
		if _, _, readErr = c2.Read(readCtx); readErr != nil {
			break
		}
	}
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(readErr))

	// The healthy peer keeps receiving after the disconnect.
	send(t, c1, presence.EventUpdateUsername, "Speedy")
	updated := waitForEvent(t, events, presence.EventPlayerUpdated)
	var p presence.Participant
	require.NoError(t, json.Unmarshal(updated.Data, &p))
	assert.Equal(t, "Speedy", p.DisplayName)
}

func TestShutdownClosesClients(t *testing.T) {
	server, _, ts := newTestStack(t, nil)

	c1 := dial(t, ts, "")
	readUntil(t, c1, presence.EventCurrentPlayers)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(ctx)

	readCtx, readCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readCancel()
	_, _, err := c1.Read(readCtx)
	assert.Error(t, err, "client read must fail after server shutdown")
	assert.Equal(t, 0, server.ConnCount())
}
