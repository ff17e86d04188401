package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-racer/gamehost/internal/auth"
	"github.com/agent-racer/gamehost/internal/metrics"
	"github.com/agent-racer/gamehost/internal/results"
	"github.com/agent-racer/gamehost/internal/session"
)

type testEnv struct {
	srv    *httptest.Server
	svc    *session.Service
	tokens *auth.Tokens
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tokens, err := auth.NewTokens("0123456789abcdef0123456789abcdef", "test")
	require.NoError(t, err)

	hub := NewHub(nil)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc, err := session.New(
		session.Configuration{HostUserID: "alice", UserIDs: []string{"alice", "bob"}},
		session.Options{},
		session.Deps{
			Transport: hub,
			Users:     tokens,
			P2P:       tokens,
			Results:   results.NewAggregator(nil),
			Observer:  m,
		},
	)
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(svc, hub, m, reg, nil, nil).Routes())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, svc: svc, tokens: tokens}
}

func (e *testEnv) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := e.tokens.Mint(user, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if user != "" {
		header.Set("Authorization", "Bearer "+e.token(t, user))
	}
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType, id string, payload any) {
	t.Helper()
	env := map[string]any{"type": msgType}
	if id != "" {
		env["id"] = id
	}
	if payload != nil {
		env["payload"] = payload
	}
	require.NoError(t, conn.WriteJSON(env))
}

// readUntil skips frames until one of type msgType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == msgType {
			return env
		}
	}
}

func startSession(t *testing.T, e *testEnv) (alice, bob *websocket.Conn) {
	t.Helper()
	alice = e.dial(t, "alice")
	bob = e.dial(t, "bob")
	readUntil(t, alice, session.RoutePlayerUpdate)

	send(t, alice, session.RoutePlayerReady, "", nil)
	send(t, bob, session.RoutePlayerReady, "", "gl hf")

	readUntil(t, alice, session.RouteServerStarted)
	readUntil(t, bob, session.RouteServerStarted)
	return alice, bob
}

func TestReadyStartsSession(t *testing.T) {
	e := newTestEnv(t)
	startSession(t, e)
	assert.Equal(t, session.Started, e.svc.State())
}

func TestPostResults(t *testing.T) {
	e := newTestEnv(t)
	alice, bob := startSession(t, e)

	send(t, alice, session.RoutePostResults, "a1", map[string]int{"laps": 3})
	send(t, bob, session.RoutePostResults, "b1", "dnf")

	for _, c := range []struct {
		conn *websocket.Conn
		id   string
	}{{alice, "a1"}, {bob, "b1"}} {
		env := readUntil(t, c.conn, session.RoutePostResults)
		assert.Equal(t, c.id, env.ID)

		var out results.Outcome
		require.NoError(t, json.Unmarshal(env.Payload, &out))
		require.Len(t, out.Players, 2)
		assert.JSONEq(t, `{"laps":3}`, string(out.Players[0].Result))
		assert.JSONEq(t, `"dnf"`, string(out.Players[1].Result))
	}
}

func TestPostResultsBeforeStart(t *testing.T) {
	e := newTestEnv(t)
	alice := e.dial(t, "alice")

	send(t, alice, session.RoutePostResults, "9", 1)
	env := readUntil(t, alice, MsgError)
	assert.Equal(t, "9", env.ID)

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Contains(t, p.Message, "not started")
}

func TestRejectedConnections(t *testing.T) {
	e := newTestEnv(t)
	for name, user := range map[string]string{"no token": "", "not a participant": "mallory"} {
		t.Run(name, func(t *testing.T) {
			conn := e.dial(t, user)
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
			_, _, err := conn.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, CloseNotAuthorized), "got %v", err)
		})
	}
}

func TestSecondConnectionRejected(t *testing.T) {
	e := newTestEnv(t)
	first := e.dial(t, "alice")
	send(t, first, "bogus", "w", nil)
	readUntil(t, first, MsgError)

	second := e.dial(t, "alice")

	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, CloseNotAuthorized), "got %v", err)

	// The first connection is untouched.
	send(t, first, "bogus", "x", nil)
	env := readUntil(t, first, MsgError)
	assert.Equal(t, "x", env.ID)
}

func TestMalformedAndUnknownMessages(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dial(t, "bob")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	env := readUntil(t, conn, MsgError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Contains(t, p.Message, "malformed")

	send(t, conn, "player.dance", "3", nil)
	env = readUntil(t, conn, MsgError)
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Contains(t, p.Message, "unknown message type")
}

func TestResetOverWebsocketRequiresHost(t *testing.T) {
	e := newTestEnv(t)
	_, bob := startSession(t, e)

	send(t, bob, session.RouteReset, "r", nil)
	env := readUntil(t, bob, MsgError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Contains(t, p.Message, "only the host")
	assert.Equal(t, session.Started, e.svc.State())
}

func TestHTTPEndpoints(t *testing.T) {
	e := newTestEnv(t)
	startSession(t, e)

	resp, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "started", health["state"])

	resp, err = http.Get(e.srv.URL + "/api/session")
	require.NoError(t, err)
	var snap struct {
		State   string `json:"state"`
		Clients []struct {
			UserID    string `json:"userId"`
			Status    string `json:"status"`
			Connected bool   `json:"connected"`
		} `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.Equal(t, "started", snap.State)
	require.Len(t, snap.Clients, 2)
	assert.Equal(t, "alice", snap.Clients[0].UserID)
	assert.Equal(t, "ready", snap.Clients[0].Status)

	resp, err = http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPReset(t *testing.T) {
	e := newTestEnv(t)
	startSession(t, e)

	post := func(user string) int {
		req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/session/reset", nil)
		require.NoError(t, err)
		if user != "" {
			req.Header.Set("Authorization", "Bearer "+e.token(t, user))
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, post(""))
	assert.Equal(t, http.StatusForbidden, post("bob"))
	assert.Equal(t, http.StatusNoContent, post("alice"))
	assert.Equal(t, session.AllPlayersConnected, e.svc.State())

	e.svc.Shutdown(context.Background())
	assert.Equal(t, http.StatusConflict, post("alice"))
}

func TestCheckOrigin(t *testing.T) {
	open := NewServer(nil, nil, nil, nil, nil, nil)
	restricted := NewServer(nil, nil, nil, nil, []string{"https://race.example.com", " "}, nil)

	tests := []struct {
		name   string
		srv    *Server
		origin string
		want   bool
	}{
		{"no origin", open, "", true},
		{"same host", open, "http://example.com", true},
		{"localhost", open, "http://localhost:5173", true},
		{"foreign", open, "https://evil.test", false},
		{"allowed", restricted, "https://race.example.com", true},
		{"allowed host other scheme", restricted, "http://race.example.com", true},
		{"not allowed", restricted, "http://localhost:5173", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, tt.srv.checkOrigin(r))
		})
	}
}

func TestPayloadText(t *testing.T) {
	assert.Equal(t, "", payloadText(nil))
	assert.Equal(t, "", payloadText(json.RawMessage("null")))
	assert.Equal(t, "gl hf", payloadText(json.RawMessage(`"gl hf"`)))
	assert.Equal(t, `{"a":1}`, payloadText(json.RawMessage(`{"a":1}`)))
	assert.Len(t, closeReason(strings.Repeat("x", 200)), 123)
}
