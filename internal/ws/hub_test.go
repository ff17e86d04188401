package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// bufferedPeer builds a peer without a connection or write pump so the test
// controls its send buffer.
func bufferedPeer(id string, size int) *peer {
	return &peer{id: id, log: zap.NewNop().Sugar(), send: make(chan []byte, size)}
}

func TestBroadcast_DropsSlowPeer(t *testing.T) {
	h := NewHub(nil)
	fast := bufferedPeer("fast", 4)
	slow := bufferedPeer("slow", 1)
	h.add(fast)
	h.add(slow)

	h.Broadcast("player.update", map[string]string{"userId": "alice"})
	h.Broadcast("player.update", map[string]string{"userId": "bob"})

	if got := h.ClientCount(); got != 1 {
		t.Fatalf("expected slow peer to be dropped, ClientCount = %d", got)
	}
	if err := slow.Send("x", nil); err != errPeerClosed {
		t.Errorf("Send on dropped peer = %v, want errPeerClosed", err)
	}
	if len(fast.send) != 2 {
		t.Fatalf("fast peer got %d messages, want 2", len(fast.send))
	}

	var env Envelope
	if err := json.Unmarshal(<-fast.send, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != "player.update" || string(env.Payload) != `{"userId":"alice"}` {
		t.Errorf("unexpected frame %+v", env)
	}
}

func TestPeerClose_Idempotent(t *testing.T) {
	p := bufferedPeer("p", 1)
	p.close()
	p.close()
	if err := p.Send("x", nil); err != errPeerClosed {
		t.Errorf("Send after close = %v, want errPeerClosed", err)
	}
}

func TestBroadcast_SkipsServerConnection(t *testing.T) {
	h := NewHub(nil)
	player := bufferedPeer("player", 4)
	server := bufferedPeer("server", 4)
	server.serverToken = "tok"
	h.add(player)
	h.add(server)

	h.Broadcast("player.update", map[string]string{"userId": "alice"})

	if len(player.send) != 1 {
		t.Errorf("player got %d messages, want 1", len(player.send))
	}
	if len(server.send) != 0 {
		t.Errorf("game server connection got %d broadcast messages, want 0", len(server.send))
	}
	if err := server.Send("gameSession.shutdown", nil); err != nil {
		t.Errorf("direct send to game server: %v", err)
	}
}

func TestDisconnect_FlushesQueuedMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		p := newPeer(conn, "", "", zap.NewNop().Sugar())
		for i := 0; i < 3; i++ {
			if err := p.Send("n", i); err != nil {
				t.Errorf("send %d: %v", i, err)
			}
		}
		p.Disconnect("bye")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for i := 0; i < 3; i++ {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if got := string(env.Payload); got != fmt.Sprint(i) {
			t.Errorf("message %d payload = %s", i, got)
		}
	}

	_, _, err = conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close frame after queued messages, got %v", err)
	}
	if ce.Code != websocket.CloseNormalClosure || ce.Text != "bye" {
		t.Errorf("close = %d %q, want %d %q", ce.Code, ce.Text, websocket.CloseNormalClosure, "bye")
	}
}
