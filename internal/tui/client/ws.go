package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

var errNotConnected = errors.New("not connected")

// WSClient manages the websocket connection to the game session host.
type WSClient struct {
	url   string
	token string

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes
	conn    *websocket.Conn
	nextID  uint64
	pingCtx context.CancelFunc
}

// NewWSClient creates a client that connects to the given websocket URL and
// presents token as a bearer credential.
func NewWSClient(url, token string) *WSClient {
	return &WSClient{url: url, token: token}
}

// --- Bubble Tea messages ---

// WSConnectedMsg is sent when the connection is established.
type WSConnectedMsg struct{}

// WSDisconnectedMsg is sent when the connection drops.
type WSDisconnectedMsg struct{ Err error }

// WSRejectedMsg is sent when the host refuses the connection. The client
// does not reconnect after it.
type WSRejectedMsg struct{ Reason string }

// PlayerUpdateMsg reports a participant status change.
type PlayerUpdateMsg struct{ Payload PlayerUpdate }

// ServerStartedMsg is sent once the game session has started.
type ServerStartedMsg struct{ Payload ServerStarted }

// P2PTokenMsg carries the host's rendezvous token.
type P2PTokenMsg struct{ Token string }

// ResultsMsg delivers the shared outcome of a completed round.
type ResultsMsg struct {
	ID      string
	Payload json.RawMessage
}

// WSErrorMsg wraps an error reply from the host.
type WSErrorMsg struct{ Payload ErrorPayload }

// Listen returns a Bubble Tea command that connects, retrying with backoff
// until the host accepts or rejects the connection.
func (c *WSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		delay := reconnectBaseDelay
		header := http.Header{}
		if c.token != "" {
			header.Set("Authorization", "Bearer "+c.token)
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
			if err != nil {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
				delay = min(delay*2, reconnectMaxDelay)
				continue
			}

			c.mu.Lock()
			if c.pingCtx != nil {
				c.pingCtx()
			}
			pingCtx, pingCancel := context.WithCancel(ctx)
			c.conn = conn
			c.pingCtx = pingCancel
			c.mu.Unlock()

			go c.pingLoop(pingCtx, conn)

			return WSConnectedMsg{}
		}
	}
}

// ReadLoop returns a Bubble Tea command that reads until the next message the
// model cares about. It should be re-issued after every message it returns.
func (c *WSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return WSDisconnectedMsg{Err: errNotConnected}
		}

		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongTimeout))
			return nil
		})
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				conn.Close()

				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) && closeErr.Code == CloseNotAuthorized {
					return WSRejectedMsg{Reason: closeErr.Text}
				}
				return WSDisconnectedMsg{Err: err}
			}
			// Any traffic from the host proves the connection is alive.
			conn.SetReadDeadline(time.Now().Add(pongTimeout))

			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if msg := dispatch(env); msg != nil {
				return msg
			}
		}
	}
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *WSClient) send(env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(env)
}

func encodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return data, nil
}

// Ready signals the participant is ready to start.
func (c *WSClient) Ready(data string) error {
	payload, err := encodePayload(data)
	if err != nil {
		return err
	}
	return c.send(Envelope{Type: MsgReady, Payload: payload})
}

// Fault reports a local failure.
func (c *WSClient) Fault(reason string) error {
	payload, err := encodePayload(reason)
	if err != nil {
		return err
	}
	return c.send(Envelope{Type: MsgFault, Payload: payload})
}

// PostResults submits result for the current round. The returned id matches
// the ResultsMsg or WSErrorMsg that answers it. Non-JSON results are sent as
// a JSON string.
func (c *WSClient) PostResults(result []byte) (string, error) {
	c.mu.Lock()
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	c.mu.Unlock()

	payload := json.RawMessage(result)
	if !json.Valid(result) {
		quoted, err := encodePayload(string(result))
		if err != nil {
			return "", err
		}
		payload = quoted
	}
	return id, c.send(Envelope{Type: MsgPostResults, ID: id, Payload: payload})
}

// Reset asks the host to start a new round.
func (c *WSClient) Reset() error {
	return c.send(Envelope{Type: MsgReset})
}

// Close cancels the ping loop and closes the connection.
func (c *WSClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.pingCtx != nil {
		c.pingCtx()
	}
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		conn.Close()
	}
}

func dispatch(env Envelope) tea.Msg {
	switch env.Type {
	case MsgPlayerUpdate:
		var p PlayerUpdate
		if json.Unmarshal(env.Payload, &p) == nil {
			return PlayerUpdateMsg{Payload: p}
		}
	case MsgServerStarted:
		var p ServerStarted
		if len(env.Payload) == 0 || json.Unmarshal(env.Payload, &p) == nil {
			return ServerStartedMsg{Payload: p}
		}
	case MsgP2PToken:
		var token string
		if json.Unmarshal(env.Payload, &token) == nil {
			return P2PTokenMsg{Token: token}
		}
	case MsgPostResults:
		return ResultsMsg{ID: env.ID, Payload: env.Payload}
	case MsgError:
		var p ErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			if p.ID == "" {
				p.ID = env.ID
			}
			return WSErrorMsg{Payload: p}
		}
	}
	return nil
}
