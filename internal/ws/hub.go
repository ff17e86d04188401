package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBuffer   = 64
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

var (
	errPeerClosed = errors.New("connection closed")
	errPeerSlow   = errors.New("connection too slow, send buffer full")
)

// peer is one websocket connection. It implements session.Peer and
// auth.Credentialed.
type peer struct {
	id          string
	credential  string
	serverToken string
	conn        *websocket.Conn
	log         *zap.SugaredLogger

	mu     sync.Mutex
	send   chan []byte
	closed bool
	// closeFrame is written by writePump after the queued messages.
	closeFrame []byte
}

func newPeer(conn *websocket.Conn, credential, serverToken string, logger *zap.SugaredLogger) *peer {
	p := &peer{
		id:          uuid.NewString(),
		credential:  credential,
		serverToken: serverToken,
		conn:        conn,
		log:         logger,
		send:        make(chan []byte, sendBuffer),
	}
	go p.writePump()
	return p
}

func (p *peer) ID() string          { return p.id }
func (p *peer) ServerToken() string { return p.serverToken }
func (p *peer) Credential() string  { return p.credential }

func (p *peer) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.writeClose()
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (p *peer) writeClose() {
	p.mu.Lock()
	frame := p.closeFrame
	p.mu.Unlock()
	if frame == nil {
		frame = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	}
	if err := p.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait)); err != nil {
		p.log.Debugw("writing close frame", "peer", p.id, "error", err)
	}
}

func (p *peer) enqueue(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPeerClosed
	}
	select {
	case p.send <- data:
		return nil
	default:
		return errPeerSlow
	}
}

func (p *peer) write(msg outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.enqueue(data)
}

// Send implements session.Peer.
func (p *peer) Send(route string, payload any) error {
	return p.write(outbound{Type: route, Payload: payload})
}

func (p *peer) sendError(id string, err error) {
	if werr := p.write(outbound{Type: MsgError, ID: id, Payload: ErrorPayload{ID: id, Message: err.Error()}}); werr != nil {
		p.log.Debugw("sending error reply", "peer", p.id, "error", werr)
	}
}

// close stops the write pump, which flushes pending messages, sends the
// close frame and closes the connection.
func (p *peer) close() {
	p.closeWith(websocket.CloseNormalClosure, "")
}

// closeWith is like close with an explicit close code and reason. Only the
// first call decides the frame.
func (p *peer) closeWith(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.closeFrame = websocket.FormatCloseMessage(code, closeReason(reason))
	close(p.send)
}

// Disconnect implements session.Peer.
func (p *peer) Disconnect(reason string) error {
	p.closeWith(websocket.CloseNormalClosure, reason)
	return nil
}

// Hub fans session broadcasts out to every attached connection. It
// implements session.Transport.
type Hub struct {
	mu    sync.RWMutex
	peers map[*peer]bool
	log   *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{peers: make(map[*peer]bool), log: logger.Named("ws")}
}

func (h *Hub) add(p *peer) {
	h.mu.Lock()
	h.peers[p] = true
	h.mu.Unlock()
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
}

// Broadcast implements session.Transport. The game server connection is
// skipped; it only receives messages addressed to it. Connections that cannot
// keep up are dropped.
func (h *Hub) Broadcast(route string, payload any) {
	data, err := json.Marshal(outbound{Type: route, Payload: payload})
	if err != nil {
		h.log.Errorw("broadcast marshal error", "route", route, "error", err)
		return
	}

	h.mu.RLock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		if p.serverToken != "" {
			continue
		}
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	for _, p := range peers {
		if err := p.enqueue(data); err != nil {
			if errors.Is(err, errPeerSlow) {
				h.log.Warnw("ws client too slow, disconnecting", "peer", p.id)
				h.remove(p)
				p.close()
			}
		}
	}
}

// ClientCount returns the number of attached connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}
