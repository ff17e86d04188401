package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agent-racer/gamehost/internal/metrics"
	"github.com/agent-racer/gamehost/internal/session"
)

const maxMessageSize = 1 << 20

// Server exposes the session over websocket and a small HTTP API.
type Server struct {
	svc            *session.Service
	hub            *Hub
	metrics        *metrics.Metrics
	gatherer       prometheus.Gatherer
	log            *zap.SugaredLogger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	upgrader       websocket.Upgrader
}

// NewServer wires svc to hub. m and gatherer may be nil, in which case no
// connection metrics are recorded and /metrics serves the default registry.
func NewServer(svc *session.Service, hub *Hub, m *metrics.Metrics, gatherer prometheus.Gatherer, allowedOrigins []string, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		svc:            svc,
		hub:            hub,
		metrics:        m,
		gatherer:       gatherer,
		log:            logger.Named("ws"),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Routes returns the HTTP handler for every endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/session", s.handleSession)
	r.Post("/api/session/reset", s.handleReset)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

// credential extracts the participant bearer token from the request.
func credential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws upgrade error", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	p := newPeer(conn, credential(r), r.URL.Query().Get("serverToken"), s.log)
	ctx := context.WithoutCancel(r.Context())

	if err := s.svc.OnConnecting(ctx, p); err != nil {
		s.log.Infow("rejected connection", "remote", r.RemoteAddr, "error", err)
		code := CloseNotAuthorized
		if !session.IsAuthorization(err) {
			code = websocket.CloseInternalServerErr
		}
		p.closeWith(code, err.Error())
		return
	}

	s.hub.add(p)
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}
	s.log.Debugw("websocket client connected", "remote", r.RemoteAddr, "peer", p.ID())

	if err := s.svc.OnConnected(ctx, p); err != nil {
		s.log.Warnw("completing connection", "peer", p.ID(), "error", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		s.hub.remove(p)
		p.close()
		if s.metrics != nil {
			s.metrics.ConnectionClosed()
		}
		s.svc.OnDisconnected(ctx, p)
		s.log.Debugw("websocket client disconnected", "remote", r.RemoteAddr, "peer", p.ID())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			p.sendError("", fmt.Errorf("malformed message: %w", err))
			continue
		}
		if err := s.dispatch(connCtx, p, env); err != nil {
			if session.IsAuthorization(err) {
				p.closeWith(CloseNotAuthorized, err.Error())
				return
			}
			p.sendError(env.ID, err)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, p *peer, env Envelope) error {
	switch env.Type {
	case session.RoutePlayerReady:
		return s.svc.Ready(ctx, p, payloadText(env.Payload))
	case session.RoutePlayerFaulted:
		return s.svc.Faulted(ctx, p, payloadText(env.Payload))
	case session.RoutePostResults:
		return s.postResults(ctx, p, env)
	case session.RouteReset:
		identity, err := s.svc.Identify(ctx, p)
		if err != nil {
			return err
		}
		if err := s.canReset(identity); err != nil {
			return err
		}
		return s.svc.Reset(ctx)
	default:
		return fmt.Errorf("unknown message type %q", env.Type)
	}
}

func (s *Server) postResults(ctx context.Context, p *peer, env Envelope) error {
	if env.ID == "" {
		return errors.New("postResults requires an id")
	}
	identity, err := s.svc.Identify(ctx, p)
	if err != nil {
		return err
	}
	future, err := s.svc.SubmitResult(ctx, identity, []byte(env.Payload))
	if err != nil {
		return err
	}

	go func() {
		write, err := future.Wait(ctx)
		if err != nil {
			p.sendError(env.ID, err)
			return
		}
		var buf bytes.Buffer
		if err := write(&buf); err != nil {
			p.sendError(env.ID, fmt.Errorf("writing results: %w", err))
			return
		}
		var payload any = json.RawMessage(buf.Bytes())
		if !json.Valid(buf.Bytes()) {
			payload = buf.String()
		}
		if err := p.write(outbound{Type: session.RoutePostResults, ID: env.ID, Payload: payload}); err != nil {
			s.log.Debugw("sending results", "peer", p.ID(), "error", err)
		}
	}()
	return nil
}

// canReset allows the configured host, or any participant when the session
// has no host.
func (s *Server) canReset(identity string) error {
	if host := s.svc.HostUserID(); host != "" && identity != host {
		return errors.New("only the host can reset the game session")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "state": s.svc.State().String()})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.svc.Snapshot())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	caller := &httpCaller{credential: credential(r)}
	identity, err := s.svc.Identify(r.Context(), caller)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.canReset(identity); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if err := s.svc.Reset(r.Context()); err != nil {
		if errors.Is(err, session.ErrSessionShutdown) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// httpCaller lets HTTP requests be identified like websocket peers.
type httpCaller struct {
	credential string
}

func (c *httpCaller) ID() string              { return "http" }
func (c *httpCaller) ServerToken() string     { return "" }
func (c *httpCaller) Credential() string      { return c.credential }
func (c *httpCaller) Disconnect(string) error { return nil }

func (c *httpCaller) Send(string, any) error {
	return errors.New("http caller cannot receive messages")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Hostname()
	return parsed.Host == r.Host || host == "localhost" || host == "127.0.0.1" || host == "::1"
}
