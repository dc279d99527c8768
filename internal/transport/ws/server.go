// Package ws provides the websocket transport for the presence protocol:
// one logical connection per client with per-connection FIFO delivery, and
// the fan-out primitives the session core sends through.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/verseworld/verse/internal/auth"
	"github.com/verseworld/verse/internal/config"
	"github.com/verseworld/verse/internal/presence"
)

// Session is the connection event sink, implemented by the session core.
// HandleClose is invoked exactly once per connection, even under abnormal
// termination.
type Session interface {
	HandleConnect(id string)
	HandleMessage(id string, event string, data json.RawMessage)
	HandleClose(id string)
	// Rename applies a verified identity's username to the connection.
	Rename(id string, displayName string)
}

// TokenVerifier validates an identity token string.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Server accepts websocket connections and routes their events to a Session.
// It implements presence.Sender for the outbound direction and http.Handler
// for the inbound one.
type Server struct {
	cfg      config.WebSocketConfig
	session  Session
	verifier TokenVerifier
	logger   *zap.Logger
	origins  []string

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a websocket transport.
//
// Precondition: logger must be non-nil. verifier may be nil, in which case
// identity tokens are ignored and every client stays anonymous. corsOrigin is
// the allowed browser origin, e.g. "http://localhost:3000".
// Postcondition: SetSession must be called before the server accepts traffic.
func NewServer(cfg config.WebSocketConfig, verifier TokenVerifier, logger *zap.Logger, corsOrigin string) *Server {
	return &Server{
		cfg:      cfg,
		verifier: verifier,
		logger:   logger,
		origins:  originPatterns(corsOrigin),
		conns:    make(map[string]*conn),
	}
}

// SetSession installs the connection event sink. The session core and the
// transport reference each other, so the sink is attached after both exist.
//
// Precondition: must be called exactly once, before the server serves traffic.
func (s *Server) SetSession(session Session) {
	s.session = session
}

// originPatterns converts an origin URL into the host pattern the websocket
// handshake checks against.
func originPatterns(corsOrigin string) []string {
	if corsOrigin == "" {
		return nil
	}
	if u, err := url.Parse(corsOrigin); err == nil && u.Host != "" {
		return []string{u.Host}
	}
	return []string{corsOrigin}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
// Each connection gets a fresh unique id; a client that reconnects is a brand
// new participant.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		http.Error(w, "presence not ready", http.StatusServiceUnavailable)
		return
	}

	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.logger.Debug("websocket handshake failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	sock.SetReadLimit(s.cfg.ReadLimit)

	id := uuid.NewString()
	c := newConn(id, sock, s.cfg.OutboxBuffer)

	if !s.register(c) {
		_ = sock.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	start := time.Now()
	s.logger.Info("client connected",
		zap.String("id", id),
		zap.String("remote_addr", r.RemoteAddr),
	)

	go s.writeLoop(c)

	s.session.HandleConnect(id)
	s.applyIdentity(r, id)

	s.readLoop(r.Context(), c)

	// Read loop exit is the single close signal: every path out of this
	// connection funnels through here exactly once.
	s.unregister(id)
	s.session.HandleClose(id)
	c.shutdown(websocket.StatusNormalClosure, "")

	s.logger.Info("client disconnected",
		zap.String("id", id),
		zap.Duration("duration", time.Since(start)),
	)
}

// applyIdentity renames the connection after its token verifies. A missing or
// invalid token is not an error; the client simply keeps its placeholder name.
func (s *Server) applyIdentity(r *http.Request, id string) {
	token := r.URL.Query().Get("token")
	if token == "" || s.verifier == nil {
		return
	}
	claims, err := s.verifier.Verify(token)
	if err != nil {
		s.logger.Debug("ignoring invalid identity token",
			zap.String("id", id),
			zap.Error(err),
		)
		return
	}
	s.session.Rename(id, claims.Username)
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	for {
		_, data, err := c.sock.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.logger.Debug("read ended",
					zap.String("id", c.id),
					zap.Error(err),
				)
			}
			return
		}

		var env presence.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			s.logger.Debug("dropping unframed message",
				zap.String("id", c.id),
			)
			continue
		}
		s.session.HandleMessage(c.id, env.Event, env.Data)
	}
}

func (s *Server) writeLoop(c *conn) {
	for {
		select {
		case frame := <-c.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
			err := c.sock.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.logger.Debug("write failed, closing connection",
					zap.String("id", c.id),
					zap.Error(err),
				)
				c.shutdown(websocket.StatusInternalError, "write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// register adds the connection to the routing table.
//
// Postcondition: Reports false if the server is shutting down.
func (s *Server) register(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	return true
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

// Send implements presence.Sender: unicast to one connection. A send to an
// unknown connection is dropped; it raced with a close.
func (s *Server) Send(id string, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		s.logger.Error("encoding outbound event",
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}

	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.deliver(c, frame, event)
}

// Broadcast implements presence.Sender: fan out to every connection except
// excludeID (empty string excludes nobody).
func (s *Server) Broadcast(event string, payload any, excludeID string) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		s.logger.Error("encoding outbound event",
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}

	s.mu.Lock()
	targets := make([]*conn, 0, len(s.conns))
	for id, c := range s.conns {
		if id == excludeID {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		s.deliver(c, frame, event)
	}
}

// deliver queues one frame, disconnecting the connection if its queue is
// full. A slow consumer only ever takes itself down.
func (s *Server) deliver(c *conn, frame []byte, event string) {
	if c.closed() {
		return
	}
	if err := c.enqueue(frame); err != nil {
		s.logger.Warn("disconnecting slow consumer",
			zap.String("id", c.id),
			zap.String("event", event),
			zap.Error(err),
		)
		c.shutdown(websocket.StatusPolicyViolation, "outbound queue overflow")
	}
}

// Shutdown stops accepting connections, closes every live one, and waits for
// their handlers to finish or the context to expire.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown timed out waiting for connections",
			zap.Int("remaining", s.ConnCount()),
		)
	}
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s payload: %w", event, err)
	}
	frame, err := json.Marshal(presence.Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshalling %s envelope: %w", event, err)
	}
	return frame, nil
}
