// Package pushserver implements the push server (C4): a connection-oriented
// WebSocket server that accepts persistent bidirectional client sessions,
// translates their frames into delivery engine calls, and routes outbound
// envelopes and lifecycle events back to the right sessions. It never
// performs a state transition itself — everything goes through the engine.
package pushserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"relaymesh/hub/internal/auth"
	"relaymesh/hub/internal/delivery"
	"relaymesh/hub/internal/events"
	"relaymesh/hub/internal/logging"
	"relaymesh/hub/internal/registry"
)

const (
	writeWait          = 10 * time.Second
	pongWaitMultiplier = 2
)

var localHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

// Config bounds the push server's session timing behaviour.
type Config struct {
	HeartbeatTimeout time.Duration
	SweeperInterval  time.Duration
	ReadLimitBytes   int64
	AllowedOrigins   []string
}

type sessionKey struct {
	agentID    string
	instanceID string
}

// Option configures optional Server behaviour at construction time.
type Option func(*Server)

// WithCredentialChecker gates register frames on the supplied checker.
func WithCredentialChecker(checker auth.CredentialChecker) Option {
	return func(s *Server) { s.checker = checker }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Server is the push server. It holds no message state of its own beyond
// session bookkeeping; all delivery state lives in the engine.
type Server struct {
	mu    sync.RWMutex
	byKey map[sessionKey]*Session
	byID  map[string]*Session

	registry *registry.Registry
	engine   *delivery.Engine
	bus      *events.Bus
	cfg      Config
	checker  auth.CredentialChecker
	log      *logging.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	unsubscribeBus func()
}

// New constructs a push server wired to the instance registry, delivery
// engine, and lifecycle event bus.
func New(reg *registry.Registry, engine *delivery.Engine, bus *events.Bus, cfg Config, opts ...Option) *Server {
	s := &Server{
		byKey:    make(map[sessionKey]*Session),
		byID:     make(map[string]*Session),
		registry: reg,
		engine:   engine,
		bus:      bus,
		cfg:      cfg,
		log:      logging.L(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: buildOriginChecker(s.log, cfg.AllowedOrigins)}
	return s
}

// Start begins the background lifecycle-event fan-out and the heartbeat
// sweep, both stopping when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	ch, unsubscribe := s.bus.Subscribe(256,
		"instance.registered", "instance.offline",
		"delivery.confirmed", "delivery.confirmed.read",
		"message.acknowledged", "message.read",
		"delivery.failed", "acknowledgment.timeout")
	s.unsubscribeBus = unsubscribe

	go func() {
		for {
			select {
			case <-ctx.Done():
				unsubscribe()
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				s.handleLifecycleEvent(event)
			}
		}
	}()

	interval := s.cfg.SweeperInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepDeadSessions()
			}
		}
	}()
}

// Stats summarizes the push server's live connection state for get_status
// "system counters" and the hub's stats() surface.
type Stats struct {
	ConnectedSessions int
	RegisteredAgents  int
	PendingMessages   int
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	connected := len(s.byID)
	s.mu.RUnlock()
	return Stats{
		ConnectedSessions: connected,
		RegisteredAgents:  len(s.registry.AllLiveAgentIDs()),
		PendingMessages:   len(s.engine.Pending()),
	}
}

// HandleWS upgrades the HTTP request to a WebSocket and runs the session
// until the connection closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	sessionID := uuid.NewString()
	sess := newSession(conn, sessionID, s.log.With(logging.String("session_id", sessionID)))
	if s.cfg.ReadLimitBytes > 0 {
		conn.SetReadLimit(s.cfg.ReadLimitBytes)
	}

	s.mu.Lock()
	s.byID[sessionID] = sess
	s.mu.Unlock()

	heartbeatTimeout := s.cfg.HeartbeatTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = time.Minute
	}
	waitDuration := pongWaitMultiplier * heartbeatTimeout
	if err := conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
		sess.log.Error("failed to set initial read deadline", logging.Error(err))
		_ = conn.Close()
		s.removeSession(sess)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	if welcome, err := json.Marshal(welcomeFrame(sessionID)); err == nil {
		sess.trySend(welcome)
	}

	done := make(chan struct{})
	go s.writeLoop(sess, done)
	s.readLoop(sess, waitDuration)
	close(done)

	_ = conn.Close()
	s.removeSession(sess)
}

func (s *Server) readLoop(sess *Session, waitDuration time.Duration) {
	for {
		messageType, msg, err := sess.conn.ReadMessage()
		if err != nil {
			sess.log.Debug("read loop ending", logging.Error(err))
			return
		}
		if err := sess.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			sess.log.Error("failed to extend read deadline", logging.Error(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.handleFrame(sess, msg)
	}
}

func (s *Server) writeLoop(sess *Session, done <-chan struct{}) {
	pingInterval := s.cfg.HeartbeatTimeout / pongWaitMultiplier
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case frame, ok := <-sess.send:
			if !ok {
				return
			}
			if err := sess.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				sess.log.Error("failed to set write deadline", logging.Error(err))
				return
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				sess.log.Warn("write error", logging.Error(err))
				return
			}
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				sess.log.Warn("ping failure", logging.Error(err))
				return
			}
		}
	}
}

func (s *Server) removeSession(sess *Session) {
	agentID, instanceID, registered := sess.identity()

	s.mu.Lock()
	if current, ok := s.byID[sess.sessionID]; ok && current == sess {
		delete(s.byID, sess.sessionID)
	}
	if registered {
		key := sessionKey{agentID: agentID, instanceID: instanceID}
		if current, ok := s.byKey[key]; ok && current == sess {
			delete(s.byKey, key)
		}
	}
	s.mu.Unlock()

	if registered {
		s.registry.MarkOffline(agentID, instanceID)
	}
}

// sweepDeadSessions closes sessions whose heartbeat has gone silent past
// the configured timeout, per §4.4 ("now - lastHeartbeat > 60s: dead").
func (s *Server) sweepDeadSessions() {
	timeout := s.cfg.HeartbeatTimeout
	if timeout <= 0 {
		return
	}
	now := s.now()

	s.mu.RLock()
	var dead []*Session
	for _, sess := range s.byID {
		if sess.idleSince(now) > timeout {
			dead = append(dead, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range dead {
		sess.log.Warn("closing session: heartbeat timeout exceeded")
		_ = sess.conn.Close()
	}
}

// Deliver implements dispatch.Transport, routing an outbound envelope to
// the session recorded for its instance. Routing happens strictly by
// (agentId,instanceId) — never by guessing the freshest session.
func (s *Server) Deliver(envelope delivery.Envelope) error {
	sess, ok := envelope.ToInstance.SessionRef.(*Session)
	if !ok || sess == nil {
		s.mu.RLock()
		sess, ok = s.byKey[sessionKey{agentID: envelope.ToInstance.AgentID, instanceID: envelope.ToInstance.InstanceID}]
		s.mu.RUnlock()
		if !ok {
			return fmt.Errorf("no live session for %s/%s", envelope.ToInstance.AgentID, envelope.ToInstance.InstanceID)
		}
	}

	frame, err := json.Marshal(messageReceivedFrame(envelope.MessageID, envelope.From, envelope.Payload, envelope.Flags.RequiresAck, envelope.Flags.RequiresReadReceipt, envelope.Metadata))
	if err != nil {
		return err
	}
	if !sess.trySend(frame) {
		// Backpressure: the session cannot keep up. Close it and mark the
		// instance offline rather than let a slow client stall delivery.
		_ = sess.conn.Close()
		s.removeSession(sess)
		return fmt.Errorf("session %s send buffer full", sess.sessionID)
	}
	return nil
}

func buildOriginChecker(logger *logging.Logger, allowlist []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn("ignoring invalid allowed origin", logging.String("origin", origin), logging.Error(err))
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}
	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			return true // non-browser client, e.g. an agent process
		}
		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			return false
		}
		if _, ok := localHosts[originURL.Hostname()]; ok {
			return true
		}
		_, ok := allowed[strings.ToLower(originURL.Scheme+"://"+originURL.Host)]
		return ok
	}
}
