package pushserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relaymesh/hub/internal/logging"
)

// Session is one connected client's persistent bidirectional channel.
// Its agentId/instanceId are unset until a register frame arrives.
type Session struct {
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	log       *logging.Logger

	mu            sync.Mutex
	agentID       string
	instanceID    string
	subscriptions map[string]struct{}
	lastHeartbeat time.Time
}

func newSession(conn *websocket.Conn, sessionID string, log *logging.Logger) *Session {
	return &Session{
		conn:          conn,
		send:          make(chan []byte, 256),
		sessionID:     sessionID,
		log:           log,
		subscriptions: make(map[string]struct{}),
		lastHeartbeat: time.Now(),
	}
}

// identity returns the session's registered agentId/instanceId, and
// whether registration has happened yet.
func (s *Session) identity() (agentID, instanceID string, registered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID, s.instanceID, s.agentID != ""
}

// register binds the session to an agent instance and auto-subscribes it
// to events about its own agentId (§4.4).
func (s *Session) register(agentID, instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentID = agentID
	s.instanceID = instanceID
	s.subscriptions[agentID] = struct{}{}
}

func (s *Session) subscribe(agents []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, agent := range agents {
		if agent != "" {
			s.subscriptions[agent] = struct{}{}
		}
	}
}

func (s *Session) unsubscribe(agent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, agent)
}

// interested reports whether this session's subscription set intersects
// the given set of relevant agents.
func (s *Session) interested(agents []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, agent := range agents {
		if _, ok := s.subscriptions[agent]; ok {
			return true
		}
	}
	return false
}

func (s *Session) touchHeartbeat(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = now
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastHeartbeat)
}

// trySend enqueues a frame without blocking and reports false when the
// outbound buffer is full. Deliver evicts a session in that case; replies
// and broadcasts drop the frame.
func (s *Session) trySend(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}
