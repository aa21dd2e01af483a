package server

import (
	"errors"
	"net"
	"sync"

	"github.com/coterie-chat/coterie/pkg/protocol"
)

var (
	ErrServerFull  = errors.New("connection limit reached")
	errQueueFull   = errors.New("outbound queue full")
	errSessionDown = errors.New("session is closing")
)

// NoExclude broadcasts to every session (session IDs start at 1)
const NoExclude uint64 = 0

// Session represents one client connection. It owns the socket for its
// lifetime; the inbound loop and the outbound loop share nothing but the
// outbound queue and the closing signal.
type Session struct {
	ID   uint64
	Conn net.Conn

	outbound  chan *protocol.Frame
	closing   chan struct{}
	closeOnce sync.Once

	// protoErrors is touched only by the inbound loop
	protoErrors int
}

// Send enqueues a frame on the session's outbound queue without blocking.
// A full queue means the consumer is not keeping pace; the caller decides
// what to do with the session (see Broadcast).
func (s *Session) Send(frame *protocol.Frame) error {
	select {
	case <-s.closing:
		return errSessionDown
	default:
	}

	select {
	case s.outbound <- frame:
		return nil
	default:
		return errQueueFull
	}
}

// SignalClose marks the session as closing and closes the socket, unblocking
// both loops. Safe to call multiple times and from any goroutine.
func (s *Session) SignalClose() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.Conn.Close()
	})
}

// Closing reports whether teardown has been signaled
func (s *Session) Closing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// SessionManager tracks all live sessions and fans frames out to them
type SessionManager struct {
	sessions    map[uint64]*Session
	nextID      uint64
	mu          sync.RWMutex
	queueSize   int
	maxSessions int
	metrics     *Metrics
}

// NewSessionManager creates a session manager. queueSize bounds each
// session's outbound queue; maxSessions bounds concurrent connections.
func NewSessionManager(queueSize, maxSessions int) *SessionManager {
	return &SessionManager{
		sessions:    make(map[uint64]*Session),
		nextID:      1,
		queueSize:   queueSize,
		maxSessions: maxSessions,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// Register creates a session for a new connection. Session IDs are assigned
// once and never reused. Fails with ErrServerFull at the connection limit.
func (sm *SessionManager) Register(conn net.Conn) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		return nil, ErrServerFull
	}

	sess := &Session{
		ID:       sm.nextID,
		Conn:     conn,
		outbound: make(chan *protocol.Frame, sm.queueSize),
		closing:  make(chan struct{}),
	}
	sm.nextID++
	sm.sessions[sess.ID] = sess

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(len(sm.sessions))
		sm.metrics.RecordSessionCreated()
	}

	return sess, nil
}

// Unregister removes a session from the registry. Returns false if it was
// already removed.
func (sm *SessionManager) Unregister(sessionID uint64) bool {
	sm.mu.Lock()
	_, ok := sm.sessions[sessionID]
	if ok {
		delete(sm.sessions, sessionID)
	}
	count := len(sm.sessions)
	sm.mu.Unlock()

	if ok && sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionDisconnected()
	}
	return ok
}

// Get returns a session by ID
func (sm *SessionManager) Get(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// All returns all live sessions
func (sm *SessionManager) All() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of live sessions
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Broadcast enqueues a frame on every live session's outbound queue except
// the excluded one, without blocking on any individual session. Sessions
// whose queue is full are returned as slow consumers; the overflow policy is
// to disconnect them rather than drop frames silently.
func (sm *SessionManager) Broadcast(frame *protocol.Frame, excludeID uint64) (delivered int, slow []*Session) {
	sm.mu.RLock()
	for _, sess := range sm.sessions {
		if sess.ID == excludeID {
			continue
		}
		if err := sess.Send(frame); err != nil {
			if errors.Is(err, errQueueFull) {
				debugLog.Printf("session %d: outbound queue full (Type=0x%02X), disconnecting slow consumer", sess.ID, frame.Type)
				slow = append(slow, sess)
			}
			continue
		}
		delivered++
	}
	sm.mu.RUnlock()

	if sm.metrics != nil {
		sm.metrics.RecordBroadcast(frame.Type, delivered)
		for range slow {
			sm.metrics.RecordSlowConsumer()
		}
	}
	return delivered, slow
}

// CloseAll signals teardown on every session
func (sm *SessionManager) CloseAll() {
	for _, sess := range sm.All() {
		sess.SignalClose()
	}
}
