package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coterie-chat/coterie/pkg/protocol"
)

// Server relays messages between all sessions of a single shared channel.
//
// Every state mutation and the broadcasts it produces happen under dispatchMu,
// so all sessions observe events of the shared channel in one total order.
// Handlers never perform I/O under the lock: broadcasting only enqueues on
// per-session outbound queues.
type Server struct {
	state    *ChannelState
	sessions *SessionManager
	config   ServerConfig
	metrics  *Metrics

	listener net.Listener
	wsServer *http.Server
	shutdown chan struct{}
	wg       sync.WaitGroup

	dispatchMu sync.Mutex
}

// NewServer creates a new server instance
func NewServer(config ServerConfig) *Server {
	return &Server{
		state:    NewChannelState(config.DefaultTopic),
		sessions: NewSessionManager(config.OutboundQueueSize, config.MaxSessions),
		config:   config,
		shutdown: make(chan struct{}),
	}
}

// SetMetrics attaches metrics to the server and its session manager
func (s *Server) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
	s.sessions.SetMetrics(metrics)
}

// State exposes the channel state store (used by status reporting and tests)
func (s *Server) State() *ChannelState {
	return s.state
}

// Sessions exposes the session manager
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Start binds the TCP listener (and the WebSocket listener if configured) and
// begins accepting connections
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	errorLog.Printf("TCP server listening on %s", listener.Addr())

	if s.config.WSPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		s.wsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.WSPort),
			Handler: mux,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("WebSocket server error: %v", err)
			}
		}()
		errorLog.Printf("WebSocket server listening on %s", s.wsServer.Addr)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the address the TCP listener is bound to
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server: no new connections are accepted, all
// sessions are signaled to close, and every session goroutine is waited for.
// Events still queued on outbound queues are discarded with the sockets.
func (s *Server) Stop() error {
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.wsServer != nil {
		s.wsServer.Close()
	}

	s.sessions.CloseAll()
	s.wg.Wait()
	return nil
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.HandleConnection(conn)
		}()
	}
}

// HandleConnection runs the full lifecycle of one client connection. It
// returns when the session is torn down.
func (s *Server) HandleConnection(conn net.Conn) {
	defer conn.Close()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := s.admit(conn)
	if sess == nil {
		return
	}
	debugLog.Printf("session %d: connected from %s", sess.ID, conn.RemoteAddr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writeLoop(sess)
	}()

	s.readLoop(sess)
	s.teardownSession(sess)
}

// admit registers the connection, joins it to the channel, and queues the
// Welcome event plus the UserJoined broadcast, all atomically so no other
// session's events can land in the new session's queue before its Welcome.
// The rejection write happens after the dispatch lock is released; a peer
// that won't accept bytes must not stall dispatch for live sessions.
func (s *Server) admit(conn net.Conn) *Session {
	sess, errCode, errMessage := s.tryAdmit(conn)
	if sess == nil {
		s.writeDirectError(conn, errCode, errMessage)
		return nil
	}
	return sess
}

// tryAdmit does the locked part of admission. On rejection it returns a nil
// session plus the error to report; no I/O happens under dispatchMu.
func (s *Server) tryAdmit(conn net.Conn) (*Session, uint16, string) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	sess, err := s.sessions.Register(conn)
	if err != nil {
		errorLog.Printf("rejecting connection from %s: %v", conn.RemoteAddr(), err)
		if s.metrics != nil {
			s.metrics.RecordSessionRejected()
		}
		return nil, protocol.ErrCodeServerFull, "server is full"
	}

	nick, err := s.state.Join(sess.ID, "")
	if err != nil {
		errorLog.Printf("session %d: join failed: %v", sess.ID, err)
		s.sessions.Unregister(sess.ID)
		return nil, protocol.ErrCodeInternalError, "could not assign a nickname"
	}

	welcome := &protocol.WelcomeMessage{
		ProtocolVersion: s.config.ProtocolVersion,
		SessionID:       sess.ID,
		Nickname:        nick,
		Topic:           s.state.Topic(),
		Roster:          s.state.Snapshot(),
	}
	s.sendMessage(sess, protocol.TypeWelcome, welcome)

	s.broadcastEvent(protocol.TypeUserJoined, &protocol.UserJoinedMessage{
		SessionID: sess.ID,
		Nickname:  nick,
	}, sess.ID)

	return sess, 0, ""
}

// readLoop reads socket bytes, feeds them to the stream decoder, and
// dispatches every complete frame. Returns on socket error, malformed
// framing, or an explicit disconnect.
func (s *Server) readLoop(sess *Session) {
	decoder := protocol.NewDecoder()
	buf := make([]byte, 4096)

	for {
		n, err := sess.Conn.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
			for {
				frame, derr := decoder.Next()
				if derr != nil {
					// Framing is corrupt; no way to resynchronize the stream
					errorLog.Printf("session %d: malformed frame: %v", sess.ID, derr)
					if s.metrics != nil {
						s.metrics.RecordProtocolError()
					}
					s.sendError(sess, protocol.ErrCodeInvalidFrame, "malformed frame")
					return
				}
				if frame == nil {
					break
				}
				if closing := s.handleFrame(sess, frame); closing {
					return
				}
			}
		}
		if err != nil {
			if err == io.EOF || sess.Closing() {
				debugLog.Printf("session %d: disconnected", sess.ID)
			} else {
				errorLog.Printf("session %d: read error: %v", sess.ID, err)
			}
			return
		}
	}
}

// writeLoop dequeues outbound frames and writes them to the socket. Each
// frame goes out in a single Write call, so transports that preserve message
// boundaries (WebSocket) carry exactly one frame per message. A write error
// signals teardown, which in turn unblocks the read loop.
func (s *Server) writeLoop(sess *Session) {
	for {
		select {
		case frame := <-sess.outbound:
			if err := writeFrame(sess.Conn, frame); err != nil {
				if !sess.Closing() {
					errorLog.Printf("session %d: write error: %v", sess.ID, err)
				}
				sess.SignalClose()
				return
			}
			if s.metrics != nil {
				s.metrics.RecordMessageSent(frame.Type)
			}
		case <-sess.closing:
			return
		}
	}
}

// handleFrame dispatches a decoded frame. The returned bool requests session
// teardown.
func (s *Server) handleFrame(sess *Session, frame *protocol.Frame) bool {
	debugLog.Printf("session %d ← RECV: Type=0x%02X Flags=0x%02X PayloadLen=%d", sess.ID, frame.Type, frame.Flags, len(frame.Payload))
	if s.metrics != nil {
		s.metrics.RecordMessageReceived(frame.Type)
	}

	if frame.Version != s.config.ProtocolVersion {
		return s.protocolError(sess, protocol.ErrCodeUnsupportedVersion,
			fmt.Sprintf("unsupported protocol version %d", frame.Version))
	}

	switch frame.Type {
	case protocol.TypeSendMessage:
		return s.handleSendMessage(sess, frame)
	case protocol.TypeSetNickname:
		return s.handleSetNickname(sess, frame)
	case protocol.TypeSetTopic:
		return s.handleSetTopic(sess, frame)
	case protocol.TypeWhoIs:
		return s.handleWhoIs(sess, frame)
	case protocol.TypePing:
		return s.handlePing(sess, frame)
	case protocol.TypeDisconnect:
		return true
	default:
		return s.protocolError(sess, protocol.ErrCodeUnknownType,
			fmt.Sprintf("unknown message type 0x%02X", frame.Type))
	}
}

// protocolError reports a session-local protocol violation. The connection
// stays open until the violation count passes the configured threshold.
func (s *Server) protocolError(sess *Session, code uint16, message string) bool {
	if s.metrics != nil {
		s.metrics.RecordProtocolError()
	}
	s.sendError(sess, code, message)

	sess.protoErrors++
	if s.config.ProtocolErrorThreshold > 0 && sess.protoErrors >= s.config.ProtocolErrorThreshold {
		errorLog.Printf("session %d: too many protocol errors (%d), disconnecting", sess.ID, sess.protoErrors)
		return true
	}
	return false
}

// teardownSession removes the session from the roster and broadcasts UserLeft
// exactly once. Safe to call concurrently from the read loop, the write loop,
// and server shutdown.
func (s *Server) teardownSession(sess *Session) {
	sess.SignalClose()

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	if !s.sessions.Unregister(sess.ID) {
		return
	}

	nick, ok := s.state.Leave(sess.ID)
	if !ok {
		return
	}
	debugLog.Printf("session %d (%s): left", sess.ID, nick)

	s.broadcastEvent(protocol.TypeUserLeft, &protocol.UserLeftMessage{
		SessionID: sess.ID,
		Nickname:  nick,
	}, sess.ID)
}

func writeFrame(conn net.Conn, frame *protocol.Frame) error {
	data, err := protocol.EncodeMessage(frame.Version, frame.Type, frame.Flags, frame.Payload)
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

// teardownAsync tears a session down on its own goroutine, for callers that
// hold dispatchMu. The goroutine is tracked so Stop waits for it.
func (s *Server) teardownAsync(sess *Session) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.teardownSession(sess)
	}()
}

// writeDirectError writes an Error frame straight to a connection that never
// became a session
func (s *Server) writeDirectError(conn net.Conn, code uint16, message string) {
	msg := &protocol.ErrorMessage{ErrorCode: code, Message: message}
	payload, err := msg.Encode()
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	writeFrame(conn, &protocol.Frame{
		Version: s.config.ProtocolVersion,
		Type:    protocol.TypeError,
		Payload: payload,
	})
}
