package server

import (
	"io"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coterie-chat/coterie/pkg/protocol"
)

func TestMain(m *testing.M) {
	errorLog = log.New(io.Discard, "", 0)
	os.Exit(m.Run())
}

func newTestServer() *Server {
	cfg := DefaultConfig()
	cfg.OutboundQueueSize = 32
	return NewServer(cfg)
}

// joinSession admits a fresh connection and drains its Welcome frame
func joinSession(t *testing.T, s *Server) *Session {
	t.Helper()
	sess := s.admit(&mockConn{})
	require.NotNil(t, sess)
	welcome := nextFrame(t, sess)
	require.Equal(t, uint8(protocol.TypeWelcome), welcome.Type)
	return sess
}

func nextFrame(t *testing.T, sess *Session) *protocol.Frame {
	t.Helper()
	select {
	case frame := <-sess.outbound:
		return frame
	case <-time.After(time.Second):
		t.Fatal("expected a queued frame")
		return nil
	}
}

func assertNoFrame(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case frame := <-sess.outbound:
		t.Fatalf("unexpected frame Type=0x%02X", frame.Type)
	default:
	}
}

func request(t *testing.T, msgType uint8, msg encodable) *protocol.Frame {
	t.Helper()
	payload, err := msg.Encode()
	require.NoError(t, err)
	return &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    msgType,
		Payload: payload,
	}
}

func decodeError(t *testing.T, frame *protocol.Frame) *protocol.ErrorMessage {
	t.Helper()
	require.Equal(t, uint8(protocol.TypeError), frame.Type)
	msg := &protocol.ErrorMessage{}
	require.NoError(t, msg.Decode(frame.Payload))
	return msg
}

func TestAdmitSendsWelcome(t *testing.T) {
	s := newTestServer()

	sess := s.admit(&mockConn{})
	require.NotNil(t, sess)

	frame := nextFrame(t, sess)
	require.Equal(t, uint8(protocol.TypeWelcome), frame.Type)

	welcome := &protocol.WelcomeMessage{}
	require.NoError(t, welcome.Decode(frame.Payload))
	assert.Equal(t, uint8(protocol.ProtocolVersion), welcome.ProtocolVersion)
	assert.Equal(t, sess.ID, welcome.SessionID)
	assert.Equal(t, "guest1", welcome.Nickname)
	assert.Equal(t, "[No topic]", welcome.Topic)
	require.Len(t, welcome.Roster, 1)
	assert.Equal(t, sess.ID, welcome.Roster[0].SessionID)
}

func TestAdmitBroadcastsUserJoined(t *testing.T) {
	s := newTestServer()

	sess1 := joinSession(t, s)
	sess2 := s.admit(&mockConn{})
	require.NotNil(t, sess2)

	// Existing session sees the newcomer
	frame := nextFrame(t, sess1)
	require.Equal(t, uint8(protocol.TypeUserJoined), frame.Type)
	joined := &protocol.UserJoinedMessage{}
	require.NoError(t, joined.Decode(frame.Payload))
	assert.Equal(t, sess2.ID, joined.SessionID)
	assert.Equal(t, "guest2", joined.Nickname)

	// The newcomer's first frame is its Welcome, with the full roster
	frame = nextFrame(t, sess2)
	require.Equal(t, uint8(protocol.TypeWelcome), frame.Type)
	welcome := &protocol.WelcomeMessage{}
	require.NoError(t, welcome.Decode(frame.Payload))
	require.Len(t, welcome.Roster, 2)
	assertNoFrame(t, sess2)
}

func TestAdmitRejectsWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 1
	s := NewServer(cfg)

	joinSession(t, s)

	conn := &mockConn{}
	sess := s.admit(conn)
	assert.Nil(t, sess)

	// The rejected connection gets an Error frame directly on the socket
	frame, err := protocol.DecodeFrame(&conn.writeBuf)
	require.NoError(t, err)
	errMsg := decodeError(t, frame)
	assert.Equal(t, uint16(protocol.ErrCodeServerFull), errMsg.ErrorCode)
}

// blockingConn is a mockConn whose Write blocks until release is closed
type blockingConn struct {
	mockConn
	release chan struct{}
}

func (bc *blockingConn) Write(b []byte) (int, error) {
	<-bc.release
	return len(b), nil
}

func TestRejectionWriteDoesNotBlockDispatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 1
	s := NewServer(cfg)

	sess := joinSession(t, s)

	// A rejected peer that never accepts bytes must not hold up dispatch
	stuck := &blockingConn{release: make(chan struct{})}
	admitDone := make(chan struct{})
	go func() {
		defer close(admitDone)
		s.admit(stuck)
	}()
	defer func() {
		close(stuck.release)
		<-admitDone
	}()
	time.Sleep(50 * time.Millisecond)

	frame := request(t, protocol.TypeSendMessage,
		&protocol.SendMessageMessage{Content: "still moving"})
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		s.handleFrame(sess, frame)
	}()

	select {
	case <-dispatched:
	case <-time.After(time.Second):
		t.Fatal("dispatch stalled behind a rejected connection's socket write")
	}

	assert.Equal(t, 1, s.sessions.Count())
}

func TestSlowConsumerTornDownAfterOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutboundQueueSize = 2
	s := NewServer(cfg)

	sess1 := joinSession(t, s)
	sess2 := joinSession(t, s)
	nextFrame(t, sess1) // UserJoined for sess2

	// Fill the second session's queue so the next broadcast overflows it
	require.NoError(t, sess2.Send(textFrame(protocol.TypePong, "")))
	require.NoError(t, sess2.Send(textFrame(protocol.TypePong, "")))

	s.handleFrame(sess1, request(t, protocol.TypeSendMessage,
		&protocol.SendMessageMessage{Content: "hi"}))

	// The overflow policy is disconnect: the slow session leaves the
	// registry and the roster
	require.Eventually(t, func() bool {
		return s.sessions.Count() == 1 && s.state.Len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, sess2.Closing())

	frame := nextFrame(t, sess1)
	require.Equal(t, uint8(protocol.TypeMessageBroadcast), frame.Type)

	frame = nextFrame(t, sess1)
	require.Equal(t, uint8(protocol.TypeUserLeft), frame.Type)
	left := &protocol.UserLeftMessage{}
	require.NoError(t, left.Decode(frame.Payload))
	assert.Equal(t, sess2.ID, left.SessionID)
	assert.Equal(t, "guest2", left.Nickname)

	// Stop waits for the teardown goroutine before returning
	require.NoError(t, s.Stop())
	assert.Equal(t, 0, s.sessions.Count())
}

func TestSendMessageRelayedToEveryone(t *testing.T) {
	s := newTestServer()
	sess1 := joinSession(t, s)
	sess2 := joinSession(t, s)
	nextFrame(t, sess1) // UserJoined for sess2

	closing := s.handleFrame(sess1, request(t, protocol.TypeSendMessage,
		&protocol.SendMessageMessage{Content: "hello there"}))
	assert.False(t, closing)

	for _, sess := range []*Session{sess1, sess2} {
		frame := nextFrame(t, sess)
		require.Equal(t, uint8(protocol.TypeMessageBroadcast), frame.Type)
		msg := &protocol.MessageBroadcastMessage{}
		require.NoError(t, msg.Decode(frame.Payload))
		assert.Equal(t, sess1.ID, msg.SessionID)
		assert.Equal(t, "guest1", msg.Nickname)
		assert.Equal(t, "hello there", msg.Content)
		assert.WithinDuration(t, time.Now(), msg.Timestamp, 5*time.Second)
	}
}

func TestSendMessageValidation(t *testing.T) {
	s := newTestServer()
	sess1 := joinSession(t, s)
	sess2 := joinSession(t, s)
	nextFrame(t, sess1)

	t.Run("empty message", func(t *testing.T) {
		closing := s.handleFrame(sess1, request(t, protocol.TypeSendMessage,
			&protocol.SendMessageMessage{Content: "   "}))
		assert.False(t, closing)

		errMsg := decodeError(t, nextFrame(t, sess1))
		assert.Equal(t, uint16(protocol.ErrCodeInvalidInput), errMsg.ErrorCode)
		assertNoFrame(t, sess2)
	})

	t.Run("over-length message", func(t *testing.T) {
		long := make([]byte, s.config.MaxMessageLength+1)
		for i := range long {
			long[i] = 'a'
		}
		closing := s.handleFrame(sess1, request(t, protocol.TypeSendMessage,
			&protocol.SendMessageMessage{Content: string(long)}))
		assert.False(t, closing)

		errMsg := decodeError(t, nextFrame(t, sess1))
		assert.Equal(t, uint16(protocol.ErrCodeMessageTooLong), errMsg.ErrorCode)
		assertNoFrame(t, sess2)
	})
}

func TestSetNickname(t *testing.T) {
	s := newTestServer()
	sess1 := joinSession(t, s)
	sess2 := joinSession(t, s)
	nextFrame(t, sess1)

	t.Run("success broadcasts to everyone", func(t *testing.T) {
		closing := s.handleFrame(sess1, request(t, protocol.TypeSetNickname,
			&protocol.SetNicknameMessage{Nickname: "alice"}))
		assert.False(t, closing)

		for _, sess := range []*Session{sess1, sess2} {
			frame := nextFrame(t, sess)
			require.Equal(t, uint8(protocol.TypeNicknameChanged), frame.Type)
			msg := &protocol.NicknameChangedMessage{}
			require.NoError(t, msg.Decode(frame.Payload))
			assert.Equal(t, sess1.ID, msg.SessionID)
			assert.Equal(t, "guest1", msg.OldNickname)
			assert.Equal(t, "alice", msg.NewNickname)
		}
	})

	t.Run("duplicate reported to sender only", func(t *testing.T) {
		closing := s.handleFrame(sess2, request(t, protocol.TypeSetNickname,
			&protocol.SetNicknameMessage{Nickname: "alice"}))
		assert.False(t, closing)

		errMsg := decodeError(t, nextFrame(t, sess2))
		assert.Equal(t, uint16(protocol.ErrCodeNicknameInUse), errMsg.ErrorCode)
		assertNoFrame(t, sess1)

		nick, ok := s.state.Nickname(sess2.ID)
		require.True(t, ok)
		assert.Equal(t, "guest2", nick)
	})

	t.Run("invalid nickname rejected", func(t *testing.T) {
		closing := s.handleFrame(sess2, request(t, protocol.TypeSetNickname,
			&protocol.SetNicknameMessage{Nickname: "has space"}))
		assert.False(t, closing)

		errMsg := decodeError(t, nextFrame(t, sess2))
		assert.Equal(t, uint16(protocol.ErrCodeInvalidNickname), errMsg.ErrorCode)
		assertNoFrame(t, sess1)
	})
}

func TestSetTopic(t *testing.T) {
	s := newTestServer()
	sess1 := joinSession(t, s)
	sess2 := joinSession(t, s)
	nextFrame(t, sess1)

	closing := s.handleFrame(sess1, request(t, protocol.TypeSetTopic,
		&protocol.SetTopicMessage{Topic: "release day"}))
	assert.False(t, closing)

	assert.Equal(t, "release day", s.state.Topic())

	for _, sess := range []*Session{sess1, sess2} {
		frame := nextFrame(t, sess)
		require.Equal(t, uint8(protocol.TypeTopicChanged), frame.Type)
		msg := &protocol.TopicChangedMessage{}
		require.NoError(t, msg.Decode(frame.Payload))
		assert.Equal(t, "guest1", msg.Nickname)
		assert.Equal(t, "release day", msg.Topic)
	}
}

func TestWhoIs(t *testing.T) {
	s := newTestServer()
	sess1 := joinSession(t, s)
	sess2 := joinSession(t, s)
	nextFrame(t, sess1)

	s.handleFrame(sess1, request(t, protocol.TypeSetNickname,
		&protocol.SetNicknameMessage{Nickname: "alice"}))
	nextFrame(t, sess1)
	nextFrame(t, sess2)

	t.Run("known nickname", func(t *testing.T) {
		closing := s.handleFrame(sess2, request(t, protocol.TypeWhoIs,
			&protocol.WhoIsMessage{Nickname: "alice"}))
		assert.False(t, closing)

		frame := nextFrame(t, sess2)
		require.Equal(t, uint8(protocol.TypeWhoIsResult), frame.Type)
		result := &protocol.WhoIsResultMessage{}
		require.NoError(t, result.Decode(frame.Payload))
		assert.True(t, result.Found)
		assert.Equal(t, sess1.ID, result.SessionID)
		assertNoFrame(t, sess1)
	})

	t.Run("at-prefixed form", func(t *testing.T) {
		s.handleFrame(sess2, request(t, protocol.TypeWhoIs,
			&protocol.WhoIsMessage{Nickname: "@alice"}))

		frame := nextFrame(t, sess2)
		result := &protocol.WhoIsResultMessage{}
		require.NoError(t, result.Decode(frame.Payload))
		assert.True(t, result.Found)
		assert.Equal(t, sess1.ID, result.SessionID)
	})

	t.Run("unknown nickname", func(t *testing.T) {
		s.handleFrame(sess2, request(t, protocol.TypeWhoIs,
			&protocol.WhoIsMessage{Nickname: "nobody"}))

		frame := nextFrame(t, sess2)
		result := &protocol.WhoIsResultMessage{}
		require.NoError(t, result.Decode(frame.Payload))
		assert.False(t, result.Found)
	})
}

func TestPing(t *testing.T) {
	s := newTestServer()
	sess := joinSession(t, s)

	sent := time.Now().Add(-3 * time.Second).Truncate(time.Millisecond)
	closing := s.handleFrame(sess, request(t, protocol.TypePing,
		&protocol.PingMessage{Timestamp: sent}))
	assert.False(t, closing)

	frame := nextFrame(t, sess)
	require.Equal(t, uint8(protocol.TypePong), frame.Type)
	pong := &protocol.PongMessage{}
	require.NoError(t, pong.Decode(frame.Payload))
	assert.True(t, pong.ClientTimestamp.Equal(sent))
}

func TestDisconnectRequestsTeardown(t *testing.T) {
	s := newTestServer()
	sess := joinSession(t, s)

	closing := s.handleFrame(sess, request(t, protocol.TypeDisconnect,
		&protocol.DisconnectMessage{}))
	assert.True(t, closing)
}

func TestUnknownTypeIsProtocolError(t *testing.T) {
	s := newTestServer()
	sess := joinSession(t, s)

	closing := s.handleFrame(sess, &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    0x7F,
	})
	assert.False(t, closing)

	errMsg := decodeError(t, nextFrame(t, sess))
	assert.Equal(t, uint16(protocol.ErrCodeUnknownType), errMsg.ErrorCode)
}

func TestVersionMismatchIsProtocolError(t *testing.T) {
	s := newTestServer()
	sess := joinSession(t, s)

	closing := s.handleFrame(sess, &protocol.Frame{
		Version: 99,
		Type:    protocol.TypePing,
	})
	assert.False(t, closing)

	errMsg := decodeError(t, nextFrame(t, sess))
	assert.Equal(t, uint16(protocol.ErrCodeUnsupportedVersion), errMsg.ErrorCode)
}

func TestProtocolErrorThresholdDisconnects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProtocolErrorThreshold = 3
	s := NewServer(cfg)
	sess := joinSession(t, s)

	bad := &protocol.Frame{Version: protocol.ProtocolVersion, Type: 0x7F}
	assert.False(t, s.handleFrame(sess, bad))
	assert.False(t, s.handleFrame(sess, bad))
	assert.True(t, s.handleFrame(sess, bad))
}

func TestTeardownBroadcastsUserLeftOnce(t *testing.T) {
	s := newTestServer()
	sess1 := joinSession(t, s)
	sess2 := joinSession(t, s)
	nextFrame(t, sess1)

	s.teardownSession(sess1)
	s.teardownSession(sess1)

	frame := nextFrame(t, sess2)
	require.Equal(t, uint8(protocol.TypeUserLeft), frame.Type)
	left := &protocol.UserLeftMessage{}
	require.NoError(t, left.Decode(frame.Payload))
	assert.Equal(t, sess1.ID, left.SessionID)
	assert.Equal(t, "guest1", left.Nickname)
	assertNoFrame(t, sess2)

	assert.Equal(t, 1, s.sessions.Count())
	assert.Equal(t, 1, s.state.Len())
}

// TestChatSession walks a full conversation between two sessions through the
// dispatcher
func TestChatSession(t *testing.T) {
	s := newTestServer()

	sess1 := joinSession(t, s)
	sess2 := joinSession(t, s)
	nextFrame(t, sess1) // UserJoined guest2

	// guest1 tries to take guest2's name
	s.handleFrame(sess1, request(t, protocol.TypeSetNickname,
		&protocol.SetNicknameMessage{Nickname: "guest2"}))
	errMsg := decodeError(t, nextFrame(t, sess1))
	assert.Equal(t, uint16(protocol.ErrCodeNicknameInUse), errMsg.ErrorCode)

	// guest1 becomes alice, both sessions see it
	s.handleFrame(sess1, request(t, protocol.TypeSetNickname,
		&protocol.SetNicknameMessage{Nickname: "alice"}))
	for _, sess := range []*Session{sess1, sess2} {
		frame := nextFrame(t, sess)
		require.Equal(t, uint8(protocol.TypeNicknameChanged), frame.Type)
	}

	// guest2 locates alice
	s.handleFrame(sess2, request(t, protocol.TypeWhoIs,
		&protocol.WhoIsMessage{Nickname: "alice"}))
	frame := nextFrame(t, sess2)
	require.Equal(t, uint8(protocol.TypeWhoIsResult), frame.Type)
	result := &protocol.WhoIsResultMessage{}
	require.NoError(t, result.Decode(frame.Payload))
	assert.True(t, result.Found)
	assert.Equal(t, sess1.ID, result.SessionID)

	// alice chats, message is tagged with the new nickname
	s.handleFrame(sess1, request(t, protocol.TypeSendMessage,
		&protocol.SendMessageMessage{Content: "hi all"}))
	for _, sess := range []*Session{sess1, sess2} {
		frame := nextFrame(t, sess)
		require.Equal(t, uint8(protocol.TypeMessageBroadcast), frame.Type)
		msg := &protocol.MessageBroadcastMessage{}
		require.NoError(t, msg.Decode(frame.Payload))
		assert.Equal(t, "alice", msg.Nickname)
	}

	// alice disconnects, guest2 is told
	require.True(t, s.handleFrame(sess1, request(t, protocol.TypeDisconnect,
		&protocol.DisconnectMessage{})))
	s.teardownSession(sess1)

	frame = nextFrame(t, sess2)
	require.Equal(t, uint8(protocol.TypeUserLeft), frame.Type)
	left := &protocol.UserLeftMessage{}
	require.NoError(t, left.Decode(frame.Payload))
	assert.Equal(t, "alice", left.Nickname)
}
