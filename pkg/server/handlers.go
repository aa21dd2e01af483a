package server

import (
	"errors"
	"strings"
	"time"

	"github.com/coterie-chat/coterie/pkg/normalize"
	"github.com/coterie-chat/coterie/pkg/protocol"
)

// handleSendMessage handles SEND_MESSAGE: normalize, then relay to every
// session including the sender, tagged with the sender's current nickname
func (s *Server) handleSendMessage(sess *Session, frame *protocol.Frame) bool {
	msg := &protocol.SendMessageMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return s.protocolError(sess, protocol.ErrCodeInvalidFormat, "invalid message format")
	}

	content, err := normalize.Message(msg.Content, s.config.MaxMessageLength)
	if err != nil {
		s.sendError(sess, normalizeErrorCode(err), "invalid message: "+err.Error())
		return false
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	nick, ok := s.state.Nickname(sess.ID)
	if !ok {
		// Session is already torn down; nothing to relay
		return true
	}

	s.broadcastEvent(protocol.TypeMessageBroadcast, &protocol.MessageBroadcastMessage{
		SessionID: sess.ID,
		Nickname:  nick,
		Content:   content,
		Timestamp: time.Now(),
	}, NoExclude)
	return false
}

// handleSetNickname handles SET_NICKNAME: normalize, then rename. On success
// NicknameChanged goes to everyone; a duplicate nickname is reported to the
// sender only and leaves the roster untouched.
func (s *Server) handleSetNickname(sess *Session, frame *protocol.Frame) bool {
	msg := &protocol.SetNicknameMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return s.protocolError(sess, protocol.ErrCodeInvalidFormat, "invalid message format")
	}

	nick, err := normalize.Nickname(msg.Nickname, s.config.MaxNicknameLength)
	if err != nil {
		s.sendError(sess, protocol.ErrCodeInvalidNickname, "invalid nickname: "+err.Error())
		return false
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	old, err := s.state.Rename(sess.ID, nick)
	if err != nil {
		switch {
		case errors.Is(err, ErrNicknameInUse):
			s.sendError(sess, protocol.ErrCodeNicknameInUse, "nickname "+nick+" is already in use")
		case errors.Is(err, ErrUnknownSession):
			return true
		default:
			s.sendError(sess, protocol.ErrCodeInternalError, "failed to change nickname")
		}
		return false
	}

	s.broadcastEvent(protocol.TypeNicknameChanged, &protocol.NicknameChangedMessage{
		SessionID:   sess.ID,
		OldNickname: old,
		NewNickname: nick,
	}, NoExclude)
	return false
}

// handleSetTopic handles SET_TOPIC: normalize, store, TopicChanged to all
func (s *Server) handleSetTopic(sess *Session, frame *protocol.Frame) bool {
	msg := &protocol.SetTopicMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return s.protocolError(sess, protocol.ErrCodeInvalidFormat, "invalid message format")
	}

	topic, err := normalize.Message(msg.Topic, s.config.MaxTopicLength)
	if err != nil {
		s.sendError(sess, normalizeErrorCode(err), "invalid topic: "+err.Error())
		return false
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	nick, ok := s.state.Nickname(sess.ID)
	if !ok {
		return true
	}

	s.state.SetTopic(topic)
	s.broadcastEvent(protocol.TypeTopicChanged, &protocol.TopicChangedMessage{
		Nickname: nick,
		Topic:    topic,
	}, NoExclude)
	return false
}

// handleWhoIs handles WHOIS: look up a nickname, reply to the sender only.
// A read-only query needs no dispatch ordering against broadcasts.
func (s *Server) handleWhoIs(sess *Session, frame *protocol.Frame) bool {
	msg := &protocol.WhoIsMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return s.protocolError(sess, protocol.ErrCodeInvalidFormat, "invalid message format")
	}

	// Accept the @-prefixed form clients use in /whois @name
	nick := strings.TrimPrefix(strings.TrimSpace(msg.Nickname), "@")

	result := &protocol.WhoIsResultMessage{Nickname: nick}
	if id, ok := s.state.Lookup(nick); ok {
		result.Found = true
		result.SessionID = id
	}

	s.sendMessage(sess, protocol.TypeWhoIsResult, result)
	return false
}

// handlePing handles PING: Pong to the sender only, echoing the client
// timestamp
func (s *Server) handlePing(sess *Session, frame *protocol.Frame) bool {
	msg := &protocol.PingMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return s.protocolError(sess, protocol.ErrCodeInvalidFormat, "invalid message format")
	}

	s.sendMessage(sess, protocol.TypePong, &protocol.PongMessage{
		ClientTimestamp: msg.Timestamp,
	})
	return false
}

// encodable is implemented by every protocol message
type encodable interface {
	Encode() ([]byte, error)
}

// sendMessage queues a protocol message on one session's outbound queue. A
// full queue disconnects the session (same slow-consumer policy as
// broadcasts).
func (s *Server) sendMessage(sess *Session, msgType uint8, msg encodable) {
	payload, err := msg.Encode()
	if err != nil {
		errorLog.Printf("session %d: failed to encode Type=0x%02X: %v", sess.ID, msgType, err)
		return
	}

	frame := &protocol.Frame{
		Version: s.config.ProtocolVersion,
		Type:    msgType,
		Payload: payload,
	}

	if err := sess.Send(frame); err != nil {
		if errors.Is(err, errQueueFull) {
			debugLog.Printf("session %d: outbound queue full (Type=0x%02X), disconnecting slow consumer", sess.ID, msgType)
			if s.metrics != nil {
				s.metrics.RecordSlowConsumer()
			}
			s.teardownAsync(sess)
		}
	}
}

// sendError queues an Error message for one session
func (s *Server) sendError(sess *Session, code uint16, message string) {
	s.sendMessage(sess, protocol.TypeError, &protocol.ErrorMessage{
		ErrorCode: code,
		Message:   message,
	})
}

// broadcastEvent fans an event out to every session's outbound queue except
// the excluded one. Sessions that cannot keep pace are torn down
// asynchronously rather than under dispatchMu.
func (s *Server) broadcastEvent(msgType uint8, msg encodable, excludeID uint64) {
	payload, err := msg.Encode()
	if err != nil {
		errorLog.Printf("failed to encode broadcast Type=0x%02X: %v", msgType, err)
		return
	}

	frame := &protocol.Frame{
		Version: s.config.ProtocolVersion,
		Type:    msgType,
		Payload: payload,
	}

	_, slow := s.sessions.Broadcast(frame, excludeID)
	for _, sl := range slow {
		s.teardownAsync(sl)
	}
}

// normalizeErrorCode maps a normalization failure to a protocol error code
func normalizeErrorCode(err error) uint16 {
	if errors.Is(err, normalize.ErrTooLong) {
		return protocol.ErrCodeMessageTooLong
	}
	return protocol.ErrCodeInvalidInput
}
