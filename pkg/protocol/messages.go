package protocol

import (
	"bytes"
	"io"
	"time"
)

// Message type constants (Client → Server)
const (
	TypeSendMessage = 0x01
	TypeSetNickname = 0x02
	TypeSetTopic    = 0x03
	TypeWhoIs       = 0x04
	TypePing        = 0x10
	TypeDisconnect  = 0x11
)

// Message type constants (Server → Client)
const (
	TypeWelcome          = 0x80
	TypeMessageBroadcast = 0x81
	TypeNicknameChanged  = 0x82
	TypeTopicChanged     = 0x83
	TypeUserJoined       = 0x84
	TypeUserLeft         = 0x85
	TypeWhoIsResult      = 0x86
	TypePong             = 0x90
	TypeError            = 0x91
)

// Error codes
const (
	// Protocol errors (1xxx)
	ErrCodeInvalidFormat      = 1000
	ErrCodeUnsupportedVersion = 1001
	ErrCodeInvalidFrame       = 1002
	ErrCodeUnknownType        = 1003

	// Capacity errors (5xxx)
	ErrCodeServerFull   = 5000
	ErrCodeSlowConsumer = 5001

	// Validation errors (6xxx)
	ErrCodeInvalidInput    = 6000
	ErrCodeMessageTooLong  = 6001
	ErrCodeInvalidNickname = 6002
	ErrCodeNicknameInUse   = 6003

	// Server errors (9xxx)
	ErrCodeInternalError = 9000
)

// RosterEntry is one (session, nickname) pair in a roster snapshot
type RosterEntry struct {
	SessionID uint64
	Nickname  string
}

func writeRoster(w io.Writer, roster []RosterEntry) error {
	if err := WriteUint16(w, uint16(len(roster))); err != nil {
		return err
	}
	for _, entry := range roster {
		if err := WriteUint64(w, entry.SessionID); err != nil {
			return err
		}
		if err := WriteString(w, entry.Nickname); err != nil {
			return err
		}
	}
	return nil
}

func readRoster(r io.Reader) ([]RosterEntry, error) {
	count, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}

	roster := make([]RosterEntry, 0, count)
	for i := uint16(0); i < count; i++ {
		id, err := ReadUint64(r)
		if err != nil {
			return nil, err
		}
		nick, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		roster = append(roster, RosterEntry{SessionID: id, Nickname: nick})
	}
	return roster, nil
}

// SendMessageMessage (0x01) - Post a chat message to the channel
type SendMessageMessage struct {
	Content string
}

func (m *SendMessageMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Content)
}

func (m *SendMessageMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *SendMessageMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	content, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Content = content
	return nil
}

// SetNicknameMessage (0x02) - Request a nickname change
type SetNicknameMessage struct {
	Nickname string
}

func (m *SetNicknameMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Nickname)
}

func (m *SetNicknameMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *SetNicknameMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	nickname, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Nickname = nickname
	return nil
}

// SetTopicMessage (0x03) - Change the channel topic
type SetTopicMessage struct {
	Topic string
}

func (m *SetTopicMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Topic)
}

func (m *SetTopicMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *SetTopicMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	topic, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Topic = topic
	return nil
}

// WhoIsMessage (0x04) - Look up which session holds a nickname
type WhoIsMessage struct {
	Nickname string
}

func (m *WhoIsMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Nickname)
}

func (m *WhoIsMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *WhoIsMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	nickname, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Nickname = nickname
	return nil
}

// PingMessage (0x10) - Keepalive / latency probe
type PingMessage struct {
	Timestamp time.Time
}

func (m *PingMessage) EncodeTo(w io.Writer) error {
	return WriteTimestamp(w, m.Timestamp)
}

func (m *PingMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *PingMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	ts, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}

	m.Timestamp = ts
	return nil
}

// DisconnectMessage (0x11) - Graceful disconnect request (empty payload)
type DisconnectMessage struct{}

func (m *DisconnectMessage) EncodeTo(w io.Writer) error {
	return nil
}

func (m *DisconnectMessage) Encode() ([]byte, error) {
	return []byte{}, nil
}

func (m *DisconnectMessage) Decode(payload []byte) error {
	return nil
}

// WelcomeMessage (0x80) - Sent once on connect so the new session starts
// synchronized: its assigned nickname, the current topic, and the roster
type WelcomeMessage struct {
	ProtocolVersion uint8
	SessionID       uint64
	Nickname        string
	Topic           string
	Roster          []RosterEntry
}

func (m *WelcomeMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, m.ProtocolVersion); err != nil {
		return err
	}
	if err := WriteUint64(w, m.SessionID); err != nil {
		return err
	}
	if err := WriteString(w, m.Nickname); err != nil {
		return err
	}
	if err := WriteString(w, m.Topic); err != nil {
		return err
	}
	return writeRoster(w, m.Roster)
}

func (m *WelcomeMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *WelcomeMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	version, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	sessionID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	nickname, err := ReadString(buf)
	if err != nil {
		return err
	}
	topic, err := ReadString(buf)
	if err != nil {
		return err
	}
	roster, err := readRoster(buf)
	if err != nil {
		return err
	}

	m.ProtocolVersion = version
	m.SessionID = sessionID
	m.Nickname = nickname
	m.Topic = topic
	m.Roster = roster
	return nil
}

// MessageBroadcastMessage (0x81) - A chat message relayed to the channel
type MessageBroadcastMessage struct {
	SessionID uint64
	Nickname  string
	Content   string
	Timestamp time.Time
}

func (m *MessageBroadcastMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.SessionID); err != nil {
		return err
	}
	if err := WriteString(w, m.Nickname); err != nil {
		return err
	}
	if err := WriteString(w, m.Content); err != nil {
		return err
	}
	return WriteTimestamp(w, m.Timestamp)
}

func (m *MessageBroadcastMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *MessageBroadcastMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	sessionID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	nickname, err := ReadString(buf)
	if err != nil {
		return err
	}
	content, err := ReadString(buf)
	if err != nil {
		return err
	}
	ts, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}

	m.SessionID = sessionID
	m.Nickname = nickname
	m.Content = content
	m.Timestamp = ts
	return nil
}

// NicknameChangedMessage (0x82) - A session changed its nickname
type NicknameChangedMessage struct {
	SessionID   uint64
	OldNickname string
	NewNickname string
}

func (m *NicknameChangedMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.SessionID); err != nil {
		return err
	}
	if err := WriteString(w, m.OldNickname); err != nil {
		return err
	}
	return WriteString(w, m.NewNickname)
}

func (m *NicknameChangedMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *NicknameChangedMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	sessionID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	oldNick, err := ReadString(buf)
	if err != nil {
		return err
	}
	newNick, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.SessionID = sessionID
	m.OldNickname = oldNick
	m.NewNickname = newNick
	return nil
}

// TopicChangedMessage (0x83) - The channel topic changed
type TopicChangedMessage struct {
	Nickname string // who changed it
	Topic    string
}

func (m *TopicChangedMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Nickname); err != nil {
		return err
	}
	return WriteString(w, m.Topic)
}

func (m *TopicChangedMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *TopicChangedMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	nickname, err := ReadString(buf)
	if err != nil {
		return err
	}
	topic, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Nickname = nickname
	m.Topic = topic
	return nil
}

// UserJoinedMessage (0x84) - A new session joined the channel
type UserJoinedMessage struct {
	SessionID uint64
	Nickname  string
}

func (m *UserJoinedMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.SessionID); err != nil {
		return err
	}
	return WriteString(w, m.Nickname)
}

func (m *UserJoinedMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *UserJoinedMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	sessionID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	nickname, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.SessionID = sessionID
	m.Nickname = nickname
	return nil
}

// UserLeftMessage (0x85) - A session left the channel
type UserLeftMessage struct {
	SessionID uint64
	Nickname  string
}

func (m *UserLeftMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint64(w, m.SessionID); err != nil {
		return err
	}
	return WriteString(w, m.Nickname)
}

func (m *UserLeftMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *UserLeftMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	sessionID, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	nickname, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.SessionID = sessionID
	m.Nickname = nickname
	return nil
}

// WhoIsResultMessage (0x86) - Response to WHOIS
type WhoIsResultMessage struct {
	Nickname  string
	Found     bool
	SessionID uint64 // only meaningful if Found
}

func (m *WhoIsResultMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Nickname); err != nil {
		return err
	}
	if err := WriteBool(w, m.Found); err != nil {
		return err
	}
	if m.Found {
		return WriteUint64(w, m.SessionID)
	}
	return nil
}

func (m *WhoIsResultMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *WhoIsResultMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	nickname, err := ReadString(buf)
	if err != nil {
		return err
	}
	found, err := ReadBool(buf)
	if err != nil {
		return err
	}

	m.Nickname = nickname
	m.Found = found

	if found {
		sessionID, err := ReadUint64(buf)
		if err != nil {
			return err
		}
		m.SessionID = sessionID
	}
	return nil
}

// PongMessage (0x90) - Response to PING
type PongMessage struct {
	ClientTimestamp time.Time
}

func (m *PongMessage) EncodeTo(w io.Writer) error {
	return WriteTimestamp(w, m.ClientTimestamp)
}

func (m *PongMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *PongMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	ts, err := ReadTimestamp(buf)
	if err != nil {
		return err
	}

	m.ClientTimestamp = ts
	return nil
}

// ErrorMessage (0x91) - Error response, sent to the offending session only
type ErrorMessage struct {
	ErrorCode uint16
	Message   string
}

func (m *ErrorMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, m.ErrorCode); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *ErrorMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ErrorMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	code, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	message, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.ErrorCode = code
	m.Message = message
	return nil
}
