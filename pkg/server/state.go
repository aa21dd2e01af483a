package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coterie-chat/coterie/pkg/protocol"
)

// maxNickAttempts bounds auto-generated nickname retries before a join is
// rejected
const maxNickAttempts = 100

var (
	ErrNicknameInUse  = errors.New("nickname already in use")
	ErrNoFreeNickname = errors.New("could not generate a free nickname")
	ErrUnknownSession = errors.New("unknown session")
)

// ChannelState is the single source of truth for the shared channel: the
// topic and the nickname roster. All operations are atomic with respect to
// each other; nickname uniqueness (case-folded) holds at every observable
// instant. No I/O happens under the lock.
type ChannelState struct {
	mu        sync.Mutex
	topic     string
	nicks     map[uint64]string // session ID -> nickname
	byNick    map[string]uint64 // folded nickname -> session ID
	guestSeq  uint64
}

// NewChannelState creates an empty channel with the given initial topic
func NewChannelState(topic string) *ChannelState {
	return &ChannelState{
		topic:  topic,
		nicks:  make(map[uint64]string),
		byNick: make(map[string]uint64),
	}
}

func foldNick(nick string) string {
	return strings.ToLower(nick)
}

// Join registers a session in the roster. An empty proposed nickname gets an
// auto-generated guest name, retried until unique (bounded). A proposed
// nickname that is already held fails with ErrNicknameInUse.
func (cs *ChannelState) Join(sessionID uint64, proposed string) (string, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if proposed != "" {
		if _, taken := cs.byNick[foldNick(proposed)]; taken {
			return "", ErrNicknameInUse
		}
		cs.insert(sessionID, proposed)
		return proposed, nil
	}

	for attempt := 0; attempt < maxNickAttempts; attempt++ {
		cs.guestSeq++
		nick := fmt.Sprintf("guest%d", cs.guestSeq)
		if _, taken := cs.byNick[foldNick(nick)]; !taken {
			cs.insert(sessionID, nick)
			return nick, nil
		}
	}
	return "", ErrNoFreeNickname
}

// Leave removes a session from the roster, returning its nickname. The second
// return is false if the session was not present (already removed).
func (cs *ChannelState) Leave(sessionID uint64) (string, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	nick, ok := cs.nicks[sessionID]
	if !ok {
		return "", false
	}
	delete(cs.nicks, sessionID)
	delete(cs.byNick, foldNick(nick))
	return nick, true
}

// Rename changes a session's nickname, returning the old one. It fails with
// ErrNicknameInUse if another live session holds the requested name
// (case-folded); the roster is unchanged on failure.
func (cs *ChannelState) Rename(sessionID uint64, newNick string) (string, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	old, ok := cs.nicks[sessionID]
	if !ok {
		return "", ErrUnknownSession
	}

	folded := foldNick(newNick)
	if holder, taken := cs.byNick[folded]; taken && holder != sessionID {
		return "", ErrNicknameInUse
	}

	delete(cs.byNick, foldNick(old))
	cs.insert(sessionID, newNick)
	return old, nil
}

// SetTopic replaces the channel topic
func (cs *ChannelState) SetTopic(topic string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.topic = topic
}

// Topic returns the current channel topic
func (cs *ChannelState) Topic() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.topic
}

// Lookup resolves a nickname (case-folded) to a session ID
func (cs *ChannelState) Lookup(nick string) (uint64, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	id, ok := cs.byNick[foldNick(nick)]
	return id, ok
}

// Nickname returns the current nickname of a session
func (cs *ChannelState) Nickname(sessionID uint64) (string, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	nick, ok := cs.nicks[sessionID]
	return nick, ok
}

// Snapshot returns the roster ordered by session ID
func (cs *ChannelState) Snapshot() []protocol.RosterEntry {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	roster := make([]protocol.RosterEntry, 0, len(cs.nicks))
	for id, nick := range cs.nicks {
		roster = append(roster, protocol.RosterEntry{SessionID: id, Nickname: nick})
	}
	sort.Slice(roster, func(i, j int) bool {
		return roster[i].SessionID < roster[j].SessionID
	})
	return roster
}

// Len returns the number of sessions in the roster
func (cs *ChannelState) Len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.nicks)
}

// insert must be called with the lock held
func (cs *ChannelState) insert(sessionID uint64, nick string) {
	cs.nicks[sessionID] = nick
	cs.byNick[foldNick(nick)] = sessionID
}
