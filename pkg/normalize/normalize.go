// Package normalize validates and normalizes user-entered text before it
// becomes protocol payload. Length limits count grapheme clusters (what a
// user perceives as one character), not bytes or runes, so multi-codepoint
// glyphs are never miscounted.
package normalize

import (
	"errors"
	"strings"
	"unicode"

	"github.com/rivo/uniseg"
)

const (
	// MaxMessageGraphemes is the default display-length limit for chat
	// messages and topics
	MaxMessageGraphemes = 512

	// MaxNicknameGraphemes is the default display-length limit for nicknames
	MaxNicknameGraphemes = 20

	// MinNicknameGraphemes is the minimum nickname length
	MinNicknameGraphemes = 1
)

var (
	ErrEmpty           = errors.New("text is empty after trimming")
	ErrTooLong         = errors.New("text exceeds maximum length")
	ErrControlChars    = errors.New("text contains control characters")
	ErrInvalidNickname = errors.New("nickname contains reserved characters")
)

// Length returns the number of grapheme clusters in s
func Length(s string) int {
	return uniseg.GraphemeClusterCount(s)
}

// Message trims whitespace and validates a chat message or topic against the
// given grapheme limit
func Message(raw string, maxGraphemes int) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", ErrEmpty
	}
	if containsControl(text) {
		return "", ErrControlChars
	}
	if Length(text) > maxGraphemes {
		return "", ErrTooLong
	}
	return text, nil
}

// Nickname trims and validates a nickname. Beyond the message rules, a
// nickname may not contain whitespace or the @ and / prefixes the command
// syntax reserves.
func Nickname(raw string, maxGraphemes int) (string, error) {
	nick := strings.TrimSpace(raw)
	if nick == "" {
		return "", ErrEmpty
	}
	if containsControl(nick) {
		return "", ErrControlChars
	}
	if strings.ContainsAny(nick, "@/ \t") {
		return "", ErrInvalidNickname
	}

	n := Length(nick)
	if n < MinNicknameGraphemes {
		return "", ErrEmpty
	}
	if n > maxGraphemes {
		return "", ErrTooLong
	}
	return nick, nil
}

func containsControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
