package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Token identifies one tradable instrument on the broker feed.
type Token uint32

// Mode is the level of tick detail requested from the feed.
// One mode applies to the whole upstream subscription at a time.
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
	ModeFull  Mode = "full"
)

// DefaultMode is used whenever a request does not carry a mode.
const DefaultMode = ModeFull

// ParseMode parses a client supplied mode. An empty string yields DefaultMode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultMode, nil
	case ModeLTP:
		return ModeLTP, nil
	case ModeQuote:
		return ModeQuote, nil
	case ModeFull:
		return ModeFull, nil
	}
	return "", fmt.Errorf("invalid mode %q", s)
}

// TickRecord is one market update as delivered by the feed. Only the
// instrument token is ever read; Raw is passed through unmodified.
type TickRecord struct {
	Token Token
	Raw   json.RawMessage
}

// MarshalJSON writes the raw payload untouched.
func (t TickRecord) MarshalJSON() ([]byte, error) {
	if len(t.Raw) == 0 {
		return []byte(fmt.Sprintf(`{"instrument_token":%d}`, t.Token)), nil
	}
	return t.Raw, nil
}

// TokenSet is a set of instrument tokens.
type TokenSet map[Token]struct{}

// NewTokenSet builds a set from a slice, ignoring duplicates.
func NewTokenSet(tokens ...Token) TokenSet {
	s := make(TokenSet, len(tokens))
	for _, t := range tokens {
		s[t] = struct{}{}
	}
	return s
}

// Has reports whether t is in the set.
func (s TokenSet) Has(t Token) bool {
	_, ok := s[t]
	return ok
}

// Clone returns an independent copy.
func (s TokenSet) Clone() TokenSet {
	out := make(TokenSet, len(s))
	for t := range s {
		out[t] = struct{}{}
	}
	return out
}

// AddAll adds every token of other to s.
func (s TokenSet) AddAll(other TokenSet) {
	for t := range other {
		s[t] = struct{}{}
	}
}

// Minus returns the tokens of s that are not in other.
func (s TokenSet) Minus(other TokenSet) TokenSet {
	out := make(TokenSet)
	for t := range s {
		if !other.Has(t) {
			out[t] = struct{}{}
		}
	}
	return out
}

// Equal reports whether both sets hold the same tokens.
func (s TokenSet) Equal(other TokenSet) bool {
	if len(s) != len(other) {
		return false
	}
	for t := range s {
		if !other.Has(t) {
			return false
		}
	}
	return true
}

// Sorted returns the tokens in ascending order.
func (s TokenSet) Sorted() []Token {
	out := make([]Token, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
