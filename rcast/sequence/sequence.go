// Package sequence decodes request paths into token sequences and encodes
// token deltas into the engine's demo lump format.
package sequence

import (
	"errors"
	"fmt"
	"strings"
)

// Token characters. The alphabet is fixed; anything else in a path is dropped.
const (
	Forward   byte = 'w'
	Back      byte = 's'
	TurnLeft  byte = 'a'
	TurnRight byte = 'd'
	ActionA   byte = 'f' // fire
	ActionB   byte = 'e' // use

	// Placeholder replaces an empty sequence.
	Placeholder = ActionB
)

const (
	// PathMarker is the fixed trailing marker stripped from every request path.
	PathMarker = ".webp"
	// PrefixLen is the length of the episode+map prefix of a key.
	PrefixLen = 2
	// SaveThreshold is the number of trailing tokens a key adds over its predecessor.
	SaveThreshold = 1
	// DefaultMaxPathLen bounds the raw request path.
	DefaultMaxPathLen = 220

	MinEpisode, MaxEpisode = 1, 3
	MinMap, MaxMap         = 1, 8
)

// ErrPathTooLong is returned by Decode for paths over the length limit.
var ErrPathTooLong = errors.New("request path too long")

// Sequence is a decoded request: where to start and which tokens to play.
type Sequence struct {
	Episode int
	Map     int
	Tokens  string
}

// Key renders the cache key: episode digit, map digit, tokens.
func (s Sequence) Key() string {
	return fmt.Sprintf("%d%d%s", s.Episode, s.Map, s.Tokens)
}

// Depth is the number of tokens in the sequence.
func (s Sequence) Depth() int {
	return len(s.Tokens)
}

// IsToken reports whether c belongs to the token alphabet.
func IsToken(c byte) bool {
	switch c {
	case Forward, Back, TurnLeft, TurnRight, ActionA, ActionB:
		return true
	}
	return false
}

// Decoder turns raw request paths into sequences.
type Decoder struct {
	MaxPathLen int
}

// NewDecoder returns a decoder with the given path limit; non-positive limits use the default.
func NewDecoder(maxPathLen int) *Decoder {
	if maxPathLen <= 0 {
		maxPathLen = DefaultMaxPathLen
	}
	return &Decoder{MaxPathLen: maxPathLen}
}

// Decode parses a request path such as "/13wwad.webp".
func (d *Decoder) Decode(path string) (Sequence, error) {
	if len(path) > d.MaxPathLen {
		return Sequence{}, ErrPathTooLong
	}

	raw := strings.ToLower(strings.TrimPrefix(path, "/"))
	raw = strings.TrimSuffix(raw, PathMarker)

	seq := Sequence{Episode: 1, Map: 1}
	if len(raw) >= PrefixLen && isDigit(raw[0]) && isDigit(raw[1]) {
		seq.Episode = clamp(int(raw[0]-'0'), MinEpisode, MaxEpisode)
		seq.Map = clamp(int(raw[1]-'0'), MinMap, MaxMap)
		raw = raw[PrefixLen:]
	}
	seq.Tokens = filterTokens(raw)
	return seq, nil
}

// ParseKey is the inverse of Sequence.Key. Keys are produced by Decode, so
// only the shape is checked.
func ParseKey(key string) (Sequence, error) {
	if len(key) < PrefixLen || !isDigit(key[0]) || !isDigit(key[1]) {
		return Sequence{}, fmt.Errorf("malformed key %q", key)
	}
	tokens := key[PrefixLen:]
	for i := 0; i < len(tokens); i++ {
		if !IsToken(tokens[i]) {
			return Sequence{}, fmt.Errorf("malformed key %q: invalid token %q", key, tokens[i])
		}
	}
	return Sequence{
		Episode: int(key[0] - '0'),
		Map:     int(key[1] - '0'),
		Tokens:  tokens,
	}, nil
}

func filterTokens(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		if IsToken(raw[i]) {
			b.WriteByte(raw[i])
		}
	}
	if b.Len() == 0 {
		return string(Placeholder)
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
