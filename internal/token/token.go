package token

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Token is a replication token: for each origin region, the highest position
// of that region's replication stream a write depends on (or a replica has
// applied). Thread-safe operations should be handled by the caller.
type Token map[string]uint64

// New creates a new empty token.
func New() Token {
	return make(Token)
}

// At returns a token covering position lsn of region's stream.
func At(region string, lsn uint64) Token {
	return Token{region: lsn}
}

// Get returns the position for the given region, or 0 if not present.
func (t Token) Get(region string) uint64 {
	return t[region]
}

// Set sets the position for the given region.
func (t Token) Set(region string, lsn uint64) {
	t[region] = lsn
}

// Advance raises the position for region to lsn if lsn is higher.
func (t Token) Advance(region string, lsn uint64) {
	if t[region] < lsn {
		t[region] = lsn
	}
}

// Merge merges another token into this one, taking the maximum position for
// each region.
func (t Token) Merge(other Token) {
	for region, lsn := range other {
		t.Advance(region, lsn)
	}
}

// Copy creates a deep copy of the token.
func (t Token) Copy() Token {
	copy := New()
	for k, v := range t {
		copy[k] = v
	}
	return copy
}

// CompareResult represents the result of comparing two tokens.
type CompareResult int

const (
	// Before indicates this token is strictly behind the other.
	Before CompareResult = iota
	// After indicates this token is strictly ahead of the other.
	After
	// Concurrent indicates neither token covers the other.
	Concurrent
	// Equal indicates the tokens are equal.
	Equal
)

// String returns the name of the comparison result.
func (r CompareResult) String() string {
	switch r {
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	case Equal:
		return "equal"
	default:
		return "unknown"
	}
}

// Compare compares two tokens position by position. Missing regions count as
// position 0.
func (t Token) Compare(other Token) CompareResult {
	var behind, ahead bool
	for region, lsn := range t {
		if lsn > other[region] {
			ahead = true
		} else if lsn < other[region] {
			behind = true
		}
	}
	for region, lsn := range other {
		if _, ok := t[region]; !ok && lsn > 0 {
			behind = true
		}
	}

	switch {
	case !behind && !ahead:
		return Equal
	case behind && !ahead:
		return Before
	case ahead && !behind:
		return After
	default:
		return Concurrent
	}
}

// Covers reports whether this token has reached every position in other. A
// replica whose applied token covers a write's token can serve that write.
func (t Token) Covers(other Token) bool {
	c := t.Compare(other)
	return c == After || c == Equal
}

// Equal checks if two tokens are equal.
func (t Token) Equal(other Token) bool {
	return t.Compare(other) == Equal
}

// IsZero reports whether the token carries no positions.
func (t Token) IsZero() bool {
	for _, lsn := range t {
		if lsn > 0 {
			return false
		}
	}
	return true
}

// String returns a string representation of the token.
func (t Token) String() string {
	if len(t) == 0 {
		return "{}"
	}
	return "{" + strings.ReplaceAll(t.canonical(), ";", ", ") + "}"
}

// canonical renders "region=lsn" pairs sorted by region.
func (t Token) canonical() string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.FormatUint(t[k], 10))
	}
	return strings.Join(parts, ";")
}

// Encode renders the token as an opaque string for transport.
func (t Token) Encode() string {
	if t.IsZero() {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(t.canonical()))
}

// Decode parses a token produced by Encode. The empty string decodes to an
// empty token.
func Decode(s string) (Token, error) {
	t := New()
	if s == "" {
		return t, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	for _, part := range strings.Split(string(raw), ";") {
		region, lsn, ok := strings.Cut(part, "=")
		if !ok || region == "" {
			return nil, fmt.Errorf("invalid token entry %q", part)
		}
		n, err := strconv.ParseUint(lsn, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid token position %q: %w", part, err)
		}
		t[region] = n
	}
	return t, nil
}
