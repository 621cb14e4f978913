package valueobjects

import (
	"errors"
	"net/url"
	"strings"
)

// PairKey identifies an unordered pair of users. A is always the smaller id,
// so NewPairKey(x, y) == NewPairKey(y, x).
type PairKey struct {
	A string
	B string
}

// NewPairKey builds the canonical key for the pair (x, y).
func NewPairKey(x, y string) PairKey {
	if y < x {
		x, y = y, x
	}
	return PairKey{A: x, B: y}
}

// ParsePairKey reverses PairKey.String.
func ParsePairKey(s string) (PairKey, error) {
	a, b, ok := strings.Cut(s, "|")
	if !ok || a == "" || b == "" {
		return PairKey{}, errors.New("pair key must have the form a|b")
	}
	a, errA := url.QueryUnescape(a)
	b, errB := url.QueryUnescape(b)
	if err := errors.Join(errA, errB); err != nil {
		return PairKey{}, err
	}
	return NewPairKey(a, b), nil
}

// String escapes both ids, so an id containing "|" still parses back.
func (k PairKey) String() string {
	return url.QueryEscape(k.A) + "|" + url.QueryEscape(k.B)
}

// Contains reports whether userID is one side of the pair.
func (k PairKey) Contains(userID string) bool {
	return k.A == userID || k.B == userID
}

// Other returns the counterpart of userID, or "" when userID is not in the pair.
func (k PairKey) Other(userID string) string {
	switch userID {
	case k.A:
		return k.B
	case k.B:
		return k.A
	}
	return ""
}

// IsSelf reports a degenerate pair of one user with itself.
func (k PairKey) IsSelf() bool {
	return k.A == k.B
}
