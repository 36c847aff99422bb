package ilp

import (
	"errors"
	"strings"
)

// Address is an ILP address: dot-separated segments of [a-zA-Z0-9_~-],
// starting with an allocation scheme such as "g", "private", "test" or
// "peer".
type Address string

var allocationSchemes = map[string]bool{
	"g": true, "private": true, "example": true, "peer": true,
	"self": true, "test": true, "test1": true, "test2": true, "test3": true,
	"local": true,
}

var ErrInvalidAddress = errors.New("ilp: invalid address")

// Validate checks segment syntax and the allocation scheme.
func (a Address) Validate() error {
	if len(a) == 0 || len(a) > 1023 {
		return ErrInvalidAddress
	}
	segments := strings.Split(string(a), ".")
	if !allocationSchemes[segments[0]] {
		return ErrInvalidAddress
	}
	for _, seg := range segments {
		if len(seg) == 0 {
			return ErrInvalidAddress
		}
		for _, c := range seg {
			switch {
			case c >= 'a' && c <= 'z':
			case c >= 'A' && c <= 'Z':
			case c >= '0' && c <= '9':
			case c == '_' || c == '~' || c == '-':
			default:
				return ErrInvalidAddress
			}
		}
	}
	return nil
}

// HasPrefix reports whether a is prefix itself or lives under it. Matching
// is segment-wise: "g.alice" covers "g.alice.bob" but not "g.alicex".
func (a Address) HasPrefix(prefix string) bool {
	s := string(a)
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	return len(s) == len(prefix) || s[len(prefix)] == '.'
}

// Child returns the address extended by one segment.
func (a Address) Child(segment string) Address {
	return Address(string(a) + "." + segment)
}

// PeerProtocol reports whether the address is in the peer.* range used for
// link-local protocols (ILDCP, CCP, settlement messages).
func (a Address) PeerProtocol() bool {
	return a.HasPrefix("peer")
}
