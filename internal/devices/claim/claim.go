// Package claim keeps the grab/ungrab bookkeeping shared by controllers whose
// devices are handed out exclusively.
package claim

import (
	"github.com/rs/xid"

	"github.com/tinyrange/captain/internal/hal"
)

// Token identifies one grab. A handle carries the token it was issued so a
// stale handle cannot release a later grab of the same device.
type Token = xid.ID

// Set tracks which indices are grabbed. It is not safe for concurrent use;
// controllers guard it with their own lock.
type Set struct {
	owners []Token
}

func New(n int) *Set {
	return &Set{owners: make([]Token, n)}
}

func (s *Set) Len() int { return len(s.owners) }

// Add appends a free slot, for devices that appear after enumeration, and
// returns its index.
func (s *Set) Add() int {
	s.owners = append(s.owners, xid.NilID())
	return len(s.owners) - 1
}

// Grab claims index i.
func (s *Set) Grab(i int) (Token, error) {
	if i < 0 || i >= len(s.owners) {
		return xid.NilID(), hal.ErrOutOfRange
	}
	if !s.owners[i].IsNil() {
		return xid.NilID(), hal.ErrAlreadyGrabbed
	}
	tok := xid.New()
	s.owners[i] = tok
	return tok, nil
}

// Release frees index i if tok is the token of the current grab.
func (s *Set) Release(i int, tok Token) error {
	if i < 0 || i >= len(s.owners) || tok.IsNil() || s.owners[i] != tok {
		return hal.ErrNotGrabbed
	}
	s.owners[i] = xid.NilID()
	return nil
}

// Grabbed reports whether index i is currently claimed.
func (s *Set) Grabbed(i int) bool {
	return i >= 0 && i < len(s.owners) && !s.owners[i].IsNil()
}

// Holds reports whether tok is the live grab of index i.
func (s *Set) Holds(i int, tok Token) bool {
	return i >= 0 && i < len(s.owners) && !tok.IsNil() && s.owners[i] == tok
}
