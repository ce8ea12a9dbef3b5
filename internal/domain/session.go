package domain

import "slices"

const (
	MaxSessionCodeLen = 64
	// MaxSessionSize bounds max_users; every member holds a connection to
	// every other, so larger meshes are not useful.
	MaxSessionSize = 256
)

type SessionCode string

// Session is the membership of one session code. Members are kept in join
// order; Ready flips exactly once, when the session fills up.
type Session struct {
	Code    SessionCode
	MaxSize int
	Members []Endpoint
	Ready   bool
}

func NewSession(code SessionCode, maxSize int) *Session {
	return &Session{Code: code, MaxSize: maxSize}
}

func (s *Session) Full() bool { return len(s.Members) >= s.MaxSize }

func (s *Session) Has(ep Endpoint) bool { return slices.Contains(s.Members, ep) }

// Snapshot returns a copy of the member list.
func (s *Session) Snapshot() []Endpoint { return slices.Clone(s.Members) }

// RankOf returns the zero-based position of ep in members.
func RankOf(members []Endpoint, ep Endpoint) (int, bool) {
	i := slices.Index(members, ep)
	return i, i >= 0
}
