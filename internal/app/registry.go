package app

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/fedmesh/internal/core"
	"github.com/dkeye/fedmesh/internal/domain"
)

// JoinResult is what a successful join observes. Members is set only on the
// call that made the session ready.
type JoinResult struct {
	Position int
	Ready    bool
	Members  []domain.Endpoint
}

// Registry maps session codes to their members. Every mutation holds mu, so
// the ready transition and its member snapshot are observed atomically by a
// single caller.
type Registry struct {
	mu       sync.Mutex
	sessions map[domain.SessionCode]*domain.Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.SessionCode]*domain.Session),
	}
}

func (r *Registry) Join(code domain.SessionCode, ep domain.Endpoint, maxSize int) (JoinResult, error) {
	if code == "" || len(code) > domain.MaxSessionCodeLen {
		return JoinResult{}, domain.ErrInvalidSessionCode
	}
	if maxSize < 1 || maxSize > domain.MaxSessionSize {
		return JoinResult{}, fmt.Errorf("%w: %d", domain.ErrInvalidMaxSize, maxSize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[code]
	if !ok {
		s = domain.NewSession(code, maxSize)
		r.sessions[code] = s
		log.Info().Str("module", "app.registry").Str("session", string(code)).Int("max_size", maxSize).Msg("created session")
	} else if s.MaxSize != maxSize {
		log.Warn().Str("module", "app.registry").Str("session", string(code)).
			Int("max_size", s.MaxSize).Int("requested", maxSize).Msg("max_users mismatch, keeping first")
	}

	if s.Has(ep) {
		return JoinResult{}, fmt.Errorf("%w: %s in %s", domain.ErrAlreadyJoined, ep, code)
	}
	if s.Ready || s.Full() {
		return JoinResult{}, fmt.Errorf("%w: session %s has %d/%d members", domain.ErrCapacityExceeded, code, len(s.Members), s.MaxSize)
	}

	s.Members = append(s.Members, ep)
	res := JoinResult{Position: len(s.Members) - 1}
	log.Info().Str("module", "app.registry").Str("session", string(code)).Str("endpoint", ep.String()).
		Int("position", res.Position).Msg("joined session")

	if s.Full() {
		s.Ready = true
		res.Ready = true
		res.Members = s.Snapshot()
		log.Info().Str("module", "app.registry").Str("session", string(code)).Int("members", len(res.Members)).Msg("session ready")
	}
	return res, nil
}

// Leave drops ep from the session and prunes the session once it is empty.
func (r *Registry) Leave(code domain.SessionCode, ep domain.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[code]
	if !ok {
		return
	}
	for i, m := range s.Members {
		if m == ep {
			s.Members = append(s.Members[:i], s.Members[i+1:]...)
			break
		}
	}
	log.Info().Str("module", "app.registry").Str("session", string(code)).Str("endpoint", ep.String()).Msg("left session")
	if len(s.Members) == 0 {
		delete(r.sessions, code)
		log.Info().Str("module", "app.registry").Str("session", string(code)).Msg("pruned session")
	}
}

// Members returns a copy of the current member list of code.
func (r *Registry) Members(code domain.SessionCode) ([]domain.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[code]
	if !ok {
		return nil, false
	}
	return s.Snapshot(), true
}

func (r *Registry) List() []core.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, core.SessionInfo{
			Code:    s.Code,
			MaxSize: s.MaxSize,
			Members: s.Snapshot(),
			Ready:   s.Ready,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Close drops every session. Called on relay shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.sessions)
	clear(r.sessions)
	log.Info().Str("module", "app.registry").Int("sessions", n).Msg("registry closed")
}
