package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/fedmesh/internal/core"
	"github.com/dkeye/fedmesh/internal/domain"
	"github.com/dkeye/fedmesh/internal/protocol"
)

// Relay matches endpoints by session code and forwards handshake messages
// between members of the same session. It never looks inside SDP or
// candidate payloads.
type Relay struct {
	Registry *Registry
	Policy   Policy
	// Limiter, when set, is consulted before every join.
	Limiter  JoinLimiter

	mu    sync.RWMutex
	conns map[domain.Endpoint]core.SignalConnection
	// codes is the side-table endpoint -> session it joined.
	codes map[domain.Endpoint]domain.SessionCode
}

func NewRelay(reg *Registry) *Relay {
	return &Relay{
		Registry: reg,
		Policy:   SimplePolicy{},
		conns:    make(map[domain.Endpoint]core.SignalConnection),
		codes:    make(map[domain.Endpoint]domain.SessionCode),
	}
}

func (r *Relay) Attach(ep domain.Endpoint, conn core.SignalConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[ep]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateEndpoint, ep)
	}
	r.conns[ep] = conn
	log.Info().Str("module", "app.relay").Str("endpoint", ep.String()).Msg("attached")
	return nil
}

// Detach forgets the endpoint and removes it from its session.
func (r *Relay) Detach(ep domain.Endpoint) {
	r.mu.Lock()
	delete(r.conns, ep)
	code, joined := r.codes[ep]
	delete(r.codes, ep)
	r.mu.Unlock()

	if joined {
		r.Registry.Leave(code, ep)
	}
	log.Info().Str("module", "app.relay").Str("endpoint", ep.String()).Msg("detached")
}

// OnMessage handles one inbound document from the endpoint from. Every
// returned error concerns this message only; the connection stays usable.
// Malformed documents are answered with a bad_request error.
func (r *Relay) OnMessage(ctx context.Context, from domain.Endpoint, data []byte) error {
	msg, err := protocol.Parse(data)
	if err != nil {
		r.reject(from, err)
		return err
	}
	if target, ok := protocol.Target(msg); ok {
		return r.forward(ctx, from, target, data)
	}

	switch m := msg.(type) {
	case protocol.Join:
		return r.handleJoin(ctx, from, m)
	default:
		return fmt.Errorf("%w: %T from client %s", domain.ErrUnexpectedMessage, m, from)
	}
}

func (r *Relay) handleJoin(ctx context.Context, from domain.Endpoint, m protocol.Join) error {
	if r.Limiter != nil && !r.Limiter.Allow(from) {
		err := fmt.Errorf("%w: join from %s", domain.ErrRateLimited, from)
		r.reject(from, err)
		return err
	}
	r.mu.Lock()
	if code, ok := r.codes[from]; ok {
		r.mu.Unlock()
		err := fmt.Errorf("%w: %s already in %s", domain.ErrAlreadyJoined, from, code)
		r.reject(from, err)
		return err
	}
	res, err := r.Registry.Join(m.SessionCode, from, m.MaxUsers)
	if err == nil {
		r.codes[from] = m.SessionCode
	}
	r.mu.Unlock()

	if err != nil {
		r.reject(from, err)
		return err
	}
	if !res.Ready {
		return nil
	}
	return r.broadcastReady(ctx, m.SessionCode, res.Members)
}

// broadcastReady delivers SessionReady to every member in registry order,
// waiting for each write before the next.
func (r *Relay) broadcastReady(ctx context.Context, code domain.SessionCode, members []domain.Endpoint) error {
	frame, err := protocol.Encode(protocol.SessionReady{Peers: members})
	if err != nil {
		return err
	}

	var errs []error
	for _, ep := range members {
		conn, ok := r.conn(ep)
		if !ok {
			log.Warn().Str("module", "app.relay").Str("session", string(code)).Str("endpoint", ep.String()).Msg("member gone before ready broadcast")
			continue
		}
		if err := r.deliver(ctx, ep, conn, frame); err != nil {
			log.Error().Err(err).Str("module", "app.relay").Str("session", string(code)).Str("endpoint", ep.String()).Msg("ready broadcast failed")
			errs = append(errs, fmt.Errorf("ready to %s: %w", ep, err))
		}
	}
	log.Info().Str("module", "app.relay").Str("session", string(code)).Int("members", len(members)).Msg("session started")
	return errors.Join(errs...)
}

func (r *Relay) forward(ctx context.Context, from, target domain.Endpoint, data []byte) error {
	r.mu.RLock()
	code, joined := r.codes[from]
	r.mu.RUnlock()
	if !joined {
		return fmt.Errorf("%w: sender %s has not joined a session", domain.ErrUnknownTarget, from)
	}

	members, ok := r.Registry.Members(code)
	if !ok || !slices.Contains(members, target) {
		return fmt.Errorf("%w: %s not in session %s", domain.ErrUnknownTarget, target, code)
	}
	conn, ok := r.conn(target)
	if !ok {
		return fmt.Errorf("%w: %s has no connection", domain.ErrUnknownTarget, target)
	}

	log.Debug().Str("module", "app.relay").Str("session", string(code)).Str("from", from.String()).Str("target", target.String()).Msg("relaying")
	return r.deliver(ctx, target, conn, core.Frame(data))
}

func (r *Relay) deliver(ctx context.Context, ep domain.Endpoint, conn core.SignalConnection, f core.Frame) error {
	err := conn.Send(ctx, f)
	if err == nil || r.Policy == nil {
		return err
	}
	if r.Policy.OnSendFailure(ep, err) == Disconnect {
		log.Warn().Err(err).Str("module", "app.relay").Str("endpoint", ep.String()).Msg("disconnecting member after send failure")
		conn.Close()
	}
	return err
}

func (r *Relay) reject(to domain.Endpoint, cause error) {
	conn, ok := r.conn(to)
	if !ok {
		return
	}
	code := protocol.CodeBadRequest
	switch {
	case errors.Is(cause, domain.ErrCapacityExceeded):
		code = protocol.CodeCapacityExceeded
	case errors.Is(cause, domain.ErrAlreadyJoined):
		code = protocol.CodeAlreadyJoined
	case errors.Is(cause, domain.ErrRateLimited):
		code = protocol.CodeRateLimited
	}
	frame, err := protocol.Encode(protocol.Error{Code: code, Message: cause.Error()})
	if err != nil {
		return
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("endpoint", to.String()).Msg("reject reply dropped")
	}
}

func (r *Relay) conn(ep domain.Endpoint) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[ep]
	return c, ok
}

// Close closes every attached connection. Called on relay shutdown.
func (r *Relay) Close() {
	r.mu.Lock()
	conns := make([]core.SignalConnection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	r.Registry.Close()
}
