package orch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/fedmesh/internal/app/rounds"
	"github.com/dkeye/fedmesh/internal/core"
	"github.com/dkeye/fedmesh/internal/domain"
	"github.com/dkeye/fedmesh/internal/protocol"
)

type SignalingState int

const (
	StateStable SignalingState = iota
	StateHaveLocalOffer
	StateClosed
)

func (s SignalingState) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SignalingState(%d)", int(s))
	}
}

// link is the negotiation state with one remote member.
type link struct {
	remote   domain.Endpoint
	pc       core.PeerConnection
	exchange *rounds.Exchange

	mu        sync.Mutex
	state     SignalingState
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	open   atomic.Bool
	closed atomic.Bool
}

func (l *link) State() SignalingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked()
}

func (l *link) stateLocked() SignalingState {
	if l.closed.Load() {
		return StateClosed
	}
	return l.state
}

// flushLocked applies candidates that arrived before the remote description.
func (l *link) flushLocked(logger zerolog.Logger) int {
	n := 0
	for _, c := range l.pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			logger.Warn().Err(err).Str("peer", l.remote.String()).Msg("buffered candidate rejected")
			continue
		}
		n++
	}
	l.pending = nil
	return n
}

func (l *link) close(logger zerolog.Logger) {
	if l.closed.Swap(true) {
		return
	}
	if err := l.pc.Close(); err != nil {
		logger.Warn().Err(err).Str("peer", l.remote.String()).Msg("close peer connection")
	}
}

// linkFor returns the link to remote, creating the peer connection on first
// use. remote must be a member of the ready session.
func (o *Orchestrator) linkFor(remote domain.Endpoint) (*link, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return nil, fmt.Errorf("%w: %s before session start", domain.ErrUnknownPeer, remote)
	}
	if l, ok := o.links[remote]; ok {
		return l, nil
	}
	remoteRank, ok := domain.RankOf(o.members, remote)
	if !ok || remote == o.opts.Self {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPeer, remote)
	}

	pc, err := o.opts.Peers.NewPeerConnection(remote)
	if err != nil {
		return nil, fmt.Errorf("new peer connection to %s: %w", remote, err)
	}
	initiator := o.rank < remoteRank
	logger := o.logger.With().Str("peer", remote.String()).Int("peer_rank", remoteRank).Logger()
	ex, err := rounds.NewExchange(o.opts.Rounds, pc, o.opts.Trainer, initiator, logger)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	l := &link{remote: remote, pc: pc, exchange: ex}
	o.bindPeerHandlers(l, logger)
	o.links[remote] = l
	o.wg.Go(func() { o.watch(l) })
	return l, nil
}

func (o *Orchestrator) bindPeerHandlers(l *link, logger zerolog.Logger) {
	l.pc.OnICECandidate(func(c webrtc.ICECandidate) {
		msg := protocol.IceCandidate{
			Candidate: protocol.CandidateFromPion(c),
			Source:    o.opts.Self,
			Target:    l.remote,
		}
		if err := o.opts.Signal.Send(o.ctx, msg); err != nil {
			logger.Warn().Err(err).Msg("send candidate")
		}
	})
	l.pc.OnOpen(func() {
		if l.open.Swap(true) {
			return
		}
		logger.Info().Msg("channel open")
		if err := l.exchange.Start(o.ctx); err != nil {
			logger.Error().Err(err).Msg("start exchange")
		}
	})
	l.pc.OnMessage(func(f core.Frame) {
		if err := l.exchange.HandleFrame(o.ctx, f); err != nil {
			logger.Warn().Err(err).Msg("dropped round message")
		}
	})
	l.pc.OnClosed(func() {
		if !l.closed.Swap(true) {
			logger.Info().Msg("peer connection closed")
		}
	})
}

func (o *Orchestrator) watch(l *link) {
	select {
	case <-l.exchange.Done():
		o.exchangeDone(l)
	case <-o.ctx.Done():
	}
}

func (o *Orchestrator) armHandshakeTimeout() {
	if o.opts.HandshakeTimeout <= 0 {
		return
	}
	t := time.AfterFunc(o.opts.HandshakeTimeout, func() {
		o.mu.Lock()
		members := len(o.members)
		var stalled []string
		for ep, l := range o.links {
			if !l.open.Load() {
				stalled = append(stalled, ep.String())
			}
		}
		linked := len(o.links)
		o.mu.Unlock()

		if len(stalled) > 0 || linked < members-1 {
			o.logger.Warn().Strs("stalled", stalled).Int("links", linked).Int("expected", members-1).
				Dur("timeout", o.opts.HandshakeTimeout).Msg("handshake incomplete")
		}
	})
	o.mu.Lock()
	o.timer = t
	o.mu.Unlock()
}
