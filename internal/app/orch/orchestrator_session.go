package orch

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dkeye/fedmesh/internal/domain"
	"github.com/dkeye/fedmesh/internal/protocol"
)

func (o *Orchestrator) onSessionReady(ctx context.Context, peers []domain.Endpoint) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		o.logger.Warn().Int("peers", len(peers)).Msg("duplicate session start ignored")
		return nil
	}
	rank, ok := domain.RankOf(peers, o.opts.Self)
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s not among %d peers", domain.ErrRankUnresolved, o.opts.Self, len(peers))
	}
	o.started = true
	o.members = slices.Clone(peers)
	o.rank = rank
	o.mu.Unlock()

	o.logger.Info().Int("rank", rank).Int("peers", len(peers)).Msg("session ready")
	if len(peers) == 1 {
		o.finish()
		return nil
	}

	// Offers go out one at a time, lowest rank first.
	var errs []error
	for _, remote := range peers[:rank] {
		if err := o.sendOffer(ctx, remote); err != nil {
			o.logger.Error().Err(err).Str("peer", remote.String()).Msg("offer failed")
			errs = append(errs, err)
		}
	}
	o.armHandshakeTimeout()
	return errors.Join(errs...)
}

func (o *Orchestrator) sendOffer(ctx context.Context, remote domain.Endpoint) error {
	l, err := o.linkFor(remote)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed.Load() || l.state != StateStable {
		state := l.stateLocked()
		l.mu.Unlock()
		return fmt.Errorf("%w: offer in state %s", domain.ErrInvalidStateTransition, state)
	}
	desc, err := l.pc.CreateOffer()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("create offer for %s: %w", remote, err)
	}
	l.state = StateHaveLocalOffer
	l.mu.Unlock()

	o.offers.Add(1)
	o.logger.Debug().Str("peer", remote.String()).Msg("sending offer")
	return o.opts.Signal.Send(ctx, protocol.Offer{
		SDP:    protocol.SDPFromPion(desc),
		Source: o.opts.Self,
		Target: remote,
	})
}

func (o *Orchestrator) onOffer(ctx context.Context, m protocol.Offer) error {
	l, err := o.linkFor(m.Source)
	if err != nil {
		return err
	}
	desc, err := m.SDP.ToPion()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}

	l.mu.Lock()
	if l.closed.Load() || l.state != StateStable {
		state := l.stateLocked()
		l.mu.Unlock()
		return fmt.Errorf("%w: offer from %s in state %s", domain.ErrInvalidStateTransition, m.Source, state)
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("apply offer from %s: %w", m.Source, err)
	}
	l.remoteSet = true
	o.applied.Add(int64(l.flushLocked(o.logger)))
	answer, err := l.pc.CreateAnswer()
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", m.Source, err)
	}

	o.answers.Add(1)
	o.logger.Debug().Str("peer", m.Source.String()).Msg("sending answer")
	return o.opts.Signal.Send(ctx, protocol.Answer{
		SDP:    protocol.SDPFromPion(answer),
		Source: o.opts.Self,
		Target: m.Source,
	})
}

func (o *Orchestrator) onAnswer(m protocol.Answer) error {
	l, ok := o.existing(m.Source)
	if !ok {
		return fmt.Errorf("%w: answer from %s without offer", domain.ErrInvalidStateTransition, m.Source)
	}
	desc, err := m.SDP.ToPion()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() || l.state != StateHaveLocalOffer {
		return fmt.Errorf("%w: answer from %s in state %s", domain.ErrInvalidStateTransition, m.Source, l.stateLocked())
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("apply answer from %s: %w", m.Source, err)
	}
	l.state = StateStable
	l.remoteSet = true
	o.applied.Add(int64(l.flushLocked(o.logger)))
	o.logger.Debug().Str("peer", m.Source.String()).Msg("answer applied")
	return nil
}

// onCandidate applies a trickled candidate, or buffers it until the remote
// description is known.
func (o *Orchestrator) onCandidate(m protocol.IceCandidate) error {
	source, err := o.candidateSource(m)
	if err != nil {
		return err
	}
	l, err := o.linkFor(source)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return fmt.Errorf("%w: candidate from %s on closed link", domain.ErrInvalidStateTransition, source)
	}
	cand := m.Candidate.ToPion()
	if !l.remoteSet {
		l.pending = append(l.pending, cand)
		o.buffered.Add(1)
		return nil
	}
	if err := l.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add candidate from %s: %w", source, err)
	}
	o.applied.Add(1)
	return nil
}

// candidateSource resolves the sender of a candidate. Messages without a
// source are only attributable while a single link exists.
func (o *Orchestrator) candidateSource(m protocol.IceCandidate) (domain.Endpoint, error) {
	if !m.Source.IsZero() {
		return m.Source, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.links) == 1 {
		for ep := range o.links {
			return ep, nil
		}
	}
	return domain.Endpoint{}, fmt.Errorf("%w: candidate without source among %d links", domain.ErrUnknownPeer, len(o.links))
}
