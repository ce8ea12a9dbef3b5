// Package orch drives the peer side of a session: it resolves the local
// rank once the relay reports the session ready, negotiates one peer
// connection per remote member and runs a round exchange on each of them.
//
// The higher-ranked side of every pair sends the offer, so a mesh of N
// peers negotiates exactly N*(N-1)/2 connections with no mirrored pairs.
package orch

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/fedmesh/internal/app/rounds"
	"github.com/dkeye/fedmesh/internal/core"
	"github.com/dkeye/fedmesh/internal/domain"
	"github.com/dkeye/fedmesh/internal/protocol"
)

// Signaler sends handshake messages through the relay.
type Signaler interface {
	Send(ctx context.Context, m protocol.Message) error
}

type Options struct {
	Self    domain.Endpoint
	Signal  Signaler
	Peers   core.PeerConnector
	Rounds  rounds.Config
	Trainer rounds.Trainer
	// HandshakeTimeout, when set, logs links whose channel is still closed
	// after the timeout. Nothing is retried.
	HandshakeTimeout time.Duration
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

type Stats struct {
	OffersCreated      int64
	AnswersCreated     int64
	CandidatesApplied  int64
	CandidatesBuffered int64
}

type Orchestrator struct {
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	started   bool
	members   []domain.Endpoint
	rank      int
	links     map[domain.Endpoint]*link
	completed int
	done      chan struct{}
	doneOnce  sync.Once
	timer     *time.Timer

	wg conc.WaitGroup

	offers   atomic.Int64
	answers  atomic.Int64
	applied  atomic.Int64
	buffered atomic.Int64
}

func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Signal == nil || opts.Peers == nil || opts.Trainer == nil {
		return nil, fmt.Errorf("orch: signal, peers and trainer are required")
	}
	if opts.Self.IsZero() {
		return nil, fmt.Errorf("orch: self endpoint is required")
	}
	if err := opts.Rounds.Validate(); err != nil {
		return nil, fmt.Errorf("orch: %w", err)
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Orchestrator{
		opts:   opts,
		logger: base.With().Str("module", "orch").Str("self", opts.Self.String()).Logger(),
		ctx:    ctx,
		cancel: cancel,
		links:  make(map[domain.Endpoint]*link),
		done:   make(chan struct{}),
	}, nil
}

// HandleMessage dispatches one message read from the relay. Errors are
// per message except domain.ErrRankUnresolved and a rejected join, after
// which this client cannot make progress.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.SessionReady:
		return o.onSessionReady(ctx, m.Peers)
	case protocol.Offer:
		return o.onOffer(ctx, m)
	case protocol.Answer:
		return o.onAnswer(m)
	case protocol.IceCandidate:
		return o.onCandidate(m)
	case protocol.Error:
		if m.Code == protocol.CodeCapacityExceeded {
			return fmt.Errorf("relay rejected join: %w: %s", domain.ErrCapacityExceeded, m.Message)
		}
		return fmt.Errorf("relay rejected request: %s: %s", m.Code, m.Message)
	case protocol.Join:
		return fmt.Errorf("%w: join from relay", domain.ErrUnexpectedMessage)
	default:
		return fmt.Errorf("%w: %T", domain.ErrUnexpectedMessage, m)
	}
}

// Rank reports the local rank once the session is ready.
func (o *Orchestrator) Rank() (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rank, o.started
}

func (o *Orchestrator) Members() []domain.Endpoint {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.members)
}

// Done is closed once every pairwise exchange is complete.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

func (o *Orchestrator) State(remote domain.Endpoint) (SignalingState, bool) {
	l, ok := o.existing(remote)
	if !ok {
		return StateStable, false
	}
	return l.State(), true
}

// Observed returns the rounds seen on the exchange with remote.
func (o *Orchestrator) Observed(remote domain.Endpoint) []int {
	l, ok := o.existing(remote)
	if !ok {
		return nil
	}
	return l.exchange.Observed()
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		OffersCreated:      o.offers.Load(),
		AnswersCreated:     o.answers.Load(),
		CandidatesApplied:  o.applied.Load(),
		CandidatesBuffered: o.buffered.Load(),
	}
}

// Close lets in-flight compute steps finish their send, then tears down
// every peer connection.
func (o *Orchestrator) Close() {
	o.cancel()
	o.mu.Lock()
	links := slices.Collect(maps.Values(o.links))
	if o.timer != nil {
		o.timer.Stop()
	}
	o.mu.Unlock()

	for _, l := range links {
		l.exchange.Wait()
	}
	for _, l := range links {
		l.close(o.logger)
	}
	o.wg.Wait()
	o.logger.Info().Int("links", len(links)).Msg("orchestrator closed")
}

func (o *Orchestrator) existing(remote domain.Endpoint) (*link, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.links[remote]
	return l, ok
}

func (o *Orchestrator) exchangeDone(l *link) {
	o.mu.Lock()
	o.completed++
	finished := o.completed >= len(o.members)-1
	o.mu.Unlock()

	o.logger.Info().Str("peer", l.remote.String()).Ints("rounds", l.exchange.Observed()).Msg("exchange finished")
	if finished {
		o.finish()
	}
}

func (o *Orchestrator) finish() {
	o.doneOnce.Do(func() {
		close(o.done)
		o.logger.Info().Msg("all exchanges complete")
	})
}
