// Package rounds runs the weight exchange over an open peer channel.
//
// The initiator sends round 0. Each side answers round k with round k+1
// after a simulated compute step, until round Rounds-1 has been observed.
// There is no termination message: both sides stop on their own once the
// last round is sent or received.
package rounds

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/fedmesh/internal/core"
	"github.com/dkeye/fedmesh/internal/domain"
	"github.com/dkeye/fedmesh/internal/protocol"
)

type Config struct {
	Rounds       int
	ComputeDelay time.Duration
}

func (c Config) Validate() error {
	if c.Rounds < 1 {
		return fmt.Errorf("rounds must be positive, got %d", c.Rounds)
	}
	if c.ComputeDelay < 0 {
		return fmt.Errorf("compute delay must not be negative, got %s", c.ComputeDelay)
	}
	return nil
}

// Channel is the outbound half of an open peer channel.
type Channel interface {
	Send(core.Frame) error
}

// Trainer produces the weights sent for a round. remote is nil for the
// opening round.
type Trainer interface {
	Train(ctx context.Context, round int, remote json.RawMessage) (json.RawMessage, error)
}

type Exchange struct {
	cfg       Config
	ch        Channel
	trainer   Trainer
	initiator bool
	logger    zerolog.Logger

	mu       sync.Mutex
	expect   int
	started  bool
	complete bool
	observed []int
	done     chan struct{}

	wg conc.WaitGroup
}

func NewExchange(cfg Config, ch Channel, trainer Trainer, initiator bool, logger zerolog.Logger) (*Exchange, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Exchange{
		cfg:       cfg,
		ch:        ch,
		trainer:   trainer,
		initiator: initiator,
		logger:    logger.With().Str("module", "rounds").Bool("initiator", initiator).Logger(),
		observed:  make([]int, 0, cfg.Rounds),
		done:      make(chan struct{}),
	}
	if initiator {
		e.expect = 1
	}
	return e, nil
}

// Start is called once the channel is open. Only the initiator sends.
func (e *Exchange) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started || !e.initiator {
		e.started = true
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	weights, err := e.trainer.Train(ctx, 0, nil)
	if err != nil {
		return fmt.Errorf("train round 0: %w", err)
	}
	e.mu.Lock()
	e.recordLocked(0)
	e.mu.Unlock()
	return e.send(0, weights)
}

// HandleFrame consumes one inbound round message. Out-of-order and
// post-completion frames are rejected and otherwise ignored.
func (e *Exchange) HandleFrame(ctx context.Context, f core.Frame) error {
	msg, err := protocol.ParseRound(f)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.complete {
		e.mu.Unlock()
		return fmt.Errorf("%w: round %d", domain.ErrExchangeComplete, msg.Round)
	}
	if msg.Round != e.expect {
		want := e.expect
		e.mu.Unlock()
		return fmt.Errorf("%w: got %d, want %d", domain.ErrRoundOutOfOrder, msg.Round, want)
	}
	e.recordLocked(msg.Round)
	next := msg.Round + 1
	if e.complete {
		e.mu.Unlock()
		return nil
	}
	e.expect = next + 1
	e.mu.Unlock()

	e.logger.Debug().Int("round", msg.Round).Msg("received weights")
	e.wg.Go(func() { e.step(ctx, next, msg.Weights) })
	return nil
}

func (e *Exchange) step(ctx context.Context, round int, remote json.RawMessage) {
	if e.cfg.ComputeDelay > 0 {
		t := time.NewTimer(e.cfg.ComputeDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			e.logger.Info().Int("round", round).Msg("compute step cancelled")
			return
		case <-t.C:
		}
	}

	weights, err := e.trainer.Train(ctx, round, remote)
	if err != nil {
		e.logger.Error().Err(err).Int("round", round).Msg("train failed, exchange stalls")
		return
	}

	e.mu.Lock()
	e.recordLocked(round)
	e.mu.Unlock()
	if err := e.send(round, weights); err != nil {
		e.logger.Error().Err(err).Int("round", round).Msg("send failed, exchange stalls")
	}
}

// recordLocked must be called before the round goes out so a fast reply
// never races the expected counter.
func (e *Exchange) recordLocked(round int) {
	e.observed = append(e.observed, round)
	if round+1 >= e.cfg.Rounds && !e.complete {
		e.complete = true
		close(e.done)
		e.logger.Info().Int("rounds", len(e.observed)).Msg("exchange complete")
	}
}

func (e *Exchange) send(round int, weights json.RawMessage) error {
	frame, err := protocol.EncodeRound(protocol.RoundMessage{Weights: weights, Round: round})
	if err != nil {
		return err
	}
	if err := e.ch.Send(frame); err != nil {
		return fmt.Errorf("send round %d: %w", round, err)
	}
	e.logger.Debug().Int("round", round).Msg("sent weights")
	return nil
}

func (e *Exchange) Done() <-chan struct{} { return e.done }

// Observed returns the rounds sent or received so far, in order.
func (e *Exchange) Observed() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.observed)
}

func (e *Exchange) Complete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.complete
}

// Wait blocks until in-flight compute steps return.
func (e *Exchange) Wait() { e.wg.Wait() }
