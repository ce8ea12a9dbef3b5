package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/fedmesh/internal/adapters/rtc"
	wssignal "github.com/dkeye/fedmesh/internal/adapters/signal"
	"github.com/dkeye/fedmesh/internal/app/orch"
	"github.com/dkeye/fedmesh/internal/app/rounds"
	"github.com/dkeye/fedmesh/internal/config"
	"github.com/dkeye/fedmesh/internal/domain"
	"github.com/dkeye/fedmesh/internal/protocol"
)

var errFinished = errors.New("all exchanges finished")

func main() {
	fs := pflag.NewFlagSet("fedmesh-client", pflag.ExitOnError)
	config.ClientFlags(fs)
	_ = fs.Parse(os.Args[1:])

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadClient(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("client failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig) error {
	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := wssignal.Dial(dialCtx, cfg.RelayURL, cfg.WriteWait)
	dialCancel()
	if err != nil {
		return err
	}
	defer client.Close()

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	trainer := rounds.NewSimulatedTrainer(seed)

	o, err := orch.New(ctx, orch.Options{
		Self:   client.Self(),
		Signal: client,
		Peers: rtc.NewConnector(rtc.Config{
			ICEServers:      cfg.ICEServers,
			IncludeLoopback: cfg.IncludeLoopback,
			DrainTimeout:    cfg.DrainTimeout,
		}),
		Rounds:           rounds.Config{Rounds: cfg.Rounds, ComputeDelay: cfg.ComputeDelay},
		Trainer:          trainer,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	if err != nil {
		return err
	}
	defer o.Close()

	log.Info().Str("self", client.Self().String()).Str("session", cfg.SessionCode).
		Int("max_users", cfg.MaxUsers).Int("rounds", cfg.Rounds).Msg("joining session")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(gctx, o.HandleMessage)
	})
	g.Go(func() error {
		join := protocol.Join{SessionCode: domain.SessionCode(cfg.SessionCode), MaxUsers: cfg.MaxUsers}
		if err := client.Send(gctx, join); err != nil {
			return err
		}
		select {
		case <-o.Done():
			return errFinished
		case <-gctx.Done():
			return nil
		}
	})

	err = g.Wait()
	if errors.Is(err, errFinished) {
		stats := o.Stats()
		log.Info().Int64("offers", stats.OffersCreated).Int64("answers", stats.AnswersCreated).
			Int64("candidates", stats.CandidatesApplied).Interface("model", trainer.Model()).Msg("training finished")
		return nil
	}
	return err
}
