package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bilal/edr-agent/internal/clock"
	"github.com/bilal/edr-agent/internal/collector"
	"github.com/bilal/edr-agent/internal/config"
	"github.com/bilal/edr-agent/internal/decision"
	"github.com/bilal/edr-agent/internal/health"
	"github.com/bilal/edr-agent/internal/hostinfo"
	"github.com/bilal/edr-agent/internal/policy"
	"github.com/bilal/edr-agent/internal/queue"
	"github.com/bilal/edr-agent/internal/relay"
	"github.com/bilal/edr-agent/internal/supervisor"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Verify the policy and start collecting (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), opts)
		},
	}
}

func runAgent(parent context.Context, opts *rootOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	log.Info().Str("hostname", cfg.Agent.Hostname).Msg("starting edr agent")

	//------------------------------------------
	// POLICY GATE
	//------------------------------------------
	verifier, err := policy.NewVerifier(cfg.Agent.TrustedKeys)
	if err != nil {
		return fmt.Errorf("trusted keys: %w", err)
	}
	pol, err := verifier.Verify(cfg.Agent.PolicyPath)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.Agent.PolicyPath).Msg("policy rejected, refusing to start")
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	//------------------------------------------
	// RELAY + QUEUE
	//------------------------------------------
	q, err := queue.Open(cfg.Queue.Path)
	if err != nil {
		return err
	}
	defer q.Close()

	client, err := newClient(cfg, q)
	if err != nil {
		return err
	}
	defer client.Close()

	//------------------------------------------
	// COLLECTORS
	//------------------------------------------
	sup := supervisor.New(cfg.Agent.Hostname, client, clock.Real())
	err = sup.Plan(pol, hostCollectors(cfg), supervisor.Intervals{
		Network: cfg.Collectors.NetworkInterval(),
		Session: cfg.Collectors.SessionInterval(),
	})
	if err != nil {
		return err
	}

	//------------------------------------------
	// STATUS SERVER
	//------------------------------------------
	var statusSrv *health.Server
	if cfg.Status.ListenAddr != "" {
		statusSrv = health.New(cfg.Status.ListenAddr, string(pol.Mode), client)
		go func() {
			if err := statusSrv.Serve(); err != nil {
				log.Error().Err(err).Msg("status server stopped")
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.RunFlushLoop(gctx, relay.FlushPolicy{
			Interval:    cfg.Flush.Interval(),
			BackoffBase: cfg.Flush.BackoffBase(),
			BackoffMax:  cfg.Flush.BackoffMax(),
		})
	})
	g.Go(func() error { return sup.Run(gctx) })
	if statusSrv != nil {
		statusSrv.SetRunning(true)
	}

	<-ctx.Done()
	log.Warn().Msg("shutdown signal received")
	err = g.Wait()

	//------------------------------------------
	// SHUTDOWN SEQUENCE
	//------------------------------------------
	if statusSrv != nil {
		statusSrv.SetRunning(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := statusSrv.Shutdown(shutdownCtx); serr != nil {
			log.Warn().Err(serr).Msg("status server shutdown")
		}
	}
	if err != nil {
		return err
	}
	log.Info().Msg("agent stopped cleanly")
	return nil
}

func newTransport(cfg *config.Config) (relay.Transport, error) {
	switch cfg.Relay.Transport {
	case "kafka":
		return relay.NewKafkaTransport(cfg.Relay.KafkaBrokers, cfg.Relay.KafkaTopic)
	default:
		return relay.NewHTTPTransport(relay.HTTPOptions{
			Endpoint:           cfg.Relay.Endpoint,
			Token:              cfg.AuthToken(),
			InsecureSkipVerify: cfg.Relay.InsecureSkipVerify,
		}), nil
	}
}

func newClient(cfg *config.Config, q *queue.Queue) (*relay.Client, error) {
	t, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	engine := decision.NewEngine(cfg.Flush.RecoveryCooldown(), clock.Real())
	return relay.New(t, q,
		relay.WithTimeout(cfg.Relay.Timeout()),
		relay.WithEngine(engine),
	), nil
}

func hostCollectors(cfg *config.Config) collector.Set {
	return collector.Set{
		Process:  collector.NewProcessCollector(hostinfo.Processes{}),
		Network:  collector.NewNetworkCollector(hostinfo.NewSockets()),
		Sessions: collector.NewSessionCollector(hostinfo.Sessions{}),
		Files: collector.NewFileEventCollector(
			hostinfo.NewFSWatcher(cfg.Collectors.WatchPaths, cfg.Collectors.HashMaxBytes, clock.Real()).
				Ignore(cfg.Queue.Path),
		),
	}
}
