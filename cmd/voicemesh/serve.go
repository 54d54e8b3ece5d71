package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/voicemesh/voicemesh/internal/agent"
	"github.com/voicemesh/voicemesh/internal/broker"
	"github.com/voicemesh/voicemesh/internal/config"
	"github.com/voicemesh/voicemesh/internal/events"
	"github.com/voicemesh/voicemesh/internal/llm"
	"github.com/voicemesh/voicemesh/internal/server"
	"github.com/voicemesh/voicemesh/internal/store"
	"github.com/voicemesh/voicemesh/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if violations := cfg.Validate(); len(violations) > 0 {
				return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(violations, "\n  - "))
			}
			return serve(cfg, watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Reload the config file on change")
	return cmd
}

func logLevel(cfg *config.Config) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch cfg.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildStore(cfg *config.Config, logger *slog.Logger, metrics *telemetry.Metrics) (store.Store, func() error) {
	if cfg.Store.Backend == "redis" {
		client := store.DialRedis(cfg.Store.RedisAddr)
		st := store.NewRedisStore(client,
			store.WithRedisPrefix(cfg.Store.RedisPrefix),
			store.WithRedisTTL(cfg.Store.SessionTTL.Std()),
			store.WithRedisLogger(logger))
		return st, client.Close
	}

	st := store.NewMemoryStore(cfg.Store.MaxSessions, cfg.Store.SessionTTL.Std(),
		store.WithLogger(logger),
		store.WithMetrics(metrics))
	return st, func() error { return nil }
}

func buildAgents(cfg *config.Config, st store.Store, logger *slog.Logger, metrics *telemetry.Metrics) (*agent.Registry, *agent.Manager, error) {
	client, model := llm.NewClientForModel(cfg.Agents.Model, cfg.Agents.BaseURL, cfg.APIKey())

	registry := agent.NewRegistry()
	for _, a := range []agent.Agent{
		agent.NewEchoAgent(),
		agent.NewIntentAgent(),
		agent.NewSummarizeAgent(client, model),
		agent.NewConversationAgent(client, model,
			agent.WithConversationLogger(logger),
			agent.WithMaxHistory(cfg.Agents.MaxHistory)),
	} {
		if err := registry.Register(a); err != nil {
			return nil, nil, err
		}
	}

	mgr := agent.NewManager(registry, st, cfg.Agents.Default,
		agent.WithManagerLogger(logger),
		agent.WithManagerMetrics(metrics))
	return registry, mgr, nil
}

func serve(cfg *config.Config, watch bool) error {
	logger := telemetry.NewLogger(os.Stderr, logLevel(cfg))
	slog.SetDefault(logger)
	metrics := telemetry.NewMetrics()

	st, closeStore := buildStore(cfg, logger, metrics)
	defer closeStore()

	cm := store.NewContextManager(st, cfg.Store.Backend,
		store.WithManagerLogger(logger))

	registry, mgr, err := buildAgents(cfg, st, logger, metrics)
	if err != nil {
		return err
	}

	b := broker.New(cfg.BrokerConfig(), cfg.PolicyConfig(), st, cm, mgr,
		broker.WithLogger(logger),
		broker.WithMetrics(metrics),
		broker.WithEmitter(events.LogEmitter(logger)))

	srv := server.New(b, st, registry,
		server.WithLogger(logger),
		server.WithMetrics(metrics))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Maintenance runs on a fixed tick; the broker's own gates decide
	// whether each cycle actually does work.
	sched := cron.New()
	if _, err := sched.AddFunc("@every 5s", func() {
		if b.ShouldCleanup() {
			expired, err := b.CleanupExpiredSessions(ctx)
			if err != nil {
				logger.Warn("expiry sweep failed", slog.String("error", err.Error()))
			}
			inactive, err := b.CleanupInactiveSessions(ctx)
			if err != nil {
				logger.Warn("inactivity sweep failed", slog.String("error", err.Error()))
			}
			if expired+inactive > 0 {
				logger.Info("cleanup cycle finished",
					slog.Int("expired", expired), slog.Int("inactive", inactive))
			}
		}
		if b.ShouldEmitTelemetry() {
			stats := b.Stats(ctx)
			logger.Info("telemetry",
				slog.Int("active_sessions", stats.ActiveSessions),
				slog.Int64("sessions_created", stats.SessionsCreated),
				slog.Int64("sessions_completed", stats.SessionsCompleted),
				slog.Int64("sessions_failed", stats.SessionsFailed),
				slog.String("uptime", stats.Uptime))
		}
	}); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.Server.Addr,
			cfg.Server.ReadTimeout.Std(),
			cfg.Server.WriteTimeout.Std(),
			cfg.Server.ShutdownTimeout.Std())
	})

	if watch && configPath != "" {
		g.Go(func() error {
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				// Only policy is safe to swap live; everything else
				// needs a restart.
				b.UpdatePolicyConfig(next.PolicyConfig())
				logger.Info("policy configuration updated for new sessions")
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	logger.Info("voicemesh started",
		slog.String("version", version),
		slog.String("addr", cfg.Server.Addr),
		slog.String("store_backend", cfg.Store.Backend),
		slog.String("default_agent", cfg.Agents.Default))

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
