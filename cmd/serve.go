package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/angeloszaimis/credential-dispatcher/config"
	"github.com/angeloszaimis/credential-dispatcher/internal/dispatcher"
	"github.com/angeloszaimis/credential-dispatcher/internal/handler"
	"github.com/angeloszaimis/credential-dispatcher/internal/httpserver"
	"github.com/angeloszaimis/credential-dispatcher/internal/keypool"
	"github.com/angeloszaimis/credential-dispatcher/internal/metrics"
	"github.com/angeloszaimis/credential-dispatcher/internal/provider"
	"github.com/angeloszaimis/credential-dispatcher/internal/recovery"
	"github.com/angeloszaimis/credential-dispatcher/internal/status"
	"github.com/angeloszaimis/credential-dispatcher/pkg/logger"
)

const (
	limiterPruneInterval = time.Minute
	limiterIdle          = 3 * time.Minute
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, out := logger.New(logger.Options{
		Level:       cfg.Logging.Level,
		AddSource:   true,
		Environment: cfg.Server.Environment,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
		Compress:    cfg.Logging.Compress,
	})
	defer out.Close()

	if cfg.Server.Environment == config.EnvProd {
		gin.SetMode(gin.ReleaseMode)
	}

	collector := metrics.NewCollector(cfg.Dispatcher.EventBuffer, log)
	collector.Start(ctx)

	providers, err := buildProviders(cfg, log, collector.Observe)
	if err != nil {
		log.Error("Failed to build providers", slog.Any("err", err))
		return err
	}

	d, err := dispatcher.New(log, providers)
	if err != nil {
		log.Error("Failed to create dispatcher", slog.Any("err", err))
		return err
	}

	reporter := status.NewReporter(providers, status.WithLogger(log))

	go recovery.Sweep(ctx, pools(providers), cfg.Dispatcher.Sweep(), log)

	h := handler.New(log, d, reporter, collector, handler.Options{
		AdminToken: cfg.Admin.Token,
		AdminRate:  cfg.Admin.RateLimit,
		AdminBurst: cfg.Admin.Burst,
	})
	if l := h.Limiter(); l != nil {
		go l.Run(ctx, limiterPruneInterval, limiterIdle)
	}

	read, write, shutdown := cfg.Server.Timeouts()
	srv, err := httpserver.New(cfg.Server.Address, h.Router(), httpserver.Timeouts{
		Read:     read,
		Write:    write,
		Shutdown: shutdown,
	})
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		return err
	}

	if cfg.Admin.Token == "" {
		log.Warn("Admin token is empty, admin routes are unauthenticated")
	}

	srvErrCh := make(chan error, 1)
	go func() {
		log.Info("Dispatcher listening",
			slog.String("addr", srv.Addr()),
			slog.Int("providers", len(providers)))
		srvErrCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
			return err
		}
		return nil
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting dispatcher", slog.Any("err", err))
		}
		return err
	}
}

// buildProviders creates one pool and provider per configured entry, in
// priority order.
func buildProviders(cfg *config.Config, log *slog.Logger, sink keypool.EventSink) ([]*provider.Provider, error) {
	providers := make([]*provider.Provider, 0, len(cfg.Providers))

	for _, pc := range cfg.Providers {
		pool, err := keypool.New(pc.Name, pc.Keys,
			keypool.WithTTL(cfg.Dispatcher.TTL()),
			keypool.WithLogger(log),
			keypool.WithEventSink(sink),
		)
		if err != nil {
			return nil, err
		}

		p, err := provider.New(provider.Config{
			Name:        pc.Name,
			Model:       pc.Model,
			Endpoint:    provider.StaticEndpoint(pc.Endpoint),
			MaxAttempts: pc.Attempts(cfg.Dispatcher),
			Timeout:     pc.RequestTimeout(),
		}, pool)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}

		log.Info("Provider configured",
			slog.String("provider", p.Name()),
			slog.String("model", p.Model()),
			slog.Int("keys", pool.Len()),
			slog.Int("max_attempts", p.MaxAttempts()))

		providers = append(providers, p)
	}

	return providers, nil
}

func pools(providers []*provider.Provider) []*keypool.Pool {
	out := make([]*keypool.Pool, len(providers))
	for i, p := range providers {
		out[i] = p.Pool()
	}
	return out
}
