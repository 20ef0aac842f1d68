package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhangyunhao116/taskjail"
	"github.com/zhangyunhao116/taskjail/internal/settings"
	"github.com/zhangyunhao116/taskjail/server"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve tasks over HTTP",
	Long: `Starts the HTTP front end:

  POST /run?task=...   run a task
  GET  /read?path=...  read a file inside the data directory
  GET  /healthz        sandbox status

When --config is given the file is watched and the attempt budget, timeouts,
tool allow-list and sandbox limits are reloaded on change.`,
	Args: cobra.NoArgs,
	RunE: serve,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "Listen address (overrides settings)")
}

func serve(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		s.Server.Addr = listenAddr
	}
	orch, err := newOrchestrator(s)
	if err != nil {
		return err
	}
	defer func() {
		if err := orch.Executor().Cleanup(context.Background()); err != nil {
			logger.Warn("executor cleanup failed", zap.Error(err))
		}
	}()

	if dc := orch.Executor().CheckDependencies(); dc != nil {
		for _, w := range dc.Warnings {
			logger.Warn("sandbox dependency", zap.String("warning", w))
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(orch, server.Config{
		Addr:              s.Server.Addr,
		MaxConcurrent:     s.Server.MaxConcurrent,
		MaxConnections:    s.Server.MaxConnections,
		ReadHeaderTimeout: s.Server.ReadHeaderTimeout,
		ShutdownTimeout:   s.Server.ShutdownTimeout,
		Logger:            logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if configPath != "" {
		g.Go(func() error {
			return settings.Watch(gctx, configPath, logger, func(next *settings.Settings) {
				reload(orch, next)
			})
		})
	}
	return g.Wait()
}

// reload applies next to orch. The listen address and oracle are fixed for
// the life of the process.
func reload(orch *taskjail.Orchestrator, next *settings.Settings) {
	if jailRoot != "" {
		next.JailRoot = jailRoot
	}
	cfg, err := next.Config(logger)
	if err != nil {
		logger.Warn("settings rejected", zap.Error(err))
		return
	}
	if err := orch.UpdateConfig(cfg); err != nil {
		logger.Warn("settings not applied", zap.Error(err))
		return
	}
	logger.Info("settings applied",
		zap.Int("max_attempts", cfg.MaxAttempts),
		zap.Duration("attempt_timeout", cfg.AttemptTimeout),
		zap.Int("allowed_tools", len(cfg.AllowedTools)))
}
