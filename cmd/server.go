package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/appt-scheduler/internal/app"
	"github.com/example/appt-scheduler/internal/auth"
	"github.com/example/appt-scheduler/internal/config"
	"github.com/example/appt-scheduler/internal/logging"
	"github.com/example/appt-scheduler/internal/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP API and the job scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if err := cfg.RequireKeys(); err != nil {
				return err
			}
			logger, err := logging.Init(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.Open(ctx, cfg, logger, app.Options{Migrate: migrateUp})
			if err != nil {
				return err
			}
			defer a.Close()

			ws := &web.Server{
				App:    a,
				Auth:   auth.NewStore(a.Users, cfg.CookieHashKey, cfg.CookieBlockKey),
				Logger: logger,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.Run(gctx) })
			g.Go(func() error { return web.Start(gctx, cfg.ListenAddr, ws.Routes(), logger) })
			err = g.Wait()
			logger.Info("shut down", zap.Error(err))
			return err
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
