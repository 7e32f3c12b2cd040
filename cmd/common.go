package cmd

import (
	"context"
	"errors"

	"github.com/example/appt-scheduler/internal/app"
	"github.com/example/appt-scheduler/internal/config"
	"go.uber.org/zap"
)

// openStore opens the application for one-shot commands. These only make
// sense against a database that outlives the process.
func openStore(ctx context.Context) (*app.App, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if cfg.Store == "memory" {
		return nil, errors.New("this command needs APPTSCHED_STORE=postgres")
	}
	return app.Open(ctx, cfg, zap.NewNop(), app.Options{Migrate: true})
}
