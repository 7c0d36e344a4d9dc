// Package tasks implements the scheduled jobs of the CRM service.
package tasks

import (
	"context"
	"log/slog"

	"github.com/edgard/murailocrm/internal/config"
	"github.com/edgard/murailocrm/internal/database"
	"github.com/edgard/murailocrm/internal/merge"
)

// Sweeper runs the contact merge sweep.
type Sweeper interface {
	Sweep(ctx context.Context, f merge.Filter) (merge.Report, error)
}

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger *slog.Logger
	Store  database.Store
	Merge  Sweeper
	Config *config.Config
}
