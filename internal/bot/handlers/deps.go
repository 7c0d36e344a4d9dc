package handlers

import (
	"context"
	"log/slog"

	"github.com/edgard/murailocrm/internal/config"
	"github.com/edgard/murailocrm/internal/merge"
	"github.com/edgard/murailocrm/internal/pipeline"
)

// Processor reconciles an inbound event. *pipeline.Pipeline satisfies it.
type Processor interface {
	Process(ctx context.Context, in pipeline.Inbound) (pipeline.Result, error)
}

// Sweeper runs the contact merge sweep. *merge.Engine satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context, f merge.Filter) (merge.Report, error)
}

// HandlerDeps provides dependencies for Telegram handlers.
type HandlerDeps struct {
	Logger   *slog.Logger
	Config   *config.Config
	Pipeline Processor
	Merge    Sweeper
}
