// Package bot manages the lifecycle of the CRM service: the Telegram poller,
// the webhook server and the task scheduler run under one errgroup.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Poller receives chat updates until ctx is cancelled. *tgbot.Bot satisfies it.
type Poller interface {
	Start(ctx context.Context)
}

// Server serves HTTP until ctx is cancelled. *webhook.Server satisfies it.
type Server interface {
	Run(ctx context.Context) error
}

// Bot represents the service and manages its components' lifecycle. Poller
// and Server are optional.
type Bot struct {
	logger    *slog.Logger
	poller    Poller
	server    Server
	scheduler *Scheduler
	closers   []io.Closer
}

// NewBot creates the orchestrator. Closers run after every component stopped.
func NewBot(logger *slog.Logger, poller Poller, server Server, scheduler *Scheduler, closers ...io.Closer) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		logger:    logger.With("component", "orchestrator"),
		poller:    poller,
		server:    server,
		scheduler: scheduler,
		closers:   closers,
	}
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting orchestrator")
	defer b.close()

	g, gCtx := errgroup.WithContext(ctx)

	if b.poller != nil {
		g.Go(func() error {
			b.logger.Info("Starting Telegram listener")
			b.poller.Start(gCtx)
			b.logger.Info("Telegram listener stopped")

			if gCtx.Err() == nil {
				return errors.New("telegram listener stopped unexpectedly")
			}
			return nil
		})
	}

	if b.server != nil {
		g.Go(func() error {
			return b.server.Run(gCtx)
		})
	}

	if b.scheduler != nil {
		g.Go(func() error {
			if err := b.scheduler.Start(); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}

			<-gCtx.Done()
			b.logger.Info("Shutdown signal received, stopping scheduler")
			if err := b.scheduler.Stop(); err != nil {
				b.logger.Error("Error stopping scheduler", "error", err)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Orchestrator stopped due to error", "error", err)
		return err
	}

	b.logger.Info("Orchestrator stopped gracefully")
	return nil
}

func (b *Bot) close() {
	for _, c := range b.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			b.logger.Warn("Failed to release resource", "error", err)
		}
	}
}
