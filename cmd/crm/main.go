// Package main is the entrypoint of the CRM service: Telegram poller, webhook
// server and scheduler in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/murailocrm/internal/app"
	"github.com/edgard/murailocrm/internal/bot"
	"github.com/edgard/murailocrm/internal/bot/handlers"
	"github.com/edgard/murailocrm/internal/bot/tasks"
	"github.com/edgard/murailocrm/internal/config"
	"github.com/edgard/murailocrm/internal/logger"
	"github.com/edgard/murailocrm/internal/messages"
	"github.com/edgard/murailocrm/internal/notify"
	"github.com/edgard/murailocrm/internal/telegram"
	"github.com/edgard/murailocrm/internal/webhook"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	core, err := app.New(cfg, log)
	if err != nil {
		log.Error("Failed to initialize core components", "error", err)
		return 1
	}
	defer func() {
		if err := core.Close(); err != nil {
			log.Warn("Error during shutdown", "error", err)
		}
	}()

	var (
		tg       *tgbot.Bot
		fetcher  messages.AttachmentFetcher
		sender   notify.Sender
		notifier notify.Notifier = notify.Log{Logger: log}
		// The default handler is bound once the pipeline exists; the pipeline
		// itself needs the bot client for file downloads.
		inbound tgbot.HandlerFunc
	)

	if cfg.Telegram.Enabled {
		tg, err = telegram.NewTelegramBot(cfg.Telegram.Token, log,
			tgbot.WithMiddlewares(logger.Middleware(log)),
			tgbot.WithDefaultHandler(func(ctx context.Context, b *tgbot.Bot, update *models.Update) {
				inbound(ctx, b, update)
			}),
			// request_timeout also bounds each long poll.
			tgbot.WithHTTPClient(cfg.Telegram.RequestTimeout, &http.Client{Timeout: cfg.Telegram.RequestTimeout + 5*time.Second}),
		)
		if err != nil {
			log.Error("Failed to create Telegram bot", "error", err)
			return 1
		}

		if cfg.Telegram.DropPendingUpdates {
			if _, err := tg.DeleteWebhook(ctx, &tgbot.DeleteWebhookParams{DropPendingUpdates: true}); err != nil {
				log.Warn("Failed to drop pending updates", "error", err)
			}
		}

		rel, err := core.NewRelay(ctx, telegram.NewFileResolver(tg, cfg.Telegram.Token))
		if err != nil {
			log.Error("Failed to initialize attachment relay", "error", err)
			return 1
		}
		fetcher = rel
		sender = tg
		notifier = notify.NewTelegram(tg, cfg.Telegram.OperatorChatID, log)
	} else {
		log.Warn("Telegram transport disabled: no chat updates, attachment relay or operator sends")
	}

	pipe := core.NewPipeline(fetcher, notifier)

	var poller bot.Poller
	if tg != nil {
		hDeps := handlers.HandlerDeps{
			Logger:   log,
			Config:   cfg,
			Pipeline: pipe,
			Merge:    core.Merge,
		}
		inbound = handlers.NewInboundHandler(hDeps)
		if err := telegram.RegisterHandlers(tg, log, handlers.RegisterAllCommands(hDeps)); err != nil {
			log.Error("Failed to register Telegram handlers", "error", err)
			return 1
		}
		poller = tg
	}

	var server bot.Server
	if cfg.Webhook.Enabled {
		srv, err := webhook.New(webhook.Deps{
			Logger:   log,
			Config:   cfg.Webhook,
			Store:    core.Store,
			Pipeline: pipe,
			Status:   core.Status,
			Pusher:   core.StatusPusher(),
			Sender:   sender,
			Emitter:  core.Emitter,
			Notifier: notifier,
			Realtime: core.Realtime(),
		})
		if err != nil {
			log.Error("Failed to create webhook server", "error", err)
			return 1
		}
		server = srv
	}

	sched, err := bot.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger: log,
		Store:  core.Store,
		Merge:  core.Merge,
		Config: cfg,
	}))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	log.Info("Starting CRM service",
		"telegram", cfg.Telegram.Enabled,
		"webhook", cfg.Webhook.Enabled,
		"broker", cfg.Broker.Enabled,
		"realtime", cfg.Realtime.Enabled,
	)
	runErr := bot.NewBot(log, poller, server, sched).Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("CRM service stopped due to error", "error", runErr)
		return 1
	}

	log.Info("CRM service stopped gracefully")
	return 0
}
