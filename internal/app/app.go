// Package app assembles the CRM components from configuration. The service
// binary and the ops CLI share it so both run the exact same engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"

	"github.com/jmoiron/sqlx"

	"github.com/edgard/murailocrm/internal/config"
	"github.com/edgard/murailocrm/internal/database"
	"github.com/edgard/murailocrm/internal/fanout"
	"github.com/edgard/murailocrm/internal/identity"
	"github.com/edgard/murailocrm/internal/merge"
	"github.com/edgard/murailocrm/internal/messages"
	"github.com/edgard/murailocrm/internal/notify"
	"github.com/edgard/murailocrm/internal/orders"
	"github.com/edgard/murailocrm/internal/pipeline"
	"github.com/edgard/murailocrm/internal/platform"
	"github.com/edgard/murailocrm/internal/relay"
	"github.com/edgard/murailocrm/internal/status"
	"github.com/edgard/murailocrm/internal/storage"
	"github.com/edgard/murailocrm/internal/webhook"
)

// OrderSource labels orders opened by the reconciliation pipeline.
const OrderSource = "crm"

// App holds the shared components. Platform and Hub are nil when disabled.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *sqlx.DB
	Store    database.Store
	Platform *platform.Client
	Status   *status.Mapper
	Hub      *fanout.Hub
	Emitter  fanout.Emitter
	Merge    *merge.Engine

	closers []io.Closer
}

// New opens the database (applying migrations) and builds the platform
// client, the fan-out emitters and the merge engine.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	db, err := database.NewDB(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, wrap(err, "failed to open database")
	}
	a.DB = db
	a.Store = database.NewStore(db, logger)

	a.Platform = platform.NewClient(cfg.Platform, cfg.Retry, logger)
	if a.Platform == nil {
		logger.Warn("Platform base URL not configured, identity lookups disabled")
	}
	a.Status = status.NewMapper(StatusIDs(cfg.Platform.StatusIDs, logger), logger)

	var emitters fanout.Multi
	if cfg.Broker.Enabled {
		broker, err := fanout.DialAMQP(cfg.Broker.URL, cfg.Broker.Exchange, cfg.Broker.PoolSize, logger)
		if err != nil {
			a.Close()
			return nil, wrap(err, "failed to connect to broker")
		}
		a.closers = append(a.closers, broker)
		emitters = append(emitters, broker)
	}
	if cfg.Realtime.Enabled {
		a.Hub = fanout.NewHub(cfg.Realtime.Buffer, logger)
		emitters = append(emitters, a.Hub)
	}
	switch len(emitters) {
	case 0:
		a.Emitter = fanout.Nop{}
	case 1:
		a.Emitter = emitters[0]
	default:
		a.Emitter = emitters
	}

	a.Merge = merge.NewEngine(a.Store, a.mergeLookup(), a.Emitter, logger)
	return a, nil
}

func wrap(err error, msg string) error {
	return fmt.Errorf("%s: %w", msg, err)
}

// The platform client is passed through only when configured, so the
// components see a nil interface rather than a typed nil pointer.
func (a *App) identityLookup() identity.Lookup {
	if a.Platform == nil {
		return nil
	}
	return a.Platform
}

func (a *App) mergeLookup() merge.Lookup {
	if a.Platform == nil {
		return nil
	}
	return a.Platform
}

// StatusPusher returns the platform client as a status pusher, or nil.
func (a *App) StatusPusher() webhook.StatusPusher {
	if a.Platform == nil {
		return nil
	}
	return a.Platform
}

// Realtime returns the WebSocket endpoint, or nil when realtime is disabled.
func (a *App) Realtime() http.Handler {
	if a.Hub == nil {
		return nil
	}
	return a.Hub
}

// NewRelay builds the attachment relay over the configured storage backend.
func (a *App) NewRelay(ctx context.Context, source relay.FileSource) (*relay.Relay, error) {
	provider, err := storage.New(ctx, a.Config.Storage, a.Logger)
	if err != nil {
		return nil, wrap(err, "failed to initialize storage")
	}
	return relay.New(source, provider, relay.Options{
		MaxBytes: a.Config.Relay.MaxBytes,
		Retry:    a.Config.Retry,
	}, a.Logger), nil
}

// NewPipeline wires resolver, linker and ingestor. fetcher may be nil when
// attachments cannot be relayed.
func (a *App) NewPipeline(fetcher messages.AttachmentFetcher, notifier notify.Notifier) *pipeline.Pipeline {
	return pipeline.New(a.Store,
		identity.NewResolver(a.Store, a.identityLookup(), a.Logger),
		orders.NewLinker(a.Store, a.Emitter, OrderSource, a.Logger),
		messages.NewIngestor(a.Store, fetcher, a.Emitter, a.Config.Relay.Timeout, a.Logger),
		notifier, a.Logger)
}

// Close releases the broker connection and the database.
func (a *App) Close() error {
	var errList []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	if a.DB != nil {
		database.CloseDB(a.DB)
		a.DB = nil
	}
	return errors.Join(errList...)
}

// StatusIDs overlays configured platform status ids on the defaults.
// Unknown status names are logged and ignored.
func StatusIDs(configured map[string]int64, logger *slog.Logger) map[status.Status]int64 {
	ids := maps.Clone(status.DefaultExternalIDs)
	for name, id := range configured {
		st := status.Status(name)
		if !st.Valid() {
			logger.Warn("Ignoring external id for unknown status", "status", name, "external_id", id)
			continue
		}
		ids[st] = id
	}
	return ids
}
