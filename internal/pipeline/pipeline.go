// Package pipeline chains identity resolution, order linking and message
// ingestion for every inbound event, whatever its source.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgard/murailocrm/internal/database"
	"github.com/edgard/murailocrm/internal/errs"
	"github.com/edgard/murailocrm/internal/identity"
	"github.com/edgard/murailocrm/internal/messages"
	"github.com/edgard/murailocrm/internal/notify"
	"github.com/edgard/murailocrm/internal/orders"
)

// Sources of inbound events.
const (
	SourceTelegram = "telegram"
	SourcePlatform = "platform"
	SourceOperator = "operator"
)

// Inbound is one event to reconcile.
type Inbound struct {
	Source string
	Hints  identity.Hints
	// ContactID skips resolution when the caller already knows the contact.
	ContactID     int64
	CorrelationID int64
	// SkipOrder stops after identity resolution.
	SkipOrder bool
	Message   *messages.Payload
}

// Result collects what the event touched.
type Result struct {
	Contact      *database.Contact
	Order        *database.Order
	OrderCreated bool
	Message      *database.Message
	Warnings     []error
}

// Pipeline wires the reconciliation components together.
type Pipeline struct {
	store    database.Store
	resolver *identity.Resolver
	linker   *orders.Linker
	ingestor *messages.Ingestor
	notifier notify.Notifier
	logger   *slog.Logger
}

// New creates a pipeline.
func New(store database.Store, resolver *identity.Resolver, linker *orders.Linker, ingestor *messages.Ingestor, notifier notify.Notifier, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Log{Logger: logger}
	}
	return &Pipeline{
		store:    store,
		resolver: resolver,
		linker:   linker,
		ingestor: ingestor,
		notifier: notifier,
		logger:   logger.With("component", "pipeline"),
	}
}

// Process runs resolve, link and ingest. Warnings are reported to the
// operator and returned in the result; a failure is reported and returned.
func (p *Pipeline) Process(ctx context.Context, in Inbound) (Result, error) {
	start := time.Now()
	log := p.logger.With("source", in.Source, "main_id", in.CorrelationID)

	res, err := p.process(ctx, in)
	for _, w := range res.Warnings {
		p.notifier.Notify(ctx, fmt.Sprintf("%s event reconciled with warnings", in.Source), w)
	}
	if err != nil {
		log.ErrorContext(ctx, "Inbound event failed", "error", err, "duration", time.Since(start))
		p.notifier.Notify(ctx, fmt.Sprintf("%s event failed", in.Source), err)
		return res, err
	}

	attrs := []any{"duration", time.Since(start), "warnings", len(res.Warnings)}
	if res.Contact != nil {
		attrs = append(attrs, "contact_id", res.Contact.ID)
	}
	if res.Order != nil {
		attrs = append(attrs, "order_id", res.Order.ID, "order_created", res.OrderCreated)
	}
	if res.Message != nil {
		attrs = append(attrs, "message_id", res.Message.ID)
	}
	log.DebugContext(ctx, "Inbound event reconciled", attrs...)
	return res, nil
}

func (p *Pipeline) process(ctx context.Context, in Inbound) (Result, error) {
	var res Result

	contact, err := p.contact(ctx, in, &res)
	if err != nil {
		return res, err
	}
	res.Contact = contact

	if in.SkipOrder {
		return res, nil
	}

	correlationID := in.CorrelationID
	reaction := in.Message != nil && in.Message.IsReaction
	if !reaction {
		order, created, err := p.linker.LinkOrder(ctx, contact.ID, in.CorrelationID)
		if err != nil {
			return res, err
		}
		res.Order = &order
		res.OrderCreated = created
		correlationID = order.MainID.Int64
		if order.ContactID != contact.ID {
			res.Warnings = append(res.Warnings, errs.NewDataIntegrity(fmt.Sprintf(
				"main_id %d belongs to contact %d but the event came from contact %d",
				correlationID, order.ContactID, contact.ID), nil))
		}
	}

	if in.Message == nil {
		return res, nil
	}

	payload := *in.Message
	payload.ContactID = contact.ID
	if payload.Source == "" {
		payload.Source = in.Source
	}
	msg, err := p.ingestor.Ingest(ctx, correlationID, payload)
	if msg == nil {
		return res, err
	}
	if err != nil {
		res.Warnings = append(res.Warnings, err)
	}
	res.Message = msg
	return res, nil
}

func (p *Pipeline) contact(ctx context.Context, in Inbound, res *Result) (*database.Contact, error) {
	if in.ContactID != 0 {
		c, err := p.store.GetContact(ctx, in.ContactID)
		if err != nil {
			return nil, errs.NewDatabase("contact lookup failed", err)
		}
		if c == nil {
			return nil, errs.NewValidation(fmt.Sprintf("contact %d not found", in.ContactID), nil)
		}
		return c, nil
	}

	resolution, err := p.resolver.Resolve(ctx, in.Hints)
	res.Warnings = append(res.Warnings, resolution.Warnings...)
	if err != nil {
		return nil, err
	}
	return resolution.Contact, nil
}
