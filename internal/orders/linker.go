// Package orders binds inbound business records to contacts through the
// shared main_id correlation key.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/edgard/murailocrm/internal/database"
	"github.com/edgard/murailocrm/internal/errs"
	"github.com/edgard/murailocrm/internal/fanout"
)

// NewCorrelationID generates a main_id in the platform's format:
// unix milliseconds times 1000 plus a random suffix below 1000.
func NewCorrelationID() int64 {
	return time.Now().UnixMilli()*1000 + rand.Int64N(1000)
}

// Linker finds, reuses or opens the order an inbound record belongs to.
type Linker struct {
	store   database.Store
	emitter fanout.Emitter
	source  string
	logger  *slog.Logger
	newID   func() int64
}

// NewLinker creates a linker. source labels orders it opens.
func NewLinker(store database.Store, emitter fanout.Emitter, source string, logger *slog.Logger) *Linker {
	if emitter == nil {
		emitter = fanout.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{
		store:   store,
		emitter: emitter,
		source:  source,
		logger:  logger.With("component", "order_linker"),
		newID:   NewCorrelationID,
	}
}

// LinkOrder returns the order for contactID, creating one when needed.
// correlationID 0 means "none supplied". isNew reports whether a row was
// inserted by this call.
func (l *Linker) LinkOrder(ctx context.Context, contactID, correlationID int64) (database.Order, bool, error) {
	if contactID == 0 {
		return database.Order{}, false, errs.NewValidation("cannot link order without a contact", nil)
	}
	log := l.logger.With("contact_id", contactID, "main_id", correlationID)

	if correlationID != 0 {
		o, err := l.store.FindOrderByMainID(ctx, correlationID)
		if err != nil {
			return database.Order{}, false, errs.NewDatabase("order lookup failed", err)
		}
		if o != nil {
			if o.ContactID != contactID {
				log.WarnContext(ctx, "Order correlation id belongs to another contact",
					"order_id", o.ID, "owner_contact_id", o.ContactID)
			}
			return *o, false, nil
		}
	}

	open, err := l.store.FindOpenOrderForContact(ctx, contactID)
	if err != nil {
		return database.Order{}, false, errs.NewDatabase("open order lookup failed", err)
	}
	if open != nil {
		if !open.MainID.Valid {
			if err := l.assign(ctx, open, correlationID); err != nil {
				return database.Order{}, false, err
			}
		}
		log.DebugContext(ctx, "Reusing open order", "order_id", open.ID, "status", open.Status)
		return *open, false, nil
	}

	mainID := correlationID
	if mainID == 0 {
		mainID = l.newID()
	}
	o := &database.Order{
		ContactID: contactID,
		MainID:    database.NullInt64(mainID),
		Source:    l.source,
	}
	created, err := l.store.CreateOrder(ctx, o)
	if err != nil {
		return database.Order{}, false, errs.NewDatabase("order creation failed", err)
	}
	if !created {
		log.DebugContext(ctx, "Order creation lost race", "order_id", o.ID)
		return *o, false, nil
	}

	log.InfoContext(ctx, "Order created", "order_id", o.ID, "main_id", mainID)
	fanout.Broadcast(ctx, l.emitter, l.logger, fanout.EventOrderCreated, EventPayload(o),
		fanout.ContactChannel(contactID), fanout.GlobalChannel)
	return *o, true, nil
}

// assign gives an open order without a correlation id the supplied or a
// generated one. A lost race leaves the winner's value in place.
func (l *Linker) assign(ctx context.Context, o *database.Order, correlationID int64) error {
	mainID := correlationID
	if mainID == 0 {
		mainID = l.newID()
	}
	ok, err := l.store.AssignOrderMainID(ctx, o.ID, mainID)
	if err != nil {
		return errs.NewDatabase(fmt.Sprintf("assigning main_id to order %d failed", o.ID), err)
	}
	if ok {
		o.MainID = database.NullInt64(mainID)
		return nil
	}

	orders, err := l.store.ListContactOrders(ctx, o.ContactID)
	if err != nil {
		return errs.NewDatabase("order reload failed", err)
	}
	for _, fresh := range orders {
		if fresh.ID == o.ID {
			*o = fresh
			break
		}
	}
	return nil
}

// EventPayload is the fan-out body describing an order.
func EventPayload(o *database.Order) map[string]any {
	return map[string]any{
		"order_id":   o.ID,
		"main_id":    o.MainID.Int64,
		"contact_id": o.ContactID,
		"status":     o.Status,
		"source":     o.Source,
	}
}
