package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/edgard/murailocrm/internal/status"
)

const orderColumns = `id, contact_id, main_id, status, source, created_at, updated_at`

// FindOrderByMainID returns the order carrying the correlation id.
func (s *sqlxStore) FindOrderByMainID(ctx context.Context, mainID int64) (*Order, error) {
	var o Order
	query := s.db.Rebind(`SELECT ` + orderColumns + ` FROM orders WHERE main_id = ?`)
	found, err := getOne(ctx, s.db, &o, query, mainID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error fetching order", "main_id", mainID, "error", err)
		return nil, fmt.Errorf("failed to get order by main_id %d: %w", mainID, err)
	}
	if !found {
		return nil, nil
	}
	return &o, nil
}

// FindOpenOrderForContact returns the contact's most recent non-terminal order.
func (s *sqlxStore) FindOpenOrderForContact(ctx context.Context, contactID int64) (*Order, error) {
	terminal := status.Terminal()
	args := make([]any, 0, len(terminal))
	for _, st := range terminal {
		args = append(args, string(st))
	}

	query, inArgs, err := sqlx.In(`
        SELECT `+orderColumns+`
        FROM orders
        WHERE contact_id = ? AND status NOT IN (?)
        ORDER BY created_at DESC, id DESC
        LIMIT 1`, contactID, args)
	if err != nil {
		return nil, fmt.Errorf("failed to expand open order query: %w", err)
	}

	var o Order
	found, err := getOne(ctx, s.db, &o, s.db.Rebind(query), inArgs...)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error fetching open order", "contact_id", contactID, "error", err)
		return nil, fmt.Errorf("failed to get open order for contact %d: %w", contactID, err)
	}
	if !found {
		return nil, nil
	}
	return &o, nil
}

// ListContactOrders returns all orders of a contact, newest first.
func (s *sqlxStore) ListContactOrders(ctx context.Context, contactID int64) ([]Order, error) {
	var orders []Order
	query := s.db.Rebind(`SELECT ` + orderColumns + ` FROM orders WHERE contact_id = ? ORDER BY created_at DESC, id DESC`)
	if err := s.db.SelectContext(ctx, &orders, query, contactID); err != nil {
		return nil, fmt.Errorf("failed to list orders for contact %d: %w", contactID, err)
	}
	return orders, nil
}

// CreateOrder inserts an order. A concurrent insert with the same main_id is
// absorbed by ON CONFLICT and the existing row is returned.
func (s *sqlxStore) CreateOrder(ctx context.Context, o *Order) (bool, error) {
	if o == nil {
		return false, errors.New("cannot create nil order")
	}
	if o.ContactID == 0 {
		return false, errors.New("order must have a contact_id")
	}
	if o.Status == "" {
		o.Status = status.Initial
	}

	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	query := s.db.Rebind(`
        INSERT INTO orders (contact_id, main_id, status, source, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (main_id) DO NOTHING
        RETURNING id`)

	var id int64
	found, err := getOne(ctx, s.db, &id, query,
		o.ContactID, o.MainID, string(o.Status), o.Source, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating order", "contact_id", o.ContactID, "error", err)
		return false, fmt.Errorf("failed to create order: %w", classify(err))
	}

	if !found {
		existing, err := s.FindOrderByMainID(ctx, o.MainID.Int64)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, fmt.Errorf("order insert conflicted but main_id %d was not found: %w",
				o.MainID.Int64, ErrUniqueViolation)
		}
		s.logger.DebugContext(ctx, "Order insert lost race, using existing row", "main_id", o.MainID.Int64)
		*o = *existing
		return false, nil
	}

	o.ID = id
	s.logger.DebugContext(ctx, "Order created", "order_id", id, "main_id", o.MainID.Int64, "contact_id", o.ContactID)
	return true, nil
}

// AssignOrderMainID sets main_id on an order that does not have one yet.
// It returns false when the order already carried a correlation id.
func (s *sqlxStore) AssignOrderMainID(ctx context.Context, orderID, mainID int64) (bool, error) {
	query := s.db.Rebind(`UPDATE orders SET main_id = ?, updated_at = ? WHERE id = ? AND main_id IS NULL`)
	result, err := s.db.ExecContext(ctx, query, mainID, time.Now().UTC(), orderID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error assigning main_id", "order_id", orderID, "main_id", mainID, "error", err)
		return false, fmt.Errorf("failed to assign main_id %d to order %d: %w", mainID, orderID, classify(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read assign result: %w", err)
	}
	return affected == 1, nil
}

// UpdateOrderStatus sets the status of the order identified by main_id.
// Returns nil, nil when no such order exists.
func (s *sqlxStore) UpdateOrderStatus(ctx context.Context, mainID int64, st status.Status) (*Order, error) {
	if !st.Valid() {
		return nil, fmt.Errorf("invalid order status %q", st)
	}

	query := s.db.Rebind(`UPDATE orders SET status = ?, updated_at = ? WHERE main_id = ?`)
	result, err := s.db.ExecContext(ctx, query, string(st), time.Now().UTC(), mainID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating order status", "main_id", mainID, "status", st, "error", err)
		return nil, fmt.Errorf("failed to update status of order %d: %w", mainID, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil, nil
	}

	s.logger.DebugContext(ctx, "Order status updated", "main_id", mainID, "status", st)
	return s.FindOrderByMainID(ctx, mainID)
}
