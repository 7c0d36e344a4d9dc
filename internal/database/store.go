package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/edgard/murailocrm/internal/status"
)

// ErrUniqueViolation is returned when a write collides with a uniqueness constraint.
var ErrUniqueViolation = errors.New("unique constraint violation")

// Store defines the interface for database operations.
// Lookup methods return nil, nil when the row does not exist.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// RunSQLMaintenance performs database maintenance (VACUUM / ANALYZE).
	RunSQLMaintenance(ctx context.Context) error

	GetContact(ctx context.Context, id int64) (*Contact, error)
	FindContactByTelegramID(ctx context.Context, telegramID string) (*Contact, error)
	FindContactByPhone(ctx context.Context, phone string) (*Contact, error)
	FindContactByEmail(ctx context.Context, email string) (*Contact, error)

	// CreateContact inserts c. When the telegram id is already taken the
	// existing row is loaded into c and created is false.
	CreateContact(ctx context.Context, c *Contact) (created bool, err error)

	// UpgradeContact fills missing identity fields on an existing contact.
	UpgradeContact(ctx context.Context, id int64, up ContactUpgrade) error

	// TouchContact records contact activity.
	TouchContact(ctx context.Context, id int64) error

	// ListMergeCandidates returns unresolved contacts matching the filter.
	ListMergeCandidates(ctx context.Context, filter CandidateFilter) ([]Contact, error)

	// CountContactOrders counts orders owned by the contact.
	CountContactOrders(ctx context.Context, contactID int64) (int, error)

	// DeleteContactIfUnreferenced deletes the contact only if no order or
	// message references it at the moment of deletion.
	DeleteContactIfUnreferenced(ctx context.Context, id int64) (bool, error)

	// MergeContacts repoints every order and message from fromID to toID and
	// deletes fromID, atomically.
	MergeContacts(ctx context.Context, fromID, toID int64) (MergeStats, error)

	FindOrderByMainID(ctx context.Context, mainID int64) (*Order, error)
	FindOpenOrderForContact(ctx context.Context, contactID int64) (*Order, error)
	ListContactOrders(ctx context.Context, contactID int64) ([]Order, error)

	// CreateOrder inserts o. When the main_id is already taken the existing
	// row is loaded into o and created is false.
	CreateOrder(ctx context.Context, o *Order) (created bool, err error)

	// AssignOrderMainID sets main_id on an order that has none.
	AssignOrderMainID(ctx context.Context, orderID, mainID int64) (bool, error)

	// UpdateOrderStatus changes the status of the order with the given main_id.
	UpdateOrderStatus(ctx context.Context, mainID int64, st status.Status) (*Order, error)

	GetMessage(ctx context.Context, id int64) (*Message, error)
	FindMessageByPlatformID(ctx context.Context, platformMessageID string) (*Message, error)
	// FindMessageByTelegramID needs both ids; either being zero finds nothing.
	FindMessageByTelegramID(ctx context.Context, chatID, messageID int64) (*Message, error)

	// InsertMessage inserts m unless a row with either external key already
	// exists, in which case inserted is false and m is left untouched.
	InsertMessage(ctx context.Context, m *Message) (inserted bool, err error)

	// UpdateMessage applies a field-scoped update and returns the fresh row.
	UpdateMessage(ctx context.Context, id int64, u MessageUpdate) (*Message, error)

	// UpdateMessageReactions rewrites only the reactions column.
	UpdateMessageReactions(ctx context.Context, id int64, mutate func(Reactions) Reactions) (*Message, error)

	// LinkOrderMessage records the explicit order/message join row.
	LinkOrderMessage(ctx context.Context, orderID, messageID int64) error

	// ListOrderMessages returns the messages joined to an order, oldest first.
	ListOrderMessages(ctx context.Context, orderID int64) ([]Message, error)
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunSQLMaintenance executes VACUUM on SQLite or ANALYZE on Postgres.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before maintenance", "error", ctx.Err())
		return ctx.Err()
	}

	stmt := "VACUUM;"
	if s.db.DriverName() == DriverPostgres {
		stmt = "ANALYZE;"
	}

	s.logger.InfoContext(ctx, "Starting database maintenance", "statement", stmt)
	_, err := s.db.ExecContext(ctx, stmt)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "Database maintenance timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance timed out: %w", err)
	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance failed", "error", err)
		return fmt.Errorf("failed to execute %s: %w", strings.TrimSuffix(stmt, ";"), err)
	}

	s.logger.InfoContext(ctx, "Database maintenance completed successfully")
	return nil
}

// withTx runs fn inside a transaction, committing on success.
func (s *sqlxStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil
	return nil
}

// getOne runs a single-row query and maps sql.ErrNoRows to (false, nil).
func getOne(ctx context.Context, q sqlx.QueryerContext, dest any, query string, args ...any) (bool, error) {
	err := sqlx.GetContext(ctx, q, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// classify wraps unique violations so callers can match ErrUniqueViolation.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %v", ErrUniqueViolation, err)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrUniqueViolation, err)
	}
	return err
}
