package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const contactColumns = `id, name, telegram_id, platform_ref, phone, email, identity_completeness,
        last_activity_at, created_at, updated_at`

func (s *sqlxStore) getContactBy(ctx context.Context, column string, value any) (*Contact, error) {
	var c Contact
	query := s.db.Rebind(`SELECT ` + contactColumns + ` FROM contacts WHERE ` + column + ` = ? ORDER BY id LIMIT 1`)
	found, err := getOne(ctx, s.db, &c, query, value)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error fetching contact", "by", column, "error", err)
		return nil, fmt.Errorf("failed to get contact by %s: %w", column, err)
	}
	if !found {
		return nil, nil
	}
	return &c, nil
}

// GetContact retrieves a contact by primary key.
func (s *sqlxStore) GetContact(ctx context.Context, id int64) (*Contact, error) {
	return s.getContactBy(ctx, "id", id)
}

// FindContactByTelegramID looks up the contact owning a normalized telegram id.
func (s *sqlxStore) FindContactByTelegramID(ctx context.Context, telegramID string) (*Contact, error) {
	if telegramID == "" {
		return nil, nil
	}
	return s.getContactBy(ctx, "telegram_id", telegramID)
}

// FindContactByPhone returns the oldest contact with the given normalized phone.
func (s *sqlxStore) FindContactByPhone(ctx context.Context, phone string) (*Contact, error) {
	if phone == "" {
		return nil, nil
	}
	return s.getContactBy(ctx, "phone", phone)
}

// FindContactByEmail returns the oldest contact with the given lower-cased email.
func (s *sqlxStore) FindContactByEmail(ctx context.Context, email string) (*Contact, error) {
	if email == "" {
		return nil, nil
	}
	return s.getContactBy(ctx, "email", email)
}

// CreateContact inserts a contact. A concurrent insert of the same telegram id
// is absorbed by ON CONFLICT and the winner's row is returned instead.
func (s *sqlxStore) CreateContact(ctx context.Context, c *Contact) (bool, error) {
	if c == nil {
		return false, errors.New("cannot create nil contact")
	}
	if c.Name == "" {
		return false, errors.New("contact must have a name")
	}
	if c.Completeness == "" {
		c.Completeness = Unresolved
	}

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	query := s.db.Rebind(`
        INSERT INTO contacts (name, telegram_id, platform_ref, phone, email, identity_completeness,
                              last_activity_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (telegram_id) DO NOTHING
        RETURNING id`)

	var id int64
	found, err := getOne(ctx, s.db, &id, query,
		c.Name, c.TelegramID, c.PlatformRef, c.Phone, c.Email, c.Completeness,
		c.LastActivityAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error creating contact", "telegram_id", c.TelegramID.String, "error", err)
		return false, fmt.Errorf("failed to create contact: %w", classify(err))
	}

	if !found {
		existing, err := s.FindContactByTelegramID(ctx, c.TelegramID.String)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, fmt.Errorf("contact insert conflicted but telegram id %s was not found: %w",
				c.TelegramID.String, ErrUniqueViolation)
		}
		s.logger.DebugContext(ctx, "Contact insert lost race, using existing row",
			"telegram_id", c.TelegramID.String, "contact_id", existing.ID)
		*c = *existing
		return false, nil
	}

	c.ID = id
	s.logger.DebugContext(ctx, "Contact created", "contact_id", id, "completeness", c.Completeness)
	return true, nil
}

// UpgradeContact fills NULL identity columns and, while the contact is still
// unresolved, replaces its placeholder name.
func (s *sqlxStore) UpgradeContact(ctx context.Context, id int64, up ContactUpgrade) error {
	completeness := NullString("")
	if up.MarkResolved {
		completeness = NullString(string(Resolved))
	}

	query := s.db.Rebind(`
        UPDATE contacts SET
            name = CASE WHEN identity_completeness = 'unresolved' THEN COALESCE(?, name) ELSE name END,
            telegram_id = COALESCE(telegram_id, ?),
            platform_ref = COALESCE(platform_ref, ?),
            phone = COALESCE(phone, ?),
            email = COALESCE(email, ?),
            identity_completeness = COALESCE(?, identity_completeness),
            updated_at = ?
        WHERE id = ?`)

	_, err := s.db.ExecContext(ctx, query,
		NullString(up.Name), NullString(up.TelegramID), NullString(up.PlatformRef),
		NullString(up.Phone), NullString(up.Email), completeness, time.Now().UTC(), id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error upgrading contact", "contact_id", id, "error", err)
		return fmt.Errorf("failed to upgrade contact %d: %w", id, classify(err))
	}

	s.logger.DebugContext(ctx, "Contact upgraded", "contact_id", id, "resolved", up.MarkResolved)
	return nil
}

// TouchContact sets last_activity_at to now.
func (s *sqlxStore) TouchContact(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	query := s.db.Rebind(`UPDATE contacts SET last_activity_at = ?, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, now, now, id); err != nil {
		return fmt.Errorf("failed to touch contact %d: %w", id, err)
	}
	return nil
}

// ListMergeCandidates returns unresolved contacts, oldest first.
func (s *sqlxStore) ListMergeCandidates(ctx context.Context, filter CandidateFilter) ([]Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE identity_completeness = ?`
	args := []any{string(Unresolved)}

	if len(filter.ContactIDs) > 0 {
		query += ` AND id IN (?)`
		args = append(args, filter.ContactIDs)
	}
	if !filter.CreatedBefore.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, filter.CreatedBefore.UTC())
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to expand candidate query: %w", err)
	}

	var contacts []Contact
	if err := s.db.SelectContext(ctx, &contacts, s.db.Rebind(query), args...); err != nil {
		s.logger.ErrorContext(ctx, "Error listing merge candidates", "error", err)
		return nil, fmt.Errorf("failed to list merge candidates: %w", err)
	}

	s.logger.DebugContext(ctx, "Fetched merge candidates", "count", len(contacts))
	return contacts, nil
}

// CountContactOrders counts orders owned by the contact.
func (s *sqlxStore) CountContactOrders(ctx context.Context, contactID int64) (int, error) {
	var n int
	query := s.db.Rebind(`SELECT COUNT(*) FROM orders WHERE contact_id = ?`)
	if err := s.db.GetContext(ctx, &n, query, contactID); err != nil {
		return 0, fmt.Errorf("failed to count orders for contact %d: %w", contactID, err)
	}
	return n, nil
}

// DeleteContactIfUnreferenced deletes a contact in a single statement that
// re-checks for referencing orders and messages.
func (s *sqlxStore) DeleteContactIfUnreferenced(ctx context.Context, id int64) (bool, error) {
	query := s.db.Rebind(`
        DELETE FROM contacts
        WHERE id = ?
          AND NOT EXISTS (SELECT 1 FROM orders WHERE contact_id = ?)
          AND NOT EXISTS (SELECT 1 FROM messages WHERE contact_id = ?)`)

	result, err := s.db.ExecContext(ctx, query, id, id, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting contact", "contact_id", id, "error", err)
		return false, fmt.Errorf("failed to delete contact %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delete result for contact %d: %w", id, err)
	}
	return affected == 1, nil
}

// MergeContacts repoints all orders and messages of fromID onto toID, carries
// over identity fields the target lacks and deletes fromID.
func (s *sqlxStore) MergeContacts(ctx context.Context, fromID, toID int64) (MergeStats, error) {
	var stats MergeStats
	if fromID == toID {
		return stats, fmt.Errorf("cannot merge contact %d into itself", fromID)
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var from Contact
		found, err := getOne(ctx, tx, &from, tx.Rebind(`SELECT `+contactColumns+` FROM contacts WHERE id = ?`), fromID)
		if err != nil {
			return fmt.Errorf("failed to load source contact %d: %w", fromID, err)
		}
		if !found {
			return fmt.Errorf("source contact %d not found", fromID)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE orders SET contact_id = ?, updated_at = ? WHERE contact_id = ?`), toID, now, fromID)
		if err != nil {
			return fmt.Errorf("failed to repoint orders: %w", err)
		}
		stats.Orders, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE messages SET contact_id = ?, updated_at = ? WHERE contact_id = ?`), toID, now, fromID)
		if err != nil {
			return fmt.Errorf("failed to repoint messages: %w", err)
		}
		stats.Messages, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM contacts WHERE id = ?`), fromID); err != nil {
			return fmt.Errorf("failed to delete merged contact: %w", err)
		}

		// The source row is gone, so its telegram id no longer collides.
		_, err = tx.ExecContext(ctx, tx.Rebind(`
            UPDATE contacts SET
                telegram_id = COALESCE(telegram_id, ?),
                platform_ref = COALESCE(platform_ref, ?),
                phone = COALESCE(phone, ?),
                email = COALESCE(email, ?),
                updated_at = ?
            WHERE id = ?`),
			from.TelegramID, from.PlatformRef, from.Phone, from.Email, now, toID)
		if err != nil {
			return fmt.Errorf("failed to carry identity to target contact: %w", classify(err))
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Contact merge failed", "from", fromID, "to", toID, "error", err)
		return MergeStats{}, err
	}

	s.logger.InfoContext(ctx, "Contacts merged", "from", fromID, "to", toID,
		"orders", stats.Orders, "messages", stats.Messages)
	return stats, nil
}
