package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const messageColumns = `id, main_id, contact_id, platform_message_id, telegram_chat_id, telegram_message_id, role, kind,
        content, attachment_url, attachment_mime, reactions, source, sent_at, created_at, updated_at`

func (s *sqlxStore) getMessageBy(ctx context.Context, column string, value any) (*Message, error) {
	var m Message
	query := s.db.Rebind(`SELECT ` + messageColumns + ` FROM messages WHERE ` + column + ` = ?`)
	found, err := getOne(ctx, s.db, &m, query, value)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error fetching message", "by", column, "error", err)
		return nil, fmt.Errorf("failed to get message by %s: %w", column, err)
	}
	if !found {
		return nil, nil
	}
	return &m, nil
}

// GetMessage retrieves a message by primary key.
func (s *sqlxStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	return s.getMessageBy(ctx, "id", id)
}

// FindMessageByPlatformID looks up a message by the automation platform's id.
func (s *sqlxStore) FindMessageByPlatformID(ctx context.Context, platformMessageID string) (*Message, error) {
	if platformMessageID == "" {
		return nil, nil
	}
	return s.getMessageBy(ctx, "platform_message_id", platformMessageID)
}

// FindMessageByTelegramID looks up a message by its telegram chat and
// message id. Telegram message ids repeat across chats.
func (s *sqlxStore) FindMessageByTelegramID(ctx context.Context, chatID, messageID int64) (*Message, error) {
	if chatID == 0 || messageID == 0 {
		return nil, nil
	}
	var m Message
	query := s.db.Rebind(`SELECT ` + messageColumns + ` FROM messages WHERE telegram_chat_id = ? AND telegram_message_id = ?`)
	found, err := getOne(ctx, s.db, &m, query, chatID, messageID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error fetching message", "by", "telegram_id", "chat_id", chatID, "error", err)
		return nil, fmt.Errorf("failed to get message by telegram id: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &m, nil
}

// InsertMessage inserts a message. Any uniqueness conflict on an external id
// leaves the table untouched and reports inserted=false.
func (s *sqlxStore) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	if m == nil {
		return false, errors.New("cannot insert nil message")
	}
	if m.Role == "" || m.Kind == "" {
		return false, errors.New("message must have a role and kind")
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now().UTC()
	}
	if m.Reactions == nil {
		m.Reactions = Reactions{}
	}

	now := time.Now().UTC()
	query := s.db.Rebind(`
        INSERT INTO messages (main_id, contact_id, platform_message_id, telegram_chat_id, telegram_message_id,
                              role, kind, content, attachment_url, attachment_mime, reactions, source,
                              sent_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT DO NOTHING
        RETURNING id`)

	var id int64
	found, err := getOne(ctx, s.db, &id, query,
		m.MainID, m.ContactID, m.PlatformMessageID, m.TelegramChatID, m.TelegramMessageID, string(m.Role), string(m.Kind),
		m.Content, m.AttachmentURL, m.AttachmentMIME, m.Reactions, m.Source,
		m.SentAt.UTC(), now, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error inserting message",
			"platform_message_id", m.PlatformMessageID.String, "telegram_message_id", m.TelegramMessageID.Int64, "error", err)
		return false, fmt.Errorf("failed to insert message: %w", classify(err))
	}
	if !found {
		s.logger.DebugContext(ctx, "Message insert conflicted with an existing row",
			"platform_message_id", m.PlatformMessageID.String, "telegram_message_id", m.TelegramMessageID.Int64)
		return false, nil
	}

	m.ID = id
	m.CreatedAt = now
	m.UpdatedAt = now
	s.logger.DebugContext(ctx, "Message inserted", "message_id", id, "main_id", m.MainID.Int64)
	return true, nil
}

// UpdateMessage writes only the non-nil fields of u and returns the fresh row.
func (s *sqlxStore) UpdateMessage(ctx context.Context, id int64, u MessageUpdate) (*Message, error) {
	if u.Empty() {
		return s.GetMessage(ctx, id)
	}

	var sets []string
	var args []any
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if u.Content != nil {
		add("content", *u.Content)
	}
	if u.Kind != nil {
		add("kind", string(*u.Kind))
	}
	if u.Role != nil {
		add("role", string(*u.Role))
	}
	if u.AttachmentURL != nil {
		add("attachment_url", NullString(*u.AttachmentURL))
	}
	if u.AttachmentMIME != nil {
		add("attachment_mime", NullString(*u.AttachmentMIME))
	}
	if u.PlatformMessageID != nil {
		add("platform_message_id", NullString(*u.PlatformMessageID))
	}
	if u.TelegramChatID != nil {
		add("telegram_chat_id", NullInt64(*u.TelegramChatID))
	}
	if u.TelegramMessageID != nil {
		add("telegram_message_id", NullInt64(*u.TelegramMessageID))
	}
	if u.ContactID != nil {
		add("contact_id", NullInt64(*u.ContactID))
	}
	if u.MainID != nil {
		add("main_id", NullInt64(*u.MainID))
	}
	add("updated_at", time.Now().UTC())
	args = append(args, id)

	query := s.db.Rebind(`UPDATE messages SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.logger.ErrorContext(ctx, "Error updating message", "message_id", id, "error", err)
		return nil, fmt.Errorf("failed to update message %d: %w", id, classify(err))
	}

	s.logger.DebugContext(ctx, "Message updated", "message_id", id, "fields", len(sets)-1)
	return s.GetMessage(ctx, id)
}

// UpdateMessageReactions reads, mutates and rewrites the reactions column in
// one transaction. No other column is touched besides updated_at.
func (s *sqlxStore) UpdateMessageReactions(ctx context.Context, id int64, mutate func(Reactions) Reactions) (*Message, error) {
	if mutate == nil {
		return nil, errors.New("reaction mutator is nil")
	}

	lock := ""
	if s.db.DriverName() == DriverPostgres {
		lock = " FOR UPDATE"
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current Reactions
		found, err := getOne(ctx, tx, &current, tx.Rebind(`SELECT reactions FROM messages WHERE id = ?`+lock), id)
		if err != nil {
			return fmt.Errorf("failed to load reactions: %w", err)
		}
		if !found {
			return fmt.Errorf("message %d not found", id)
		}

		next := mutate(current)
		if next == nil {
			next = Reactions{}
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE messages SET reactions = ?, updated_at = ? WHERE id = ?`),
			next, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to write reactions: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating reactions", "message_id", id, "error", err)
		return nil, err
	}

	return s.GetMessage(ctx, id)
}

// LinkOrderMessage inserts the order/message join row if it is missing.
func (s *sqlxStore) LinkOrderMessage(ctx context.Context, orderID, messageID int64) error {
	query := s.db.Rebind(`
        INSERT INTO order_messages (order_id, message_id, created_at)
        VALUES (?, ?, ?)
        ON CONFLICT DO NOTHING`)
	if _, err := s.db.ExecContext(ctx, query, orderID, messageID, time.Now().UTC()); err != nil {
		s.logger.ErrorContext(ctx, "Error linking message to order", "order_id", orderID, "message_id", messageID, "error", err)
		return fmt.Errorf("failed to link message %d to order %d: %w", messageID, orderID, err)
	}
	return nil
}

// ListOrderMessages returns messages joined to the order, oldest first.
func (s *sqlxStore) ListOrderMessages(ctx context.Context, orderID int64) ([]Message, error) {
	cols := strings.Split(messageColumns, ",")
	for i, c := range cols {
		cols[i] = "m." + strings.TrimSpace(c)
	}

	var messages []Message
	query := s.db.Rebind(`
        SELECT ` + strings.Join(cols, ", ") + `
        FROM messages m
        JOIN order_messages om ON om.message_id = m.id
        WHERE om.order_id = ?
        ORDER BY m.sent_at, m.id`)
	if err := s.db.SelectContext(ctx, &messages, query, orderID); err != nil {
		return nil, fmt.Errorf("failed to list messages for order %d: %w", orderID, err)
	}
	return messages, nil
}
