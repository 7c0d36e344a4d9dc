package database

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgard/murailocrm/internal/status"
)

// IdentityCompleteness tags whether a contact's identity has been confirmed
// or still carries a synthesized placeholder name.
type IdentityCompleteness string

const (
	Unresolved IdentityCompleteness = "unresolved"
	Resolved   IdentityCompleteness = "resolved"
)

// Contact is the canonical person record.
type Contact struct {
	ID             int64                `db:"id"`
	Name           string               `db:"name"`
	TelegramID     sql.NullString       `db:"telegram_id"`
	PlatformRef    sql.NullString       `db:"platform_ref"`
	Phone          sql.NullString       `db:"phone"`
	Email          sql.NullString       `db:"email"`
	Completeness   IdentityCompleteness `db:"identity_completeness"`
	LastActivityAt sql.NullTime         `db:"last_activity_at"`
	CreatedAt      time.Time            `db:"created_at"`
	UpdatedAt      time.Time            `db:"updated_at"`
}

// ContactUpgrade carries candidate identity values. Empty strings are ignored;
// identity columns are only filled when currently NULL, and Name only replaces
// the stored name while the contact is unresolved.
type ContactUpgrade struct {
	Name        string
	TelegramID  string
	PlatformRef string
	Phone       string
	Email       string
	// MarkResolved flips identity_completeness to resolved.
	MarkResolved bool
}

// Order is a business transaction scoped to one contact.
type Order struct {
	ID        int64         `db:"id"`
	ContactID int64         `db:"contact_id"`
	MainID    sql.NullInt64 `db:"main_id"`
	Status    status.Status `db:"status"`
	Source    string        `db:"source"`
	CreatedAt time.Time     `db:"created_at"`
	UpdatedAt time.Time     `db:"updated_at"`
}

// Role identifies the author of a message.
type Role string

const (
	RoleClient  Role = "client"
	RoleManager Role = "manager"
	RoleBot     Role = "bot"
	RoleSystem  Role = "system"
)

// Kind is the message content type.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVoice    Kind = "voice"
	KindFile     Kind = "file"
	KindVideo    Kind = "video"
	KindReaction Kind = "reaction"
)

// Message is one inbound or outbound chat entry.
type Message struct {
	ID                int64          `db:"id"`
	MainID            sql.NullInt64  `db:"main_id"`
	ContactID         sql.NullInt64  `db:"contact_id"`
	PlatformMessageID sql.NullString `db:"platform_message_id"`
	// TelegramChatID scopes TelegramMessageID, which Telegram numbers per chat.
	TelegramChatID    sql.NullInt64  `db:"telegram_chat_id"`
	TelegramMessageID sql.NullInt64  `db:"telegram_message_id"`
	Role              Role           `db:"role"`
	Kind              Kind           `db:"kind"`
	Content           string         `db:"content"`
	AttachmentURL     sql.NullString `db:"attachment_url"`
	AttachmentMIME    sql.NullString `db:"attachment_mime"`
	Reactions         Reactions      `db:"reactions"`
	Source            string         `db:"source"`
	SentAt            time.Time      `db:"sent_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

// MessageUpdate is a field-scoped update. Nil fields are left untouched.
type MessageUpdate struct {
	Content           *string
	Kind              *Kind
	Role              *Role
	AttachmentURL     *string
	AttachmentMIME    *string
	PlatformMessageID *string
	// TelegramChatID and TelegramMessageID are written together.
	TelegramChatID    *int64
	TelegramMessageID *int64
	ContactID         *int64
	MainID            *int64
}

// Empty reports whether the update would change nothing.
func (u MessageUpdate) Empty() bool {
	return u.Content == nil && u.Kind == nil && u.Role == nil &&
		u.AttachmentURL == nil && u.AttachmentMIME == nil &&
		u.PlatformMessageID == nil && u.TelegramChatID == nil && u.TelegramMessageID == nil &&
		u.ContactID == nil && u.MainID == nil
}

// Reaction is one emoji reaction on a message.
type Reaction struct {
	Emoji string    `json:"emoji"`
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
}

// Reactions is stored as a JSON array column.
type Reactions []Reaction

// Value implements driver.Valuer.
func (r Reactions) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reactions: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (r *Reactions) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*r = Reactions{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported reactions column type %T", src)
	}
	if len(raw) == 0 {
		*r = Reactions{}
		return nil
	}
	var out Reactions
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to decode reactions: %w", err)
	}
	*r = out
	return nil
}

// MergeStats counts the rows repointed by a contact merge.
type MergeStats struct {
	Orders   int64
	Messages int64
}

// CandidateFilter selects unresolved contacts for the merge sweep.
type CandidateFilter struct {
	ContactIDs    []int64
	CreatedBefore time.Time
	Limit         int
}

// NullString converts an empty string to a NULL value.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NullInt64 converts zero to a NULL value.
func NullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
