// Package messages stores chat messages idempotently under at-least-once
// delivery from several sources.
package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/edgard/murailocrm/internal/database"
	"github.com/edgard/murailocrm/internal/errs"
	"github.com/edgard/murailocrm/internal/fanout"
	"github.com/edgard/murailocrm/internal/relay"
)

// DefaultRelayTimeout bounds the inline attachment relay.
const DefaultRelayTimeout = 30 * time.Second

// AttachmentFetcher republishes a transport file. *relay.Relay satisfies it.
type AttachmentFetcher interface {
	Fetch(ctx context.Context, ref relay.Ref) (relay.Attachment, error)
}

// Payload is one inbound message or message update, normalized by the
// transport adapter that received it.
type Payload struct {
	PlatformMessageID string
	// TelegramChatID scopes TelegramMessageID. When zero, the contact's
	// private chat is assumed.
	TelegramChatID    int64
	TelegramMessageID int64
	ContactID         int64
	Role              database.Role
	// Kind may be left empty; it is then inferred from the attachment.
	Kind           database.Kind
	Content        string
	AttachmentURL  string
	AttachmentMIME string
	// FileID is a transport file reference to relay when no URL is known.
	FileID string

	IsReaction bool
	// Emojis is the actor's complete current reaction set. When empty on a
	// reaction payload, Content is used as the single emoji.
	Emojis []string
	Actor  string

	Source string
	SentAt time.Time
}

// Ingestor implements the message ingestion rules.
type Ingestor struct {
	store        database.Store
	relay        AttachmentFetcher
	emitter      fanout.Emitter
	relayTimeout time.Duration
	logger       *slog.Logger
}

// NewIngestor creates an ingestor. fetcher may be nil to disable relaying.
func NewIngestor(store database.Store, fetcher AttachmentFetcher, emitter fanout.Emitter, relayTimeout time.Duration, logger *slog.Logger) *Ingestor {
	if emitter == nil {
		emitter = fanout.Nop{}
	}
	if relayTimeout <= 0 {
		relayTimeout = DefaultRelayTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:        store,
		relay:        fetcher,
		emitter:      emitter,
		relayTimeout: relayTimeout,
		logger:       logger.With("component", "message_ingestor"),
	}
}

// IsSentinelID reports whether an external id is one of the placeholder
// values upstream systems send instead of leaving the field out.
func IsSentinelID(id string) bool {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "", "0", "null", "undefined", "nil", "none":
		return true
	}
	return false
}

// Ingest creates or updates the message described by p under the order
// carrying correlationID (0 when unknown). When the correlation id matches
// no order the message is still stored and returned together with a
// data-integrity error. A reaction removal for an unknown message is
// dropped and yields nil, nil.
func (in *Ingestor) Ingest(ctx context.Context, correlationID int64, p Payload) (*database.Message, error) {
	p.PlatformMessageID = strings.TrimSpace(p.PlatformMessageID)
	if IsSentinelID(p.PlatformMessageID) {
		p.PlatformMessageID = ""
	}
	if p.TelegramMessageID < 0 {
		p.TelegramMessageID = 0
	}
	if p.Role == "" {
		p.Role = database.RoleClient
	}

	log := in.logger.With("main_id", correlationID,
		"platform_message_id", p.PlatformMessageID, "telegram_message_id", p.TelegramMessageID)

	var warning error
	var order *database.Order
	if correlationID != 0 {
		o, err := in.store.FindOrderByMainID(ctx, correlationID)
		if err != nil {
			return nil, errs.NewDatabase("order lookup failed", err)
		}
		if o == nil {
			log.WarnContext(ctx, "Message references unknown correlation id")
			warning = errs.NewDataIntegrity(fmt.Sprintf("message references unknown main_id %d", correlationID), nil)
		}
		order = o
	}
	if order != nil && p.ContactID == 0 {
		p.ContactID = order.ContactID
	}
	if err := in.scopeTelegramID(ctx, &p); err != nil {
		return nil, err
	}

	existing, err := in.find(ctx, p)
	if err != nil {
		return nil, err
	}

	var msg *database.Message
	var event string
	if existing != nil {
		msg, err = in.update(ctx, existing, correlationID, order, p)
		event = fanout.EventMessageUpdated
	} else {
		msg, event, err = in.insert(ctx, correlationID, order, p)
	}
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, warning
	}

	if p.Role == database.RoleClient && p.ContactID != 0 && !p.IsReaction {
		if err := in.store.TouchContact(ctx, p.ContactID); err != nil {
			log.WarnContext(ctx, "Failed to touch contact activity", "contact_id", p.ContactID, "error", err)
		}
	}

	if order == nil && msg.MainID.Valid {
		// Reactions skip order linking; subscribers still expect the status.
		o, err := in.store.FindOrderByMainID(ctx, msg.MainID.Int64)
		if err != nil {
			log.WarnContext(ctx, "Order lookup for event failed", "error", err)
		}
		order = o
	}

	in.emit(ctx, event, msg, order)
	return msg, warning
}

// scopeTelegramID fills the chat of a bare telegram message id from the
// contact. Bots talk to customers in private chats, whose id equals the user
// id. An id that cannot be scoped is dropped rather than matched globally.
func (in *Ingestor) scopeTelegramID(ctx context.Context, p *Payload) error {
	if p.TelegramMessageID == 0 || p.TelegramChatID != 0 {
		return nil
	}
	if p.ContactID != 0 {
		c, err := in.store.GetContact(ctx, p.ContactID)
		if err != nil {
			return errs.NewDatabase("contact lookup failed", err)
		}
		if c != nil && c.TelegramID.Valid {
			if id, err := strconv.ParseInt(c.TelegramID.String, 10, 64); err == nil {
				p.TelegramChatID = id
				return nil
			}
		}
	}
	in.logger.WarnContext(ctx, "Telegram message id without a chat, ignoring it",
		"telegram_message_id", p.TelegramMessageID, "contact_id", p.ContactID)
	p.TelegramMessageID = 0
	return nil
}

// find looks the message up by platform id, then telegram id.
func (in *Ingestor) find(ctx context.Context, p Payload) (*database.Message, error) {
	if p.PlatformMessageID != "" {
		m, err := in.store.FindMessageByPlatformID(ctx, p.PlatformMessageID)
		if err != nil {
			return nil, errs.NewDatabase("message lookup failed", err)
		}
		if m != nil {
			return m, nil
		}
	}
	if p.TelegramMessageID != 0 {
		m, err := in.store.FindMessageByTelegramID(ctx, p.TelegramChatID, p.TelegramMessageID)
		if err != nil {
			return nil, errs.NewDatabase("message lookup failed", err)
		}
		return m, nil
	}
	return nil, nil
}

func (in *Ingestor) insert(ctx context.Context, correlationID int64, order *database.Order, p Payload) (*database.Message, string, error) {
	m := &database.Message{
		MainID:            database.NullInt64(correlationID),
		ContactID:         database.NullInt64(p.ContactID),
		PlatformMessageID: database.NullString(p.PlatformMessageID),
		TelegramMessageID: database.NullInt64(p.TelegramMessageID),
		Role:              p.Role,
		Source:            p.Source,
		SentAt:            p.SentAt,
	}

	if p.IsReaction {
		emojis := reactionEmojis(p)
		if len(emojis) == 0 {
			in.logger.DebugContext(ctx, "Dropping reaction removal for unknown message")
			return nil, "", nil
		}
		// The target is not known yet; keep the reaction as a placeholder
		// entry that the message itself takes over when it arrives.
		m.Kind = database.KindReaction
		m.Content = strings.Join(emojis, "")
		m.Reactions = newReactions(reactionActor(p), emojis, time.Now().UTC())
	} else {
		content := in.prepareContent(ctx, correlationID, &p)
		m.Kind = p.Kind
		m.Content = content
		m.AttachmentURL = database.NullString(p.AttachmentURL)
		m.AttachmentMIME = database.NullString(p.AttachmentMIME)
	}

	if p.TelegramMessageID != 0 {
		m.TelegramChatID = database.NullInt64(p.TelegramChatID)
	}

	inserted, err := in.store.InsertMessage(ctx, m)
	if err != nil {
		return nil, "", errs.NewDatabase("message insert failed", err)
	}
	if !inserted {
		// A concurrent delivery won the insert; apply ours as an update.
		existing, err := in.find(ctx, p)
		if err != nil {
			return nil, "", err
		}
		if existing == nil {
			return nil, "", errs.NewConflict("message insert conflicted but no row was found", database.ErrUniqueViolation)
		}
		msg, err := in.update(ctx, existing, correlationID, order, p)
		return msg, fanout.EventMessageUpdated, err
	}

	if order != nil {
		if err := in.store.LinkOrderMessage(ctx, order.ID, m.ID); err != nil {
			return nil, "", errs.NewDatabase("order link failed", err)
		}
	}

	in.logger.DebugContext(ctx, "Message stored", "message_id", m.ID, "kind", m.Kind, "role", m.Role)
	return m, fanout.EventMessageCreated, nil
}

func (in *Ingestor) update(ctx context.Context, existing *database.Message, correlationID int64, order *database.Order, p Payload) (*database.Message, error) {
	if p.IsReaction {
		return in.applyReactions(ctx, existing, p)
	}

	var u database.MessageUpdate
	content := in.prepareContent(ctx, correlationID, &p)

	// A reaction that arrived before its message left a placeholder row; the
	// real message now takes over its kind, role and content.
	placeholder := existing.Kind == database.KindReaction

	if content != existing.Content && (content != "" || placeholder) {
		u.Content = &content
	}
	if placeholder && p.Role != existing.Role {
		u.Role = &p.Role
	}
	if p.AttachmentURL != "" && p.AttachmentURL != existing.AttachmentURL.String {
		u.AttachmentURL = &p.AttachmentURL
		if p.AttachmentMIME != "" {
			u.AttachmentMIME = &p.AttachmentMIME
		}
	}
	if (p.AttachmentURL != "" || placeholder) && p.Kind != existing.Kind {
		u.Kind = &p.Kind
	}
	if p.PlatformMessageID != "" && !existing.PlatformMessageID.Valid {
		u.PlatformMessageID = &p.PlatformMessageID
	}
	if p.TelegramMessageID != 0 && !existing.TelegramMessageID.Valid {
		u.TelegramChatID = &p.TelegramChatID
		u.TelegramMessageID = &p.TelegramMessageID
	}
	if p.ContactID != 0 && !existing.ContactID.Valid {
		u.ContactID = &p.ContactID
	}
	if correlationID != 0 && !existing.MainID.Valid {
		u.MainID = &correlationID
	}

	msg, err := in.store.UpdateMessage(ctx, existing.ID, u)
	if err != nil {
		if errors.Is(err, database.ErrUniqueViolation) {
			return nil, errs.NewConflict(fmt.Sprintf("message %d external id already used by another message", existing.ID), err)
		}
		return nil, errs.NewDatabase("message update failed", err)
	}
	if msg == nil {
		return nil, errs.NewConflict(fmt.Sprintf("message %d disappeared during update", existing.ID), nil)
	}

	if order != nil {
		if err := in.store.LinkOrderMessage(ctx, order.ID, msg.ID); err != nil {
			return nil, errs.NewDatabase("order link failed", err)
		}
	}
	return msg, nil
}

// applyReactions replaces the actor's reactions and leaves every other column alone.
func (in *Ingestor) applyReactions(ctx context.Context, existing *database.Message, p Payload) (*database.Message, error) {
	actor := reactionActor(p)
	emojis := reactionEmojis(p)
	now := time.Now().UTC()

	msg, err := in.store.UpdateMessageReactions(ctx, existing.ID, func(current database.Reactions) database.Reactions {
		next := make(database.Reactions, 0, len(current)+len(emojis))
		for _, r := range current {
			if r.Actor != actor {
				next = append(next, r)
			}
		}
		return append(next, newReactions(actor, emojis, now)...)
	})
	if err != nil {
		return nil, errs.NewDatabase("reaction update failed", err)
	}
	in.logger.DebugContext(ctx, "Reactions updated", "message_id", existing.ID, "actor", actor, "count", len(emojis))
	return msg, nil
}

func newReactions(actor string, emojis []string, at time.Time) database.Reactions {
	out := make(database.Reactions, 0, len(emojis))
	for _, e := range emojis {
		out = append(out, database.Reaction{Emoji: e, Actor: actor, At: at})
	}
	return out
}

func reactionEmojis(p Payload) []string {
	if len(p.Emojis) > 0 {
		out := make([]string, 0, len(p.Emojis))
		for _, e := range p.Emojis {
			if e = strings.TrimSpace(e); e != "" {
				out = append(out, e)
			}
		}
		return out
	}
	if c := strings.TrimSpace(p.Content); c != "" {
		return []string{c}
	}
	return nil
}

func reactionActor(p Payload) string {
	if p.Actor != "" {
		return p.Actor
	}
	if p.ContactID != 0 {
		return "contact:" + strconv.FormatInt(p.ContactID, 10)
	}
	return string(p.Role)
}

// prepareContent classifies bare media links, relays transport files and
// settles p.Kind. It returns the content to store.
func (in *Ingestor) prepareContent(ctx context.Context, correlationID int64, p *Payload) string {
	content := strings.TrimSpace(p.Content)

	if p.AttachmentURL == "" && p.FileID == "" && relay.IsMediaURL(content) {
		p.AttachmentURL = content
		if mt, ok := relay.MediaType(path.Ext(urlPath(content))); ok && p.AttachmentMIME == "" {
			p.AttachmentMIME = mt
		}
		p.Kind = database.KindFile
		return ""
	}

	if p.AttachmentURL == "" && p.FileID != "" && in.relay != nil {
		relayCtx, cancel := context.WithTimeout(ctx, in.relayTimeout)
		att, err := in.relay.Fetch(relayCtx, relay.Ref{FileID: p.FileID, MainID: correlationID, ContentType: p.AttachmentMIME})
		cancel()
		if err != nil {
			in.logger.WarnContext(ctx, "Attachment relay failed, storing message without it",
				"file_id", p.FileID, "error", err)
		} else {
			p.AttachmentURL = att.URL
			p.AttachmentMIME = att.MIME
		}
	}

	if p.Kind == "" {
		switch {
		case p.AttachmentURL != "" && p.AttachmentMIME != "":
			p.Kind = database.Kind(relay.KindForType(p.AttachmentMIME))
		case p.AttachmentURL != "" || p.FileID != "":
			p.Kind = database.KindFile
		default:
			p.Kind = database.KindText
		}
	}
	return CleanText(p.Content)
}

func urlPath(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	return raw
}

func (in *Ingestor) emit(ctx context.Context, event string, m *database.Message, order *database.Order) {
	if m == nil {
		return
	}
	payload := EventPayload(m, order)
	var channels []string
	if m.MainID.Valid {
		channels = append(channels, fanout.OrderChannel(m.MainID.Int64))
	}
	if m.ContactID.Valid {
		channels = append(channels, fanout.ContactChannel(m.ContactID.Int64))
	}
	channels = append(channels, fanout.GlobalChannel)
	fanout.Broadcast(ctx, in.emitter, in.logger, event, payload, channels...)
}

// EventPayload is the fan-out body describing a message.
func EventPayload(m *database.Message, order *database.Order) map[string]any {
	out := map[string]any{
		"message_id":     m.ID,
		"main_id":        m.MainID.Int64,
		"contact_id":     m.ContactID.Int64,
		"role":           m.Role,
		"kind":           m.Kind,
		"content":        m.Content,
		"attachment_url": m.AttachmentURL.String,
		"reactions":      m.Reactions,
		"sent_at":        m.SentAt,
	}
	if order != nil {
		out["order_status"] = order.Status
		out["order_id"] = order.ID
	}
	return out
}
