// Package identity maps partial identity hints from any source onto one
// canonical contact.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/edgard/murailocrm/internal/database"
	"github.com/edgard/murailocrm/internal/errs"
	"github.com/edgard/murailocrm/internal/platform"
)

// Lookup dereferences a platform user key into identity fields.
type Lookup interface {
	LookupUser(ctx context.Context, ref string) (platform.Identity, error)
}

// Hints is a bundle of partial identity values from one inbound event.
type Hints struct {
	TelegramID  string
	PlatformRef string
	Phone       string
	Email       string
	FirstName   string
	LastName    string
	Alias       string
	Username    string
}

// HasIdentity reports whether any matchable field is set.
func (h Hints) HasIdentity() bool {
	return strings.TrimSpace(h.TelegramID) != "" || strings.TrimSpace(h.PlatformRef) != "" ||
		strings.TrimSpace(h.Phone) != "" || strings.TrimSpace(h.Email) != ""
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Contact *database.Contact
	Created bool
	// MatchedBy names the rule that found the contact: telegram_id, phone,
	// email or created.
	MatchedBy string
	// Warnings are degradations the caller should surface to an operator.
	Warnings []error
}

// ContactID is a shorthand for Contact.ID.
func (r Resolution) ContactID() int64 {
	if r.Contact == nil {
		return 0
	}
	return r.Contact.ID
}

func (r *Resolution) warn(err error) {
	r.Warnings = append(r.Warnings, err)
}

// Resolver implements the first-match-wins resolution rules.
type Resolver struct {
	store  database.Store
	lookup Lookup
	group  singleflight.Group
	logger *slog.Logger
}

// NewResolver creates a resolver. lookup may be nil when the platform API is
// not configured; long platform refs then degrade with a warning.
func NewResolver(store database.Store, lookup Lookup, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, lookup: lookup, logger: logger.With("component", "identity")}
}

// Resolve returns the canonical contact for h, creating one if nothing
// matches. It only fails on storage errors or a hint bundle with no identity.
func (r *Resolver) Resolve(ctx context.Context, h Hints) (Resolution, error) {
	var res Resolution
	if !h.HasIdentity() && DisplayName(h) == "" {
		return res, errs.NewValidation("identity hints carry no identifying field", nil)
	}

	h = r.normalize(ctx, h, &res)

	if h.TelegramID != "" {
		c, err := r.store.FindContactByTelegramID(ctx, h.TelegramID)
		if err != nil {
			return res, errs.NewDatabase("telegram id lookup failed", err)
		}
		if c != nil {
			r.checkConflict(ctx, c, h, &res)
			return r.matched(ctx, c, h, "telegram_id", res)
		}
	}

	if h.Phone != "" {
		c, err := r.store.FindContactByPhone(ctx, h.Phone)
		if err != nil {
			return res, errs.NewDatabase("phone lookup failed", err)
		}
		if c != nil {
			return r.matched(ctx, c, h, "phone", res)
		}
	}

	if h.Email != "" {
		c, err := r.store.FindContactByEmail(ctx, h.Email)
		if err != nil {
			return res, errs.NewDatabase("email lookup failed", err)
		}
		if c != nil {
			return r.matched(ctx, c, h, "email", res)
		}
	}

	return r.create(ctx, h, res)
}

// normalize canonicalizes the hints and, for platform keys, merges the
// dereferenced identity over the supplied values.
func (r *Resolver) normalize(ctx context.Context, h Hints, res *Resolution) Hints {
	h.TelegramID = NormalizeTelegramID(h.TelegramID)
	h.PlatformRef = strings.TrimSpace(h.PlatformRef)
	h.Phone = NormalizePhone(h.Phone)
	h.Email = NormalizeEmail(h.Email)

	if h.TelegramID != "" || h.PlatformRef == "" {
		return h
	}

	if isShortNumeric(h.PlatformRef) {
		h.TelegramID = NormalizeTelegramID(h.PlatformRef)
		return h
	}

	if r.lookup == nil {
		res.warn(errs.NewTransient(fmt.Sprintf("platform lookup unavailable for ref %s", h.PlatformRef), nil))
		return h
	}

	ident, err := r.lookup.LookupUser(ctx, h.PlatformRef)
	if err != nil {
		r.logger.WarnContext(ctx, "Platform ref lookup failed", "platform_ref", h.PlatformRef, "error", err)
		if errors.Is(err, platform.ErrNotFound) {
			res.warn(errs.NewDataIntegrity(fmt.Sprintf("platform ref %s not found", h.PlatformRef), err))
		} else {
			res.warn(err)
		}
		return h
	}

	if v := NormalizeTelegramID(ident.TelegramID); v != "" {
		h.TelegramID = v
	}
	if v := NormalizePhone(ident.Phone); v != "" {
		h.Phone = v
	}
	if v := NormalizeEmail(ident.Email); v != "" {
		h.Email = v
	}
	if ident.FirstName != "" || ident.LastName != "" {
		h.FirstName, h.LastName = ident.FirstName, ident.LastName
	}
	if ident.Alias != "" {
		h.Alias = ident.Alias
	}
	if ident.Username != "" {
		h.Username = ident.Username
	}
	r.logger.DebugContext(ctx, "Platform ref dereferenced",
		"platform_ref", h.PlatformRef, "has_telegram_id", h.TelegramID != "")
	return h
}

// checkConflict flags phone/email hints that point at a different contact
// than the telegram match. Telegram identity wins.
func (r *Resolver) checkConflict(ctx context.Context, c *database.Contact, h Hints, res *Resolution) {
	check := func(kind string, find func(context.Context, string) (*database.Contact, error), value string) {
		if value == "" {
			return
		}
		other, err := find(ctx, value)
		if err != nil || other == nil || other.ID == c.ID {
			return
		}
		r.logger.WarnContext(ctx, "Identity conflict, telegram match wins",
			"contact_id", c.ID, "conflicting_contact_id", other.ID, "by", kind)
		res.warn(errs.NewDataIntegrity(fmt.Sprintf(
			"telegram id %s belongs to contact %d but %s matches contact %d",
			h.TelegramID, c.ID, kind, other.ID), nil))
	}
	check("phone", r.store.FindContactByPhone, h.Phone)
	check("email", r.store.FindContactByEmail, h.Email)
}

func (r *Resolver) matched(ctx context.Context, c *database.Contact, h Hints, by string, res Resolution) (Resolution, error) {
	res.MatchedBy = by
	up := database.ContactUpgrade{
		TelegramID:  h.TelegramID,
		PlatformRef: h.PlatformRef,
		Phone:       h.Phone,
		Email:       h.Email,
	}
	if name := DisplayName(h); name != "" && c.Completeness == database.Unresolved {
		up.Name = name
		up.MarkResolved = true
	}

	if needsUpgrade(c, up) {
		if err := r.store.UpgradeContact(ctx, c.ID, up); err != nil {
			if !errors.Is(err, database.ErrUniqueViolation) {
				return res, errs.NewDatabase("contact upgrade failed", err)
			}
			// Another contact took the identity between our lookup and write.
			res.warn(errs.NewConflict(fmt.Sprintf("contact %d upgrade collided", c.ID), err))
		}
		fresh, err := r.store.GetContact(ctx, c.ID)
		if err != nil {
			return res, errs.NewDatabase("contact reload failed", err)
		}
		if fresh != nil {
			c = fresh
		}
	}

	res.Contact = c
	return res, nil
}

func needsUpgrade(c *database.Contact, up database.ContactUpgrade) bool {
	return up.MarkResolved ||
		(up.TelegramID != "" && !c.TelegramID.Valid) ||
		(up.PlatformRef != "" && !c.PlatformRef.Valid) ||
		(up.Phone != "" && !c.Phone.Valid) ||
		(up.Email != "" && !c.Email.Valid)
}

func (r *Resolver) create(ctx context.Context, h Hints, res Resolution) (Resolution, error) {
	name := DisplayName(h)
	completeness := database.Resolved
	if name == "" {
		name = PlaceholderName(h)
		completeness = database.Unresolved
	}

	build := func() (*createResult, error) {
		c := &database.Contact{
			Name:         name,
			TelegramID:   database.NullString(h.TelegramID),
			PlatformRef:  database.NullString(h.PlatformRef),
			Phone:        database.NullString(h.Phone),
			Email:        database.NullString(h.Email),
			Completeness: completeness,
		}
		created, err := r.store.CreateContact(ctx, c)
		if err != nil {
			return nil, err
		}
		return &createResult{contact: c, created: created}, nil
	}

	var out *createResult
	var err error
	if h.TelegramID != "" {
		leader := false
		var v any
		v, err, _ = r.group.Do("tg:"+h.TelegramID, func() (any, error) {
			leader = true
			return build()
		})
		if err == nil {
			out = v.(*createResult)
			if !leader {
				// Only the caller that ran build reports the creation.
				cp := *out.contact
				out = &createResult{contact: &cp, created: false}
			}
		}
	} else {
		out, err = build()
	}
	if err != nil {
		return res, errs.NewDatabase("contact creation failed", err)
	}

	if !out.created {
		// Lost the insert race to another process; treat as a telegram match.
		return r.matched(ctx, out.contact, h, "telegram_id", res)
	}

	r.logger.InfoContext(ctx, "Contact created",
		"contact_id", out.contact.ID, "completeness", completeness, "has_telegram_id", h.TelegramID != "")
	res.Contact = out.contact
	res.Created = true
	res.MatchedBy = "created"
	return res, nil
}

type createResult struct {
	contact *database.Contact
	created bool
}
