// Package merge runs the reconciliation sweep that consolidates duplicate
// contacts created before their identity was known.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgard/murailocrm/internal/database"
	"github.com/edgard/murailocrm/internal/errs"
	"github.com/edgard/murailocrm/internal/fanout"
	"github.com/edgard/murailocrm/internal/identity"
	"github.com/edgard/murailocrm/internal/platform"
)

// Lookup is the slice of the platform API the sweep needs.
type Lookup interface {
	OrderIdentity(ctx context.Context, mainID int64) (platform.Identity, error)
	LookupUser(ctx context.Context, ref string) (platform.Identity, error)
}

// Filter narrows the set of candidates.
type Filter struct {
	ContactIDs    []int64
	Limit         int
	CreatedBefore time.Time
}

// Failure records one candidate the sweep could not process.
type Failure struct {
	ContactID int64  `json:"contact_id" yaml:"contact_id"`
	Error     string `json:"error" yaml:"error"`
}

// Report summarizes a sweep.
type Report struct {
	Scanned  int       `json:"scanned" yaml:"scanned"`
	Merged   int       `json:"merged" yaml:"merged"`
	Updated  int       `json:"updated" yaml:"updated"`
	Deleted  int       `json:"deleted" yaml:"deleted"`
	Skipped  int       `json:"skipped" yaml:"skipped"`
	Errors   int       `json:"errors" yaml:"errors"`
	Failures []Failure `json:"failures,omitempty" yaml:"failures,omitempty"`
}

func (r *Report) fail(contactID int64, err error) {
	r.Errors++
	r.Failures = append(r.Failures, Failure{ContactID: contactID, Error: err.Error()})
}

// String renders a one-line summary.
func (r Report) String() string {
	return fmt.Sprintf("scanned=%d merged=%d updated=%d deleted=%d skipped=%d errors=%d",
		r.Scanned, r.Merged, r.Updated, r.Deleted, r.Skipped, r.Errors)
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeMerged
	outcomeUpdated
	outcomeDeleted
)

// Engine consolidates unresolved contacts.
type Engine struct {
	store   database.Store
	lookup  Lookup
	emitter fanout.Emitter
	logger  *slog.Logger
}

// NewEngine creates a merge engine. lookup may be nil, in which case only
// unreferenced placeholders are cleaned up.
func NewEngine(store database.Store, lookup Lookup, emitter fanout.Emitter, logger *slog.Logger) *Engine {
	if emitter == nil {
		emitter = fanout.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, lookup: lookup, emitter: emitter, logger: logger.With("component", "merge_engine")}
}

// Sweep processes every unresolved contact matching f. Per-candidate failures
// are collected in the report; only a failure to list candidates is returned.
func (e *Engine) Sweep(ctx context.Context, f Filter) (Report, error) {
	var report Report
	start := time.Now()

	candidates, err := e.store.ListMergeCandidates(ctx, database.CandidateFilter{
		ContactIDs:    f.ContactIDs,
		CreatedBefore: f.CreatedBefore,
		Limit:         f.Limit,
	})
	if err != nil {
		return report, errs.NewDatabase("listing merge candidates failed", err)
	}

	e.logger.InfoContext(ctx, "Merge sweep started", "candidates", len(candidates))
	for i := range candidates {
		if err := ctx.Err(); err != nil {
			e.logger.WarnContext(ctx, "Merge sweep interrupted", "processed", report.Scanned)
			return report, err
		}
		c := &candidates[i]
		report.Scanned++

		result, err := e.process(ctx, c)
		if err != nil {
			e.logger.WarnContext(ctx, "Merge candidate failed", "contact_id", c.ID, "error", err)
			report.fail(c.ID, err)
			continue
		}
		switch result {
		case outcomeMerged:
			report.Merged++
		case outcomeUpdated:
			report.Updated++
		case outcomeDeleted:
			report.Deleted++
		default:
			report.Skipped++
		}
	}

	e.logger.InfoContext(ctx, "Merge sweep finished",
		"scanned", report.Scanned, "merged", report.Merged, "updated", report.Updated,
		"deleted", report.Deleted, "skipped", report.Skipped, "errors", report.Errors,
		"duration", time.Since(start))
	return report, nil
}

func (e *Engine) process(ctx context.Context, c *database.Contact) (outcome, error) {
	log := e.logger.With("contact_id", c.ID)

	orders, err := e.store.ListContactOrders(ctx, c.ID)
	if err != nil {
		return outcomeSkipped, err
	}

	if len(orders) == 0 {
		deleted, err := e.store.DeleteContactIfUnreferenced(ctx, c.ID)
		if err != nil {
			return outcomeSkipped, err
		}
		if deleted {
			log.InfoContext(ctx, "Deleted unreferenced placeholder contact")
			return outcomeDeleted, nil
		}
		// Something references it after all; resolve it like any other.
	}

	ident, err := e.deriveIdentity(ctx, c, orders)
	if err != nil {
		return outcomeSkipped, err
	}
	telegramID := identity.NormalizeTelegramID(ident.TelegramID)
	email := identity.NormalizeEmail(ident.Email)
	phone := identity.NormalizePhone(ident.Phone)
	if telegramID == "" && email == "" && phone == "" {
		log.DebugContext(ctx, "No identity available for candidate")
		return outcomeSkipped, nil
	}

	if c.TelegramID.Valid && telegramID != "" && c.TelegramID.String != telegramID {
		log.WarnContext(ctx, "Platform identity disagrees with stored telegram id",
			"stored_telegram_id", c.TelegramID.String, "platform_telegram_id", telegramID)
		return outcomeSkipped, errs.NewDataIntegrity(fmt.Sprintf(
			"contact %d has telegram id %s but the platform reports %s", c.ID, c.TelegramID.String, telegramID), nil)
	}

	target, err := e.findTarget(ctx, c, telegramID, email)
	if err != nil {
		return outcomeSkipped, err
	}

	name := identity.DisplayName(identity.Hints{
		FirstName: ident.FirstName, LastName: ident.LastName, Alias: ident.Alias, Username: ident.Username,
	})

	if target != nil {
		if c.TelegramID.Valid && target.TelegramID.Valid && c.TelegramID.String != target.TelegramID.String {
			return outcomeSkipped, errs.NewDataIntegrity(fmt.Sprintf(
				"contact %d and %d carry different telegram ids", c.ID, target.ID), nil)
		}
		stats, err := e.store.MergeContacts(ctx, c.ID, target.ID)
		if err != nil {
			return outcomeSkipped, err
		}
		// The candidate row is gone, so its identity can move to the target.
		if telegramID == "" && c.TelegramID.Valid {
			telegramID = c.TelegramID.String
		}
		up := database.ContactUpgrade{
			Name:         name,
			TelegramID:   telegramID,
			PlatformRef:  ident.PlatformRef,
			Phone:        phone,
			Email:        email,
			MarkResolved: name != "" || target.Completeness == database.Resolved,
		}
		if err := e.store.UpgradeContact(ctx, target.ID, up); err != nil {
			log.WarnContext(ctx, "Failed to upgrade merge target", "target_id", target.ID, "error", err)
		}
		log.InfoContext(ctx, "Merged duplicate contact", "target_id", target.ID,
			"orders", stats.Orders, "messages", stats.Messages)
		e.announce(ctx, target.ID, "merged", c.ID)
		return outcomeMerged, nil
	}

	err = e.store.UpgradeContact(ctx, c.ID, database.ContactUpgrade{
		Name:         name,
		TelegramID:   telegramID,
		PlatformRef:  ident.PlatformRef,
		Phone:        phone,
		Email:        email,
		MarkResolved: true,
	})
	if err != nil {
		if errors.Is(err, database.ErrUniqueViolation) {
			// The telegram id was claimed concurrently; the next sweep merges.
			return outcomeSkipped, errs.NewConflict("telegram id claimed during sweep", err)
		}
		return outcomeSkipped, err
	}
	log.InfoContext(ctx, "Resolved contact in place")
	e.announce(ctx, c.ID, "resolved", 0)
	return outcomeUpdated, nil
}

// deriveIdentity asks the platform about the candidate's orders, newest
// first, and falls back to its platform ref.
func (e *Engine) deriveIdentity(ctx context.Context, c *database.Contact, orders []database.Order) (platform.Identity, error) {
	if e.lookup == nil {
		return platform.Identity{}, nil
	}

	var lastErr error
	for _, o := range orders {
		if !o.MainID.Valid {
			continue
		}
		ident, err := e.lookup.OrderIdentity(ctx, o.MainID.Int64)
		if err != nil {
			if !errors.Is(err, platform.ErrNotFound) {
				lastErr = err
			}
			continue
		}
		if !ident.Empty() {
			return ident, nil
		}
	}

	if c.PlatformRef.Valid && c.PlatformRef.String != "" {
		ref := c.PlatformRef.String
		if tg := identity.NormalizeTelegramID(ref); tg != "" && len(ref) < 16 {
			return platform.Identity{TelegramID: tg}, nil
		}
		ident, err := e.lookup.LookupUser(ctx, ref)
		if err == nil {
			return ident, nil
		}
		if !errors.Is(err, platform.ErrNotFound) {
			lastErr = err
		}
	}

	if lastErr != nil {
		return platform.Identity{}, lastErr
	}
	return platform.Identity{}, nil
}

// findTarget returns a different contact that already owns the identity.
func (e *Engine) findTarget(ctx context.Context, c *database.Contact, telegramID, email string) (*database.Contact, error) {
	if telegramID != "" {
		other, err := e.store.FindContactByTelegramID(ctx, telegramID)
		if err != nil {
			return nil, err
		}
		if other != nil && other.ID != c.ID {
			return other, nil
		}
		if other != nil {
			return nil, nil
		}
	}
	if email != "" {
		other, err := e.store.FindContactByEmail(ctx, email)
		if err != nil {
			return nil, err
		}
		if other != nil && other.ID != c.ID {
			// Two different telegram identities sharing an email are not duplicates.
			if other.TelegramID.Valid && telegramID != "" && other.TelegramID.String != telegramID {
				return nil, nil
			}
			if c.TelegramID.Valid && other.TelegramID.Valid {
				return nil, nil
			}
			return other, nil
		}
	}
	return nil, nil
}

func (e *Engine) announce(ctx context.Context, contactID int64, action string, mergedFrom int64) {
	payload := map[string]any{"contact_id": contactID, "action": action}
	if mergedFrom != 0 {
		payload["merged_from"] = mergedFrom
	}
	fanout.Broadcast(ctx, e.emitter, e.logger, fanout.EventContactUpdated, payload,
		fanout.ContactChannel(contactID), fanout.GlobalChannel)
}
