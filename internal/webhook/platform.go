package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/edgard/murailocrm/internal/database"
	"github.com/edgard/murailocrm/internal/errs"
	"github.com/edgard/murailocrm/internal/fanout"
	"github.com/edgard/murailocrm/internal/identity"
	"github.com/edgard/murailocrm/internal/messages"
	"github.com/edgard/murailocrm/internal/orders"
	"github.com/edgard/murailocrm/internal/pipeline"
	"github.com/edgard/murailocrm/internal/platform"
	"github.com/edgard/murailocrm/internal/status"
)

// Webhook kinds accepted under /webhooks/:kind.
const (
	KindMessage     = "message"
	KindOrder       = "order"
	KindContact     = "contact"
	KindStatusBatch = "status-batch"
	KindNote        = "note"
)

// Response is the body returned for a reconciled webhook.
type Response struct {
	ContactID    int64    `json:"contact_id,omitempty"`
	OrderID      int64    `json:"order_id,omitempty"`
	MainID       int64    `json:"main_id,omitempty"`
	OrderCreated bool     `json:"order_created,omitempty"`
	Status       string   `json:"status,omitempty"`
	MessageID    int64    `json:"message_id,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// BatchResponse summarises a status batch.
type BatchResponse struct {
	Updated  int      `json:"updated"`
	Missing  int      `json:"missing"`
	Unknown  int      `json:"unknown_status"`
	Failed   int      `json:"failed"`
	Warnings []string `json:"warnings,omitempty"`
}

func (s *Server) handleWebhook(c echo.Context) error {
	kind := c.Param("kind")
	if !s.schemas.Has(kind) || strings.HasPrefix(kind, "operator-") {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown webhook kind %q", kind))
	}

	body, err := s.readValidated(c, kind)
	if err != nil {
		return err
	}
	f, err := platform.DecodeBytes(body)
	if err != nil {
		return errs.NewValidation("malformed payload", err)
	}

	ctx := c.Request().Context()
	switch kind {
	case KindMessage:
		return s.onMessage(ctx, c, f)
	case KindOrder:
		return s.onOrder(ctx, c, f)
	case KindContact:
		return s.onContact(ctx, c, f)
	case KindStatusBatch:
		return s.onStatusBatch(ctx, c, f)
	default:
		return s.onNote(ctx, c, f)
	}
}

// HintsFromFields reads the identity hints of a platform payload.
func HintsFromFields(f platform.Fields) identity.Hints {
	return identity.Hints{
		TelegramID:  f.String(platform.FieldTelegramID),
		PlatformRef: f.String(platform.FieldPlatformRef),
		Phone:       f.String(platform.FieldPhone),
		Email:       f.String(platform.FieldEmail),
		FirstName:   f.String(platform.FieldFirstName),
		LastName:    f.String(platform.FieldLastName),
		Alias:       f.String(platform.FieldAlias),
		Username:    f.String(platform.FieldUsername),
	}
}

// inbound builds the pipeline input. A payload with no identity hints but a
// known correlation id is attributed to that order's contact.
func (s *Server) inbound(ctx context.Context, f platform.Fields) (pipeline.Inbound, error) {
	in := pipeline.Inbound{
		Source:        pipeline.SourcePlatform,
		Hints:         HintsFromFields(f),
		CorrelationID: f.Int64(platform.FieldMainID),
	}
	if in.Hints.HasIdentity() || in.CorrelationID == 0 {
		return in, nil
	}

	order, err := s.deps.Store.FindOrderByMainID(ctx, in.CorrelationID)
	if err != nil {
		return in, errs.NewDatabase("order lookup failed", err)
	}
	if order != nil {
		in.ContactID = order.ContactID
	}
	return in, nil
}

func parseRole(raw string) (database.Role, error) {
	switch r := database.Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case "":
		return database.RoleClient, nil
	case database.RoleClient, database.RoleManager, database.RoleBot, database.RoleSystem:
		return r, nil
	case "user", "customer":
		return database.RoleClient, nil
	case "operator", "admin", "agent":
		return database.RoleManager, nil
	default:
		return "", errs.NewValidation(fmt.Sprintf("unknown message role %q", raw), nil)
	}
}

func parseKind(raw string) database.Kind {
	switch k := database.Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case database.KindText, database.KindImage, database.KindVoice, database.KindFile, database.KindVideo, database.KindReaction:
		return k
	case "photo":
		return database.KindImage
	case "audio":
		return database.KindVoice
	case "document":
		return database.KindFile
	default:
		return ""
	}
}

// PayloadFromFields reads a message payload.
func PayloadFromFields(f platform.Fields) (messages.Payload, error) {
	role, err := parseRole(f.String(platform.FieldRole))
	if err != nil {
		return messages.Payload{}, err
	}
	kind := parseKind(f.String(platform.FieldKind))
	p := messages.Payload{
		PlatformMessageID: f.String(platform.FieldPlatformMessageID),
		TelegramMessageID: f.Int64(platform.FieldTelegramMessageID),
		TelegramChatID:    f.Int64(platform.FieldTelegramChatID),
		Role:              role,
		Kind:              kind,
		Content:           f.String(platform.FieldContent),
		AttachmentURL:     f.String(platform.FieldAttachmentURL),
		FileID:            f.String(platform.FieldAttachmentRef),
		IsReaction:        kind == database.KindReaction || f.Bool(platform.FieldIsReaction),
		Source:            f.String(platform.FieldSource),
		SentAt:            f.Time(platform.FieldSentAt),
	}
	if p.IsReaction {
		p.Kind = database.KindReaction
	}
	return p, nil
}

func (s *Server) onMessage(ctx context.Context, c echo.Context, f platform.Fields) error {
	payload, err := PayloadFromFields(f)
	if err != nil {
		return err
	}
	in, err := s.inbound(ctx, f)
	if err != nil {
		return err
	}
	in.Message = &payload

	res, err := s.deps.Pipeline.Process(ctx, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, responseFor(res))
}

func (s *Server) onOrder(ctx context.Context, c echo.Context, f platform.Fields) error {
	in, err := s.inbound(ctx, f)
	if err != nil {
		return err
	}

	res, err := s.deps.Pipeline.Process(ctx, in)
	if err != nil {
		return err
	}

	if raw := f.String(platform.FieldStatus); raw != "" && res.Order != nil {
		st, known := s.deps.Status.FromExternalString(raw)
		if !known {
			w := errs.NewDataIntegrity(fmt.Sprintf("unknown platform status %q on order %d", raw, res.Order.MainID.Int64), nil)
			res.Warnings = append(res.Warnings, w)
			s.deps.Notifier.Notify(ctx, "order webhook carried an unknown status", w)
		}
		// The fallback status only applies to freshly opened orders, which
		// already carry it.
		if known && st != res.Order.Status {
			updated, err := s.setStatus(ctx, res.Order.MainID.Int64, st)
			if err != nil {
				return err
			}
			if updated != nil {
				res.Order = updated
			}
		}
	}
	return c.JSON(http.StatusOK, responseFor(res))
}

func (s *Server) onContact(ctx context.Context, c echo.Context, f platform.Fields) error {
	in, err := s.inbound(ctx, f)
	if err != nil {
		return err
	}
	in.SkipOrder = true

	res, err := s.deps.Pipeline.Process(ctx, in)
	if err != nil {
		return err
	}
	if res.Contact != nil {
		fanout.Broadcast(ctx, s.deps.Emitter, s.logger, fanout.EventContactUpdated,
			map[string]any{"contact_id": res.Contact.ID, "name": res.Contact.Name},
			fanout.ContactChannel(res.Contact.ID), fanout.GlobalChannel)
	}
	return c.JSON(http.StatusOK, responseFor(res))
}

func (s *Server) onStatusBatch(ctx context.Context, c echo.Context, f platform.Fields) error {
	var out BatchResponse
	for _, item := range f.List(platform.FieldItems) {
		mainID := item.Int64(platform.FieldMainID)
		raw := item.String(platform.FieldStatus)
		if mainID == 0 || raw == "" {
			out.Failed++
			out.Warnings = append(out.Warnings, "status update without main_id or status skipped")
			continue
		}

		st, known := s.deps.Status.FromExternalString(raw)
		if !known {
			out.Unknown++
			out.Warnings = append(out.Warnings, fmt.Sprintf("order %d: unknown status %q left unchanged", mainID, raw))
			continue
		}

		order, err := s.setStatus(ctx, mainID, st)
		switch {
		case err != nil:
			out.Failed++
			out.Warnings = append(out.Warnings, fmt.Sprintf("order %d: %v", mainID, err))
		case order == nil:
			out.Missing++
		default:
			out.Updated++
		}
	}

	if out.Unknown > 0 || out.Failed > 0 {
		s.deps.Notifier.Notify(ctx, "status batch applied with problems",
			errs.NewDataIntegrity(strings.Join(out.Warnings, "; "), nil))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) onNote(ctx context.Context, c echo.Context, f platform.Fields) error {
	in, err := s.inbound(ctx, f)
	if err != nil {
		return err
	}
	in.Message = &messages.Payload{
		PlatformMessageID: f.String(platform.FieldPlatformMessageID),
		Role:              database.RoleSystem,
		Kind:              database.KindText,
		Content:           f.String(platform.FieldContent),
		Source:            "note",
		SentAt:            f.Time(platform.FieldSentAt),
	}

	res, err := s.deps.Pipeline.Process(ctx, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, responseFor(res))
}

// setStatus updates the order and announces the change. A nil order means no
// order carries mainID.
func (s *Server) setStatus(ctx context.Context, mainID int64, st status.Status) (*database.Order, error) {
	order, err := s.deps.Store.UpdateOrderStatus(ctx, mainID, st)
	if err != nil {
		return nil, errs.NewDatabase("order status update failed", err)
	}
	if order == nil {
		return nil, nil
	}
	fanout.Broadcast(ctx, s.deps.Emitter, s.logger, fanout.EventOrderUpdated, orders.EventPayload(order),
		fanout.OrderChannel(mainID), fanout.ContactChannel(order.ContactID), fanout.GlobalChannel)
	return order, nil
}

func responseFor(res pipeline.Result) Response {
	var r Response
	if res.Contact != nil {
		r.ContactID = res.Contact.ID
	}
	if res.Order != nil {
		r.OrderID = res.Order.ID
		r.MainID = res.Order.MainID.Int64
		r.OrderCreated = res.OrderCreated
		r.Status = string(res.Order.Status)
	}
	if res.Message != nil {
		r.MessageID = res.Message.ID
		if r.MainID == 0 {
			r.MainID = res.Message.MainID.Int64
		}
	}
	r.Warnings = warningStrings(res.Warnings)
	return r
}
