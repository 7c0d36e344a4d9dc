package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/labstack/echo/v4"

	"github.com/edgard/murailocrm/internal/database"
	"github.com/edgard/murailocrm/internal/errs"
	"github.com/edgard/murailocrm/internal/messages"
	"github.com/edgard/murailocrm/internal/pipeline"
	"github.com/edgard/murailocrm/internal/platform"
	"github.com/edgard/murailocrm/internal/status"
)

var (
	operatorText   = platform.Field{Name: "text", Aliases: []string{"text"}}
	operatorStatus = platform.Field{Name: "status", Aliases: []string{"status"}}
)

func mainIDParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("main_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.NewValidation(fmt.Sprintf("invalid main_id %q", c.Param("main_id")), nil)
	}
	return id, nil
}

func (s *Server) loadOrder(ctx context.Context, mainID int64) (*database.Order, error) {
	order, err := s.deps.Store.FindOrderByMainID(ctx, mainID)
	if err != nil {
		return nil, errs.NewDatabase("order lookup failed", err)
	}
	if order == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no order with main_id %d", mainID))
	}
	return order, nil
}

// sendMessage delivers an operator message to the order's contact over
// Telegram and records it as a manager message.
func (s *Server) sendMessage(c echo.Context) error {
	ctx := c.Request().Context()
	mainID, err := mainIDParam(c)
	if err != nil {
		return err
	}
	body, err := s.readValidated(c, "operator-message")
	if err != nil {
		return err
	}
	f, err := platform.DecodeBytes(body)
	if err != nil {
		return errs.NewValidation("malformed payload", err)
	}
	text := f.String(operatorText)

	if s.deps.Sender == nil {
		return errs.NewTransient("telegram transport is disabled", nil)
	}

	order, err := s.loadOrder(ctx, mainID)
	if err != nil {
		return err
	}
	contact, err := s.deps.Store.GetContact(ctx, order.ContactID)
	if err != nil {
		return errs.NewDatabase("contact lookup failed", err)
	}
	if contact == nil || !contact.TelegramID.Valid {
		return errs.NewConflict(fmt.Sprintf("contact of order %d has no telegram id", mainID), nil)
	}
	chatID, err := strconv.ParseInt(contact.TelegramID.String, 10, 64)
	if err != nil {
		return errs.NewDataIntegrity(fmt.Sprintf("contact %d has a malformed telegram id", contact.ID), err)
	}

	sent, err := s.deps.Sender.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: chatID, Text: text})
	if err != nil {
		return errs.NewTransient("failed to deliver message over telegram", err)
	}

	res, err := s.deps.Pipeline.Process(ctx, pipeline.Inbound{
		Source:        pipeline.SourceOperator,
		ContactID:     contact.ID,
		CorrelationID: mainID,
		Message: &messages.Payload{
			TelegramMessageID: int64(sent.ID),
			TelegramChatID:    chatID,
			Role:              database.RoleManager,
			Kind:              database.KindText,
			Content:           text,
			SentAt:            time.Now().UTC(),
		},
	})
	if err != nil {
		// Delivered but not recorded; the notifier already has the details.
		return err
	}
	return c.JSON(http.StatusCreated, responseFor(res))
}

// changeStatus sets an order status and echoes it to the platform. A failed
// echo is reported as a warning; the local change stands.
func (s *Server) changeStatus(c echo.Context) error {
	ctx := c.Request().Context()
	mainID, err := mainIDParam(c)
	if err != nil {
		return err
	}
	body, err := s.readValidated(c, "operator-status")
	if err != nil {
		return err
	}
	f, err := platform.DecodeBytes(body)
	if err != nil {
		return errs.NewValidation("malformed payload", err)
	}

	raw := f.String(operatorStatus)
	st := status.Status(raw)
	if !st.Valid() {
		var known bool
		if st, known = s.deps.Status.FromExternalString(raw); !known {
			return errs.NewValidation(fmt.Sprintf("unknown status %q", raw), nil)
		}
	}

	order, err := s.setStatus(ctx, mainID, st)
	if err != nil {
		return err
	}
	if order == nil {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no order with main_id %d", mainID))
	}

	res := pipeline.Result{Order: order}
	if w := s.pushStatus(ctx, mainID, st); w != nil {
		res.Warnings = append(res.Warnings, w)
		s.deps.Notifier.Notify(ctx, "status echo to platform failed", w)
	}
	return c.JSON(http.StatusOK, responseFor(res))
}

func (s *Server) pushStatus(ctx context.Context, mainID int64, st status.Status) error {
	if s.deps.Pusher == nil {
		return nil
	}
	externalID, ok := s.deps.Status.ToExternal(st)
	if !ok {
		return errs.NewDataIntegrity(fmt.Sprintf("status %s has no platform id", st), nil)
	}
	if err := s.deps.Pusher.PushStatus(ctx, mainID, externalID); err != nil {
		return errs.NewTransient(fmt.Sprintf("platform did not accept status of order %d", mainID), err)
	}
	return nil
}
