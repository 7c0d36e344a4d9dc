// Package webhook is the HTTP surface of the CRM: platform webhooks, operator
// actions, the realtime WebSocket endpoint and a health check.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/edgard/murailocrm/internal/config"
	"github.com/edgard/murailocrm/internal/database"
	"github.com/edgard/murailocrm/internal/errs"
	"github.com/edgard/murailocrm/internal/fanout"
	"github.com/edgard/murailocrm/internal/notify"
	"github.com/edgard/murailocrm/internal/pipeline"
	"github.com/edgard/murailocrm/internal/status"
)

// SecretHeader carries the shared platform webhook secret.
const SecretHeader = "X-Webhook-Secret"

// Processor reconciles an inbound event. *pipeline.Pipeline satisfies it.
type Processor interface {
	Process(ctx context.Context, in pipeline.Inbound) (pipeline.Result, error)
}

// StatusPusher echoes status changes to the platform. *platform.Client
// satisfies it.
type StatusPusher interface {
	PushStatus(ctx context.Context, mainID, externalStatusID int64) error
}

// Deps are the collaborators of the HTTP surface. Pusher, Sender, Emitter,
// Notifier and Realtime are optional.
type Deps struct {
	Logger   *slog.Logger
	Config   config.WebhookConfig
	Store    database.Store
	Pipeline Processor
	Status   *status.Mapper
	Pusher   StatusPusher
	Sender   notify.Sender
	Emitter  fanout.Emitter
	Notifier notify.Notifier
	Realtime http.Handler
}

// Server wraps the echo instance.
type Server struct {
	e       *echo.Echo
	deps    Deps
	schemas *Schemas
	logger  *slog.Logger
}

// New builds the server and its routes.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Store == nil || deps.Pipeline == nil {
		return nil, errs.NewConfig("webhook server needs a store and a pipeline", nil)
	}
	if deps.Status == nil {
		deps.Status = status.NewMapper(nil, deps.Logger)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Log{Logger: deps.Logger}
	}

	schemas, err := LoadSchemas()
	if err != nil {
		return nil, errs.NewConfig("failed to load payload schemas", err)
	}

	s := &Server{
		e:       echo.New(),
		deps:    deps,
		schemas: schemas,
		logger:  deps.Logger.With("component", "webhook"),
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.HTTPErrorHandler = s.errorHandler
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	limit := s.deps.Config.BodyLimit
	if limit == "" {
		limit = "1M"
	}

	s.e.Use(middleware.Recover())
	s.e.Use(middleware.RequestID())
	s.e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "duration", v.Latency}
			if v.Error != nil {
				s.logger.WarnContext(c.Request().Context(), "HTTP request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.DebugContext(c.Request().Context(), "HTTP request", attrs...)
			return nil
		},
	}))

	s.e.GET("/healthz", s.health)
	if s.deps.Realtime != nil {
		s.e.GET("/ws", echo.WrapHandler(s.deps.Realtime))
	}

	hooks := s.e.Group("/webhooks", middleware.BodyLimit(limit), s.requireSecret)
	hooks.POST("/:kind", s.handleWebhook)

	op := s.e.Group("/operator", middleware.BodyLimit(limit), s.requireOperator)
	op.POST("/orders/:main_id/messages", s.sendMessage)
	op.POST("/orders/:main_id/status", s.changeStatus)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Webhook server listening", "addr", s.deps.Config.ListenAddr)
		errCh <- s.e.Start(s.deps.Config.ListenAddr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("webhook server failed: %w", err)
	case <-ctx.Done():
	}

	timeout := s.deps.Config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.logger.Info("Shutting down webhook server")
	if err := s.e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("webhook server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requireSecret(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !tokenMatches(c.Request().Header.Get(SecretHeader), s.deps.Config.Secret) {
			return errs.NewUnauthorized("invalid webhook secret", nil)
		}
		return next(c)
	}
}

func (s *Server) requireOperator(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := strings.TrimSpace(strings.TrimPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer "))
		if !tokenMatches(token, s.deps.Config.OperatorToken) {
			return errs.NewUnauthorized("invalid operator token", nil)
		}
		return next(c)
	}
}

// tokenMatches rejects everything when no token is configured.
func tokenMatches(got, want string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// readValidated reads the request body and checks it against the named schema.
func (s *Server) readValidated(c echo.Context, schema string) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var tooLarge *echo.HTTPError
		if errors.As(err, &tooLarge) {
			return nil, tooLarge
		}
		return nil, errs.NewValidation("failed to read request body", err)
	}
	if err := s.schemas.Validate(schema, body); err != nil {
		return nil, err
	}
	return body, nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		_ = c.JSON(he.Code, errorResponse{Error: msg, Code: errs.CodeUnknown})
		return
	}

	code := errs.Code(err)
	httpStatus := StatusFor(err)
	if httpStatus >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request().Context(), "Request failed", "path", c.Path(), "code", code, "error", err)
	}
	_ = c.JSON(httpStatus, errorResponse{Error: err.Error(), Code: code})
}

// StatusFor maps an application error to its HTTP status.
func StatusFor(err error) int {
	switch errs.Code(err) {
	case errs.CodeValidation:
		return http.StatusBadRequest
	case errs.CodeUnauthorized:
		return http.StatusUnauthorized
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeDataIntegrity:
		return http.StatusUnprocessableEntity
	case errs.CodeTransientUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func warningStrings(ws []error) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Error())
	}
	return out
}
