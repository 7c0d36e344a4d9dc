package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/edgard/murailocrm/internal/config"
	"github.com/edgard/murailocrm/internal/errs"
	"github.com/edgard/murailocrm/internal/resilience"
)

// ErrNotFound is returned when the platform has no record for the reference.
var ErrNotFound = errors.New("platform record not found")

// Identity is what the platform knows about a person.
type Identity struct {
	TelegramID string
	Phone      string
	Email      string
	FirstName  string
	LastName   string
	Alias      string
	Username   string
	// PlatformRef is the platform's own user key, when the record carried one.
	PlatformRef string
}

// Empty reports whether no matchable identity field is set.
func (i Identity) Empty() bool {
	return i.TelegramID == "" && i.Phone == "" && i.Email == ""
}

// IdentityFromFields extracts identity hints using the alias table.
func IdentityFromFields(f Fields) Identity {
	return Identity{
		TelegramID:  f.String(FieldTelegramID),
		Phone:       f.String(FieldPhone),
		Email:       f.String(FieldEmail),
		FirstName:   f.String(FieldFirstName),
		LastName:    f.String(FieldLastName),
		Alias:       f.String(FieldAlias),
		Username:    f.String(FieldUsername),
		PlatformRef: f.String(FieldPlatformRef),
	}
}

// Client is the HTTP client for the platform's data API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	retry      resilience.RetryConfig
	logger     *slog.Logger
}

// NewClient returns nil when no base URL is configured; callers treat a nil
// client as "lookups unavailable".
func NewClient(cfg config.PlatformConfig, retry resilience.RetryConfig, logger *slog.Logger) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "platform",
			MaxFailures:  cfg.BreakerMaxFailures,
			Timeout:      cfg.Timeout,
			OpenDuration: cfg.BreakerOpenDuration,
		}, logger),
		retry:  retry,
		logger: logger.With("component", "platform_client"),
	}
}

// LookupUser dereferences an opaque platform user key.
func (c *Client) LookupUser(ctx context.Context, ref string) (Identity, error) {
	if ref == "" {
		return Identity{}, errs.NewValidation("platform ref is empty", nil)
	}
	f, err := c.get(ctx, "/users/"+url.PathEscape(ref))
	if err != nil {
		return Identity{}, err
	}
	id := IdentityFromFields(f)
	if id.PlatformRef == "" {
		id.PlatformRef = ref
	}
	return id, nil
}

// OrderIdentity returns the identity of the customer owning the platform
// order with the given correlation id. Orders that only carry a user key are
// dereferenced through LookupUser.
func (c *Client) OrderIdentity(ctx context.Context, mainID int64) (Identity, error) {
	f, err := c.get(ctx, "/orders/"+strconv.FormatInt(mainID, 10))
	if err != nil {
		return Identity{}, err
	}

	if nested := f.Object(FieldPlatformRef); nested != nil {
		if id := IdentityFromFields(nested); !id.Empty() {
			return id, nil
		}
	}

	id := IdentityFromFields(f)
	if id.Empty() && id.PlatformRef != "" {
		c.logger.DebugContext(ctx, "Order carries only a user ref, dereferencing", "main_id", mainID, "ref", id.PlatformRef)
		return c.LookupUser(ctx, id.PlatformRef)
	}
	return id, nil
}

// PushStatus echoes an order status change back to the platform.
func (c *Client) PushStatus(ctx context.Context, mainID, externalStatusID int64) error {
	body, err := json.Marshal(map[string]any{"main_id": mainID, "status_id": externalStatusID})
	if err != nil {
		return fmt.Errorf("failed to encode status update: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, "/orders/"+strconv.FormatInt(mainID, 10)+"/status", body)
	return err
}

func (c *Client) get(ctx context.Context, path string) (Fields, error) {
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	f, err := DecodeBytes(raw)
	if err != nil {
		return nil, errs.NewValidation("platform returned malformed JSON", err)
	}
	return f.Unwrap(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var out []byte
	err := resilience.Call(ctx, c.breaker, c.retry, c.logger, method+" "+path, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errs.NewTransient("platform request failed", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return errs.NewTransient("failed to read platform response", err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			out = respBody
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return errs.NewTransient(fmt.Sprintf("platform returned %d", resp.StatusCode), nil)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return errs.NewUnauthorized(fmt.Sprintf("platform rejected credentials (%d)", resp.StatusCode), nil)
		default:
			return errs.NewValidation(fmt.Sprintf("platform returned %d: %s", resp.StatusCode,
				strings.TrimSpace(string(respBody))), nil)
		}
	})
	if err != nil {
		c.logger.WarnContext(ctx, "Platform call failed", "method", method, "path", path, "error", err)
		return nil, err
	}
	return out, nil
}
