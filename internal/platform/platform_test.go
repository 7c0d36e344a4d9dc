package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/murailocrm/internal/config"
	"github.com/edgard/murailocrm/internal/errs"
	"github.com/edgard/murailocrm/internal/resilience"
)

func TestFieldsAliases(t *testing.T) {
	t.Parallel()

	f, err := Decode(strings.NewReader(`{
		"messageId": "m-1",
		"MainID": 1755415687041123,
		"tg_id": 6032278052,
		"text": "  hello ",
		"isReaction": "true",
		"user": {"_id": "1755415687041x763213319808587100"},
		"timestamp": 1700000000000,
		"phone": ""
	}`))
	require.NoError(t, err)

	assert.Equal(t, "m-1", f.String(FieldPlatformMessageID))
	assert.Equal(t, int64(1755415687041123), f.Int64(FieldMainID))
	assert.Equal(t, "6032278052", f.String(FieldTelegramID))
	assert.Equal(t, "hello", f.String(FieldContent))
	assert.True(t, f.Bool(FieldIsReaction))
	assert.Equal(t, "1755415687041x763213319808587100", f.String(FieldPlatformRef))
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), f.Time(FieldSentAt))
	assert.Equal(t, "", f.String(FieldPhone))
}

func TestFieldsAliasPriority(t *testing.T) {
	t.Parallel()

	f := Fields{"message_id": "second", "platform_message_id": "first"}
	assert.Equal(t, "first", f.String(FieldPlatformMessageID))

	f = Fields{"platform_message_id": "", "message_id": "fallback"}
	assert.Equal(t, "fallback", f.String(FieldPlatformMessageID))
}

func TestFieldsListAndUnwrap(t *testing.T) {
	t.Parallel()

	f, err := DecodeBytes([]byte(`{"response": {"items": [{"main_id": 1, "status": 4}, 5, {"main_id": "2"}]}}`))
	require.NoError(t, err)
	items := f.Unwrap().List(FieldItems)
	require.Len(t, items, 2)
	assert.Equal(t, int64(1), items[0].Int64(FieldMainID))
	assert.Equal(t, int64(2), items[1].Int64(FieldMainID))
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.PlatformConfig{
		BaseURL:             srv.URL,
		APIKey:              "k",
		Timeout:             2 * time.Second,
		BreakerMaxFailures:  10,
		BreakerOpenDuration: time.Second,
	}, resilience.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}, nil)
}

func TestLookupUser(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/abc", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"response": {"telegramId": 6032278052, "Email": "a@b.c", "first_name": "Ann"}}`))
	}))

	id, err := c.LookupUser(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "6032278052", id.TelegramID)
	assert.Equal(t, "a@b.c", id.Email)
	assert.Equal(t, "Ann", id.FirstName)
	assert.Equal(t, "abc", id.PlatformRef)
}

func TestOrderIdentity_DereferencesUser(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orders/77":
			_, _ = w.Write([]byte(`{"main_id": 77, "user": "u-9"}`))
		case "/users/u-9":
			_, _ = w.Write([]byte(`{"telegram_id": "555"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	id, err := c.OrderIdentity(context.Background(), 77)
	require.NoError(t, err)
	assert.Equal(t, "555", id.TelegramID)
}

func TestClient_RetriesTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"phone": "+1555"}`))
	}))

	id, err := c.LookupUser(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "+1555", id.Phone)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_NotFoundNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.LookupUser(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_ExhaustedIsTransient(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.OrderIdentity(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, errs.CodeTransientUpstream, errs.Code(err))
}

func TestPushStatus(t *testing.T) {
	t.Parallel()

	var got string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders/9/status", r.URL.Path)
		f, err := Decode(r.Body)
		require.NoError(t, err)
		got = f.String(FieldStatus)
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, c.PushStatus(context.Background(), 9, 4))
	assert.Equal(t, "4", got)
}

func TestNewClient_DisabledWithoutBaseURL(t *testing.T) {
	t.Parallel()
	assert.Nil(t, NewClient(config.PlatformConfig{}, resilience.DefaultRetryConfig(), nil))
}
