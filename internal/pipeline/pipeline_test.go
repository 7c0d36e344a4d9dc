package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/murailocrm/internal/database"
	"github.com/edgard/murailocrm/internal/database/dbtest"
	"github.com/edgard/murailocrm/internal/errs"
	"github.com/edgard/murailocrm/internal/identity"
	"github.com/edgard/murailocrm/internal/messages"
	"github.com/edgard/murailocrm/internal/orders"
)

type reports struct {
	mu       sync.Mutex
	subjects []string
	codes    []string
}

func (r *reports) Notify(_ context.Context, subject string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	r.codes = append(r.codes, errs.Code(err))
}

func newPipeline(t *testing.T) (*Pipeline, database.Store, *reports) {
	t.Helper()
	store := dbtest.NewStore(t)
	log := dbtest.Logger()
	r := &reports{}
	p := New(store,
		identity.NewResolver(store, nil, log),
		orders.NewLinker(store, nil, SourceTelegram, log),
		messages.NewIngestor(store, nil, nil, 0, log),
		r, log)
	return p, store, r
}

func TestProcess_NewConversation(t *testing.T) {
	p, store, r := newPipeline(t)
	ctx := context.Background()

	res, err := p.Process(ctx, Inbound{
		Source:  SourceTelegram,
		Hints:   identity.Hints{TelegramID: "321", FirstName: "Olga"},
		Message: &messages.Payload{TelegramMessageID: 1, Content: "hello"},
	})
	require.NoError(t, err)
	assert.True(t, res.OrderCreated)
	assert.Equal(t, "Olga", res.Contact.Name)
	assert.Equal(t, res.Order.MainID.Int64, res.Message.MainID.Int64)
	assert.Equal(t, SourceTelegram, res.Message.Source)
	assert.Empty(t, r.subjects)

	linked, err := store.ListOrderMessages(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Len(t, linked, 1)

	// The next message joins the same open order.
	next, err := p.Process(ctx, Inbound{
		Source:  SourceTelegram,
		Hints:   identity.Hints{TelegramID: "321"},
		Message: &messages.Payload{TelegramMessageID: 2, Content: "are you there?"},
	})
	require.NoError(t, err)
	assert.False(t, next.OrderCreated)
	assert.Equal(t, res.Order.ID, next.Order.ID)
}

func TestProcess_ReactionSkipsOrderLinking(t *testing.T) {
	p, _, _ := newPipeline(t)
	ctx := context.Background()

	first, err := p.Process(ctx, Inbound{
		Source:  SourceTelegram,
		Hints:   identity.Hints{TelegramID: "9"},
		Message: &messages.Payload{TelegramMessageID: 50, Content: "photo please"},
	})
	require.NoError(t, err)

	res, err := p.Process(ctx, Inbound{
		Source:  SourceTelegram,
		Hints:   identity.Hints{TelegramID: "9"},
		Message: &messages.Payload{TelegramMessageID: 50, IsReaction: true, Emojis: []string{"👍"}},
	})
	require.NoError(t, err)
	assert.Nil(t, res.Order)
	assert.Equal(t, first.Message.ID, res.Message.ID)
	assert.Len(t, res.Message.Reactions, 1)
	assert.Equal(t, "photo please", res.Message.Content)
}

func TestProcess_WarningsReported(t *testing.T) {
	p, _, r := newPipeline(t)

	res, err := p.Process(context.Background(), Inbound{
		Source:    SourcePlatform,
		Hints:     identity.Hints{PlatformRef: "1755415687041x763213319808587100"},
		SkipOrder: true,
	})
	require.NoError(t, err)
	assert.NotNil(t, res.Contact)
	require.Len(t, res.Warnings, 1)
	require.Len(t, r.codes, 1)
	assert.Equal(t, errs.CodeTransientUpstream, r.codes[0])
}

func TestProcess_FailureReported(t *testing.T) {
	p, _, r := newPipeline(t)

	_, err := p.Process(context.Background(), Inbound{Source: SourcePlatform})
	require.Error(t, err)
	require.Len(t, r.codes, 1)
	assert.Equal(t, errs.CodeValidation, r.codes[0])
}

func TestProcess_KnownContact(t *testing.T) {
	p, store, _ := newPipeline(t)
	ctx := context.Background()

	c := &database.Contact{Name: "Known", TelegramID: database.NullString("11")}
	_, err := store.CreateContact(ctx, c)
	require.NoError(t, err)

	res, err := p.Process(ctx, Inbound{
		Source:        SourceOperator,
		ContactID:     c.ID,
		CorrelationID: 888,
		Message:       &messages.Payload{Role: database.RoleManager, Content: "Your order ships today", TelegramMessageID: 70},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(888), res.Order.MainID.Int64)
	assert.Equal(t, database.RoleManager, res.Message.Role)
}

func TestProcess_ForeignCorrelationIDWarns(t *testing.T) {
	p, _, r := newPipeline(t)
	ctx := context.Background()

	owner, err := p.Process(ctx, Inbound{
		Source:        SourcePlatform,
		Hints:         identity.Hints{TelegramID: "111", FirstName: "Rita"},
		CorrelationID: 900,
		Message:       &messages.Payload{PlatformMessageID: "pm-1", Content: "order please"},
	})
	require.NoError(t, err)
	require.Empty(t, owner.Warnings)
	require.Empty(t, r.codes)

	res, err := p.Process(ctx, Inbound{
		Source:        SourcePlatform,
		Hints:         identity.Hints{TelegramID: "222", FirstName: "Vera"},
		CorrelationID: 900,
		Message:       &messages.Payload{PlatformMessageID: "pm-2", Content: "is this mine?"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, owner.Contact.ID, res.Contact.ID)
	assert.Equal(t, owner.Order.ID, res.Order.ID)

	require.Len(t, res.Warnings, 1)
	assert.ErrorIs(t, res.Warnings[0], errs.ErrDataIntegrity)
	assert.Contains(t, res.Warnings[0].Error(), "main_id 900")
	require.Len(t, r.codes, 1)
	assert.Equal(t, errs.CodeDataIntegrity, r.codes[0])
}
