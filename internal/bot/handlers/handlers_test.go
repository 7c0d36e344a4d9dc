package handlers

import (
	"context"
	"io"
	"log/slog"
	"testing"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/murailocrm/internal/config"
	"github.com/edgard/murailocrm/internal/database"
	"github.com/edgard/murailocrm/internal/pipeline"
)

type fakeProcessor struct {
	calls []pipeline.Inbound
}

func (f *fakeProcessor) Process(_ context.Context, in pipeline.Inbound) (pipeline.Result, error) {
	f.calls = append(f.calls, in)
	return pipeline.Result{}, nil
}

func testDeps(p Processor) HandlerDeps {
	return HandlerDeps{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:   &config.Config{Telegram: config.TelegramConfig{AdminUserID: 42}},
		Pipeline: p,
	}
}

func TestInboundFromMessage_Text(t *testing.T) {
	msg := &models.Message{
		ID:   7,
		Date: 1700000000,
		Chat: models.Chat{ID: 1001, Type: models.ChatTypePrivate},
		Text: "hello",
		From: &models.User{ID: 1001, FirstName: "Ana", LastName: "Silva", Username: "ana"},
	}

	in, ok := InboundFromMessage(msg)
	require.True(t, ok)
	assert.Equal(t, pipeline.SourceTelegram, in.Source)
	assert.Equal(t, "1001", in.Hints.TelegramID)
	assert.Equal(t, "Ana", in.Hints.FirstName)
	require.NotNil(t, in.Message)
	assert.Equal(t, int64(7), in.Message.TelegramMessageID)
	assert.Equal(t, int64(1001), in.Message.TelegramChatID)
	assert.Equal(t, database.RoleClient, in.Message.Role)
	assert.Equal(t, "hello", in.Message.Content)
	assert.Equal(t, int64(1700000000), in.Message.SentAt.Unix())
}

func TestInboundFromMessage_Media(t *testing.T) {
	msg := &models.Message{
		ID:      8,
		Caption: "receipt",
		From:    &models.User{ID: 1001},
		Photo: []models.PhotoSize{
			{FileID: "small", Width: 90},
			{FileID: "large", Width: 1280},
		},
	}

	in, ok := InboundFromMessage(msg)
	require.True(t, ok)
	assert.Equal(t, "large", in.Message.FileID)
	assert.Equal(t, database.KindImage, in.Message.Kind)
	assert.Equal(t, "image/jpeg", in.Message.AttachmentMIME)
	assert.Equal(t, "receipt", in.Message.Content)

	doc := &models.Message{
		ID:       9,
		From:     &models.User{ID: 1001},
		Document: &models.Document{FileID: "doc", MimeType: "application/pdf"},
	}
	in, ok = InboundFromMessage(doc)
	require.True(t, ok)
	assert.Equal(t, database.KindFile, in.Message.Kind)
	assert.Equal(t, "application/pdf", in.Message.AttachmentMIME)
}

func TestInboundFromMessage_Skipped(t *testing.T) {
	_, ok := InboundFromMessage(nil)
	assert.False(t, ok)

	_, ok = InboundFromMessage(&models.Message{ID: 1, Text: "hi", From: &models.User{ID: 5, IsBot: true}})
	assert.False(t, ok, "bot messages")

	_, ok = InboundFromMessage(&models.Message{ID: 1, Text: "   ", From: &models.User{ID: 5}})
	assert.False(t, ok, "blank text without media")
}

func TestInboundFromCallback(t *testing.T) {
	in, ok := InboundFromCallback(&models.CallbackQuery{ID: "cb", From: models.User{ID: 77}, Data: "confirm"})
	require.True(t, ok)
	assert.Equal(t, "77", in.Hints.TelegramID)
	assert.Equal(t, "confirm", in.Message.Content)
	assert.Equal(t, database.KindText, in.Message.Kind)
	assert.Zero(t, in.Message.TelegramMessageID)

	_, ok = InboundFromCallback(&models.CallbackQuery{ID: "cb", From: models.User{ID: 77}})
	assert.False(t, ok)
}

func TestInboundFromReaction(t *testing.T) {
	r := &models.MessageReactionUpdated{
		MessageID: 12,
		Chat:      models.Chat{ID: -100500},
		User:      &models.User{ID: 55},
		Date:      1700000100,
		NewReaction: []models.ReactionType{
			{ReactionTypeEmoji: &models.ReactionTypeEmoji{Emoji: "👍"}},
			{ReactionTypeCustomEmoji: &models.ReactionTypeCustomEmoji{CustomEmojiID: "abc"}},
		},
	}

	in, ok := InboundFromReaction(r)
	require.True(t, ok)
	assert.True(t, in.Message.IsReaction)
	assert.Equal(t, []string{"👍", "custom:abc"}, in.Message.Emojis)
	assert.Equal(t, "tg:55", in.Message.Actor)
	assert.Equal(t, int64(12), in.Message.TelegramMessageID)
	assert.Equal(t, int64(-100500), in.Message.TelegramChatID, "reactions keep the chat they happened in")

	cleared, ok := InboundFromReaction(&models.MessageReactionUpdated{MessageID: 12, User: &models.User{ID: 55}})
	require.True(t, ok)
	assert.Empty(t, cleared.Message.Emojis)

	_, ok = InboundFromReaction(&models.MessageReactionUpdated{MessageID: 12})
	assert.False(t, ok, "anonymous reactions carry no user")
}

func TestInboundHandler_Dispatch(t *testing.T) {
	proc := &fakeProcessor{}
	h := NewInboundHandler(testDeps(proc))

	h(context.Background(), nil, &models.Update{ID: 1, Message: &models.Message{ID: 1, Text: "a", From: &models.User{ID: 9}}})
	h(context.Background(), nil, &models.Update{ID: 2, EditedMessage: &models.Message{ID: 1, Text: "b", From: &models.User{ID: 9}}})
	h(context.Background(), nil, &models.Update{ID: 3, MessageReaction: &models.MessageReactionUpdated{MessageID: 1, User: &models.User{ID: 9}}})
	h(context.Background(), nil, &models.Update{ID: 4})

	require.Len(t, proc.calls, 3)
	assert.Equal(t, "a", proc.calls[0].Message.Content)
	assert.Equal(t, "b", proc.calls[1].Message.Content)
	assert.True(t, proc.calls[2].Message.IsReaction)
}

func TestAdminOnly_AllowsAdmin(t *testing.T) {
	called := false
	next := func(context.Context, *tgbot.Bot, *models.Update) { called = true }

	mw := AdminOnly(testDeps(&fakeProcessor{}))
	mw(next)(context.Background(), nil, &models.Update{Message: &models.Message{
		Chat: models.Chat{ID: 1},
		From: &models.User{ID: 42},
	}})
	assert.True(t, called)
}

func TestAdminOnly_RefusesOthers(t *testing.T) {
	called := false
	next := func(context.Context, *tgbot.Bot, *models.Update) { called = true }

	AdminOnly(testDeps(&fakeProcessor{}))(next)(context.Background(), nil, &models.Update{Message: &models.Message{
		Chat: models.Chat{ID: -100, Type: models.ChatTypeSupergroup},
		From: &models.User{ID: 7},
		Text: "/sweep",
	}})
	assert.False(t, called)
}

func TestAdminOnly_IgnoresUpdatesWithoutSender(t *testing.T) {
	called := false
	next := func(context.Context, *tgbot.Bot, *models.Update) { called = true }

	AdminOnly(testDeps(&fakeProcessor{}))(next)(context.Background(), nil, &models.Update{})
	assert.False(t, called)
}

func TestParseSweepArgs(t *testing.T) {
	f, err := ParseSweepArgs("/sweep")
	require.NoError(t, err)
	assert.Zero(t, f.Limit)
	assert.Empty(t, f.ContactIDs)

	f, err = ParseSweepArgs("/sweep 25")
	require.NoError(t, err)
	assert.Equal(t, 25, f.Limit)

	f, err = ParseSweepArgs("/sweep 10 3,4 5")
	require.NoError(t, err)
	assert.Equal(t, 10, f.Limit)
	assert.Equal(t, []int64{3, 4, 5}, f.ContactIDs)

	f, err = ParseSweepArgs("/sweep 3,4")
	require.NoError(t, err)
	assert.Zero(t, f.Limit)
	assert.Equal(t, []int64{3, 4}, f.ContactIDs)

	_, err = ParseSweepArgs("/sweep many")
	assert.Error(t, err)
	_, err = ParseSweepArgs("/sweep 1 x,2")
	assert.Error(t, err)
}
