package handlers

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/murailocrm/internal/pipeline"
)

// NewStartHandler returns a handler for the /start command. It registers the
// sender as a contact before greeting them.
func NewStartHandler(deps HandlerDeps) bot.HandlerFunc {
	return startHandler{deps}.Handle
}

type startHandler struct {
	deps HandlerDeps
}

func (h startHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "start")

	if update.Message == nil || update.Message.From == nil {
		log.WarnContext(ctx, "Start handler received update with nil message or sender", "update_id", update.ID)
		return
	}
	msg := update.Message
	log.InfoContext(ctx, "Handling /start command", "chat_id", msg.Chat.ID, "user_id", msg.From.ID)

	if _, err := h.deps.Pipeline.Process(ctx, pipeline.Inbound{
		Source:    pipeline.SourceTelegram,
		Hints:     HintsFromUser(msg.From),
		SkipOrder: true,
	}); err != nil {
		log.ErrorContext(ctx, "Failed to register contact", "error", err, "user_id", msg.From.ID)
	}

	_, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: msg.Chat.ID, Text: h.deps.Config.Messages.Welcome})
	if err != nil {
		log.ErrorContext(ctx, "Failed to send welcome message", "error", err, "chat_id", msg.Chat.ID)
	}
}
