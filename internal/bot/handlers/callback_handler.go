package handlers

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// NewCallbackHandler answers inline-button presses and stores them as
// client messages.
func NewCallbackHandler(deps HandlerDeps) bot.HandlerFunc {
	return callbackHandler{deps}.Handle
}

type callbackHandler struct {
	deps HandlerDeps
}

func (h callbackHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	cq := update.CallbackQuery
	if cq == nil {
		return
	}
	log := h.deps.Logger.With("handler", "callback", "user_id", cq.From.ID)

	// Answer first so the client stops showing the progress spinner.
	if _, err := b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: cq.ID}); err != nil {
		log.WarnContext(ctx, "Failed to answer callback query", "error", err)
	}

	in, ok := InboundFromCallback(cq)
	if !ok {
		log.DebugContext(ctx, "Ignoring empty callback query")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()
	if _, err := h.deps.Pipeline.Process(ctx, in); err == nil {
		log.DebugContext(ctx, "Callback stored", "data", cq.Data)
	}
}
