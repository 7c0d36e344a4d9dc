package handlers

import (
	"context"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/murailocrm/internal/pipeline"
)

const processTimeout = 2 * time.Minute

// NewInboundHandler returns the default handler: every message or reaction
// not claimed by a command is fed to the reconciliation pipeline.
func NewInboundHandler(deps HandlerDeps) bot.HandlerFunc {
	return inboundHandler{deps}.Handle
}

type inboundHandler struct {
	deps HandlerDeps
}

func (h inboundHandler) Handle(ctx context.Context, _ *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "inbound", "update_id", update.ID)

	var in pipeline.Inbound
	var ok bool
	switch {
	case update.Message != nil:
		in, ok = InboundFromMessage(update.Message)
	case update.EditedMessage != nil:
		in, ok = InboundFromMessage(update.EditedMessage)
	case update.MessageReaction != nil:
		in, ok = InboundFromReaction(update.MessageReaction)
	}
	if !ok {
		log.DebugContext(ctx, "Ignoring unsupported update")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()

	res, err := h.deps.Pipeline.Process(ctx, in)
	if err != nil {
		// Already logged and reported by the pipeline.
		return
	}
	if res.Message != nil {
		log.DebugContext(ctx, "Inbound message stored", "message_id", res.Message.ID, "kind", res.Message.Kind)
	}
}
