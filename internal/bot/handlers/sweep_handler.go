package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/murailocrm/internal/merge"
)

// NewSweepHandler runs the merge sweep on demand: /sweep [limit] [id,id,...].
func NewSweepHandler(deps HandlerDeps) bot.HandlerFunc {
	return sweepHandler{deps}.Handle
}

type sweepHandler struct {
	deps HandlerDeps
}

func (h sweepHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "sweep")
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	reply := func(text string) {
		if _, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
			log.ErrorContext(ctx, "Failed to send sweep reply", "error", err, "chat_id", chatID)
		}
	}

	filter, err := ParseSweepArgs(update.Message.Text)
	if err != nil {
		reply(err.Error())
		return
	}
	if filter.Limit == 0 && len(filter.ContactIDs) == 0 {
		filter.Limit = h.deps.Config.Merge.BatchLimit
	}

	reply(h.deps.Config.Messages.SweepStarted)
	log.InfoContext(ctx, "Manual merge sweep requested", "limit", filter.Limit, "ids", len(filter.ContactIDs))

	report, err := h.deps.Merge.Sweep(ctx, filter)
	if err != nil {
		log.ErrorContext(ctx, "Manual merge sweep failed", "error", err)
		reply(h.deps.Config.Messages.ErrorGeneralMsg)
		return
	}
	reply("Merge sweep finished: " + report.String())
}

// ParseSweepArgs reads "/sweep [limit] [id,id,...]".
func ParseSweepArgs(text string) (merge.Filter, error) {
	var f merge.Filter
	fields := strings.Fields(text)
	if len(fields) > 0 && strings.HasPrefix(fields[0], "/") {
		fields = fields[1:]
	}
	for i, arg := range fields {
		if i > 0 || strings.Contains(arg, ",") {
			for _, part := range strings.Split(arg, ",") {
				if part == "" {
					continue
				}
				id, err := strconv.ParseInt(part, 10, 64)
				if err != nil || id <= 0 {
					return f, fmt.Errorf("invalid contact id %q", part)
				}
				f.ContactIDs = append(f.ContactIDs, id)
			}
			continue
		}
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", arg)
		}
		f.Limit = n
	}
	return f, nil
}
