// Package handlers contains the Telegram update handlers that feed the
// reconciliation pipeline, the operator commands and their middleware.
package handlers

import (
	"context"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// AdminOnly lets a command through only when it comes from the configured
// admin user. An unset admin id disables the guarded commands entirely.
// Refusals are answered in private chats only; in groups the command is
// dropped silently so customers never see operator tooling.
func AdminOnly(deps HandlerDeps) tgbot.Middleware {
	return func(next tgbot.HandlerFunc) tgbot.HandlerFunc {
		return func(ctx context.Context, b *tgbot.Bot, update *models.Update) {
			msg := update.Message
			if msg == nil || msg.From == nil {
				return
			}

			if isAdmin(deps, msg.From.ID) {
				next(ctx, b, update)
				return
			}

			log := deps.Logger.With("middleware", "admin_only")
			log.WarnContext(ctx, "Operator command refused", "user_id", msg.From.ID, "chat_id", msg.Chat.ID, "text", msg.Text)
			if msg.Chat.Type != models.ChatTypePrivate || b == nil {
				return
			}
			if _, err := b.SendMessage(ctx, &tgbot.SendMessageParams{
				ChatID: msg.Chat.ID,
				Text:   deps.Config.Messages.ErrorUnauthorizedMsg,
			}); err != nil {
				log.ErrorContext(ctx, "Failed to send refusal", "error", err, "chat_id", msg.Chat.ID)
			}
		}
	}
}

func isAdmin(deps HandlerDeps, userID int64) bool {
	adminID := deps.Config.Telegram.AdminUserID
	return adminID != 0 && userID == adminID
}
