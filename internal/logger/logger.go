// Package logger builds the process-wide slog logger and the Telegram update
// logging middleware.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates the stdout logger and installs it as the slog default.
func NewLogger(levelStr string, jsonOutput bool) *slog.Logger {
	logger := New(os.Stdout, levelStr, jsonOutput)
	slog.SetDefault(logger)
	return logger
}

// New creates a logger writing to w.
func New(w io.Writer, levelStr string, jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(levelStr)}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Middleware logs every incoming Telegram update with its type and the time
// the handler chain took.
func Middleware(log *slog.Logger) bot.Middleware {
	return func(next bot.HandlerFunc) bot.HandlerFunc {
		return func(ctx context.Context, b *bot.Bot, update *models.Update) {
			startTime := time.Now()
			entry := log.With(append([]any{"update_id", update.ID}, updateAttrs(update)...)...)

			entry.DebugContext(ctx, "Processing update")
			next(ctx, b, update)
			entry.InfoContext(ctx, "Finished processing update", "duration", time.Since(startTime))
		}
	}
}

func updateAttrs(update *models.Update) []any {
	switch {
	case update.Message != nil:
		m := update.Message
		attrs := []any{"update_type", "message", "message_id", m.ID, "chat_id", m.Chat.ID}
		if m.From != nil {
			attrs = append(attrs, "user_id", m.From.ID)
		}
		if m.Text != "" {
			attrs = append(attrs, "text_preview", truncateString(m.Text, 50))
		}
		return attrs
	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		attrs := []any{"update_type", "callback_query", "callback_query_id", cq.ID, "user_id", cq.From.ID, "data", cq.Data}
		if cq.Message.Message != nil {
			attrs = append(attrs, "chat_id", cq.Message.Message.Chat.ID)
		}
		return attrs
	case update.MessageReaction != nil:
		r := update.MessageReaction
		attrs := []any{"update_type", "message_reaction", "message_id", r.MessageID, "chat_id", r.Chat.ID}
		if r.User != nil {
			attrs = append(attrs, "user_id", r.User.ID)
		}
		return attrs
	default:
		return []any{"update_type", "other"}
	}
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return string(r[:maxLen-3]) + "..."
}
