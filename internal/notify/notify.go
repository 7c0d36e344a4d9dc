// Package notify reports data-integrity warnings and pipeline failures to a
// human operator.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/murailocrm/internal/errs"
)

// maxMessageLen keeps reports under Telegram's 4096 character limit.
const maxMessageLen = 3500

// Notifier delivers operator reports. Implementations must not block the caller
// for long and must never fail the operation being reported.
type Notifier interface {
	Notify(ctx context.Context, subject string, err error)
}

// Log writes reports to the structured log only.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, subject string, err error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "Operator report", "subject", subject, "code", errs.Code(err), "error", err)
}

// Sender is the part of the Telegram client used to deliver reports.
type Sender interface {
	SendMessage(ctx context.Context, params *tgbot.SendMessageParams) (*models.Message, error)
}

// Telegram posts reports to the operator chat and also logs them.
type Telegram struct {
	sender  Sender
	chatID  int64
	timeout time.Duration
	log     Log
}

// NewTelegram returns a Telegram notifier, or a log-only notifier when the
// sender or chat is not configured.
func NewTelegram(sender Sender, chatID int64, logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notifier")
	if sender == nil || chatID == 0 {
		logger.Info("Operator chat not configured, reports go to the log only")
		return Log{Logger: logger}
	}
	return &Telegram{sender: sender, chatID: chatID, timeout: 10 * time.Second, log: Log{Logger: logger}}
}

func (t *Telegram) Notify(ctx context.Context, subject string, err error) {
	t.log.Notify(ctx, subject, err)

	// The caller's context may already be done when reporting its failure.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()

	_, sendErr := t.sender.SendMessage(sendCtx, &tgbot.SendMessageParams{
		ChatID: t.chatID,
		Text:   Format(subject, err),
	})
	if sendErr != nil {
		t.log.Logger.WarnContext(ctx, "Failed to deliver operator report", "chat_id", t.chatID, "error", sendErr)
	}
}

// Format renders a report as plain text.
func Format(subject string, err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", errs.Code(err), subject)
	if err != nil {
		b.WriteString("\n")
		b.WriteString(err.Error())
	}
	out := b.String()
	if len(out) > maxMessageLen {
		out = strings.ToValidUTF8(out[:maxMessageLen], "") + "…"
	}
	return out
}
