package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/murailocrm/internal/errs"
)

const fileBaseURL = "https://api.telegram.org/file/bot"

type fileGetter interface {
	GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error)
}

// FileResolver turns Telegram file ids into download URLs.
type FileResolver struct {
	client  fileGetter
	token   string
	baseURL string
}

// NewFileResolver creates a resolver over the bot client.
func NewFileResolver(client fileGetter, token string) *FileResolver {
	return &FileResolver{client: client, token: token, baseURL: fileBaseURL}
}

// ResolveFile calls getFile and builds the download link. Rejections by the
// Bot API are permanent; anything else is treated as transient.
func (r *FileResolver) ResolveFile(ctx context.Context, fileID string) (string, string, error) {
	if fileID == "" {
		return "", "", errs.NewValidation("empty file id", nil)
	}
	file, err := r.client.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		if errors.Is(err, bot.ErrorBadRequest) || errors.Is(err, bot.ErrorNotFound) || errors.Is(err, bot.ErrorForbidden) {
			return "", "", errs.NewValidation("telegram rejected getFile", err)
		}
		return "", "", errs.NewTransient("telegram getFile failed", err)
	}
	if file == nil || file.FilePath == "" {
		return "", "", errs.NewValidation(fmt.Sprintf("telegram returned no file path for %s", fileID), nil)
	}
	return file.FilePath, strings.TrimRight(r.baseURL, "/") + r.token + "/" + file.FilePath, nil
}
