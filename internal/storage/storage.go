// Package storage publishes relayed attachments to durable storage and returns
// the public URL they are served from.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/edgard/murailocrm/internal/config"
)

// ErrInvalidKey is returned for empty or escaping object keys.
var ErrInvalidKey = errors.New("invalid storage key")

// Provider writes an object and returns its public URL.
type Provider interface {
	Write(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// New builds the provider selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Provider, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.LocalDir, cfg.PublicBaseURL, logger)
	case "s3":
		return NewS3(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// cleanKey normalizes a slash-separated key and rejects traversal.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

// publicURL joins the base URL and the escaped key.
func publicURL(base, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}
