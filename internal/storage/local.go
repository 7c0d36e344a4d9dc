package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Local stores objects on the filesystem below a root directory.
type Local struct {
	root    string
	baseURL string
	logger  *slog.Logger
}

// NewLocal creates the root directory if needed.
func NewLocal(root, baseURL string, logger *slog.Logger) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("local storage root cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	return &Local{root: root, baseURL: baseURL, logger: logger.With("component", "storage", "backend", "local")}, nil
}

// Root returns the directory objects are written to.
func (l *Local) Root() string { return l.root }

// Write stores data atomically via a temp file and rename.
func (l *Local) Write(ctx context.Context, key string, data []byte, _ string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	target := filepath.Join(l.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("failed to publish %s: %w", key, err)
	}

	l.logger.DebugContext(ctx, "Stored object", "key", key, "bytes", len(data))
	return publicURL(l.baseURL, key), nil
}
