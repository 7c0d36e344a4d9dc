// Package relay copies chat-transport attachments into durable storage so
// messages can reference a stable public URL.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edgard/murailocrm/internal/errs"
	"github.com/edgard/murailocrm/internal/resilience"
	"github.com/edgard/murailocrm/internal/storage"
)

// DefaultMaxBytes is the download ceiling when none is configured.
const DefaultMaxBytes int64 = 20 << 20

// ErrTooLarge is returned when the asset exceeds the size ceiling.
var ErrTooLarge = errors.New("attachment exceeds size limit")

// FileSource resolves a transport file id to a temporary download URL and
// the file path the transport stored it under.
type FileSource interface {
	ResolveFile(ctx context.Context, fileID string) (filePath, downloadURL string, err error)
}

// Ref identifies an attachment to relay.
type Ref struct {
	FileID string
	MainID int64
	// ContentType is what the transport claimed, if anything.
	ContentType string
}

// Attachment is a relayed asset.
type Attachment struct {
	URL  string
	MIME string
	Size int64
}

// Options configures a Relay.
type Options struct {
	MaxBytes   int64
	Retry      resilience.RetryConfig
	HTTPClient *http.Client
}

// Relay downloads transport files and republishes them.
type Relay struct {
	source   FileSource
	store    storage.Provider
	maxBytes int64
	retry    resilience.RetryConfig
	client   *http.Client
	logger   *slog.Logger
}

// New creates a relay.
func New(source FileSource, store storage.Provider, opts Options, logger *slog.Logger) *Relay {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		source:   source,
		store:    store,
		maxBytes: opts.MaxBytes,
		retry:    opts.Retry,
		client:   opts.HTTPClient,
		logger:   logger.With("component", "relay"),
	}
}

// Relay returns the public URL of the republished asset, or "" on any failure.
func (r *Relay) Relay(ctx context.Context, ref Ref) string {
	att, err := r.Fetch(ctx, ref)
	if err != nil {
		return ""
	}
	return att.URL
}

// Fetch resolves, downloads and uploads the asset. Failures are logged and
// returned; callers that only need degrade-to-empty semantics use Relay.
func (r *Relay) Fetch(ctx context.Context, ref Ref) (Attachment, error) {
	if r == nil || r.source == nil || r.store == nil {
		return Attachment{}, errors.New("relay not configured")
	}
	if strings.TrimSpace(ref.FileID) == "" {
		return Attachment{}, errs.NewValidation("attachment has no file id", nil)
	}
	log := r.logger.With("file_id", ref.FileID, "main_id", ref.MainID)

	var filePath, downloadURL string
	err := resilience.Retry(ctx, r.retry, log, "resolve_file", func(ctx context.Context) error {
		var err error
		filePath, downloadURL, err = r.source.ResolveFile(ctx, ref.FileID)
		return err
	})
	if err != nil {
		log.WarnContext(ctx, "Failed to resolve attachment", "error", err)
		return Attachment{}, fmt.Errorf("resolve file %s: %w", ref.FileID, err)
	}

	var data []byte
	var upstreamType string
	err = resilience.Retry(ctx, r.retry, log, "download_file", func(ctx context.Context) error {
		var err error
		data, upstreamType, err = r.download(ctx, downloadURL)
		return err
	})
	if err != nil {
		log.WarnContext(ctx, "Failed to download attachment", "error", err)
		return Attachment{}, fmt.Errorf("download file %s: %w", ref.FileID, err)
	}

	if upstreamType == "" {
		upstreamType = ref.ContentType
	}
	ext := strings.ToLower(path.Ext(filePath))
	contentType := detectType(ext, upstreamType)
	key := ObjectKey(ref.MainID, ext)

	url, err := r.store.Write(ctx, key, data, contentType)
	if err != nil {
		log.WarnContext(ctx, "Failed to store attachment", "key", key, "error", err)
		return Attachment{}, fmt.Errorf("store %s: %w", key, err)
	}

	log.InfoContext(ctx, "Attachment relayed", "key", key, "bytes", len(data), "content_type", contentType)
	return Attachment{URL: url, MIME: contentType, Size: int64(len(data))}, nil
}

// ObjectKey builds orders/<main_id>/<uuid><ext>.
func ObjectKey(mainID int64, ext string) string {
	scope := "unassigned"
	if mainID != 0 {
		scope = strconv.FormatInt(mainID, 10)
	}
	return "orders/" + scope + "/" + uuid.NewString() + ext
}

func (r *Relay) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", errs.NewValidation("invalid download URL", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", errs.NewTransient("download request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, "", errs.NewTransient(fmt.Sprintf("download returned %d", resp.StatusCode), nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, "", errs.NewValidation(fmt.Sprintf("download returned %d", resp.StatusCode), nil)
	}
	if resp.ContentLength > r.maxBytes {
		return nil, "", fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, resp.ContentLength, r.maxBytes)
	}

	data, err := io.ReadAll(&io.LimitedReader{R: resp.Body, N: r.maxBytes + 1})
	if err != nil {
		return nil, "", errs.NewTransient("failed to read download body", err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, r.maxBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
