// Copyright 2024-2026 Aiku AI

// Package acquire downloads inbound photo attachments to local storage and
// validates them before they enter the removal pipeline.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/watermark-relay/pkg/metrics"
	"github.com/aiku/watermark-relay/pkg/retry"
	"github.com/aiku/watermark-relay/pkg/transport"
)

var (
	// ErrEmptyDownload means the transport reported success but left no
	// data behind.
	ErrEmptyDownload = errors.New("downloaded file is missing or empty")
	// ErrUnsupportedImage means the downloaded file is not a decodable image.
	ErrUnsupportedImage = errors.New("unsupported image")
)

// Image is a validated image on local disk.
type Image struct {
	Path   string
	Width  int
	Height int
	Format string
}

// Name returns the base file name of the image.
func (i *Image) Name() string {
	return filepath.Base(i.Path)
}

// Stem returns the base file name without its extension.
func (i *Image) Stem() string {
	name := i.Name()
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Acquirer downloads photos into a single directory.
type Acquirer struct {
	dir    string
	policy retry.Policy
	log    zerolog.Logger
	now    func() time.Time
}

// New creates an Acquirer that writes into dir.
func New(dir string, policy retry.Policy, log zerolog.Logger) *Acquirer {
	a := &Acquirer{
		dir:    dir,
		policy: policy,
		log:    log.With().Str("component", "acquire").Logger(),
		now:    time.Now,
	}
	userOnRetry := policy.OnRetry
	a.policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.Retries.WithLabelValues("download").Inc()
		a.log.Warn().Err(err).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Download failed, retrying")
		if userOnRetry != nil {
			userOnRetry(attempt, delay, err)
		}
	}
	return a
}

// SetClock overrides the clock used to build file names.
func (a *Acquirer) SetClock(now func() time.Time) {
	a.now = now
}

// Fetch downloads the photo attached to evt and decodes its header.
// Transport failures are retried with the configured policy; a file that
// cannot be decoded fails immediately.
func (a *Acquirer) Fetch(ctx context.Context, evt transport.Event) (*Image, error) {
	if !evt.HasPhoto() {
		return nil, retry.Fatal(transport.ErrNoPhoto)
	}
	path := filepath.Join(a.dir, a.fileName(evt.MessageID()))

	_, err := retry.Do(ctx, a.policy, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, a.download(ctx, evt, path)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download photo: %w", err)
	}

	img, err := decodeHeader(path)
	if err != nil {
		return nil, retry.Fatal(err)
	}
	a.log.Info().
		Str("path", img.Path).
		Int("width", img.Width).
		Int("height", img.Height).
		Str("format", img.Format).
		Msg("Downloaded photo")
	return img, nil
}

func (a *Acquirer) download(ctx context.Context, evt transport.Event, path string) error {
	if err := evt.Download(ctx, path); err != nil {
		return classify(err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return retry.Retryable(fmt.Errorf("%w: %s", ErrEmptyDownload, path))
	}
	return nil
}

// classify maps transport errors onto retry classifications.
func classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, transport.ErrRateLimited), errors.Is(err, transport.ErrRPC):
		return retry.Retryable(err)
	default:
		return retry.Fatal(err)
	}
}

func (a *Acquirer) fileName(messageID string) string {
	return fmt.Sprintf("%s_%s.jpg", a.now().Format("20060102_150405"), sanitize(messageID))
}

// sanitize keeps message IDs usable as file name components. Matrix event
// IDs contain '$' and ':' for example.
func sanitize(id string) string {
	if id == "" {
		return "msg"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

// decodeHeader reads the image dimensions and renames the file so its
// extension matches the detected format.
func decodeHeader(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open downloaded photo: %w", err)
	}
	cfg, format, err := image.DecodeConfig(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: zero dimension %dx%d", ErrUnsupportedImage, cfg.Width, cfg.Height)
	}

	ext := extensionFor(format)
	if filepath.Ext(path) != ext {
		renamed := strings.TrimSuffix(path, filepath.Ext(path)) + ext
		if err := os.Rename(path, renamed); err != nil {
			return nil, fmt.Errorf("failed to rename photo: %w", err)
		}
		path = renamed
	}
	return &Image{Path: path, Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

func extensionFor(format string) string {
	switch format {
	case "jpeg":
		return ".jpg"
	default:
		return "." + format
	}
}
