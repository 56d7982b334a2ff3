// Copyright 2024-2026 Aiku AI

// Package matrix implements the relay transport on top of the Matrix
// client-server API.
package matrix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/watermark-relay/pkg/retry"
	"github.com/aiku/watermark-relay/pkg/transport"
)

// Config holds the connection settings.
type Config struct {
	HomeserverURL string
	UserID        string
	AccessToken   string
}

// Client is a Matrix bot connection.
type Client struct {
	client *mautrix.Client
	log    zerolog.Logger

	// startedAt filters out history delivered by the first sync.
	startedAt time.Time
	syncDelay time.Duration

	stopOnce   sync.Once
	cancelMu   sync.Mutex
	cancelSync context.CancelFunc
}

var _ transport.Network = (*Client)(nil)

// New creates a client. Call Connect before using it.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	client, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	client.Log = log.With().Str("component", "mautrix").Logger()
	return &Client{
		client:    client,
		log:       log.With().Str("component", "matrix_client").Logger(),
		startedAt: time.Now(),
		syncDelay: 5 * time.Second,
	}, nil
}

// Connect verifies the access token.
func (c *Client) Connect(ctx context.Context) error {
	resp, err := c.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify Matrix session: %w", classifyError(err))
	}
	if c.client.UserID == "" {
		c.client.UserID = resp.UserID
	}
	c.log.Info().Stringer("user_id", resp.UserID).Msg("Authenticated")
	return nil
}

// Events starts syncing and streams room messages until ctx is done or
// Close is called. Sync failures are retried after a fixed delay.
func (c *Client) Events(ctx context.Context) (<-chan transport.Event, error) {
	syncer, ok := c.client.Syncer.(mautrix.ExtensibleSyncer)
	if !ok {
		return nil, fmt.Errorf("unsupported syncer type %T", c.client.Syncer)
	}

	syncCtx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancelSync = cancel
	c.cancelMu.Unlock()

	out := make(chan transport.Event)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		if converted := c.convertEvent(evt); converted != nil {
			select {
			case out <- converted:
			case <-syncCtx.Done():
			}
		}
	})

	go func() {
		defer close(out)
		for {
			err := c.client.SyncWithContext(syncCtx)
			if syncCtx.Err() != nil {
				return
			}
			c.log.Error().Err(err).Dur("delay", c.syncDelay).Msg("Sync failed, retrying")
			if retry.SleepContext(syncCtx, c.syncDelay) != nil {
				return
			}
		}
	}()
	return out, nil
}

// convertEvent returns nil for events the relay does not care about.
func (c *Client) convertEvent(evt *event.Event) *roomEvent {
	if evt.Sender == c.client.UserID {
		return nil
	}
	if time.UnixMilli(evt.Timestamp).Before(c.startedAt) {
		return nil
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return nil
	}
	return &roomEvent{client: c, evt: evt, content: content}
}

// Publish uploads the image at imagePath and sends it to roomID.
func (c *Client) Publish(ctx context.Context, roomID, imagePath string) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	mimeType := http.DetectContentType(data)
	upload, err := c.client.UploadBytes(ctx, data, mimeType)
	if err != nil {
		return fmt.Errorf("failed to upload to Matrix: %w", classifyError(err))
	}

	content := &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    filepath.Base(imagePath),
		URL:     upload.ContentURI.CUString(),
		Info: &event.FileInfo{
			MimeType: mimeType,
			Size:     len(data),
		},
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		content.Info.Width = cfg.Width
		content.Info.Height = cfg.Height
	}

	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content); err != nil {
		return fmt.Errorf("failed to send image: %w", classifyError(err))
	}
	return nil
}

// Close stops syncing.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		c.cancelMu.Lock()
		cancel := c.cancelSync
		c.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.client.StopSync()
	})
}

// classifyError maps Matrix API failures onto the transport error kinds.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mautrix.MLimitExceeded) {
		return fmt.Errorf("%w: %w", transport.ErrRateLimited, err)
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Response == nil {
			return fmt.Errorf("%w: %w", transport.ErrRPC, err)
		}
		status := httpErr.Response.StatusCode
		if status == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %w", transport.ErrRateLimited, err)
		}
		if status == http.StatusRequestTimeout || status >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %w", transport.ErrRPC, err)
		}
	}
	return err
}
