// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost implements the relay transport on top of the
// Mattermost REST API and WebSocket event stream.
package mattermost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/watermark-relay/pkg/retry"
	"github.com/aiku/watermark-relay/pkg/transport"
)

// Config holds the connection settings.
type Config struct {
	ServerURL string
	Token     string
}

// Client is an authenticated Mattermost bot connection.
type Client struct {
	client    *model.Client4
	serverURL string
	userID    string

	wsMu     sync.Mutex
	wsClient *model.WebSocketClient

	reconnectDelay time.Duration
	stopOnce       sync.Once
	stopChan       chan struct{}
	log            zerolog.Logger
}

var _ transport.Network = (*Client)(nil)

// New creates a client. Call Connect before using it.
func New(cfg Config, log zerolog.Logger) *Client {
	client := model.NewAPIv4Client(cfg.ServerURL)
	client.SetToken(cfg.Token)
	return &Client{
		client:         client,
		serverURL:      strings.TrimSuffix(cfg.ServerURL, "/"),
		reconnectDelay: 5 * time.Second,
		stopChan:       make(chan struct{}),
		log:            log.With().Str("component", "mm_client").Logger(),
	}
}

// Connect verifies the token and remembers the bot's own user ID so its
// posts can be ignored.
func (c *Client) Connect(ctx context.Context) error {
	c.log.Info().Str("server_url", c.serverURL).Msg("Connecting to Mattermost")
	me, resp, err := c.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost session: %w", classifyError(resp, err))
	}
	c.userID = me.Id
	c.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")
	return nil
}

// UserID returns the bot's Mattermost user ID once connected.
func (c *Client) UserID() string {
	return c.userID
}

// Events opens the WebSocket and streams posted messages until ctx is done
// or Close is called. Lost connections are re-established.
func (c *Client) Events(ctx context.Context) (<-chan transport.Event, error) {
	ws, err := c.connectWebSocket()
	if err != nil {
		return nil, err
	}
	out := make(chan transport.Event)
	go c.listenWebSocket(ctx, ws, out)
	return out, nil
}

func (c *Client) connectWebSocket() (*model.WebSocketClient, error) {
	wsURL := httpToWS(c.serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, c.client.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()

	c.wsMu.Lock()
	c.wsClient = ws
	c.wsMu.Unlock()

	c.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return ws, nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (c *Client) listenWebSocket(ctx context.Context, ws *model.WebSocketClient, out chan<- transport.Event) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			c.closeWebSocket()
			return
		case <-c.stopChan:
			return
		case wsEvent, ok := <-ws.EventChannel:
			if !ok {
				c.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				ws = c.reconnect(ctx)
				if ws == nil {
					return
				}
				continue
			}
			if wsEvent == nil {
				continue
			}
			c.handleEvent(ctx, wsEvent, out)
		}
	}
}

// reconnect retries the WebSocket connection with a fixed delay until it
// succeeds or the client stops. It returns nil when stopping.
func (c *Client) reconnect(ctx context.Context) *model.WebSocketClient {
	for {
		select {
		case <-c.stopChan:
			return nil
		default:
		}
		ws, err := c.connectWebSocket()
		if err == nil {
			return ws
		}
		c.log.Error().Err(err).Dur("delay", c.reconnectDelay).Msg("Failed to reconnect WebSocket")
		if retry.SleepContext(ctx, c.reconnectDelay) != nil {
			return nil
		}
	}
}

// handleEvent forwards posted messages that carry text or a photo.
func (c *Client) handleEvent(ctx context.Context, wsEvent *model.WebSocketEvent, out chan<- transport.Event) {
	if wsEvent.EventType() != model.WebsocketEventPosted {
		c.log.Trace().Str("event_type", string(wsEvent.EventType())).Msg("Unhandled event type")
		return
	}
	evt, err := c.parsePostedEvent(ctx, wsEvent)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to parse posted event")
		return
	}
	if evt == nil {
		return
	}
	select {
	case out <- evt:
	case <-ctx.Done():
	case <-c.stopChan:
	}
}

// Publish uploads the image at imagePath and posts it to channelID.
func (c *Client) Publish(ctx context.Context, channelID, imagePath string) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	uploadResp, resp, err := c.client.UploadFile(ctx, data, channelID, filepath.Base(imagePath))
	if err != nil {
		return fmt.Errorf("failed to upload to Mattermost: %w", classifyError(resp, err))
	}
	if len(uploadResp.FileInfos) == 0 {
		return fmt.Errorf("no file info returned from upload")
	}

	post := &model.Post{
		ChannelId: channelID,
		FileIds:   []string{uploadResp.FileInfos[0].Id},
	}
	if _, resp, err := c.client.CreatePost(ctx, post); err != nil {
		return fmt.Errorf("failed to create post: %w", classifyError(resp, err))
	}
	return nil
}

// Close stops the event stream and closes the WebSocket connection.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.closeWebSocket()
}

func (c *Client) closeWebSocket() {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.wsClient != nil {
		c.wsClient.Close()
		c.wsClient = nil
	}
}
