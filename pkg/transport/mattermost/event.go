// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/watermark-relay/pkg/transport"
)

// postEvent is a posted message seen on the WebSocket.
type postEvent struct {
	client *Client
	post   *model.Post
	// photoID is the first image attachment, empty when there is none.
	photoID string
}

var _ transport.Event = (*postEvent)(nil)

func (e *postEvent) ChatID() string    { return e.post.ChannelId }
func (e *postEvent) MessageID() string { return e.post.Id }
func (e *postEvent) SenderID() string  { return e.post.UserId }
func (e *postEvent) Text() string      { return e.post.Message }
func (e *postEvent) HasPhoto() bool    { return e.photoID != "" }

// Download fetches the photo attachment and writes it to path.
func (e *postEvent) Download(ctx context.Context, path string) error {
	if e.photoID == "" {
		return transport.ErrNoPhoto
	}
	data, resp, err := e.client.client.GetFile(ctx, e.photoID)
	if err != nil {
		return fmt.Errorf("failed to download file %s: %w", e.photoID, classifyError(resp, err))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Reply posts text in the same thread as the message.
func (e *postEvent) Reply(ctx context.Context, text string) error {
	rootID := e.post.RootId
	if rootID == "" {
		rootID = e.post.Id
	}
	post := &model.Post{ChannelId: e.post.ChannelId, RootId: rootID, Message: text}
	if _, resp, err := e.client.client.CreatePost(ctx, post); err != nil {
		return fmt.Errorf("failed to send reply: %w", classifyError(resp, err))
	}
	return nil
}

// parsePostedEvent extracts a post from a WebSocket event. Returns (nil, nil)
// to skip silently, (nil, err) to log an error, or (event, nil) to proceed.
func (c *Client) parsePostedEvent(ctx context.Context, wsEvent *model.WebSocketEvent) (*postEvent, error) {
	postJSON, ok := wsEvent.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Skip own posts, including the cleaned photos we publish.
	if post.UserId == c.userID {
		return nil, nil
	}

	// Skip non-default post types (system messages).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	return &postEvent{client: c, post: &post, photoID: c.findPhoto(ctx, &post)}, nil
}

// findPhoto returns the ID of the first image attachment of post. File
// metadata embedded in the post is used when present; otherwise each file
// is looked up.
func (c *Client) findPhoto(ctx context.Context, post *model.Post) string {
	if post.Metadata != nil && len(post.Metadata.Files) > 0 {
		for _, info := range post.Metadata.Files {
			if isImage(info) {
				return info.Id
			}
		}
		return ""
	}
	for _, fileID := range post.FileIds {
		info, _, err := c.client.GetFileInfo(ctx, fileID)
		if err != nil {
			c.log.Warn().Err(err).Str("file_id", fileID).Str("post_id", post.Id).Msg("Failed to get file info")
			continue
		}
		if isImage(info) {
			return info.Id
		}
	}
	return ""
}

func isImage(info *model.FileInfo) bool {
	return info != nil && strings.HasPrefix(info.MimeType, "image/")
}

// classifyError maps Mattermost API failures onto the transport error kinds.
// A zero status means the request never got a response.
func classifyError(resp *model.Response, err error) error {
	if err == nil {
		return nil
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	var appErr *model.AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		status = appErr.StatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", transport.ErrRateLimited, err)
	case status == 0, status == http.StatusRequestTimeout, status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", transport.ErrRPC, err)
	default:
		return err
	}
}
