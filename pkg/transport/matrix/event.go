// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/watermark-relay/pkg/transport"
)

var errEncryptedMedia = errors.New("encrypted media is not supported")

// roomEvent is an m.room.message event.
type roomEvent struct {
	client  *Client
	evt     *event.Event
	content *event.MessageEventContent
}

var _ transport.Event = (*roomEvent)(nil)

func (e *roomEvent) ChatID() string    { return e.evt.RoomID.String() }
func (e *roomEvent) MessageID() string { return e.evt.ID.String() }
func (e *roomEvent) SenderID() string  { return e.evt.Sender.String() }

func (e *roomEvent) Text() string {
	if e.content.MsgType == event.MsgText || e.content.MsgType == event.MsgNotice {
		return e.content.Body
	}
	return ""
}

// HasPhoto reports image messages. Files with an image MIME type count too,
// since clients send uncompressed pictures that way.
func (e *roomEvent) HasPhoto() bool {
	switch e.content.MsgType {
	case event.MsgImage:
		return true
	case event.MsgFile:
		return e.content.Info != nil && strings.HasPrefix(e.content.Info.MimeType, "image/")
	default:
		return false
	}
}

// Download fetches the media of the message and writes it to path.
func (e *roomEvent) Download(ctx context.Context, path string) error {
	if !e.HasPhoto() {
		return transport.ErrNoPhoto
	}
	if e.content.File != nil {
		return errEncryptedMedia
	}
	uri, err := e.content.URL.Parse()
	if err != nil {
		return fmt.Errorf("invalid media URL %q: %w", e.content.URL, err)
	}
	data, err := e.client.client.DownloadBytes(ctx, uri)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", uri, classifyError(err))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Reply sends text as a reply to the message.
func (e *roomEvent) Reply(ctx context.Context, text string) error {
	content := &event.MessageEventContent{MsgType: event.MsgNotice, Body: text}
	content.SetReply(e.evt)
	_, err := e.client.client.SendMessageEvent(ctx, id.RoomID(e.ChatID()), event.EventMessage, content)
	if err != nil {
		return fmt.Errorf("failed to send reply: %w", classifyError(err))
	}
	return nil
}
