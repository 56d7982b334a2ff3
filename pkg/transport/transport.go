// Copyright 2024-2026 Aiku AI

// Package transport defines the chat network contracts the relay consumes:
// an inbound event stream and an outbound photo publisher. Network
// implementations live in the mattermost and matrix sub-packages.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrRateLimited is wrapped by network errors caused by flood control.
	ErrRateLimited = errors.New("rate limited")
	// ErrRPC is wrapped by generic network or API failures worth retrying.
	ErrRPC = errors.New("rpc failure")
	// ErrNoPhoto is returned by Download on events without a photo.
	ErrNoPhoto = errors.New("event has no photo attachment")
)

// Event is a single inbound chat message.
type Event interface {
	// ChatID identifies the chat (channel, room) the message was posted in.
	ChatID() string
	// MessageID identifies the message within its network.
	MessageID() string
	// SenderID identifies the author of the message.
	SenderID() string
	// Text is the message body, possibly empty for photo-only messages.
	Text() string
	// HasPhoto reports whether the message carries an image attachment.
	HasPhoto() bool
	// Download writes the photo attachment to path.
	Download(ctx context.Context, path string) error
	// Reply posts a text reply to the message.
	Reply(ctx context.Context, text string) error
}

// MessageSource produces inbound events. The returned channel is closed
// when ctx is done or the source stops for good; it cannot be restarted.
type MessageSource interface {
	Events(ctx context.Context) (<-chan Event, error)
}

// Publisher posts an image file to a chat.
type Publisher interface {
	Publish(ctx context.Context, chatID, imagePath string) error
}

// Network bundles the two directions of one chat network connection.
type Network interface {
	MessageSource
	Publisher
	Close()
}
