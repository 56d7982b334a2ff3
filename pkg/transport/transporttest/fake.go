// Copyright 2024-2026 Aiku AI

// Package transporttest provides in-memory transport implementations for
// tests.
package transporttest

import (
	"context"
	"os"
	"sync"

	"github.com/aiku/watermark-relay/pkg/transport"
)

// Event is a configurable transport.Event. Photo holds the bytes written by
// Download; DownloadErrs are returned by successive Download calls before
// Photo is written.
type Event struct {
	Chat    string
	Message string
	Sender  string
	Body    string
	Photo   []byte

	mu           sync.Mutex
	DownloadErrs []error
	Downloads    int
	Replies      []string
	ReplyErr     error
}

var _ transport.Event = (*Event)(nil)

func (e *Event) ChatID() string    { return e.Chat }
func (e *Event) MessageID() string { return e.Message }
func (e *Event) SenderID() string  { return e.Sender }
func (e *Event) Text() string      { return e.Body }
func (e *Event) HasPhoto() bool    { return e.Photo != nil }

func (e *Event) Download(_ context.Context, path string) error {
	e.mu.Lock()
	attempt := e.Downloads
	e.Downloads++
	e.mu.Unlock()

	if attempt < len(e.DownloadErrs) && e.DownloadErrs[attempt] != nil {
		return e.DownloadErrs[attempt]
	}
	if e.Photo == nil {
		return transport.ErrNoPhoto
	}
	return os.WriteFile(path, e.Photo, 0o644)
}

func (e *Event) Reply(_ context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Replies = append(e.Replies, text)
	return e.ReplyErr
}

// DownloadCount returns the number of Download calls so far.
func (e *Event) DownloadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Downloads
}

// ReplyTexts returns a copy of the replies sent so far.
func (e *Event) ReplyTexts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.Replies...)
}

// Published records one Publish call.
type Published struct {
	ChatID string
	Path   string
	Data   []byte
}

// Publisher records publish calls. The file content is captured at call
// time so tests can inspect it after artifact cleanup.
type Publisher struct {
	mu    sync.Mutex
	calls []Published
	Err   error
}

var _ transport.Publisher = (*Publisher)(nil)

func (p *Publisher) Publish(_ context.Context, chatID, imagePath string) error {
	data, _ := os.ReadFile(imagePath)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Published{ChatID: chatID, Path: imagePath, Data: data})
	return p.Err
}

// Calls returns a copy of the recorded publish calls.
func (p *Publisher) Calls() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.calls...)
}

// Source is a MessageSource fed from a channel by the test.
type Source struct {
	C   chan transport.Event
	Err error
}

var _ transport.MessageSource = (*Source)(nil)

// NewSource creates a Source with a buffered event channel.
func NewSource(buffer int) *Source {
	return &Source{C: make(chan transport.Event, buffer)}
}

// Events forwards events from C until C is closed or ctx is done.
func (s *Source) Events(ctx context.Context) (<-chan transport.Event, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	out := make(chan transport.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-s.C:
				if !ok {
					return
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
