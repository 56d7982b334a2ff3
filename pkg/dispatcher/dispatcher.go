// Copyright 2024-2026 Aiku AI

// Package dispatcher consumes inbound chat events, answers liveness pings
// and starts an independent pipeline run for every admitted photo.
package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/aiku/watermark-relay/pkg/metrics"
	"github.com/aiku/watermark-relay/pkg/pipeline"
	"github.com/aiku/watermark-relay/pkg/transport"
)

// PongText is the reply to a liveness ping.
const PongText = "Pong! Bot is running."

// DefaultPingCommand is used when Config.PingCommand is empty.
const DefaultPingCommand = "!ping"

// Runner processes one photo event.
type Runner interface {
	Run(ctx context.Context, evt transport.Event) pipeline.Result
}

// Config holds the admission settings.
type Config struct {
	// AllowedChats lists chats whose photos are processed.
	AllowedChats []string
	PingCommand  string
	// MaxConcurrentRuns bounds in-flight runs; zero means unbounded.
	MaxConcurrentRuns int
}

// Dispatcher routes events from a MessageSource to a Runner.
type Dispatcher struct {
	source  transport.MessageSource
	runner  Runner
	allowed []string
	ping    string
	sem     *semaphore.Weighted
	log     zerolog.Logger
	wg      sync.WaitGroup
}

// New creates a Dispatcher.
func New(source transport.MessageSource, runner Runner, cfg Config, log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		source:  source,
		runner:  runner,
		allowed: slices.Clone(cfg.AllowedChats),
		ping:    cfg.PingCommand,
		log:     log.With().Str("component", "dispatcher").Logger(),
	}
	if d.ping == "" {
		d.ping = DefaultPingCommand
	}
	if cfg.MaxConcurrentRuns > 0 {
		d.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns))
	}
	return d
}

// Run consumes events until ctx is done or the source closes its channel.
// Runs already started keep going; use Wait to wait for them.
func (d *Dispatcher) Run(ctx context.Context) error {
	events, err := d.source.Events(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	d.log.Info().Strs("allowed_chats", d.allowed).Msg("Dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("Dispatcher stopping")
			return nil
		case evt, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("event source closed")
			}
			d.handle(ctx, evt)
		}
	}
}

// Wait blocks until all started runs finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Admit reports whether photos from chatID are processed.
func (d *Dispatcher) Admit(chatID string) bool {
	return slices.Contains(d.allowed, chatID)
}

func (d *Dispatcher) handle(ctx context.Context, evt transport.Event) {
	defer func() {
		if err := recover(); err != nil {
			d.log.Error().
				Bytes(zerolog.ErrorStackFieldName, debug.Stack()).
				Any(zerolog.ErrorFieldName, err).
				Msg("Panic while handling event")
		}
	}()

	if strings.TrimSpace(evt.Text()) == d.ping {
		metrics.EventsReceived.WithLabelValues("ping").Inc()
		d.log.Info().Str("sender_id", evt.SenderID()).Str("chat_id", evt.ChatID()).Msg("Ping received")
		if err := evt.Reply(ctx, PongText); err != nil {
			d.log.Warn().Err(err).Msg("Failed to reply to ping")
		}
		return
	}

	if !evt.HasPhoto() {
		metrics.EventsReceived.WithLabelValues("no_photo").Inc()
		return
	}
	if !d.Admit(evt.ChatID()) {
		metrics.EventsReceived.WithLabelValues("not_allowed").Inc()
		d.log.Debug().Str("chat_id", evt.ChatID()).Msg("Ignoring photo from chat that is not allowed")
		return
	}
	metrics.EventsReceived.WithLabelValues("admitted").Inc()
	d.log.Info().
		Str("chat_id", evt.ChatID()).
		Str("message_id", evt.MessageID()).
		Msg("Received photo")

	if d.sem != nil {
		start := time.Now()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.log.Warn().Err(err).Str("message_id", evt.MessageID()).Msg("Dropped photo while waiting for a run slot")
			return
		}
		if waited := time.Since(start); waited > time.Second {
			d.log.Debug().Dur("waited", waited).Msg("Waited for a run slot")
		}
	}

	d.wg.Add(1)
	go d.runOne(ctx, evt)
}

func (d *Dispatcher) runOne(ctx context.Context, evt transport.Event) {
	defer d.wg.Done()
	if d.sem != nil {
		defer d.sem.Release(1)
	}
	defer func() {
		if err := recover(); err != nil {
			d.log.Error().
				Bytes(zerolog.ErrorStackFieldName, debug.Stack()).
				Any(zerolog.ErrorFieldName, err).
				Str("message_id", evt.MessageID()).
				Msg("Panic in pipeline run")
		}
	}()
	d.runner.Run(ctx, evt)
}
