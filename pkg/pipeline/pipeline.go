// Copyright 2024-2026 Aiku AI

// Package pipeline drives a single photo through acquire, mask, inpaint and
// publish. Every run ends in Done or Failed; a failed run publishes nothing
// and never affects other runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiku/watermark-relay/pkg/acquire"
	"github.com/aiku/watermark-relay/pkg/mask"
	"github.com/aiku/watermark-relay/pkg/metrics"
	"github.com/aiku/watermark-relay/pkg/retry"
	"github.com/aiku/watermark-relay/pkg/transport"
)

var (
	// ErrValidation is wrapped around input problems that no retry can fix.
	ErrValidation = errors.New("validation failed")
	// ErrPanic is wrapped around a recovered panic inside a stage.
	ErrPanic = errors.New("stage panicked")
)

// State is the position of a run in the pipeline.
type State int

const (
	Idle State = iota
	Acquiring
	Masking
	Inpainting
	Publishing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Masking:
		return "masking"
	case Inpainting:
		return "inpainting"
	case Publishing:
		return "publishing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result is the outcome of one run. Stage is the last stage entered, so for
// a failed run it names the stage that failed.
type Result struct {
	RunID    string
	State    State
	Stage    State
	Output   string
	Err      error
	Duration time.Duration
}

// Reason classifies a failed run's error for logs and metrics.
func (r Result) Reason() string {
	switch {
	case r.Err == nil:
		return ""
	case errors.Is(r.Err, ErrPanic):
		return "panic"
	case errors.Is(r.Err, ErrValidation):
		return "validation"
	case errors.Is(r.Err, retry.ErrExhausted):
		return "exhausted"
	case errors.Is(r.Err, context.Canceled), errors.Is(r.Err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "fatal"
	}
}

// Fetcher acquires the photo of an event.
type Fetcher interface {
	Fetch(ctx context.Context, evt transport.Event) (*acquire.Image, error)
}

// Remover inpaints the masked region of an image.
type Remover interface {
	Remove(ctx context.Context, img *acquire.Image, m *mask.Mask) (*acquire.Image, error)
}

// Config holds the static settings of a pipeline.
type Config struct {
	Region       mask.Region
	MaskDir      string
	TargetChatID string
	// CleanupArtifacts removes the input, mask and output files when the
	// run ends.
	CleanupArtifacts bool
}

// Pipeline runs photos through the stages. It is safe for concurrent use;
// each Run owns its files exclusively.
type Pipeline struct {
	fetcher   Fetcher
	remover   Remover
	publisher transport.Publisher
	cfg       Config
	log       zerolog.Logger
	tracer    trace.Tracer
}

// New creates a Pipeline.
func New(fetcher Fetcher, remover Remover, publisher transport.Publisher, cfg Config, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		fetcher:   fetcher,
		remover:   remover,
		publisher: publisher,
		cfg:       cfg,
		log:       log.With().Str("component", "pipeline").Logger(),
		tracer:    otel.Tracer("github.com/aiku/watermark-relay/pkg/pipeline"),
	}
}

type run struct {
	Result
	log       zerolog.Logger
	artifacts []string
}

// Run processes the photo attached to evt.
func (p *Pipeline) Run(ctx context.Context, evt transport.Event) Result {
	r := &run{Result: Result{RunID: uuid.NewString(), State: Idle, Stage: Idle}}
	r.log = p.log.With().
		Str("run_id", r.RunID).
		Str("chat_id", evt.ChatID()).
		Str("message_id", evt.MessageID()).
		Logger()

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run_id", r.RunID),
		attribute.String("chat_id", evt.ChatID()),
		attribute.String("message_id", evt.MessageID()),
	))
	defer span.End()

	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	start := time.Now()
	r.log.Info().Msg("Processing photo")
	err := p.execute(ctx, r, evt)
	r.Duration = time.Since(start)

	if err != nil {
		r.State = Failed
		r.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Error().Err(err).
			Stringer("stage", r.Stage).
			Str("reason", r.Reason()).
			Dur("duration", r.Duration).
			Msg("Run failed")
	} else {
		r.State = Done
		r.log.Info().
			Str("output", r.Output).
			Dur("duration", r.Duration).
			Msg("Run finished")
	}
	metrics.RunsTotal.WithLabelValues(r.State.String(), r.Stage.String()).Inc()

	if p.cfg.CleanupArtifacts {
		p.cleanup(r)
	}
	return r.Result
}

func (p *Pipeline) execute(ctx context.Context, r *run, evt transport.Event) error {
	var img *acquire.Image
	err := p.stage(ctx, r, Acquiring, func(ctx context.Context) (err error) {
		img, err = p.fetcher.Fetch(ctx, evt)
		if errors.Is(err, acquire.ErrUnsupportedImage) {
			err = fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if img != nil {
			r.artifacts = append(r.artifacts, img.Path)
		}
		return err
	})
	if err != nil {
		return err
	}

	var m *mask.Mask
	err = p.stage(ctx, r, Masking, func(ctx context.Context) (err error) {
		path := filepath.Join(p.cfg.MaskDir, "mask_"+img.Stem()+".png")
		m, err = mask.Build(img.Width, img.Height, p.cfg.Region, path)
		switch {
		case errors.Is(err, mask.ErrMaskTooLarge), errors.Is(err, mask.ErrInvalidSize):
			return fmt.Errorf("%w: %w", ErrValidation, err)
		case err != nil:
			return err
		}
		r.artifacts = append(r.artifacts, m.Path)
		r.log.Debug().
			Int("x", m.Rect.X).
			Int("y", m.Rect.Y).
			Int("width", m.Rect.Width).
			Int("height", m.Rect.Height).
			Str("path", m.Path).
			Msg("Created mask")
		return nil
	})
	if err != nil {
		return err
	}

	var cleaned *acquire.Image
	err = p.stage(ctx, r, Inpainting, func(ctx context.Context) (err error) {
		cleaned, err = p.remover.Remove(ctx, img, m)
		if cleaned != nil {
			r.artifacts = append(r.artifacts, cleaned.Path)
		}
		return err
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, r, Publishing, func(ctx context.Context) error {
		if err := p.publisher.Publish(ctx, p.cfg.TargetChatID, cleaned.Path); err != nil {
			return err
		}
		r.log.Info().Str("target_chat_id", p.cfg.TargetChatID).Msg("Forwarded cleaned photo")
		return nil
	})
	if err != nil {
		return err
	}
	r.Output = cleaned.Path
	return nil
}

// stage runs fn as the given stage, recording its duration and converting
// a panic into an error.
func (p *Pipeline) stage(ctx context.Context, r *run, s State, fn func(ctx context.Context) error) (err error) {
	r.Stage = s
	ctx, span := p.tracer.Start(ctx, "pipeline."+s.String())
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w in %s: %v", ErrPanic, s, rec)
		}
		metrics.StageDuration.WithLabelValues(s.String()).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return fn(ctx)
}

func (p *Pipeline) cleanup(r *run) {
	for _, path := range r.artifacts {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Warn().Err(err).Str("path", path).Msg("Failed to remove artifact")
		}
	}
}
