// Copyright 2024-2026 Aiku AI

// Package inpaint fills the masked region of an image using an external
// inpainting tool.
package inpaint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/watermark-relay/pkg/acquire"
	"github.com/aiku/watermark-relay/pkg/mask"
	"github.com/aiku/watermark-relay/pkg/metrics"
	"github.com/aiku/watermark-relay/pkg/retry"
)

// DefaultTimeout bounds a single tool invocation when none is configured.
const DefaultTimeout = 300 * time.Second

var (
	// ErrToolFailed means the tool exited with a non-zero status.
	ErrToolFailed = errors.New("inpainting tool failed")
	// ErrToolTimeout means a single invocation ran past its deadline.
	ErrToolTimeout = errors.New("inpainting tool timed out")
	// ErrNoOutput means the tool reported success without writing output.
	ErrNoOutput = errors.New("inpainting tool produced no output")
)

// Invocation describes one inpainting attempt.
type Invocation struct {
	Image  string
	Mask   string
	Output string
}

// Tool performs a single inpainting attempt. Implementations classify their
// errors with retry.Retryable or retry.Fatal.
type Tool interface {
	Run(ctx context.Context, inv Invocation) error
}

// Service runs a Tool with a per-attempt timeout and retry policy.
type Service struct {
	tool      Tool
	outputDir string
	timeout   time.Duration
	policy    retry.Policy
	log       zerolog.Logger
}

// NewService creates a Service writing into outputDir.
func NewService(tool Tool, outputDir string, timeout time.Duration, policy retry.Policy, log zerolog.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Service{
		tool:      tool,
		outputDir: outputDir,
		timeout:   timeout,
		policy:    policy,
		log:       log.With().Str("component", "inpaint").Logger(),
	}
	s.policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.Retries.WithLabelValues("inpaint").Inc()
		s.log.Warn().Err(err).
			Int("attempt", attempt+1).
			Int("max_retries", policy.MaxRetries).
			Dur("delay", delay).
			Msg("Inpainting failed, retrying")
	}
	return s
}

// OutputPath returns where the cleaned version of img is written.
func (s *Service) OutputPath(img *acquire.Image) string {
	return filepath.Join(s.outputDir, "cleaned_"+img.Name())
}

// Remove produces a cleaned copy of img with the masked region filled in.
func (s *Service) Remove(ctx context.Context, img *acquire.Image, m *mask.Mask) (*acquire.Image, error) {
	inv := Invocation{Image: img.Path, Mask: m.Path, Output: s.OutputPath(img)}

	_, err := retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, s.attempt(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("output", inv.Output).Msg("Watermark removed")
	return &acquire.Image{Path: inv.Output, Width: img.Width, Height: img.Height, Format: img.Format}, nil
}

func (s *Service) attempt(ctx context.Context, inv Invocation) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// A stale file from an earlier attempt must not count as output.
	_ = os.Remove(inv.Output)

	err := s.tool.Run(attemptCtx, inv)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return retry.Retryable(fmt.Errorf("%w after %s", ErrToolTimeout, s.timeout))
		}
		return err
	}

	info, statErr := os.Stat(inv.Output)
	if statErr != nil || info.Size() == 0 {
		return retry.Retryable(fmt.Errorf("%w: %s", ErrNoOutput, inv.Output))
	}
	return nil
}
