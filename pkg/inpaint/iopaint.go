// Copyright 2024-2026 Aiku AI

package inpaint

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"

	"github.com/aiku/watermark-relay/pkg/retry"
)

const stderrTailSize = 2048

// IOPaint runs the iopaint command line tool.
type IOPaint struct {
	Command        string
	Model          string
	Device         string
	FatalExitCodes []int
}

// Args returns the command line arguments for inv.
func (t *IOPaint) Args(inv Invocation) []string {
	return []string{
		"run",
		"--model", t.Model,
		"--device", t.Device,
		"--image", inv.Image,
		"--mask", inv.Mask,
		"--output", inv.Output,
	}
}

// Run executes iopaint once and classifies its failure.
func (t *IOPaint) Run(ctx context.Context, inv Invocation) error {
	cmd := exec.CommandContext(ctx, t.Command, t.Args(inv)...)
	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.As(err, &exitErr):
		failure := fmt.Errorf("%w: exit code %d: %s", ErrToolFailed, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		if slices.Contains(t.FatalExitCodes, exitErr.ExitCode()) {
			return retry.Fatal(failure)
		}
		return retry.Retryable(failure)
	default:
		// Missing binary, permission denied and similar will not heal.
		return retry.Fatal(fmt.Errorf("failed to start %s: %w", t.Command, err))
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
