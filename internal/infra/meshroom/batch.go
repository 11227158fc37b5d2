// Package meshroom implements the reconstruction contract on top of the
// single meshroom_batch binary, which drives the whole photogrammetry
// graph internally instead of exposing one binary per stage.
package meshroom

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"
)

type Batch struct {
	binary   string
	forceCPU bool
	logger   *zap.Logger
}

func NewBatch(binary string, forceCPU bool, logger *zap.Logger) *Batch {
	return &Batch{binary: binary, forceCPU: forceCPU, logger: logger}
}

func (b *Batch) Reconstruct(ctx context.Context, inputDir, outputDir string) error {
	binary, err := exec.LookPath(b.binary)
	if err != nil {
		return fmt.Errorf("meshroom binary not found: %w", err)
	}
	absIn, err := filepath.Abs(inputDir)
	if err != nil {
		return fmt.Errorf("resolve input dir: %w", err)
	}
	absOut, err := filepath.Abs(outputDir)
	if err != nil {
		return fmt.Errorf("resolve output dir: %w", err)
	}
	if err := os.MkdirAll(absOut, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	args := []string{
		"--input", absIn,
		"--output", absOut,
		"--cache", filepath.Join(absOut, "cache"),
		"--save", filepath.Join(absOut, "pipeline.mg"),
		"-v", "info",
	}
	if b.forceCPU {
		args = append(args, "--forceCpu")
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = prependPath(os.Environ(), filepath.Dir(binary))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.logger.Info("meshroom batch starting",
		zap.String("input", absIn),
		zap.String("output", absOut),
	)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("meshroom batch failed: %w\nstderr: %s\nstdout: %s",
			err, stderr.String(), stdout.String())
	}

	b.logger.Info("meshroom batch finished", zap.String("output", absOut))
	return nil
}

func prependPath(env []string, dir string) []string {
	out := make([]string, 0, len(env)+1)
	path := dir
	for _, kv := range env {
		if len(kv) > 5 && kv[:5] == "PATH=" {
			path = dir + ":" + kv[5:]
			continue
		}
		out = append(out, kv)
	}
	return append(out, "PATH="+path)
}
