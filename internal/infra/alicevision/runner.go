package alicevision

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

type Command struct {
	Binary string
	Args   []string
	Env    []string
	Dir    string
}

type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes one toolchain binary to completion with fully captured
// output. It exists as an interface so the orchestrator's sequencing can be
// tested without spawning processes.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

type execRunner struct{}

func NewRunner() Runner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}
