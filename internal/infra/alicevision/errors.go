package alicevision

import (
	"fmt"
	"strings"
	"time"
)

// ConfigurationError means the toolchain itself could not be resolved.
// Jobs failing with it are not worth retrying until the host is fixed.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "toolchain configuration: " + e.Reason
}

// StagePreconditionError reports a declared input that was missing or empty
// before a stage ran. The binary is never spawned in that case.
type StagePreconditionError struct {
	Stage  string
	Path   string
	Reason string
}

func (e *StagePreconditionError) Error() string {
	return fmt.Sprintf("stage %s precondition: %s (%s)", e.Stage, e.Path, e.Reason)
}

// ExternalToolError carries the full captured output of a binary that
// exited non-zero, for operator diagnosis.
type ExternalToolError struct {
	Stage    string
	Binary   string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ExternalToolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %s: %s exited with code %d", e.Stage, e.Binary, e.ExitCode)
	if out := strings.TrimSpace(e.Stderr); out != "" {
		b.WriteString("\nstderr: ")
		b.WriteString(out)
	}
	if out := strings.TrimSpace(e.Stdout); out != "" {
		b.WriteString("\nstdout: ")
		b.WriteString(out)
	}
	return b.String()
}

// StagePostconditionError reports a declared output that is missing or
// empty even though the binary exited zero.
type StagePostconditionError struct {
	Stage  string
	Path   string
	Reason string
}

func (e *StagePostconditionError) Error() string {
	return fmt.Sprintf("stage %s postcondition: %s (%s)", e.Stage, e.Path, e.Reason)
}

// ManifestLocationError means a nominally successful stage left its scene
// manifest at none of the canonical locations.
type ManifestLocationError struct {
	Stage  string
	Probed []string
}

func (e *ManifestLocationError) Error() string {
	return fmt.Sprintf("stage %s: manifest not found at %s", e.Stage, strings.Join(e.Probed, " or "))
}

// StageTimeoutError reports a stage that exceeded its configured deadline
// and was forcibly terminated.
type StageTimeoutError struct {
	Stage   string
	Timeout time.Duration
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s: timed out after %s", e.Stage, e.Timeout)
}
