package alicevision

import "context"

// ManifestSpec describes where a stage is supposed to leave the scene
// manifest. Some toolchain builds write it directly into the stage's output
// directory, others nest it one level deeper under a stage-named
// subdirectory; the orchestrator probes both and promotes the nested copy
// so that downstream stages always read from the canonical path.
type ManifestSpec struct {
	Dir  func(l *Layout) string
	Name string
}

// Stage declares one step of the reconstruction pipeline: the binary to
// invoke (or an in-process function), the paths that must exist before it
// runs and the paths it must leave behind. A stage only ever runs once all
// its inputs exist, so a binary never gets the chance to fail opaquely on
// missing files.
type Stage struct {
	Name   string
	Binary string

	// Args builds the invocation for binary stages.
	Args func(l *Layout) []string

	// Local replaces the binary invocation for in-process stages such as
	// pair generation.
	Local func(ctx context.Context, l *Layout) error

	// Inputs must exist before the stage runs; directories must be
	// non-empty.
	Inputs func(l *Layout) []string

	// Outputs must exist after the stage succeeds; files must be non-empty
	// and directories must contain at least one entry.
	Outputs func(l *Layout) []string

	// OutputsMayBeEmpty must exist after the stage succeeds but may be
	// zero-length (a pair list for a degenerate two-view scene is valid
	// and empty).
	OutputsMayBeEmpty func(l *Layout) []string

	// OutputGlobs are patterns that must each match at least one file
	// after the stage succeeds. Stages writing into a directory that is
	// already populated (features, matches) declare their own artifacts
	// here, since a bare non-empty check on such a directory proves
	// nothing.
	OutputGlobs func(l *Layout) []string

	Manifest *ManifestSpec
}
