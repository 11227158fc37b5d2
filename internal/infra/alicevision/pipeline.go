package alicevision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/meshify/meshify-reconstruction-service/internal/infra/metrics"
)

type Options struct {
	ForceCPU bool

	// StageTimeout bounds each binary stage. Zero keeps the historical
	// behaviour of waiting forever.
	StageTimeout time.Duration
}

// Pipeline sequences the toolchain binaries over a shared cache directory.
// Stages run strictly in order, each consuming the files the previous one
// produced; the pipeline stops at the first failure and never retries (the
// queue consumer reruns the whole job if retrying is wanted).
type Pipeline struct {
	toolchain *Toolchain
	runner    Runner
	pairs     *PairGenerator
	logger    *zap.Logger
	opts      Options
	stages    []Stage
}

func NewPipeline(tc *Toolchain, runner Runner, pairs *PairGenerator, logger *zap.Logger, opts Options) *Pipeline {
	p := &Pipeline{
		toolchain: tc,
		runner:    runner,
		pairs:     pairs,
		logger:    logger,
		opts:      opts,
	}
	p.stages = p.buildStages()
	return p
}

// Reconstruct runs the full pipeline for one frame directory. Partial
// outputs of a failed run are left in place for diagnosis.
func (p *Pipeline) Reconstruct(ctx context.Context, inputDir, outputDir string) error {
	layout, err := NewLayout(inputDir, outputDir)
	if err != nil {
		return err
	}
	if err := layout.EnsureDirs(); err != nil {
		return err
	}

	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			p.logger.Info("reconstruction cancelled", zap.String("next_stage", stage.Name))
			return err
		}
		if err := p.runStage(ctx, stage, layout); err != nil {
			return err
		}
	}

	p.logger.Info("reconstruction finished", zap.String("output", layout.TexturedModelDir()))
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, layout *Layout) error {
	log := p.logger.With(zap.String("stage", stage.Name))

	if err := p.checkPreconditions(stage, layout); err != nil {
		return err
	}

	start := time.Now()
	log.Info("stage starting")

	var err error
	if stage.Local != nil {
		err = stage.Local(ctx, layout)
	} else {
		err = p.runBinary(ctx, stage, layout)
	}
	if err != nil {
		return err
	}

	if err := p.checkPostconditions(stage, layout); err != nil {
		return err
	}

	elapsed := time.Since(start)
	metrics.StageDuration.WithLabelValues(stage.Name).Observe(elapsed.Seconds())
	log.Info("stage finished", zap.Duration("elapsed", elapsed))
	return nil
}

func (p *Pipeline) runBinary(ctx context.Context, stage Stage, layout *Layout) error {
	runCtx := ctx
	cancel := func() {}
	if p.opts.StageTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.opts.StageTimeout)
	}
	defer cancel()

	cmd := Command{
		Binary: filepath.Join(p.toolchain.BinDir, stage.Binary),
		Args:   stage.Args(layout),
		Env:    p.toolchain.Environ(os.Environ()),
	}
	res, err := p.runner.Run(runCtx, cmd)
	if err != nil {
		// Caller cancellation wins over a stage deadline.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &StageTimeoutError{Stage: stage.Name, Timeout: p.opts.StageTimeout}
		}
		return fmt.Errorf("stage %s: run %s: %w", stage.Name, stage.Binary, err)
	}
	if res.ExitCode != 0 {
		return &ExternalToolError{
			Stage:    stage.Name,
			Binary:   stage.Binary,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
	}
	return nil
}

func (p *Pipeline) checkPreconditions(stage Stage, layout *Layout) error {
	if stage.Inputs == nil {
		return nil
	}
	for _, path := range stage.Inputs(layout) {
		info, err := os.Stat(path)
		if err != nil {
			return &StagePreconditionError{Stage: stage.Name, Path: path, Reason: "missing"}
		}
		if info.IsDir() {
			if empty, err := isEmptyDir(path); err != nil || empty {
				return &StagePreconditionError{Stage: stage.Name, Path: path, Reason: "empty directory"}
			}
		}
	}
	return nil
}

func (p *Pipeline) checkPostconditions(stage Stage, layout *Layout) error {
	// Normalize the manifest location first: declared outputs may name the
	// canonical path.
	if stage.Manifest != nil {
		if err := p.normalizeManifest(stage, layout); err != nil {
			return err
		}
	}

	if stage.Outputs != nil {
		for _, path := range stage.Outputs(layout) {
			info, err := os.Stat(path)
			if err != nil {
				return &StagePostconditionError{Stage: stage.Name, Path: path, Reason: "missing"}
			}
			if info.IsDir() {
				if empty, err := isEmptyDir(path); err != nil || empty {
					return &StagePostconditionError{Stage: stage.Name, Path: path, Reason: "empty directory"}
				}
			} else if info.Size() == 0 {
				// A zero-byte file out of a zero exit code is a silent
				// tool failure.
				return &StagePostconditionError{Stage: stage.Name, Path: path, Reason: "zero-byte file"}
			}
		}
	}
	if stage.OutputsMayBeEmpty != nil {
		for _, path := range stage.OutputsMayBeEmpty(layout) {
			if _, err := os.Stat(path); err != nil {
				return &StagePostconditionError{Stage: stage.Name, Path: path, Reason: "missing"}
			}
		}
	}
	if stage.OutputGlobs != nil {
		for _, pattern := range stage.OutputGlobs(layout) {
			matches, err := filepath.Glob(pattern)
			if err != nil || len(matches) == 0 {
				return &StagePostconditionError{Stage: stage.Name, Path: pattern, Reason: "no matching output files"}
			}
		}
	}
	return nil
}

// normalizeManifest promotes a manifest written under the stage-named
// subdirectory to the canonical location, so downstream stages have a
// single authoritative path.
func (p *Pipeline) normalizeManifest(stage Stage, layout *Layout) error {
	dir := stage.Manifest.Dir(layout)
	canonical := filepath.Join(dir, stage.Manifest.Name)
	nested := filepath.Join(dir, stage.Name, stage.Manifest.Name)

	if info, err := os.Stat(canonical); err == nil && info.Size() > 0 {
		return nil
	}
	if _, err := os.Stat(nested); err == nil {
		p.logger.Info("promoting nested manifest",
			zap.String("stage", stage.Name),
			zap.String("from", nested),
			zap.String("to", canonical),
		)
		if err := os.Rename(nested, canonical); err != nil {
			return fmt.Errorf("stage %s: promote manifest: %w", stage.Name, err)
		}
		return nil
	}
	return &ManifestLocationError{Stage: stage.Name, Probed: []string{canonical, nested}}
}

func isEmptyDir(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// buildStages declares the pipeline in execution order. Arguments mirror
// the toolchain's file-handoff graph: every stage reads the previous
// stage's outputs out of the shared cache directory.
func (p *Pipeline) buildStages() []Stage {
	forceCPU := "0"
	if p.opts.ForceCPU {
		forceCPU = "1"
	}

	return []Stage{
		{
			Name:   "cameraInit",
			Binary: "aliceVision_cameraInit",
			Inputs: func(l *Layout) []string { return []string{l.InputDir} },
			Args: func(l *Layout) []string {
				return []string{
					"--imageFolder", l.InputDir,
					"--sensorDatabase", p.toolchain.SensorDBPath(),
					"--output", l.SeedManifestPath(),
				}
			},
			Manifest: &ManifestSpec{Dir: (*Layout).FeaturesDir, Name: "sfm.json"},
			Outputs:  func(l *Layout) []string { return []string{l.SeedManifestPath()} },
		},
		{
			Name:   "featureExtraction",
			Binary: "aliceVision_featureExtraction",
			Inputs: func(l *Layout) []string { return []string{l.SeedManifestPath()} },
			Args: func(l *Layout) []string {
				return []string{
					"--input", l.SeedManifestPath(),
					"--output", l.FeaturesDir(),
					"--describerTypes", "sift",
					"--forceCpuExtraction", forceCPU,
				}
			},
			// The features directory already holds the seed manifest, so
			// only the descriptor files prove the stage produced output.
			OutputGlobs: func(l *Layout) []string {
				return []string{
					filepath.Join(l.FeaturesDir(), "*.feat"),
					filepath.Join(l.FeaturesDir(), "*.desc"),
				}
			},
		},
		{
			Name:   "generatePairs",
			Inputs: func(l *Layout) []string { return []string{l.SeedManifestPath()} },
			Local: func(_ context.Context, l *Layout) error {
				return p.pairs.Generate(l.SeedManifestPath(), l.PairListPath())
			},
			OutputsMayBeEmpty: func(l *Layout) []string { return []string{l.PairListPath()} },
		},
		{
			Name:   "imageMatching",
			Binary: "aliceVision_imageMatching",
			Inputs: func(l *Layout) []string { return []string{l.SeedManifestPath(), l.FeaturesDir()} },
			Args: func(l *Layout) []string {
				return []string{
					"--input", l.SeedManifestPath(),
					"--featuresFolders", l.FeaturesDir(),
					"--tree", p.toolchain.VocTreePath(),
					"--output", l.ImageMatchesPath(),
				}
			},
			Outputs: func(l *Layout) []string { return []string{l.ImageMatchesPath()} },
		},
		{
			Name:   "featureMatching",
			Binary: "aliceVision_featureMatching",
			Inputs: func(l *Layout) []string {
				return []string{l.SeedManifestPath(), l.FeaturesDir(), l.PairListPath()}
			},
			Args: func(l *Layout) []string {
				return []string{
					"--input", l.SeedManifestPath(),
					"--featuresFolders", l.FeaturesDir(),
					"--imagePairsList", l.PairListPath(),
					"--output", l.MatchesDir(),
				}
			},
			// image_pairs.txt and imageMatches.txt predate this stage; the
			// match files themselves are the artifact to check for.
			OutputGlobs: func(l *Layout) []string {
				return []string{filepath.Join(l.MatchesDir(), "*.matches.txt")}
			},
		},
		{
			Name:   "structureFromMotion",
			Binary: "aliceVision_incrementalSfM",
			Inputs: func(l *Layout) []string {
				return []string{l.SeedManifestPath(), l.FeaturesDir(), l.MatchesDir()}
			},
			Args: func(l *Layout) []string {
				return []string{
					"--input", l.SeedManifestPath(),
					"--featuresFolders", l.FeaturesDir(),
					"--matchesFolders", l.MatchesDir(),
					"--output", l.SfMManifestPath(),
				}
			},
			Manifest: &ManifestSpec{Dir: (*Layout).SfMDir, Name: "sfm.abc"},
			Outputs:  func(l *Layout) []string { return []string{l.SfMManifestPath()} },
		},
		{
			Name:   "prepareDenseScene",
			Binary: "aliceVision_prepareDenseScene",
			Inputs: func(l *Layout) []string { return []string{l.SfMManifestPath()} },
			Args: func(l *Layout) []string {
				return []string{
					"--input", l.SfMManifestPath(),
					"--output", l.MVSDataDir(),
				}
			},
			Manifest: &ManifestSpec{Dir: (*Layout).MVSDataDir, Name: "sfm.abc"},
			Outputs:  func(l *Layout) []string { return []string{l.DenseManifestPath()} },
		},
		{
			Name:   "depthMapEstimation",
			Binary: "aliceVision_depthMapEstimation",
			Inputs: func(l *Layout) []string { return []string{l.DenseManifestPath()} },
			Args: func(l *Layout) []string {
				return []string{
					"--input", l.DenseManifestPath(),
					"--output", l.DepthMapDir(),
				}
			},
			Outputs: func(l *Layout) []string { return []string{l.DepthMapDir()} },
		},
		{
			Name:   "depthMapFiltering",
			Binary: "aliceVision_depthMapFiltering",
			Inputs: func(l *Layout) []string { return []string{l.DenseManifestPath(), l.DepthMapDir()} },
			Args: func(l *Layout) []string {
				return []string{
					"--input", l.DenseManifestPath(),
					"--depthMapsFolder", l.DepthMapDir(),
					"--output", l.DepthMapFilteredDir(),
				}
			},
			Outputs: func(l *Layout) []string { return []string{l.DepthMapFilteredDir()} },
		},
		{
			Name:   "meshing",
			Binary: "aliceVision_meshing",
			Inputs: func(l *Layout) []string { return []string{l.DenseManifestPath(), l.DepthMapFilteredDir()} },
			Args: func(l *Layout) []string {
				return []string{
					"--input", l.DenseManifestPath(),
					"--depthMapsFolder", l.DepthMapFilteredDir(),
					"--output", l.MeshPath(),
				}
			},
			Outputs: func(l *Layout) []string { return []string{l.MeshPath()} },
		},
		{
			Name:   "meshFiltering",
			Binary: "aliceVision_meshFiltering",
			Inputs: func(l *Layout) []string { return []string{l.MeshPath()} },
			Args: func(l *Layout) []string {
				return []string{
					"--input", l.MeshPath(),
					"--output", l.FilteredMeshPath(),
				}
			},
			Outputs: func(l *Layout) []string { return []string{l.FilteredMeshPath()} },
		},
		{
			Name:   "texturing",
			Binary: "aliceVision_texturing",
			Inputs: func(l *Layout) []string { return []string{l.FilteredMeshPath(), l.InputDir} },
			Args: func(l *Layout) []string {
				return []string{
					"--input", l.FilteredMeshPath(),
					"--inputMesh", l.FilteredMeshPath(),
					"--imagesFolder", l.InputDir,
					"--output", l.TexturedModelDir(),
				}
			},
			Outputs: func(l *Layout) []string { return []string{l.TexturedModelDir()} },
		},
	}
}

// StageNames lists the pipeline order, useful for logs and dashboards.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}
