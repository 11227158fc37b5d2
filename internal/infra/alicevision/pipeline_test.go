package alicevision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRunner records invocations and answers them from a script instead of
// spawning binaries.
type fakeRunner struct {
	calls  []Command
	handle func(ctx context.Context, cmd Command) (Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	f.calls = append(f.calls, cmd)
	if f.handle != nil {
		return f.handle(ctx, cmd)
	}
	return Result{}, nil
}

func testToolchain(t *testing.T) *Toolchain {
	t.Helper()
	return &Toolchain{
		BinDir:   filepath.Join(t.TempDir(), "bin"),
		ShareDir: filepath.Join(t.TempDir(), "share"),
	}
}

func testPipeline(t *testing.T, runner Runner) (*Pipeline, *Layout) {
	t.Helper()
	p := &Pipeline{
		toolchain: testToolchain(t),
		runner:    runner,
		pairs:     NewPairGenerator(SequentialPolicy{}, zap.NewNop()),
		logger:    zap.NewNop(),
	}

	inputDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "frame_0001.jpg"), []byte("x"), 0o644))

	layout, err := NewLayout(inputDir, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, layout.EnsureDirs())
	return p, layout
}

func TestPipeline_MissingInputFailsBeforeSpawning(t *testing.T) {
	runner := &fakeRunner{}
	p, layout := testPipeline(t, runner)
	p.stages = []Stage{{
		Name:   "featureExtraction",
		Binary: "aliceVision_featureExtraction",
		Inputs: func(l *Layout) []string { return []string{l.SeedManifestPath()} },
		Args:   func(l *Layout) []string { return nil },
	}}

	err := p.runStage(context.Background(), p.stages[0], layout)

	var precond *StagePreconditionError
	require.ErrorAs(t, err, &precond)
	assert.Equal(t, "featureExtraction", precond.Stage)
	assert.Equal(t, "missing", precond.Reason)
	assert.Empty(t, runner.calls, "binary must not be spawned when inputs are missing")
}

func TestPipeline_EmptyInputDirIsAPreconditionFailure(t *testing.T) {
	runner := &fakeRunner{}
	p, layout := testPipeline(t, runner)
	p.stages = []Stage{{
		Name:   "imageMatching",
		Binary: "aliceVision_imageMatching",
		Inputs: func(l *Layout) []string { return []string{l.FeaturesDir()} },
		Args:   func(l *Layout) []string { return nil },
	}}

	err := p.runStage(context.Background(), p.stages[0], layout)

	var precond *StagePreconditionError
	require.ErrorAs(t, err, &precond)
	assert.Equal(t, "empty directory", precond.Reason)
	assert.Empty(t, runner.calls)
}

func TestPipeline_ZeroByteOutputFailsPostcondition(t *testing.T) {
	var layoutRef *Layout
	runner := &fakeRunner{}
	runner.handle = func(ctx context.Context, cmd Command) (Result, error) {
		return Result{}, os.WriteFile(layoutRef.MeshPath(), nil, 0o644)
	}

	p, layout := testPipeline(t, runner)
	layoutRef = layout
	p.stages = []Stage{{
		Name:    "meshing",
		Binary:  "aliceVision_meshing",
		Inputs:  func(l *Layout) []string { return []string{l.InputDir} },
		Args:    func(l *Layout) []string { return nil },
		Outputs: func(l *Layout) []string { return []string{l.MeshPath()} },
	}}

	err := p.runStage(context.Background(), p.stages[0], layout)

	var postcond *StagePostconditionError
	require.ErrorAs(t, err, &postcond)
	assert.Equal(t, "zero-byte file", postcond.Reason)
	assert.Len(t, runner.calls, 1)
}

func TestPipeline_MissingArtifactsFailGlobPostcondition(t *testing.T) {
	runner := &fakeRunner{}
	p, layout := testPipeline(t, runner)

	// The features directory is populated before the stage runs, so a
	// bare non-empty check would pass; only the declared artifacts count.
	require.NoError(t, os.WriteFile(layout.SeedManifestPath(), []byte(`{"views":[]}`), 0o644))

	p.stages = []Stage{{
		Name:   "featureExtraction",
		Binary: "aliceVision_featureExtraction",
		Inputs: func(l *Layout) []string { return []string{l.SeedManifestPath()} },
		Args:   func(l *Layout) []string { return nil },
		OutputGlobs: func(l *Layout) []string {
			return []string{filepath.Join(l.FeaturesDir(), "*.desc")}
		},
	}}

	err := p.runStage(context.Background(), p.stages[0], layout)

	var postcond *StagePostconditionError
	require.ErrorAs(t, err, &postcond)
	assert.Equal(t, "no matching output files", postcond.Reason)
	assert.Len(t, runner.calls, 1)
}

func TestPipeline_GlobPostconditionPassesWithArtifacts(t *testing.T) {
	var layoutRef *Layout
	runner := &fakeRunner{}
	runner.handle = func(ctx context.Context, cmd Command) (Result, error) {
		return Result{}, os.WriteFile(filepath.Join(layoutRef.FeaturesDir(), "1001.sift.desc"), []byte("d"), 0o644)
	}

	p, layout := testPipeline(t, runner)
	layoutRef = layout
	require.NoError(t, os.WriteFile(layout.SeedManifestPath(), []byte(`{"views":[]}`), 0o644))

	p.stages = []Stage{{
		Name:   "featureExtraction",
		Binary: "aliceVision_featureExtraction",
		Inputs: func(l *Layout) []string { return []string{l.SeedManifestPath()} },
		Args:   func(l *Layout) []string { return nil },
		OutputGlobs: func(l *Layout) []string {
			return []string{filepath.Join(l.FeaturesDir(), "*.desc")}
		},
	}}

	require.NoError(t, p.runStage(context.Background(), p.stages[0], layout))
}

func TestPipeline_StopsAtFirstFailingStage(t *testing.T) {
	runner := &fakeRunner{}
	runner.handle = func(ctx context.Context, cmd Command) (Result, error) {
		if len(runner.calls) == 3 {
			return Result{ExitCode: 1, Stderr: "cuda device not found"}, nil
		}
		return Result{}, nil
	}

	p, layout := testPipeline(t, runner)
	stage := func(n string) Stage {
		return Stage{
			Name:   n,
			Binary: "aliceVision_" + n,
			Inputs: func(l *Layout) []string { return []string{l.InputDir} },
			Args:   func(l *Layout) []string { return nil },
		}
	}
	p.stages = []Stage{stage("s1"), stage("s2"), stage("s3"), stage("s4"), stage("s5")}

	err := p.Reconstruct(context.Background(), layout.InputDir, layout.OutputDir)

	var toolErr *ExternalToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "s3", toolErr.Stage)
	assert.Equal(t, 1, toolErr.ExitCode)
	assert.Contains(t, toolErr.Error(), "cuda device not found")
	assert.Len(t, runner.calls, 3, "stages after the failure must not run")
}

func TestPipeline_NestedManifestPromoted(t *testing.T) {
	var layoutRef *Layout
	runner := &fakeRunner{}
	runner.handle = func(ctx context.Context, cmd Command) (Result, error) {
		// Some builds write the manifest under a stage-named subdirectory
		// instead of the declared output path.
		nestedDir := filepath.Join(layoutRef.FeaturesDir(), "cameraInit")
		if err := os.MkdirAll(nestedDir, 0o755); err != nil {
			return Result{}, err
		}
		return Result{}, os.WriteFile(filepath.Join(nestedDir, "sfm.json"), []byte(`{"views":[]}`), 0o644)
	}

	p, layout := testPipeline(t, runner)
	layoutRef = layout
	p.stages = []Stage{{
		Name:     "cameraInit",
		Binary:   "aliceVision_cameraInit",
		Inputs:   func(l *Layout) []string { return []string{l.InputDir} },
		Args:     func(l *Layout) []string { return nil },
		Manifest: &ManifestSpec{Dir: (*Layout).FeaturesDir, Name: "sfm.json"},
		Outputs:  func(l *Layout) []string { return []string{l.SeedManifestPath()} },
	}}

	err := p.runStage(context.Background(), p.stages[0], layout)
	require.NoError(t, err)

	data, err := os.ReadFile(layout.SeedManifestPath())
	require.NoError(t, err)
	assert.JSONEq(t, `{"views":[]}`, string(data))

	_, err = os.Stat(filepath.Join(layout.FeaturesDir(), "cameraInit", "sfm.json"))
	assert.True(t, os.IsNotExist(err), "nested copy should be moved, not duplicated")
}

func TestPipeline_ManifestNowhereIsALocationError(t *testing.T) {
	runner := &fakeRunner{}
	p, layout := testPipeline(t, runner)
	p.stages = []Stage{{
		Name:     "cameraInit",
		Binary:   "aliceVision_cameraInit",
		Inputs:   func(l *Layout) []string { return []string{l.InputDir} },
		Args:     func(l *Layout) []string { return nil },
		Manifest: &ManifestSpec{Dir: (*Layout).FeaturesDir, Name: "sfm.json"},
	}}

	err := p.runStage(context.Background(), p.stages[0], layout)

	var locErr *ManifestLocationError
	require.ErrorAs(t, err, &locErr)
	assert.Len(t, locErr.Probed, 2)
}

func TestPipeline_CancellationStopsBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	runner := &fakeRunner{}
	runner.handle = func(_ context.Context, cmd Command) (Result, error) {
		cancel()
		return Result{}, nil
	}

	p, layout := testPipeline(t, runner)
	stage := func(n string) Stage {
		return Stage{
			Name:   n,
			Binary: "aliceVision_" + n,
			Inputs: func(l *Layout) []string { return []string{l.InputDir} },
			Args:   func(l *Layout) []string { return nil },
		}
	}
	p.stages = []Stage{stage("s1"), stage("s2")}

	err := p.Reconstruct(ctx, layout.InputDir, layout.OutputDir)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, runner.calls, 1)
}

func TestPipeline_StageTimeoutMapped(t *testing.T) {
	runner := &fakeRunner{}
	runner.handle = func(ctx context.Context, cmd Command) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}

	p, layout := testPipeline(t, runner)
	p.opts.StageTimeout = 10 * time.Millisecond
	p.stages = []Stage{{
		Name:   "depthMapEstimation",
		Binary: "aliceVision_depthMapEstimation",
		Inputs: func(l *Layout) []string { return []string{l.InputDir} },
		Args:   func(l *Layout) []string { return nil },
	}}

	err := p.runStage(context.Background(), p.stages[0], layout)

	var timeoutErr *StageTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "depthMapEstimation", timeoutErr.Stage)
	assert.Equal(t, 10*time.Millisecond, timeoutErr.Timeout)
}

func TestPipeline_CallerCancellationWinsOverTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{}
	runner.handle = func(runCtx context.Context, cmd Command) (Result, error) {
		cancel()
		<-runCtx.Done()
		return Result{}, runCtx.Err()
	}

	p, layout := testPipeline(t, runner)
	p.opts.StageTimeout = time.Hour
	p.stages = []Stage{{
		Name:   "texturing",
		Binary: "aliceVision_texturing",
		Inputs: func(l *Layout) []string { return []string{l.InputDir} },
		Args:   func(l *Layout) []string { return nil },
	}}

	err := p.runBinary(ctx, p.stages[0], layout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPipeline_LocalStageRunsInProcess(t *testing.T) {
	runner := &fakeRunner{}
	p, layout := testPipeline(t, runner)

	manifest := `{"views":[{"viewId":"10"},{"viewId":"20"},{"viewId":"30"}]}`
	require.NoError(t, os.WriteFile(layout.SeedManifestPath(), []byte(manifest), 0o644))

	p.stages = []Stage{{
		Name:   "generatePairs",
		Inputs: func(l *Layout) []string { return []string{l.SeedManifestPath()} },
		Local: func(_ context.Context, l *Layout) error {
			return p.pairs.Generate(l.SeedManifestPath(), l.PairListPath())
		},
		OutputsMayBeEmpty: func(l *Layout) []string { return []string{l.PairListPath()} },
	}}

	require.NoError(t, p.runStage(context.Background(), p.stages[0], layout))
	assert.Empty(t, runner.calls)

	data, err := os.ReadFile(layout.PairListPath())
	require.NoError(t, err)
	assert.Equal(t, "10 20\n20 30\n", string(data))
}

func TestPipeline_EmptyPairListSatisfiesPostcondition(t *testing.T) {
	runner := &fakeRunner{}
	p, layout := testPipeline(t, runner)

	require.NoError(t, os.WriteFile(layout.SeedManifestPath(), []byte(`{"views":[{"viewId":"10"}]}`), 0o644))

	p.stages = []Stage{{
		Name:   "generatePairs",
		Inputs: func(l *Layout) []string { return []string{l.SeedManifestPath()} },
		Local: func(_ context.Context, l *Layout) error {
			return p.pairs.Generate(l.SeedManifestPath(), l.PairListPath())
		},
		OutputsMayBeEmpty: func(l *Layout) []string { return []string{l.PairListPath()} },
	}}

	require.NoError(t, p.runStage(context.Background(), p.stages[0], layout))

	info, err := os.Stat(layout.PairListPath())
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestPipeline_BinariesResolvedUnderToolchainBinDir(t *testing.T) {
	runner := &fakeRunner{}
	p, layout := testPipeline(t, runner)
	p.stages = []Stage{{
		Name:   "featureExtraction",
		Binary: "aliceVision_featureExtraction",
		Inputs: func(l *Layout) []string { return []string{l.InputDir} },
		Args:   func(l *Layout) []string { return []string{"--input", l.SeedManifestPath()} },
	}}

	require.NoError(t, p.runStage(context.Background(), p.stages[0], layout))

	require.Len(t, runner.calls, 1)
	assert.Equal(t, filepath.Join(p.toolchain.BinDir, "aliceVision_featureExtraction"), runner.calls[0].Binary)
	assert.Equal(t, []string{"--input", layout.SeedManifestPath()}, runner.calls[0].Args)
	assert.NotEmpty(t, runner.calls[0].Env)
}

func TestPipeline_DefaultStageOrder(t *testing.T) {
	p := NewPipeline(testToolchain(t), &fakeRunner{}, NewPairGenerator(SequentialPolicy{}, zap.NewNop()), zap.NewNop(), Options{})
	assert.Equal(t, []string{
		"cameraInit",
		"featureExtraction",
		"generatePairs",
		"imageMatching",
		"featureMatching",
		"structureFromMotion",
		"prepareDenseScene",
		"depthMapEstimation",
		"depthMapFiltering",
		"meshing",
		"meshFiltering",
		"texturing",
	}, p.StageNames())
}

func TestRunner_NonZeroExitIsAResultNotAnError(t *testing.T) {
	res, err := NewRunner().Run(context.Background(), Command{Binary: "false"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
}

func TestRunner_CapturesStdout(t *testing.T) {
	res, err := NewRunner().Run(context.Background(), Command{Binary: "echo", Args: []string{"hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Zero(t, res.ExitCode)
}

func TestRunner_MissingBinaryIsAnError(t *testing.T) {
	_, err := NewRunner().Run(context.Background(), Command{Binary: "/nonexistent/binary"})
	assert.Error(t, err)
	var toolErr *ExternalToolError
	assert.False(t, errors.As(err, &toolErr))
}
