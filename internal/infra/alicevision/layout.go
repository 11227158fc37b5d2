package alicevision

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout derives every working path of a reconstruction run from its input
// and output directories. Stages never invent paths of their own; they ask
// the layout, so two runs can only collide if they share an output root.
type Layout struct {
	InputDir  string
	OutputDir string
	CacheDir  string
}

func NewLayout(inputDir, outputDir string) (*Layout, error) {
	absIn, err := filepath.Abs(inputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve input dir: %w", err)
	}
	absOut, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	return &Layout{
		InputDir:  absIn,
		OutputDir: absOut,
		CacheDir:  filepath.Join(absOut, "cache"),
	}, nil
}

func (l *Layout) FeaturesDir() string         { return filepath.Join(l.CacheDir, "features") }
func (l *Layout) MatchesDir() string          { return filepath.Join(l.CacheDir, "matches") }
func (l *Layout) SfMDir() string              { return filepath.Join(l.CacheDir, "sfm") }
func (l *Layout) MVSDataDir() string          { return filepath.Join(l.CacheDir, "mvsData") }
func (l *Layout) DepthMapDir() string         { return filepath.Join(l.CacheDir, "depthMap") }
func (l *Layout) DepthMapFilteredDir() string { return filepath.Join(l.CacheDir, "depthMap_filtered") }

// SeedManifestPath is where camera init leaves the initial scene manifest
// and where every pre-SfM stage expects to find it.
func (l *Layout) SeedManifestPath() string { return filepath.Join(l.FeaturesDir(), "sfm.json") }

// SfMManifestPath is the resolved-poses manifest written by
// structure-from-motion and consumed by the dense stages.
func (l *Layout) SfMManifestPath() string { return filepath.Join(l.SfMDir(), "sfm.abc") }

// DenseManifestPath is the manifest re-exported next to the undistorted
// images by the dense-scene preparation stage.
func (l *Layout) DenseManifestPath() string { return filepath.Join(l.MVSDataDir(), "sfm.abc") }

func (l *Layout) PairListPath() string     { return filepath.Join(l.MatchesDir(), "image_pairs.txt") }

// ImageMatchesPath is the candidate list the vocabulary-tree matcher
// writes for downstream matching.
func (l *Layout) ImageMatchesPath() string {
	return filepath.Join(l.MatchesDir(), "imageMatches.txt")
}
func (l *Layout) MeshPath() string         { return filepath.Join(l.CacheDir, "mesh.obj") }
func (l *Layout) FilteredMeshPath() string { return filepath.Join(l.CacheDir, "mesh_filtered.obj") }
func (l *Layout) TexturedModelDir() string { return filepath.Join(l.OutputDir, "textured_model") }

// EnsureDirs creates the full working tree up front so stages and their
// postcondition checks only ever deal with existing directories.
func (l *Layout) EnsureDirs() error {
	dirs := []string{
		l.CacheDir,
		l.FeaturesDir(),
		l.MatchesDir(),
		l.SfMDir(),
		l.MVSDataDir(),
		l.DepthMapDir(),
		l.DepthMapFilteredDir(),
		l.TexturedModelDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
