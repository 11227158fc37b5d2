package port

import "context"

// Reconstructor runs a full photogrammetry reconstruction over a directory
// of still frames, leaving the textured model under outputDir. Variants
// exist per toolchain (staged AliceVision pipeline, single-shot Meshroom
// batch) and are selected by configuration.
type Reconstructor interface {
	Reconstruct(ctx context.Context, inputDir string, outputDir string) error
}
