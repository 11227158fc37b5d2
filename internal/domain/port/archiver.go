package port

import "context"

// Archiver packages a directory tree (the textured model and its texture
// atlases) into a single downloadable archive.
type Archiver interface {
	ArchiveDir(ctx context.Context, rootDir string, outputPath string) error
}
