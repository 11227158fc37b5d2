package port

import "context"

type FrameSampleResult struct {
	FramePaths    []string
	Accepted      int
	Decoded       int
	Rejected      int
	Corrupt       int
	VideoDuration float64
}

// FrameSampler turns a video into an ordered set of sharp still frames.
// A result with zero accepted frames is valid; the caller decides what a
// degenerate extraction means for the job.
type FrameSampler interface {
	SampleFrames(ctx context.Context, videoPath string, outputDir string) (*FrameSampleResult, error)
}
