package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/meshify/meshify-reconstruction-service/internal/domain/port"
)

const (
	// Frames larger than this are not expected out of the mjpeg pipe.
	maxFrameBytes = 64 << 20

	initialScanBuffer = 1 << 20
)

// Sampler decodes a video into an ordered stream of frames, scores each one
// for sharpness and keeps only the frames above the threshold. The decode
// is a single pass: ffmpeg re-encodes the video as an MJPEG pipe and the
// sampler splits and decodes the JPEGs in-process.
type Sampler struct {
	threshold float64
	copier    port.MetadataCopier
	logger    *zap.Logger
}

func NewSampler(threshold float64, copier port.MetadataCopier, logger *zap.Logger) *Sampler {
	return &Sampler{threshold: threshold, copier: copier, logger: logger}
}

func (s *Sampler) SampleFrames(ctx context.Context, videoPath string, outputDir string) (*port.FrameSampleResult, error) {
	if _, err := os.Stat(videoPath); err != nil {
		return nil, fmt.Errorf("video not readable: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}

	duration, err := s.probeDuration(ctx, videoPath)
	if err != nil {
		s.logger.Warn("could not get video duration", zap.Error(err))
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", videoPath,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	result, scanErr := s.scanFrames(stdout, outputDir)
	result.VideoDuration = duration

	// On a scan error ffmpeg may still be blocked writing into the pipe;
	// it has to be killed and the pipe drained or Wait never returns.
	if scanErr != nil {
		_ = cmd.Process.Kill()
		_, _ = io.Copy(io.Discard, stdout)
	}

	waitErr := cmd.Wait()
	if scanErr != nil {
		return nil, fmt.Errorf("read frame stream: %w", scanErr)
	}
	if waitErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// No decodable frame at all means the source could not be opened.
		if result.Decoded == 0 {
			return nil, fmt.Errorf("ffmpeg error: %w, output: %s", waitErr, stderr.String())
		}
		// A truncated tail after valid frames is not fatal for the stream.
		s.logger.Warn("ffmpeg exited with error after producing frames",
			zap.Error(waitErr),
			zap.Int("decoded", result.Decoded),
		)
	}

	s.logger.Info("frame sampling finished",
		zap.Int("accepted", result.Accepted),
		zap.Int("rejected", result.Rejected),
		zap.Int("corrupt", result.Corrupt),
		zap.Float64("video_duration", duration),
	)
	return result, nil
}

// scanFrames consumes the MJPEG stream, writing accepted frames to
// outputDir. Rejected frames are never written, so the output directory
// only ever holds frames whose score exceeded the threshold.
func (s *Sampler) scanFrames(r io.Reader, outputDir string) (*port.FrameSampleResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialScanBuffer), maxFrameBytes)
	scanner.Split(splitJPEG)

	result := &port.FrameSampleResult{}
	index := 0
	for scanner.Scan() {
		segment := scanner.Bytes()
		index++

		img, err := jpeg.Decode(bytes.NewReader(segment))
		if err != nil {
			result.Corrupt++
			s.logger.Warn("undecodable frame skipped", zap.Int("frame", index), zap.Error(err))
			continue
		}
		result.Decoded++

		score := SharpnessScore(Grayscale(img))
		if score <= s.threshold {
			result.Rejected++
			continue
		}

		framePath := filepath.Join(outputDir, fmt.Sprintf("frame_%04d.jpg", index))
		if err := os.WriteFile(framePath, segment, 0o644); err != nil {
			return result, fmt.Errorf("write frame %d: %w", index, err)
		}
		if s.copier != nil {
			if err := s.copier.Copy(framePath); err != nil {
				s.logger.Warn("metadata copy failed", zap.String("frame", framePath), zap.Error(err))
			}
		}
		result.FramePaths = append(result.FramePaths, framePath)
		result.Accepted++
	}
	if err := scanner.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Sampler) probeDuration(ctx context.Context, videoPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	return duration, nil
}
