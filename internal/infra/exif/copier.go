// Package exif propagates camera metadata from a reference still onto the
// frames extracted from a video. Video frames carry no EXIF of their own,
// which leaves the toolchain's camera-init stage without sensor data; a
// single photo taken with the recording device fills that gap.
package exif

import (
	"fmt"
	"os"

	exif "github.com/dsoprea/go-exif/v3"
	jpegstructure "github.com/dsoprea/go-jpeg-image-structure/v2"
	"github.com/evanoberholster/imagemeta"
	"go.uber.org/zap"
)

type Copier struct {
	builder *exif.IfdBuilder
	logger  *zap.Logger
}

// NewCopier loads the reference image's EXIF block once. A missing or
// unreadable reference is a soft failure: the returned copier is inert and
// every Copy call reports the original problem for the caller to log.
func NewCopier(referencePath string, logger *zap.Logger) *Copier {
	c := &Copier{logger: logger}
	if referencePath == "" {
		return c
	}

	builder, err := loadReferenceExif(referencePath)
	if err != nil {
		logger.Warn("reference metadata unavailable, frames keep bare headers",
			zap.String("reference", referencePath),
			zap.Error(err),
		)
		return c
	}
	c.builder = builder

	if cameraMake, cameraModel, err := readCameraInfo(referencePath); err == nil {
		logger.Info("propagating camera metadata",
			zap.String("make", cameraMake),
			zap.String("model", cameraModel),
		)
	}
	return c
}

// Copy rewrites the frame with the reference EXIF block attached.
func (c *Copier) Copy(framePath string) error {
	if c.builder == nil {
		return fmt.Errorf("no reference metadata loaded")
	}

	parser := jpegstructure.NewJpegMediaParser()
	intfc, err := parser.ParseFile(framePath)
	if err != nil {
		return fmt.Errorf("parse frame: %w", err)
	}
	segments := intfc.(*jpegstructure.SegmentList)

	if err := segments.SetExif(c.builder); err != nil {
		return fmt.Errorf("set exif: %w", err)
	}

	f, err := os.Create(framePath)
	if err != nil {
		return fmt.Errorf("rewrite frame: %w", err)
	}
	defer f.Close()

	if err := segments.Write(f); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func loadReferenceExif(path string) (*exif.IfdBuilder, error) {
	parser := jpegstructure.NewJpegMediaParser()
	intfc, err := parser.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("parse reference: %w", err)
	}
	segments := intfc.(*jpegstructure.SegmentList)

	rootIfd, _, err := segments.Exif()
	if err != nil {
		return nil, fmt.Errorf("reference has no exif: %w", err)
	}
	return exif.NewIfdBuilderFromExistingChain(rootIfd), nil
}

func readCameraInfo(path string) (string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	meta, err := imagemeta.Decode(f)
	if err != nil {
		return "", "", err
	}
	return meta.Make, meta.Model, nil
}
