package ffmpeg

import (
	"image"
	"image/draw"

	"gonum.org/v1/gonum/stat"
)

// Grayscale collapses any decoded frame to single-channel intensity.
func Grayscale(img image.Image) *image.Gray {
	if gray, ok := img.(*image.Gray); ok {
		return gray
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, img, bounds.Min, draw.Src)
	return gray
}

// SharpnessScore returns the variance of the discrete Laplacian of a
// grayscale frame. Blurred or low-detail frames produce a flat Laplacian
// response and score near zero; frames with real texture score high.
// The score is a pure function of the pixel data.
func SharpnessScore(gray *image.Gray) float64 {
	bounds := gray.Bounds()
	if bounds.Dx() < 3 || bounds.Dy() < 3 {
		return 0
	}

	// 4-neighbour Laplacian kernel, border pixels skipped.
	response := make([]float64, 0, (bounds.Dx()-2)*(bounds.Dy()-2))
	for y := bounds.Min.Y + 1; y < bounds.Max.Y-1; y++ {
		for x := bounds.Min.X + 1; x < bounds.Max.X-1; x++ {
			center := float64(gray.GrayAt(x, y).Y)
			lap := float64(gray.GrayAt(x-1, y).Y) +
				float64(gray.GrayAt(x+1, y).Y) +
				float64(gray.GrayAt(x, y-1).Y) +
				float64(gray.GrayAt(x, y+1).Y) -
				4*center
			response = append(response, lap)
		}
	}
	if len(response) < 2 {
		return 0
	}
	return stat.Variance(response, nil)
}
