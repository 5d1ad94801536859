package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func sampleJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode sample: %v", err)
	}
	return buf.Bytes()
}

// TestProcessIsDeterministic exercises spec.md §8 property 7: same
// (bytes, config) produces the same output bytes.
func TestProcessIsDeterministic(t *testing.T) {
	input := sampleJPEG(t)
	cfg := Config{
		Roi:              Roi{XPercent: 10, YPercent: 10, WPercent: 80, HPercent: 80},
		Greyscale:        true,
		ContrastFactor:   10,
		Sharpen:          true,
		SharpenSigma:     1.2,
		ScaleFactor:      2,
		ThresholdEnabled: true,
		ThresholdLevel:   128,
	}

	r1, err := Process(input, cfg)
	if err != nil {
		t.Fatalf("Process (1): %v", err)
	}
	r2, err := Process(input, cfg)
	if err != nil {
		t.Fatalf("Process (2): %v", err)
	}
	if !bytes.Equal(r1.JPEG, r2.JPEG) {
		t.Fatalf("expected identical output bytes for identical input and config")
	}
	if r1.InkRatio != r2.InkRatio {
		t.Fatalf("expected identical ink ratio, got %v and %v", r1.InkRatio, r2.InkRatio)
	}
}

func TestProcessNoOpConfigPassesThroughDimensions(t *testing.T) {
	input := sampleJPEG(t)
	cfg := Config{Roi: Roi{WPercent: 100, HPercent: 100}, ScaleFactor: 1}
	r, err := Process(input, cfg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(r.JPEG) == 0 {
		t.Fatalf("expected nonempty output")
	}
}
