// Package imaging implements Image Preprocess (spec.md §4.E): a
// deterministic pixel pipeline over the captured JPEG, built on
// disintegration/imaging and golang.org/x/image.
package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	ximaging "github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/wellmonitor/agent/internal/wellerr"
)

// Roi is a percent-of-frame rectangle (spec.md §3 ConfigSnapshot.roi).
type Roi struct {
	XPercent, YPercent, WPercent, HPercent float64
}

// Config gates each pipeline step; every field corresponds to one boolean
// in spec.md §4.E's ordered list.
type Config struct {
	Roi               Roi
	Greyscale         bool
	ContrastFactor    float64 // 0 = no-op
	BrightnessOffset  float64 // 0 = no-op
	DenoiseRadius     float64 // 0 = disabled
	Sharpen           bool
	SharpenSigma      float64
	ScaleFactor       float64 // 1 = no-op
	ThresholdEnabled  bool
	ThresholdLevel    uint8
}

// Result is the output of Process: the new byte buffer plus the
// effective ROI pixel rectangle actually applied.
type Result struct {
	JPEG       []byte
	EffectiveROI image.Rectangle
	InkRatio   float64
}

// Process runs the pipeline in spec.md §4.E's fixed order. It is a pure
// function of (input, cfg): no randomness, no goroutines.
func Process(input []byte, cfg Config) (Result, error) {
	img, err := ximaging.Decode(bytes.NewReader(input))
	if err != nil {
		return Result{}, wellerr.New("imaging", "decode", wellerr.KindInternal, err)
	}

	bounds := img.Bounds()
	roiRect := percentRect(bounds, cfg.Roi)
	img = ximaging.Crop(img, roiRect)

	if cfg.Greyscale {
		img = ximaging.Grayscale(img)
	}
	if cfg.ContrastFactor != 0 {
		img = ximaging.AdjustContrast(img, cfg.ContrastFactor)
	}
	if cfg.BrightnessOffset != 0 {
		img = ximaging.AdjustBrightness(img, cfg.BrightnessOffset)
	}
	if cfg.DenoiseRadius > 0 {
		img = ximaging.Blur(img, cfg.DenoiseRadius)
	}
	if cfg.Sharpen {
		sigma := cfg.SharpenSigma
		if sigma == 0 {
			sigma = 1.0
		}
		img = ximaging.Sharpen(img, sigma)
	}
	if cfg.ScaleFactor != 0 && cfg.ScaleFactor != 1 {
		img = scale(img, cfg.ScaleFactor)
	}

	inkRatio := 0.0
	if cfg.ThresholdEnabled {
		img, inkRatio = threshold(img, cfg.ThresholdLevel)
	} else {
		inkRatio = estimateInkRatio(img)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92}); err != nil {
		return Result{}, wellerr.New("imaging", "encode", wellerr.KindInternal, err)
	}
	return Result{JPEG: buf.Bytes(), EffectiveROI: roiRect, InkRatio: inkRatio}, nil
}

// scale resizes img by factor using x/image/draw's Catmull-Rom kernel,
// a closer match to Tesseract/Cloud Vision's preferred upscaling quality
// than disintegration/imaging's box filters for the >1x case this agent
// mostly exercises (low-res camera crops scaled up before OCR).
func scale(img image.Image, factor float64) image.Image {
	b := img.Bounds()
	w := int(float64(b.Dx()) * factor)
	h := int(float64(b.Dy()) * factor)
	if w <= 0 || h <= 0 {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func percentRect(bounds image.Rectangle, roi Roi) image.Rectangle {
	w, h := bounds.Dx(), bounds.Dy()
	x := bounds.Min.X + int(float64(w)*roi.XPercent/100)
	y := bounds.Min.Y + int(float64(h)*roi.YPercent/100)
	rw := int(float64(w) * roi.WPercent / 100)
	rh := int(float64(h) * roi.HPercent / 100)
	if rw <= 0 || rh <= 0 {
		return bounds
	}
	return image.Rect(x, y, x+rw, y+rh)
}

// threshold converts to pure black/white at level and returns the ratio
// of black ("ink") pixels, used by the Reading Parser's rule 3
// (spec.md §4.G: "a blank or below-5%-ink image → status Off").
func threshold(img image.Image, level uint8) (image.Image, float64) {
	b := img.Bounds()
	out := image.NewGray(b)
	ink := 0
	total := b.Dx() * b.Dy()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			if g.Y < level {
				out.SetGray(x, y, color.Gray{Y: 0})
				ink++
			} else {
				out.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	if total == 0 {
		return out, 0
	}
	return out, float64(ink) / float64(total)
}

func estimateInkRatio(img image.Image) float64 {
	_, ratio := threshold(img, 128)
	return ratio
}
