package pipeline

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"imageforge/internal/models"
)

const maxDimension = 16384

// mild 3x3 sharpen, weights sum to 1
var sharpenKernel = [9]float64{
	0, -0.5, 0,
	-0.5, 3, -0.5,
	0, -0.5, 0,
}

var transparent = color.NRGBA{R: 255, G: 255, B: 255, A: 0}

// apply dispatches on the operation variant.
func apply(img image.Image, op models.Operation) (image.Image, error) {
	switch o := op.(type) {
	case models.Resize:
		return resize(img, o)
	case models.Compress:
		return img, nil
	case models.Upscale:
		return upscale(img, o)
	default:
		return nil, models.Errorf(models.KindValidation, "pipeline.apply", "unsupported operation %T", op)
	}
}

func resize(img image.Image, o models.Resize) (image.Image, error) {
	b := img.Bounds()
	boxW, boxH := targetBox(b.Dx(), b.Dy(), o.Width, o.Height)
	if err := checkDims(boxW, boxH); err != nil {
		return nil, err
	}

	if !o.MaintainAspectRatio {
		return imaging.Resize(img, boxW, boxH, imaging.Lanczos), nil
	}

	w, h := containSize(b.Dx(), b.Dy(), boxW, boxH)
	fitted := imaging.Resize(img, w, h, imaging.Lanczos)
	if w == boxW && h == boxH {
		return fitted, nil
	}
	canvas := imaging.New(boxW, boxH, transparent)
	return imaging.PasteCenter(canvas, fitted), nil
}

func upscale(img image.Image, o models.Upscale) (image.Image, error) {
	b := img.Bounds()
	w := int(math.Round(float64(b.Dx()) * o.Scale))
	h := proportional(w, b.Dx(), b.Dy())
	if err := checkDims(w, h); err != nil {
		return nil, err
	}
	enlarged := imaging.Resize(img, w, h, imaging.Lanczos)
	return imaging.Convolve3x3(enlarged, sharpenKernel, nil), nil
}

// targetBox fills in whichever of width/height is missing from the source
// aspect ratio.
func targetBox(srcW, srcH int, width, height *int) (int, int) {
	switch {
	case width != nil && height != nil:
		return *width, *height
	case width != nil:
		return *width, proportional(*width, srcW, srcH)
	case height != nil:
		return proportional(*height, srcH, srcW), *height
	default:
		return srcW, srcH
	}
}

// containSize is the largest size with the source ratio that fits the box.
func containSize(srcW, srcH, boxW, boxH int) (int, int) {
	scale := math.Min(float64(boxW)/float64(srcW), float64(boxH)/float64(srcH))
	w := int(math.Round(float64(srcW) * scale))
	h := int(math.Round(float64(srcH) * scale))
	return clamp(w, 1, boxW), clamp(h, 1, boxH)
}

// proportional scales other by known/ref, never below one pixel.
func proportional(known, ref, other int) int {
	if ref == 0 {
		return 0
	}
	return max(1, int(math.Round(float64(known)*float64(other)/float64(ref))))
}

func checkDims(w, h int) error {
	if w <= 0 || h <= 0 || w > maxDimension || h > maxDimension {
		return models.Errorf(models.KindEncode, "pipeline.checkDims", "target dimensions %dx%d out of range", w, h)
	}
	return nil
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
