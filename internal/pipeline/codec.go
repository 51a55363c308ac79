package pipeline

import (
	"bytes"
	"image"
	"image/color"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	// registers the webp decoder with image.Decode so uploads may be webp
	_ "golang.org/x/image/webp"

	"imageforge/internal/models"
)

// maxSourcePixels caps the decoded raster of a source image. Headers are
// checked first so a tiny file cannot claim a huge canvas.
const maxSourcePixels = 64 << 20

func decode(data []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, models.NewError(models.KindDecode, "pipeline.decode", err)
	}
	if cfg.Width > maxDimension || cfg.Height > maxDimension || cfg.Width*cfg.Height > maxSourcePixels {
		return nil, models.Errorf(models.KindDecode, "pipeline.decode",
			"source dimensions %dx%d exceed limits", cfg.Width, cfg.Height)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, models.NewError(models.KindDecode, "pipeline.decode", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, models.Errorf(models.KindDecode, "pipeline.decode", "empty image")
	}
	return img, nil
}

// pngLevel maps quality to encoder effort. PNG stays lossless either way:
// 100 keeps the standard level, anything lower trades CPU for size.
func pngLevel(quality int) png.CompressionLevel {
	if quality >= 100 {
		return png.DefaultCompression
	}
	return png.BestCompression
}

func encode(img image.Image, format models.Format, quality int) ([]byte, error) {
	const op = "pipeline.encode"

	quality = clamp(quality, 1, 100)
	buf := new(bytes.Buffer)

	var err error
	switch format {
	case models.FormatJPEG:
		err = imaging.Encode(buf, flatten(img), imaging.JPEG, imaging.JPEGQuality(quality))
	case models.FormatPNG:
		err = imaging.Encode(buf, img, imaging.PNG, imaging.PNGCompressionLevel(pngLevel(quality)))
	case models.FormatWebP:
		err = webp.Encode(buf, img, &webp.Options{Quality: float32(quality)})
	default:
		return nil, models.Errorf(models.KindEncode, op, "unsupported output format %q", format)
	}
	if err != nil {
		return nil, models.NewError(models.KindEncode, op, err)
	}
	return buf.Bytes(), nil
}

// flatten composites img onto white. JPEG has no alpha channel, so without
// this transparent padding would come out black.
func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}
