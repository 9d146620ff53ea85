// Package imaging decodes uploaded images and prepares RGB pixel data for
// the classifiers.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var (
	// ErrUnsupportedFormat is returned when the upload is not a decodable image.
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrTooLarge is returned when the declared dimensions exceed the pixel budget.
	ErrTooLarge = errors.New("image dimensions too large")
	// ErrEmpty is returned for a zero-length upload.
	ErrEmpty = errors.New("empty image")
)

// Info describes a decoded upload. It never carries pixel content.
type Info struct {
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Bytes  int    `json:"bytes"`
}

// Decode parses an uploaded image, rejecting images whose declared size
// exceeds maxPixels before any pixel data is allocated.
func Decode(data []byte, maxPixels int) (image.Image, Info, error) {
	if len(data) == 0 {
		return nil, Info{}, ErrEmpty
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, Info{}, ErrUnsupportedFormat
		}
		return nil, Info{}, fmt.Errorf("read image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, Info{}, fmt.Errorf("%w: %dx%d", ErrUnsupportedFormat, cfg.Width, cfg.Height)
	}
	if maxPixels > 0 && cfg.Width*cfg.Height > maxPixels {
		return nil, Info{}, fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, Info{}, fmt.Errorf("decode %s image: %w", format, err)
	}

	return img, Info{
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
		Bytes:  len(data),
	}, nil
}

// ToRGBA flattens any image onto an opaque white background so that
// transparent PNGs classify like their visible rendering.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// Resize scales img to exactly width x height with bilinear interpolation.
func Resize(img image.Image, width, height int) *image.RGBA {
	src := ToRGBA(img)
	if src.Bounds().Dx() == width && src.Bounds().Dy() == height {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// EncodePNG re-encodes an image for transports that need bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
