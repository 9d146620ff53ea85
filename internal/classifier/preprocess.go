package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/straja-ai/imageguard/internal/imaging"
)

const defaultInputSize = 224

// Preprocessor turns an image into the normalized NCHW float tensor an
// image-classification model expects.
type Preprocessor struct {
	Width         int
	Height        int
	Mean          [3]float32
	Std           [3]float32
	RescaleFactor float32
	DoRescale     bool
	DoNormalize   bool
}

// DefaultPreprocessor mirrors the common ViT settings (224x224, mean/std 0.5).
func DefaultPreprocessor() Preprocessor {
	return Preprocessor{
		Width:         defaultInputSize,
		Height:        defaultInputSize,
		Mean:          [3]float32{0.5, 0.5, 0.5},
		Std:           [3]float32{0.5, 0.5, 0.5},
		RescaleFactor: 1.0 / 255.0,
		DoRescale:     true,
		DoNormalize:   true,
	}
}

type preprocessorFile struct {
	Size          json.RawMessage `json:"size"`
	CropSize      json.RawMessage `json:"crop_size"`
	DoResize      *bool           `json:"do_resize"`
	DoRescale     *bool           `json:"do_rescale"`
	DoNormalize   *bool           `json:"do_normalize"`
	RescaleFactor *float64        `json:"rescale_factor"`
	ImageMean     []float64       `json:"image_mean"`
	ImageStd      []float64       `json:"image_std"`
}

// LoadPreprocessor reads preprocessor_config.json from dir. A missing file
// yields DefaultPreprocessor.
func LoadPreprocessor(dir string) (Preprocessor, error) {
	p := DefaultPreprocessor()
	data, err := os.ReadFile(filepath.Join(dir, "preprocessor_config.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
		return p, err
	}
	return parsePreprocessor(data)
}

func parsePreprocessor(data []byte) (Preprocessor, error) {
	p := DefaultPreprocessor()
	var raw preprocessorFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return p, fmt.Errorf("parse preprocessor config: %w", err)
	}

	// crop_size wins when present; it is the final spatial size.
	for _, candidate := range []json.RawMessage{raw.CropSize, raw.Size} {
		if len(candidate) == 0 {
			continue
		}
		w, h, ok := parseSize(candidate)
		if ok {
			p.Width, p.Height = w, h
			break
		}
	}

	if raw.DoRescale != nil {
		p.DoRescale = *raw.DoRescale
	}
	if raw.DoNormalize != nil {
		p.DoNormalize = *raw.DoNormalize
	}
	if raw.RescaleFactor != nil && *raw.RescaleFactor > 0 {
		p.RescaleFactor = float32(*raw.RescaleFactor)
	}
	if len(raw.ImageMean) == 3 {
		for i, v := range raw.ImageMean {
			p.Mean[i] = float32(v)
		}
	}
	if len(raw.ImageStd) == 3 {
		for i, v := range raw.ImageStd {
			if v == 0 {
				return p, fmt.Errorf("image_std[%d] is zero", i)
			}
			p.Std[i] = float32(v)
		}
	}
	return p, nil
}

// parseSize accepts 224, {"height":224,"width":224} or {"shortest_edge":224}.
func parseSize(raw json.RawMessage) (int, int, bool) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		return n, n, true
	}
	var obj struct {
		Height       int `json:"height"`
		Width        int `json:"width"`
		ShortestEdge int `json:"shortest_edge"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, 0, false
	}
	if obj.Height > 0 && obj.Width > 0 {
		return obj.Width, obj.Height, true
	}
	if obj.ShortestEdge > 0 {
		return obj.ShortestEdge, obj.ShortestEdge, true
	}
	return 0, 0, false
}

// Len is the number of float32 values Fill writes.
func (p Preprocessor) Len() int {
	return 3 * p.Width * p.Height
}

// Fill resizes img and writes it into dst in channel-major order.
func (p Preprocessor) Fill(img image.Image, dst []float32) error {
	if len(dst) < p.Len() {
		return fmt.Errorf("tensor buffer too small: have %d, need %d", len(dst), p.Len())
	}
	rgba := imaging.Resize(img, p.Width, p.Height)
	plane := p.Width * p.Height
	for y := 0; y < p.Height; y++ {
		row := rgba.Pix[y*rgba.Stride:]
		for x := 0; x < p.Width; x++ {
			px := row[x*4 : x*4+3]
			idx := y*p.Width + x
			for c := 0; c < 3; c++ {
				v := float32(px[c])
				if p.DoRescale {
					v *= p.RescaleFactor
				}
				if p.DoNormalize {
					v = (v - p.Mean[c]) / p.Std[c]
				}
				dst[c*plane+idx] = v
			}
		}
	}
	return nil
}
