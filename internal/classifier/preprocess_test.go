package classifier

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func TestParsePreprocessorSizeVariants(t *testing.T) {
	cases := []struct {
		name  string
		json  string
		wantW int
		wantH int
	}{
		{"int", `{"size": 384}`, 384, 384},
		{"height_width", `{"size": {"height": 224, "width": 256}}`, 256, 224},
		{"shortest_edge", `{"size": {"shortest_edge": 256}}`, 256, 256},
		{"crop_wins", `{"size": {"shortest_edge": 256}, "crop_size": {"height": 224, "width": 224}}`, 224, 224},
		{"missing", `{}`, defaultInputSize, defaultInputSize},
	}
	for _, tc := range cases {
		p, err := parsePreprocessor([]byte(tc.json))
		if err != nil {
			t.Fatalf("%s: parse: %v", tc.name, err)
		}
		if p.Width != tc.wantW || p.Height != tc.wantH {
			t.Fatalf("%s: expected %dx%d, got %dx%d", tc.name, tc.wantW, tc.wantH, p.Width, p.Height)
		}
	}
}

func TestParsePreprocessorNormalization(t *testing.T) {
	p, err := parsePreprocessor([]byte(`{
		"image_mean": [0.485, 0.456, 0.406],
		"image_std": [0.229, 0.224, 0.225],
		"rescale_factor": 0.00392156862745098,
		"do_normalize": true
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if math.Abs(float64(p.Mean[0])-0.485) > 1e-6 || math.Abs(float64(p.Std[2])-0.225) > 1e-6 {
		t.Fatalf("unexpected mean/std %v %v", p.Mean, p.Std)
	}

	if _, err := parsePreprocessor([]byte(`{"image_std": [0.5, 0, 0.5]}`)); err == nil {
		t.Fatalf("expected error for zero std")
	}
}

func TestLoadPreprocessorMissingFileUsesDefaults(t *testing.T) {
	p, err := LoadPreprocessor(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p != DefaultPreprocessor() {
		t.Fatalf("expected defaults, got %+v", p)
	}
}

func TestFillWritesChannelMajorTensor(t *testing.T) {
	p := DefaultPreprocessor()
	p.Width, p.Height = 2, 2

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 255, A: 255})
		}
	}

	dst := make([]float32, p.Len())
	if err := p.Fill(img, dst); err != nil {
		t.Fatalf("fill: %v", err)
	}
	// (1.0-0.5)/0.5 = 1 for full channels, (0-0.5)/0.5 = -1 for empty ones.
	for i := 0; i < 4; i++ {
		if math.Abs(float64(dst[i])-1) > 1e-5 {
			t.Fatalf("red plane[%d] = %v, want 1", i, dst[i])
		}
		if math.Abs(float64(dst[4+i])+1) > 1e-5 {
			t.Fatalf("green plane[%d] = %v, want -1", i, dst[4+i])
		}
		if math.Abs(float64(dst[8+i])-1) > 1e-5 {
			t.Fatalf("blue plane[%d] = %v, want 1", i, dst[8+i])
		}
	}

	if err := p.Fill(img, make([]float32, 3)); err == nil {
		t.Fatalf("expected error for short buffer")
	}
}
