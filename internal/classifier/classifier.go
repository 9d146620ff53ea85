// Package classifier defines the image-classification contract the guard
// consumes, plus the ONNX, remote and fake backends that satisfy it.
package classifier

import (
	"context"
	"errors"
	"image"
	"sort"
)

// ErrUnavailable is returned by backends that were closed or never initialized.
var ErrUnavailable = errors.New("classifier unavailable")

// Prediction is one {label, score} pair produced for an image.
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classifier returns an ordered list of predictions for one image. Scores
// are in [0,1] but need not sum to 1; order is backend-defined.
// Implementations must be safe for concurrent use.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, img image.Image) ([]Prediction, error)
}

// SortPredictions orders predictions by descending score, keeping label
// order stable for ties.
func SortPredictions(preds []Prediction) {
	sort.SliceStable(preds, func(i, j int) bool {
		return preds[i].Score > preds[j].Score
	})
}

// TopK truncates sorted predictions to k entries. k <= 0 keeps all.
func TopK(preds []Prediction, k int) []Prediction {
	if k <= 0 || k >= len(preds) {
		return preds
	}
	return preds[:k]
}
