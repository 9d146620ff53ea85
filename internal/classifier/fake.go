package classifier

import (
	"context"
	"image"
	"sync/atomic"
)

// Fake returns fixed predictions (or a fixed error) and counts calls.
type Fake struct {
	ID          string
	Predictions []Prediction
	Err         error

	calls atomic.Int64
}

func NewFake(name string, preds ...Prediction) *Fake {
	return &Fake{ID: name, Predictions: preds}
}

func (f *Fake) Name() string { return f.ID }

func (f *Fake) Classify(ctx context.Context, img image.Image) ([]Prediction, error) {
	f.calls.Add(1)
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]Prediction, len(f.Predictions))
	copy(out, f.Predictions)
	return out, nil
}

// Calls reports how many times Classify ran.
func (f *Fake) Calls() int {
	return int(f.calls.Load())
}
