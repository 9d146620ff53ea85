package classifier

import (
	"context"
	"errors"
	"testing"
)

func TestSortPredictionsStableDescending(t *testing.T) {
	preds := []Prediction{
		{Label: "a", Score: 0.2},
		{Label: "b", Score: 0.7},
		{Label: "c", Score: 0.2},
	}
	SortPredictions(preds)
	if preds[0].Label != "b" || preds[1].Label != "a" || preds[2].Label != "c" {
		t.Fatalf("unexpected order %+v", preds)
	}
}

func TestTopK(t *testing.T) {
	preds := []Prediction{{Label: "a"}, {Label: "b"}, {Label: "c"}}
	if got := TopK(preds, 0); len(got) != 3 {
		t.Fatalf("k=0 should keep all, got %d", len(got))
	}
	if got := TopK(preds, 2); len(got) != 2 {
		t.Fatalf("k=2 should keep two, got %d", len(got))
	}
	if got := TopK(preds, 10); len(got) != 3 {
		t.Fatalf("k>len should keep all, got %d", len(got))
	}
}

func TestFakeCountsCallsAndCopies(t *testing.T) {
	f := NewFake("texture", Prediction{Label: "artificial", Score: 0.8})
	out, err := f.Classify(context.Background(), nil)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	out[0].Score = 0
	if f.Predictions[0].Score != 0.8 {
		t.Fatalf("fake predictions mutated by caller")
	}

	f.Err = errors.New("boom")
	if _, err := f.Classify(context.Background(), nil); err == nil {
		t.Fatalf("expected configured error")
	}
	if f.Calls() != 2 {
		t.Fatalf("expected 2 calls, got %d", f.Calls())
	}
}
