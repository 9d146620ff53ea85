package guard

import (
	"context"
	"fmt"
	"image"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/straja-ai/imageguard/internal/classifier"
)

var (
	DefaultAIKeywords   = []string{"fake", "artificial", "generated", "ai", "computer"}
	DefaultRealKeywords = []string{"human", "real", "photo", "natural"}
)

// Extractor maps one classifier's predictions to a single AI likelihood
// using label keyword matching.
type Extractor struct {
	AIKeywords   []string
	RealKeywords []string
}

// NewExtractor lowercases the keyword sets; empty sets fall back to the defaults.
func NewExtractor(aiKeywords, realKeywords []string) Extractor {
	if len(aiKeywords) == 0 {
		aiKeywords = DefaultAIKeywords
	}
	if len(realKeywords) == 0 {
		realKeywords = DefaultRealKeywords
	}
	return Extractor{
		AIKeywords:   lowerAll(aiKeywords),
		RealKeywords: lowerAll(realKeywords),
	}
}

// Likelihood scans predictions in classifier order. The first label
// containing an AI keyword yields its score. Failing that, the first label
// containing a real keyword yields 1-score. Otherwise the result is 0.
func (e Extractor) Likelihood(preds []classifier.Prediction) float64 {
	for _, p := range preds {
		if containsAny(p.Label, e.AIKeywords) {
			return clamp01(p.Score)
		}
	}
	for _, p := range preds {
		if containsAny(p.Label, e.RealKeywords) {
			return clamp01(1.0 - p.Score)
		}
	}
	return 0
}

// Extract runs c on img and returns its AI likelihood. A nil classifier
// counts as 0. Classifier errors and panics are logged and also count as 0.
func (e Extractor) Extract(ctx context.Context, c classifier.Classifier, img image.Image) (score float64, err error) {
	if c == nil {
		return 0, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("classifier %s panicked: %v", c.Name(), r)
			zap.L().Error("imageguard: score extraction failed", zap.String("expert", c.Name()), zap.Error(err))
			score = 0
		}
	}()

	preds, err := c.Classify(ctx, img)
	if err != nil {
		zap.L().Error("imageguard: score extraction failed", zap.String("expert", c.Name()), zap.Error(err))
		return 0, err
	}
	return e.Likelihood(preds), nil
}

func containsAny(label string, keywords []string) bool {
	l := strings.ToLower(label)
	for _, k := range keywords {
		if k != "" && strings.Contains(l, k) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
