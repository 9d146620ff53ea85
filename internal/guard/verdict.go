package guard

import (
	"errors"
	"fmt"
	"strings"
)

// MissingImageMessage is returned when analyze is called without an image.
const MissingImageMessage = "⚠️ Please upload an image"

// Tier is a verdict severity, ordered from least to most severe.
type Tier int

const (
	TierReal Tier = iota
	TierQuestionable
	TierHighSuspicion
	TierConfirmedAI
)

func (t Tier) String() string {
	switch t {
	case TierReal:
		return "real"
	case TierQuestionable:
		return "questionable"
	case TierHighSuspicion:
		return "high_suspicion"
	case TierConfirmedAI:
		return "confirmed_ai"
	default:
		return "unknown"
	}
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Thresholds are the exclusive lower bounds of each tier above Real.
type Thresholds struct {
	Questionable  float64
	HighSuspicion float64
	Confirmed     float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Questionable: 0.15, HighSuspicion: 0.50, Confirmed: 0.80}
}

func (t Thresholds) Validate() error {
	if !(t.Questionable > 0 && t.Questionable < t.HighSuspicion && t.HighSuspicion < t.Confirmed && t.Confirmed < 1) {
		return errors.New("thresholds must satisfy 0 < questionable < high_suspicion < confirmed < 1")
	}
	return nil
}

// Verdict is the outcome of one analysis.
type Verdict struct {
	Tier        Tier    `json:"tier"`
	Label       string  `json:"label"`
	Description string  `json:"description"`
	Risk        float64 `json:"risk"`
	Texture     float64 `json:"texture"`
	Structure   float64 `json:"structure"`
	Details     string  `json:"details"`
}

// Text renders the verdict as label, description and detail block
// separated by blank lines.
func (v Verdict) Text() string {
	return v.Label + "\n\n" + v.Description + "\n\n" + v.Details
}

// Ladder maps two likelihoods to a Verdict.
type Ladder struct {
	Thresholds Thresholds
}

func NewLadder(th Thresholds) Ladder {
	return Ladder{Thresholds: th}
}

// Tier picks the tier for a risk score, evaluating from most severe down.
func (l Ladder) Tier(risk float64) Tier {
	switch {
	case risk > l.Thresholds.Confirmed:
		return TierConfirmedAI
	case risk > l.Thresholds.HighSuspicion:
		return TierHighSuspicion
	case risk > l.Thresholds.Questionable:
		return TierQuestionable
	default:
		return TierReal
	}
}

// Classify combines the texture and structure likelihoods. Risk is their
// maximum, so either expert alone can raise the verdict.
func (l Ladder) Classify(texture, structure float64) Verdict {
	risk := texture
	if structure > risk {
		risk = structure
	}
	tier := l.Tier(risk)

	v := Verdict{
		Tier:      tier,
		Risk:      risk,
		Texture:   texture,
		Structure: structure,
		Details:   l.details(texture, structure),
	}
	switch tier {
	case TierConfirmedAI:
		v.Label = "🔴 Confirmed — very likely AI-generated"
		v.Description = "Obvious generative fingerprint detected; this is almost certainly AI work."
	case TierHighSuspicion:
		v.Label = "🟠 High suspicion — many synthetic features"
		v.Description = "Lighting looks natural, but the texture detail betrays an AI origin."
	case TierQuestionable:
		v.Label = "🟡 Questionable — possible high-fidelity synthetic"
		v.Description = fmt.Sprintf("Anomalous texture signal detected (%s). Genuine camera photos almost never exceed 10%%.", percent(risk))
	default:
		v.Label = "🟢 Real — consistent with photography"
		v.Description = "Natural noise distribution; no AI traces detected."
	}
	return v
}

func (l Ladder) details(texture, structure float64) string {
	var b strings.Builder
	b.WriteString("📊 Expert panel data:\n")
	fmt.Fprintf(&b, "• Texture analysis (detail): %s\n", percent(texture))
	fmt.Fprintf(&b, "• Structure analysis (composition): %s\n", percent(structure))
	b.WriteString(strings.Repeat("-", 30))
	b.WriteString("\n")
	fmt.Fprintf(&b, "💡 Threshold note: anything above %s is treated as anomalous", wholePercent(l.Thresholds.Questionable))
	return b.String()
}

// percent formats a fraction with one decimal, e.g. 0.1234 -> "12.3%".
func percent(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

func wholePercent(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}
