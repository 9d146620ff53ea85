// Package guard scores an image with two independent experts and maps the
// combined risk to a verdict.
package guard

import (
	"context"
	"errors"
	"image"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/straja-ai/imageguard/internal/classifier"
)

// ErrNoImage is returned by Analyze when no image was supplied.
var ErrNoImage = errors.New("no image supplied")

const (
	RoleTexture   = "texture"
	RoleStructure = "structure"
)

const (
	StateLoaded      = "loaded"
	StateUnavailable = "unavailable"
	StateDisabled    = "disabled"
)

// Expert is one classifier handle plus the outcome of loading it. A nil
// Classifier contributes a likelihood of 0 to every analysis.
type Expert struct {
	Role       string
	Model      string
	Device     string
	State      string
	Reason     string
	Classifier classifier.Classifier
}

// Available reports whether the expert can be invoked.
func (e *Expert) Available() bool {
	return e != nil && e.Classifier != nil && e.State == StateLoaded
}

// ExpertStatus is the startup status of an expert, safe to expose.
type ExpertStatus struct {
	Role   string `json:"role"`
	Model  string `json:"model"`
	Device string `json:"device,omitempty"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// Observer receives per-analysis measurements.
type Observer interface {
	ObserveExpert(role string, likelihood float64, d time.Duration, err error)
	ObserveVerdict(tier Tier, risk float64, d time.Duration)
}

// Observers fans measurements out to several observers.
type Observers []Observer

func (o Observers) ObserveExpert(role string, likelihood float64, d time.Duration, err error) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveExpert(role, likelihood, d, err)
		}
	}
}

func (o Observers) ObserveVerdict(tier Tier, risk float64, d time.Duration) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveVerdict(tier, risk, d)
		}
	}
}

// Options tune a Guard. Zero values select the defaults.
type Options struct {
	Extractor *Extractor
	Ladder    *Ladder
	Tracer    trace.Tracer
	Observer  Observer
}

// Guard runs the texture and structure experts and classifies the result.
// It is safe for concurrent use once constructed.
type Guard struct {
	texture   *Expert
	structure *Expert
	extractor Extractor
	ladder    Ladder
	tracer    trace.Tracer
	observer  Observer
}

// New builds a Guard around two experts, either of which may be nil.
func New(texture, structure *Expert, opts Options) *Guard {
	g := &Guard{
		texture:   texture,
		structure: structure,
		extractor: NewExtractor(nil, nil),
		ladder:    NewLadder(DefaultThresholds()),
		tracer:    opts.Tracer,
		observer:  opts.Observer,
	}
	if opts.Extractor != nil {
		g.extractor = *opts.Extractor
	}
	if opts.Ladder != nil {
		g.ladder = *opts.Ladder
	}
	if g.tracer == nil {
		g.tracer = noop.NewTracerProvider().Tracer("")
	}
	return g
}

// ExpertResult is one expert's contribution to a Report.
type ExpertResult struct {
	Role       string  `json:"role"`
	State      string  `json:"state"`
	Likelihood float64 `json:"likelihood"`
	Error      string  `json:"error,omitempty"`
	DurationMs float64 `json:"duration_ms"`
}

// Report is the full outcome of one analysis.
type Report struct {
	Verdict    Verdict        `json:"verdict"`
	Experts    []ExpertResult `json:"experts"`
	DurationMs float64        `json:"duration_ms"`
}

// Text renders the human-readable report.
func (r *Report) Text() string {
	if r == nil {
		return MissingImageMessage
	}
	return r.Verdict.Text()
}

// Analyze scores img with both experts, one after the other. An expert
// failure only zeroes that expert's likelihood. A nil img returns
// ErrNoImage without invoking any classifier.
func (g *Guard) Analyze(ctx context.Context, img image.Image) (*Report, error) {
	if img == nil {
		return nil, ErrNoImage
	}
	ctx, span := g.tracer.Start(ctx, "imageguard.analyze")
	defer span.End()

	start := time.Now()
	tex := g.runExpert(ctx, g.texture, RoleTexture, img)
	str := g.runExpert(ctx, g.structure, RoleStructure, img)

	verdict := g.ladder.Classify(tex.Likelihood, str.Likelihood)
	elapsed := time.Since(start)

	span.SetAttributes(
		attribute.String("imageguard.tier", verdict.Tier.String()),
		attribute.Float64("imageguard.risk", verdict.Risk),
	)
	if g.observer != nil {
		g.observer.ObserveVerdict(verdict.Tier, verdict.Risk, elapsed)
	}

	return &Report{
		Verdict:    verdict,
		Experts:    []ExpertResult{tex, str},
		DurationMs: durationMs(elapsed),
	}, nil
}

// AnalyzeText returns the formatted report, or the upload prompt for a nil image.
func (g *Guard) AnalyzeText(ctx context.Context, img image.Image) string {
	report, err := g.Analyze(ctx, img)
	if err != nil {
		return MissingImageMessage
	}
	return report.Text()
}

func (g *Guard) runExpert(ctx context.Context, e *Expert, role string, img image.Image) ExpertResult {
	res := ExpertResult{Role: role, State: StateUnavailable}
	if e != nil && e.State != "" {
		res.State = e.State
	}
	if !e.Available() {
		if g.observer != nil {
			g.observer.ObserveExpert(role, 0, 0, nil)
		}
		return res
	}

	ctx, span := g.tracer.Start(ctx, "imageguard.expert", trace.WithAttributes(
		attribute.String("imageguard.role", role),
		attribute.String("imageguard.model", e.Model),
	))
	defer span.End()

	start := time.Now()
	score, err := g.extractor.Extract(ctx, e.Classifier, img)
	elapsed := time.Since(start)

	res.Likelihood = score
	res.DurationMs = durationMs(elapsed)
	if err != nil {
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "inference failed")
	}
	span.SetAttributes(attribute.Float64("imageguard.likelihood", score))
	if g.observer != nil {
		g.observer.ObserveExpert(role, score, elapsed, err)
	}
	return res
}

// Statuses lists both experts' startup state.
func (g *Guard) Statuses() []ExpertStatus {
	out := make([]ExpertStatus, 0, 2)
	for _, pair := range []struct {
		role string
		e    *Expert
	}{{RoleTexture, g.texture}, {RoleStructure, g.structure}} {
		st := ExpertStatus{Role: pair.role, State: StateUnavailable, Reason: "not configured"}
		if pair.e != nil {
			st = ExpertStatus{Role: pair.role, Model: pair.e.Model, Device: pair.e.Device, State: pair.e.State, Reason: pair.e.Reason}
		}
		out = append(out, st)
	}
	return out
}

// Ready reports whether at least one expert is loaded.
func (g *Guard) Ready() bool {
	return g.texture.Available() || g.structure.Available()
}

type closer interface {
	Close()
}

// Close releases classifier resources.
func (g *Guard) Close() {
	for _, e := range []*Expert{g.texture, g.structure} {
		if e == nil || e.Classifier == nil {
			continue
		}
		if c, ok := e.Classifier.(closer); ok {
			c.Close()
		}
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
