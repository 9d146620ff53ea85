package activation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/straja-ai/imageguard/internal/guard"
	"github.com/straja-ai/imageguard/internal/imaging"
	"github.com/straja-ai/imageguard/internal/redact"
)

// EventVersion is bumped whenever the event shape changes incompatibly.
const EventVersion = "1"

const (
	LevelMetadata = "metadata"
	LevelFull     = "full"
)

const (
	OutcomeAnalyzed = "analyzed"
	OutcomeNoImage  = "no_image"
	OutcomeRejected = "rejected"
)

// ExpertEntry is one expert's contribution to an analysis.
type ExpertEntry struct {
	Role       string  `json:"role"`
	Model      string  `json:"model,omitempty"`
	State      string  `json:"state"`
	Likelihood float64 `json:"likelihood"`
	Failed     bool    `json:"failed,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMs float64 `json:"duration_ms"`
}

type VerdictInfo struct {
	Tier  string  `json:"tier"`
	Label string  `json:"label,omitempty"`
	Risk  float64 `json:"risk"`
}

type ImageInfo struct {
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Bytes  int    `json:"bytes"`
}

type TimingMs struct {
	Decode   float64 `json:"decode"`
	Analysis float64 `json:"analysis"`
	Total    float64 `json:"total"`
}

// Event is the canonical analysis payload. It never carries pixel content.
type Event struct {
	Version   string        `json:"version"`
	Timestamp time.Time     `json:"timestamp"`
	RequestID string        `json:"request_id"`
	Outcome   string        `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`
	Verdict   *VerdictInfo  `json:"verdict,omitempty"`
	Experts   []ExpertEntry `json:"experts,omitempty"`
	Image     *ImageInfo    `json:"image,omitempty"`
	Report    string        `json:"report,omitempty"`
	TimingMs  TimingMs      `json:"timing_ms"`
}

// BuildParams collects inputs needed to assemble an analysis event.
type BuildParams struct {
	RequestID    string
	Outcome      string
	Reason       string
	Report       *guard.Report
	Statuses     []guard.ExpertStatus
	Image        *imaging.Info
	LoggingLevel string
	Decode       time.Duration
	Total        time.Duration
}

// BuildEvent creates an analysis event. At metadata level expert error
// text and the rendered report are left out.
func BuildEvent(params BuildParams) *Event {
	outcome := strings.TrimSpace(params.Outcome)
	if outcome == "" {
		outcome = OutcomeAnalyzed
		if params.Report == nil {
			outcome = OutcomeNoImage
		}
	}
	full := strings.EqualFold(strings.TrimSpace(params.LoggingLevel), LevelFull)

	ev := &Event{
		Version:   EventVersion,
		Timestamp: time.Now().UTC(),
		RequestID: EnsureRequestID(params.RequestID),
		Outcome:   outcome,
		Reason:    params.Reason,
		TimingMs: TimingMs{
			Decode: durationMillis(params.Decode),
			Total:  durationMillis(params.Total),
		},
	}

	if params.Image != nil {
		ev.Image = &ImageInfo{
			Format: params.Image.Format,
			Width:  params.Image.Width,
			Height: params.Image.Height,
			Bytes:  params.Image.Bytes,
		}
	}

	models := make(map[string]string, len(params.Statuses))
	for _, st := range params.Statuses {
		models[st.Role] = st.Model
	}

	if r := params.Report; r != nil {
		ev.Verdict = &VerdictInfo{
			Tier:  r.Verdict.Tier.String(),
			Label: r.Verdict.Label,
			Risk:  r.Verdict.Risk,
		}
		ev.TimingMs.Analysis = r.DurationMs
		for _, ex := range r.Experts {
			entry := ExpertEntry{
				Role:       ex.Role,
				Model:      models[ex.Role],
				State:      ex.State,
				Likelihood: ex.Likelihood,
				Failed:     ex.Error != "",
				DurationMs: ex.DurationMs,
			}
			if full && ex.Error != "" {
				entry.Error = redact.String(ex.Error)
			}
			ev.Experts = append(ev.Experts, entry)
		}
		if full {
			ev.Report = r.Text()
		}
	} else {
		for _, st := range params.Statuses {
			ev.Experts = append(ev.Experts, ExpertEntry{Role: st.Role, Model: st.Model, State: st.State})
		}
	}
	return ev
}

// LogEvent prints a redacted JSON representation of the analysis event.
func LogEvent(ev *Event) {
	if ev == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		redact.Logf("activation: failed to marshal event: %v", err)
		return
	}
	redact.Logf("activation: %s", string(data))
}

// EnsureRequestID returns id, or a fresh UUID when id is blank.
func EnsureRequestID(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return uuid.NewString()
}

func durationMillis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
