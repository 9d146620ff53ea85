package activation

import (
	"fmt"
	"strings"
	"time"

	"github.com/straja-ai/imageguard/internal/config"
)

// NewSinks builds the sinks named in cfg. On error the sinks opened so far
// are returned so the caller can close them.
func NewSinks(cfg []config.SinkConfig) ([]Sink, error) {
	sinks := make([]Sink, 0, len(cfg))
	for i, sc := range cfg {
		switch strings.ToLower(strings.TrimSpace(sc.Type)) {
		case "stdout":
			sinks = append(sinks, NewLogSink(nil))
		case "file_jsonl":
			fs, err := NewFileSink(sc.Path)
			if err != nil {
				return sinks, fmt.Errorf("activation.sinks[%d]: %w", i, err)
			}
			sinks = append(sinks, fs)
		case "webhook":
			timeout := time.Duration(sc.TimeoutSeconds) * time.Second
			ws, err := NewWebhookSink(sc.URL, sc.Headers, timeout)
			if err != nil {
				return sinks, fmt.Errorf("activation.sinks[%d]: %w", i, err)
			}
			sinks = append(sinks, ws)
		default:
			return sinks, fmt.Errorf("activation.sinks[%d]: unknown type %q", i, sc.Type)
		}
	}
	return sinks, nil
}
