package redact

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestStringRedaction(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		disallow []string
		require  []string
	}{
		{
			name:     "bearer header",
			input:    "Authorization: Bearer hf-secret-123",
			disallow: []string{"hf-secret-123"},
			require:  []string{"[REDACTED]"},
		},
		{
			name:     "api key value",
			input:    "remote classifier api_key=abcdef123456",
			disallow: []string{"abcdef123456"},
			require:  []string{"api_key=[REDACTED]"},
		},
		{
			name:     "hub token",
			input:    "using token hf_AbCdEfGhIjKlMnOp for download",
			disallow: []string{"hf_AbCdEfGhIjKlMnOp"},
			require:  []string{"hf_[REDACTED]"},
		},
		{
			name:     "signed model url",
			input:    "fetch https://hf-mirror.com/umm-maybe/AI-image-detector/resolve/main/model.onnx?sig=abc123",
			disallow: []string{"sig=abc123", "resolve/main"},
			require:  []string{"https://hf-mirror.com/model.onnx"},
		},
		{
			name:     "mixed token",
			input:    "Bearer abc key=supersecret token=anotherone endpoint=https://inference.example.test/models/",
			disallow: []string{"abc", "supersecret", "anotherone", "models/"},
			require:  []string{"[REDACTED]", "https://inference.example.test/[REDACTED_PATH]"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := String(tc.input)
			for _, bad := range tc.disallow {
				if bad != "" && contains(out, bad) {
					t.Fatalf("output still contains %q: %s", bad, out)
				}
			}
			for _, want := range tc.require {
				if want == "" {
					continue
				}
				if !contains(out, want) {
					t.Fatalf("output missing required substring %q: %s", want, out)
				}
			}
		})
	}
}

func TestLogfWritesRedactedLine(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	Logf("calling remote expert with Bearer %s", "sk-live-999")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if contains(entries[0].Message, "sk-live-999") {
		t.Fatalf("log line leaked secret: %s", entries[0].Message)
	}
}

func contains(s, sub string) bool {
	return s != "" && sub != "" && strings.Contains(s, sub)
}
