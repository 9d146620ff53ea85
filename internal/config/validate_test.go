package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := defaultConfig()
	return cfg
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing host",
			mutate: func(c *Config) { c.Server.Host = "" },
			want:   "server.host",
		},
		{
			name:   "port out of range",
			mutate: func(c *Config) { c.Server.Port = 70000 },
			want:   "server.port",
		},
		{
			name:   "unknown model kind",
			mutate: func(c *Config) { c.Models.Texture.Kind = "pytorch" },
			want:   "models.texture.kind",
		},
		{
			name: "remote model without url",
			mutate: func(c *Config) {
				c.Models.Structure.Kind = "remote"
				c.Models.Structure.URL = ""
			},
			want: "missing url",
		},
		{
			name: "remote model with bad scheme",
			mutate: func(c *Config) {
				c.Models.Structure.Kind = "remote"
				c.Models.Structure.URL = "ftp://models.example.com/detector"
			},
			want: "http or https",
		},
		{
			name: "onnx model without source",
			mutate: func(c *Config) {
				c.Models.Texture.Repo = ""
				c.Models.Texture.Dir = ""
			},
			want: "dir or repo",
		},
		{
			name:   "thresholds out of order",
			mutate: func(c *Config) { c.Scoring.Thresholds.HighSuspicion = 0.9 },
			want:   "scoring.thresholds",
		},
		{
			name:   "empty ai keywords",
			mutate: func(c *Config) { c.Scoring.AIKeywords = []string{" "} },
			want:   "ai_keywords",
		},
		{
			name:   "bad log format",
			mutate: func(c *Config) { c.Logging.Format = "xml" },
			want:   "logging.format",
		},
		{
			name:   "unknown sink",
			mutate: func(c *Config) { c.Activation.Sinks = []SinkConfig{{Type: "kafka"}} },
			want:   "unknown type",
		},
		{
			name:   "webhook sink without url",
			mutate: func(c *Config) { c.Activation.Sinks = []SinkConfig{{Type: "webhook"}} },
			want:   "missing url",
		},
		{
			name: "telemetry without endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Endpoint = ""
			},
			want: "endpoint",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			} else if !contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not contain %q", err.Error(), tc.want)
			}
		})
	}
}

func TestValidateOK(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("expected default config to be valid, got %v", err)
	}

	disabled := validConfig()
	off := false
	disabled.Models.Structure = ModelConfig{Enabled: &off, Kind: "bogus"}
	if err := Validate(disabled); err != nil {
		t.Fatalf("expected disabled model to skip validation, got %v", err)
	}
}

func contains(s, sub string) bool {
	return s != "" && sub != "" && strings.Contains(s, sub)
}
