package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Host) == "" {
		return errors.New("server.host must be set")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		return errors.New("server.max_upload_bytes must be positive")
	}

	if err := validateModelConfig("models.texture", cfg.Models.Texture); err != nil {
		return err
	}
	if err := validateModelConfig("models.structure", cfg.Models.Structure); err != nil {
		return err
	}
	if err := validateHTTPURL("models.hub_endpoint", cfg.Models.HubEndpoint); err != nil {
		return err
	}

	if err := validateScoringConfig(cfg.Scoring); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", cfg.Logging.Format)
	}

	if err := validateActivationConfig(cfg.Activation); err != nil {
		return err
	}

	if err := validateTelemetryConfig(cfg.Telemetry); err != nil {
		return err
	}

	return nil
}

func validateModelConfig(field string, m ModelConfig) error {
	if !m.IsEnabled() {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(m.Kind)) {
	case "onnx":
		if strings.TrimSpace(m.Dir) == "" && strings.TrimSpace(m.Repo) == "" {
			return fmt.Errorf("%s: onnx model needs dir or repo", field)
		}
		if strings.Contains(m.OnnxFile, "..") {
			return fmt.Errorf("%s.onnx_file must not escape the model dir", field)
		}
	case "remote":
		if strings.TrimSpace(m.URL) == "" {
			return fmt.Errorf("%s: remote model missing url", field)
		}
		if err := validateHTTPURL(field+".url", m.URL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%s.kind must be onnx or remote, got %q", field, m.Kind)
	}
	if m.TopK < 0 {
		return fmt.Errorf("%s.top_k must not be negative", field)
	}
	return nil
}

func validateScoringConfig(s ScoringConfig) error {
	t := s.Thresholds
	if !(t.Questionable > 0 && t.Questionable < t.HighSuspicion && t.HighSuspicion < t.Confirmed && t.Confirmed < 1) {
		return fmt.Errorf("scoring.thresholds must satisfy 0 < questionable < high_suspicion < confirmed < 1, got %.2f/%.2f/%.2f",
			t.Questionable, t.HighSuspicion, t.Confirmed)
	}
	if !hasKeyword(s.AIKeywords) {
		return errors.New("scoring.ai_keywords must contain at least one keyword")
	}
	if !hasKeyword(s.RealKeywords) {
		return errors.New("scoring.real_keywords must contain at least one keyword")
	}
	return nil
}

func hasKeyword(list []string) bool {
	for _, k := range list {
		if strings.TrimSpace(k) != "" {
			return true
		}
	}
	return false
}

func validateActivationConfig(a ActivationConfig) error {
	for i, s := range a.Sinks {
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case "stdout":
		case "file_jsonl":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("activation sink %d (file_jsonl) missing path", i)
			}
		case "webhook":
			if strings.TrimSpace(s.URL) == "" {
				return fmt.Errorf("activation sink %d (webhook) missing url", i)
			}
			if err := validateHTTPURL(fmt.Sprintf("activation sink %d (webhook) url", i), s.URL); err != nil {
				return err
			}
		default:
			return fmt.Errorf("activation sink %d has unknown type %q", i, s.Type)
		}
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but endpoint is empty")
	}
	switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
	case "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
	}
	return nil
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s is not a valid url", field)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be http or https", field)
	}
	return nil
}
