package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost        = "0.0.0.0"
	DefaultPort        = 7860
	DefaultHubEndpoint = "https://hf-mirror.com"
	DefaultCacheDir    = "/tmp/imageguard_models"
)

// Config holds ImageGuard configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Models     ModelsConfig     `yaml:"models"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Activation ActivationConfig `yaml:"activation"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	MaxUploadBytes    int64         `yaml:"max_upload_bytes"`
	MaxImagePixels    int           `yaml:"max_image_pixels"`
	MaxInFlight       int           `yaml:"max_in_flight"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address built from host and port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ModelsConfig names the two experts. Either may be disabled or fail to load.
type ModelsConfig struct {
	CacheDir    string      `yaml:"cache_dir"`    // analogue of HF_HOME
	HubEndpoint string      `yaml:"hub_endpoint"` // analogue of HF_ENDPOINT
	HubTokenEnv string      `yaml:"hub_token_env"`
	Offline     bool        `yaml:"offline"`
	Texture     ModelConfig `yaml:"texture"`
	Structure   ModelConfig `yaml:"structure"`
}

type ModelConfig struct {
	Enabled   *bool         `yaml:"enabled"`
	Kind      string        `yaml:"kind"`     // onnx | remote
	Repo      string        `yaml:"repo"`     // e.g. umm-maybe/AI-image-detector
	Revision  string        `yaml:"revision"` // e.g. main
	OnnxFile  string        `yaml:"onnx_file"`
	Dir       string        `yaml:"dir"` // local model dir; skips the hub download
	URL       string        `yaml:"url"` // remote inference endpoint
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
	TopK      int           `yaml:"top_k"`
}

// IsEnabled reports whether the expert should be loaded at all.
func (m ModelConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

type RuntimeConfig struct {
	SharedLibraryPath string `yaml:"shared_library_path"`
	IntraThreads      int    `yaml:"intra_threads"`
	InterThreads      int    `yaml:"inter_threads"`
	PoolSize          int    `yaml:"pool_size"`
	UseCUDA           bool   `yaml:"use_cuda"`
}

type ScoringConfig struct {
	Thresholds   ThresholdsConfig `yaml:"thresholds"`
	AIKeywords   []string         `yaml:"ai_keywords"`
	RealKeywords []string         `yaml:"real_keywords"`
}

// ThresholdsConfig holds the lower (exclusive) bounds of each tier above Real.
type ThresholdsConfig struct {
	Questionable  float64 `yaml:"questionable"`
	HighSuspicion float64 `yaml:"high_suspicion"`
	Confirmed     float64 `yaml:"confirmed"`
}

type LoggingConfig struct {
	Level           string `yaml:"level"`  // debug | info | warn | error
	Format          string `yaml:"format"` // json | console
	ActivationLevel string `yaml:"activation_level"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
}

type ActivationConfig struct {
	QueueSize int          `yaml:"queue_size"`
	Workers   int          `yaml:"workers"`
	Sinks     []SinkConfig `yaml:"sinks"`
}

type SinkConfig struct {
	Type           string            `yaml:"type"` // stdout | file_jsonl | webhook
	Path           string            `yaml:"path"`
	URL            string            `yaml:"url"`
	Headers        map[string]string `yaml:"headers"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
}

// Load reads configuration from a YAML file and applies environment overrides.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	applyEnv(cfg, os.Getenv)

	return cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		cfg.Server.MaxUploadBytes = 20 << 20
	}
	if cfg.Server.MaxImagePixels <= 0 {
		cfg.Server.MaxImagePixels = 50_000_000
	}
	if cfg.Server.MaxInFlight <= 0 {
		cfg.Server.MaxInFlight = 4
	}
	if cfg.Server.ReadHeaderTimeout <= 0 {
		cfg.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout <= 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Models.CacheDir == "" {
		cfg.Models.CacheDir = DefaultCacheDir
	}
	if cfg.Models.HubEndpoint == "" {
		cfg.Models.HubEndpoint = DefaultHubEndpoint
	}
	if cfg.Models.HubTokenEnv == "" {
		cfg.Models.HubTokenEnv = "HF_TOKEN"
	}
	if isZeroModel(cfg.Models.Texture) {
		cfg.Models.Texture = ModelConfig{
			Repo: "umm-maybe/AI-image-detector",
		}
	}
	if isZeroModel(cfg.Models.Structure) {
		cfg.Models.Structure = ModelConfig{
			Repo: "dima806/ai_generated_image_detection",
		}
	}
	applyModelDefaults(&cfg.Models.Texture)
	applyModelDefaults(&cfg.Models.Structure)

	if cfg.Runtime.PoolSize <= 0 {
		cfg.Runtime.PoolSize = 1
	}

	if cfg.Scoring.Thresholds == (ThresholdsConfig{}) {
		cfg.Scoring.Thresholds = ThresholdsConfig{
			Questionable:  0.15,
			HighSuspicion: 0.50,
			Confirmed:     0.80,
		}
	}
	if len(cfg.Scoring.AIKeywords) == 0 {
		cfg.Scoring.AIKeywords = []string{"fake", "artificial", "generated", "ai", "computer"}
	}
	if len(cfg.Scoring.RealKeywords) == 0 {
		cfg.Scoring.RealKeywords = []string{"human", "real", "photo", "natural"}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.ActivationLevel == "" {
		cfg.Logging.ActivationLevel = "metadata"
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}

	if cfg.Activation.QueueSize <= 0 {
		cfg.Activation.QueueSize = 1000
	}
	if cfg.Activation.Workers <= 0 {
		cfg.Activation.Workers = 1
	}
}

func isZeroModel(m ModelConfig) bool {
	return m.Enabled == nil && m.Kind == "" && m.Repo == "" && m.Dir == "" && m.URL == ""
}

func applyModelDefaults(m *ModelConfig) {
	if m.Kind == "" {
		m.Kind = "onnx"
	}
	if m.Revision == "" {
		m.Revision = "main"
	}
	if m.OnnxFile == "" {
		m.OnnxFile = "onnx/model.onnx"
	}
	if m.Timeout <= 0 {
		m.Timeout = 30 * time.Second
	}
}

// applyEnv layers environment-style overrides on top of the file config.
// PORT and HOST follow the convention of cloud platforms that assign them.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv("HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(getenv("PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := strings.TrimSpace(getenv("IMAGEGUARD_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(getenv("IMAGEGUARD_MODEL_CACHE")); v != "" {
		cfg.Models.CacheDir = v
	}
	if v := strings.TrimSpace(getenv("IMAGEGUARD_HUB_ENDPOINT")); v != "" {
		cfg.Models.HubEndpoint = v
	}
	if v := strings.TrimSpace(getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); v != "" {
		cfg.Runtime.SharedLibraryPath = v
	}
}
