package guard

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/straja-ai/imageguard/internal/classifier"
	"github.com/straja-ai/imageguard/internal/config"
	"github.com/straja-ai/imageguard/internal/modelstore"
)

// LoadExperts builds the texture and structure experts from cfg. A model
// that fails to load is recorded as unavailable; LoadExperts never fails
// the process because of one.
func LoadExperts(ctx context.Context, cfg *config.Config, store *modelstore.Store) (*Expert, *Expert) {
	log := zap.L()
	log.Info(">>> [1/2] loading texture model", zap.String("model", modelName(cfg.Models.Texture)))
	texture := loadExpert(ctx, RoleTexture, cfg.Models.Texture, cfg.Runtime, store)
	log.Info(">>> [2/2] loading structure model", zap.String("model", modelName(cfg.Models.Structure)))
	structure := loadExpert(ctx, RoleStructure, cfg.Models.Structure, cfg.Runtime, store)
	log.Info(">>> initialization complete",
		zap.String("texture", texture.State),
		zap.String("structure", structure.State),
	)
	return texture, structure
}

func loadExpert(ctx context.Context, role string, mc config.ModelConfig, rt config.RuntimeConfig, store *modelstore.Store) *Expert {
	e := &Expert{Role: role, Model: modelName(mc)}
	if !mc.IsEnabled() {
		e.State = StateDisabled
		e.Reason = "disabled in config"
		return e
	}

	c, device, err := buildClassifier(ctx, role, mc, rt, store)
	if err != nil {
		e.State = StateUnavailable
		e.Reason = err.Error()
		zap.L().Error("❌ model failed to load", zap.String("expert", role), zap.String("model", e.Model), zap.Error(err))
		return e
	}
	e.Classifier = c
	e.Device = device
	e.State = StateLoaded
	return e
}

func buildClassifier(ctx context.Context, role string, mc config.ModelConfig, rt config.RuntimeConfig, store *modelstore.Store) (classifier.Classifier, string, error) {
	switch strings.ToLower(mc.Kind) {
	case "remote":
		rc, err := classifier.NewRemote(role, classifier.RemoteOptions{
			URL:     mc.URL,
			APIKey:  strings.TrimSpace(os.Getenv(mc.APIKeyEnv)),
			Timeout: mc.Timeout,
			TopK:    mc.TopK,
		})
		if err != nil {
			return nil, "", err
		}
		return rc, "remote", nil
	case "", "onnx":
		dir := strings.TrimSpace(mc.Dir)
		if dir == "" {
			if store == nil {
				return nil, "", fmt.Errorf("no model dir and no model store")
			}
			var err error
			dir, err = store.Ensure(ctx, modelstore.Ref{Repo: mc.Repo, Revision: mc.Revision, OnnxFile: mc.OnnxFile})
			if err != nil {
				return nil, "", fmt.Errorf("fetch %s: %w", mc.Repo, err)
			}
		}
		m, err := classifier.NewONNX(role, classifier.ONNXOptions{
			Dir:               dir,
			OnnxFile:          mc.OnnxFile,
			SharedLibraryPath: rt.SharedLibraryPath,
			IntraThreads:      rt.IntraThreads,
			InterThreads:      rt.InterThreads,
			PoolSize:          rt.PoolSize,
			UseCUDA:           rt.UseCUDA,
			TopK:              mc.TopK,
		})
		if err != nil {
			return nil, "", err
		}
		return m, m.Device(), nil
	default:
		return nil, "", fmt.Errorf("unknown model kind %q", mc.Kind)
	}
}

func modelName(mc config.ModelConfig) string {
	switch {
	case strings.EqualFold(mc.Kind, "remote"):
		return mc.URL
	case mc.Dir != "":
		return mc.Dir
	default:
		return mc.Repo
	}
}

// LogBanner prints the startup lines describing mode, device and cache.
func LogBanner(cfg *config.Config) {
	device := "CPU"
	if cfg.Runtime.UseCUDA {
		device = "GPU (CUDA, falls back to CPU)"
	}
	log := zap.L()
	log.Info(strings.Repeat("=", 40))
	log.Info(">>> starting image authenticity core")
	log.Info(">>> mode: high sensitivity (tuned for Flux/SDXL)")
	log.Info(">>> first run downloads the models, please wait")
	log.Info(">>> runtime device", zap.String("device", device))
	log.Info(">>> model cache", zap.String("dir", cfg.Models.CacheDir), zap.String("hub", cfg.Models.HubEndpoint), zap.Bool("offline", cfg.Models.Offline))
	log.Info(strings.Repeat("=", 40))
}

// ExtractorFromConfig builds the keyword extractor from scoring config.
func ExtractorFromConfig(sc config.ScoringConfig) Extractor {
	return NewExtractor(sc.AIKeywords, sc.RealKeywords)
}

// LadderFromConfig builds the threshold ladder from scoring config.
func LadderFromConfig(sc config.ScoringConfig) Ladder {
	return NewLadder(Thresholds{
		Questionable:  sc.Thresholds.Questionable,
		HighSuspicion: sc.Thresholds.HighSuspicion,
		Confirmed:     sc.Thresholds.Confirmed,
	})
}
