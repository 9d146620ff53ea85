package guard

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/imageguard/internal/config"
	"github.com/straja-ai/imageguard/internal/modelstore"
)

func TestLoadExpertsRecordsFailuresWithoutAborting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"label":"artificial","score":0.97}]`)
	}))
	defer srv.Close()

	cfg, err := config.Load("does-not-exist.yaml")
	require.NoError(t, err)
	cfg.Models.Offline = true
	cfg.Models.CacheDir = t.TempDir()
	cfg.Models.Texture = config.ModelConfig{Kind: "remote", URL: srv.URL}
	cfg.Models.Structure = config.ModelConfig{Kind: "onnx", Repo: "dima806/ai_generated_image_detection", Revision: "main"}

	store, err := modelstore.New(modelstore.Options{CacheDir: cfg.Models.CacheDir, Offline: true})
	require.NoError(t, err)

	texture, structure := LoadExperts(context.Background(), cfg, store)
	assert.Equal(t, StateLoaded, texture.State)
	assert.Equal(t, "remote", texture.Device)
	assert.Equal(t, StateUnavailable, structure.State)
	assert.Contains(t, structure.Reason, "offline")

	g := New(texture, structure, Options{})
	assert.True(t, g.Ready())
	report, err := g.Analyze(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, TierConfirmedAI, report.Verdict.Tier)
}

func TestLoadExpertsDisabled(t *testing.T) {
	cfg, err := config.Load("does-not-exist.yaml")
	require.NoError(t, err)
	off := false
	cfg.Models.Texture.Enabled = &off
	cfg.Models.Structure.Enabled = &off

	texture, structure := LoadExperts(context.Background(), cfg, nil)
	assert.Equal(t, StateDisabled, texture.State)
	assert.Equal(t, StateDisabled, structure.State)
	assert.Nil(t, texture.Classifier)
}

func TestScoringFromConfig(t *testing.T) {
	sc := config.ScoringConfig{
		Thresholds:   config.ThresholdsConfig{Questionable: 0.2, HighSuspicion: 0.5, Confirmed: 0.8},
		AIKeywords:   []string{"Synthetic"},
		RealKeywords: []string{"Camera"},
	}
	l := LadderFromConfig(sc)
	assert.Equal(t, TierReal, l.Classify(0.2, 0).Tier)

	e := ExtractorFromConfig(sc)
	assert.Equal(t, []string{"synthetic"}, e.AIKeywords)
}
