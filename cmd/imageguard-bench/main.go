package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/straja-ai/imageguard/internal/classifier"
	"github.com/straja-ai/imageguard/internal/config"
	"github.com/straja-ai/imageguard/internal/guard"
	"github.com/straja-ai/imageguard/internal/imaging"
	"github.com/straja-ai/imageguard/internal/logging"
	"github.com/straja-ai/imageguard/internal/mockinference"
	"github.com/straja-ai/imageguard/internal/modelstore"
	"github.com/straja-ai/imageguard/internal/redact"
)

func main() {
	cfgPath := flag.String("config", "imageguard.yaml", "path to config yaml")
	imagePath := flag.String("image", "", "image file to analyze (required)")
	n := flag.Int("n", 50, "number of iterations")
	mock := flag.Bool("mock", false, "benchmark against the in-process mock inference endpoint instead of the configured models")
	flag.Parse()

	_, bootRestore := logging.Setup(config.LoggingConfig{})
	defer bootRestore()

	if *imagePath == "" {
		redact.Fatalf("image flag is required")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		redact.Fatalf("load config: %v", err)
	}
	// Force a single session per expert to avoid queueing noise in the benchmark.
	cfg.Runtime.PoolSize = 1
	cfg.Logging.Level = "warn"
	_, restore := logging.Setup(cfg.Logging)
	defer restore()

	ctx := context.Background()

	if *mock {
		shutdown, baseURL, err := mockinference.Start(mockinference.Options{Addr: "127.0.0.1:0"})
		if err != nil {
			redact.Fatalf("start mock inference: %v", err)
		}
		defer shutdown(ctx)
		cfg.Models.Texture = config.ModelConfig{Kind: "remote", URL: mockinference.ModelURL(baseURL, cfg.Models.Texture.Repo), Timeout: cfg.Models.Texture.Timeout}
		cfg.Models.Structure = config.ModelConfig{Kind: "remote", URL: mockinference.ModelURL(baseURL, cfg.Models.Structure.Repo), Timeout: cfg.Models.Structure.Timeout}
	}

	data, err := os.ReadFile(*imagePath)
	if err != nil {
		redact.Fatalf("read image: %v", err)
	}
	img, info, err := imaging.Decode(data, cfg.Server.MaxImagePixels)
	if err != nil {
		redact.Fatalf("decode image: %v", err)
	}

	store, err := modelstore.New(modelstore.Options{
		CacheDir: cfg.Models.CacheDir,
		Endpoint: cfg.Models.HubEndpoint,
		Token:    os.Getenv(cfg.Models.HubTokenEnv),
		Offline:  cfg.Models.Offline,
	})
	if err != nil {
		redact.Fatalf("model store: %v", err)
	}
	texture, structure := guard.LoadExperts(ctx, cfg, store)
	extractor := guard.ExtractorFromConfig(cfg.Scoring)
	ladder := guard.LadderFromConfig(cfg.Scoring)
	g := guard.New(texture, structure, guard.Options{Extractor: &extractor, Ladder: &ladder})
	defer classifier.ShutdownRuntime()
	defer g.Close()
	if !g.Ready() {
		redact.Fatalf("no expert loaded: texture=%s structure=%s", texture.Reason, structure.Reason)
	}

	// Warmup
	var last *guard.Report
	for i := 0; i < 3; i++ {
		if last, err = g.Analyze(ctx, img); err != nil {
			redact.Fatalf("warmup analyze failed: %v", err)
		}
	}

	if *n <= 0 {
		*n = 1
	}

	durations := make([]time.Duration, 0, *n)
	for i := 0; i < *n; i++ {
		start := time.Now()
		if _, err := g.Analyze(ctx, img); err != nil {
			redact.Fatalf("analyze failed: %v", err)
		}
		durations = append(durations, time.Since(start))
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}

	avg := float64(total.Microseconds()) / 1000.0 / float64(len(durations))
	p50 := float64(durations[len(durations)/2].Microseconds()) / 1000.0
	p95 := float64(durations[int(float64(len(durations)-1)*0.95)].Microseconds()) / 1000.0

	fmt.Printf("bench: n=%d avg_ms=%.2f p50_ms=%.2f p95_ms=%.2f image=%s %dx%d tier=%s risk=%.3f texture=%s structure=%s\n",
		len(durations),
		avg,
		p50,
		p95,
		info.Format,
		info.Width,
		info.Height,
		last.Verdict.Tier,
		last.Verdict.Risk,
		texture.Device,
		structure.Device,
	)
}
