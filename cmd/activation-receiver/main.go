package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/straja-ai/imageguard/internal/activation"
	"github.com/straja-ai/imageguard/internal/config"
	"github.com/straja-ai/imageguard/internal/logging"
)

func main() {
	addr := flag.String("addr", ":8099", "listen address for analysis event receiver")
	flag.Parse()

	logger, restore := logging.Setup(config.LoggingConfig{Level: "info", Format: "console"})
	defer restore()

	mux := http.NewServeMux()
	mux.HandleFunc("/activation", handleActivation)
	mux.HandleFunc("/", handleActivation)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("analysis event receiver listening (POST JSON to /activation)", zap.String("addr", *addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("receiver error", zap.Error(err))
	}
}

func handleActivation(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	_ = r.Body.Close()

	log := zap.L().With(
		zap.String("path", r.URL.Path),
		zap.String("request_id", r.Header.Get("X-ImageGuard-Request-ID")),
		zap.String("event_version", r.Header.Get("X-ImageGuard-Event-Version")),
	)

	var ev activation.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Warn("received non-event payload", zap.Int("len", len(body)), zap.Error(err))
	} else {
		fields := []zap.Field{zap.String("outcome", ev.Outcome), zap.Float64("total_ms", ev.TimingMs.Total)}
		if ev.Verdict != nil {
			fields = append(fields, zap.String("tier", ev.Verdict.Tier), zap.Float64("risk", ev.Verdict.Risk))
		}
		if ev.Reason != "" {
			fields = append(fields, zap.String("reason", ev.Reason))
		}
		log.Info("received analysis event", fields...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, `{"status":"ok"}`)
}
