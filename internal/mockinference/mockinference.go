// Package mockinference runs a lightweight stand-in for a Hugging Face style
// image-classification endpoint. It backs the bench tool and server tests.
package mockinference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/straja-ai/imageguard/internal/redact"

	// Register decoders so uploads can be sanity-checked.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

const (
	defaultPort    = 18080
	defaultDelayMS = 50
)

// Prediction is one label/score pair in the mock answer.
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Options tune the mock. Zero values fall back to MOCK_INFERENCE_PORT and
// MOCK_DELAY_MS, then to built-in defaults.
type Options struct {
	Addr        string
	Delay       time.Duration
	Predictions map[string][]Prediction // keyed by model path, "" is the fallback
}

// DefaultPredictions answers every model with a mildly synthetic result.
func DefaultPredictions() []Prediction {
	return []Prediction{
		{Label: "artificial", Score: 0.62},
		{Label: "human", Score: 0.38},
	}
}

// Start launches the mock endpoint. Every POST to /models/<repo> returns the
// predictions registered for <repo>.
// It returns a shutdown function and the base URL (e.g., http://127.0.0.1:18080).
func Start(opts Options) (func(context.Context) error, string, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		port := strings.TrimSpace(os.Getenv("MOCK_INFERENCE_PORT"))
		if port == "" {
			port = fmt.Sprintf("%d", defaultPort)
		}
		addr = "127.0.0.1:" + port
	}

	delay := opts.Delay
	if delay <= 0 {
		ms := defaultDelayMS
		if val := strings.TrimSpace(os.Getenv("MOCK_DELAY_MS")); val != "" {
			if parsed, err := strconv.Atoi(val); err == nil && parsed >= 0 {
				ms = parsed
			}
		}
		delay = time.Duration(ms) * time.Millisecond
	}

	preds := opts.Predictions
	if preds == nil {
		preds = map[string][]Prediction{"": DefaultPredictions()}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/models/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		model := strings.Trim(strings.TrimPrefix(r.URL.Path, "/models/"), "/")
		handleClassify(w, r, model, preds, delay)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			redact.Logf("mock inference server error: %v", err)
		}
	}()

	shutdown := func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}

	baseURL := "http://" + ln.Addr().String()
	redact.Logf("mock inference listening on %s (delay=%s)", baseURL, delay)
	return shutdown, baseURL, nil
}

// ModelURL returns the classify URL for repo on a mock started at baseURL.
func ModelURL(baseURL, repo string) string {
	return strings.TrimSuffix(baseURL, "/") + "/models/" + strings.Trim(repo, "/")
}

func handleClassify(w http.ResponseWriter, r *http.Request, model string, preds map[string][]Prediction, delay time.Duration) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		writeError(w, http.StatusBadRequest, "body is not an image")
		return
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	out, ok := preds[model]
	if !ok {
		out = preds[""]
	}
	if out == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Model %s does not exist", model))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": message,
	})
}
