package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/straja-ai/imageguard/internal/imaging"
)

// RemoteOptions configures a Hugging Face inference-API compatible endpoint.
type RemoteOptions struct {
	URL              string
	APIKey           string
	Timeout          time.Duration
	MaxResponseBytes int64
	TopK             int
}

// Remote posts the image to an HTTP inference endpoint that answers with
// [{"label": ..., "score": ...}].
type Remote struct {
	name             string
	url              string
	apiKey           string
	client           *http.Client
	maxResponseBytes int64
	topK             int
}

// NewRemote creates a remote classifier.
func NewRemote(name string, opts RemoteOptions) (*Remote, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("remote classifier url is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 1 << 20
	}
	return &Remote{
		name:             name,
		url:              strings.TrimSpace(opts.URL),
		apiKey:           opts.APIKey,
		maxResponseBytes: opts.MaxResponseBytes,
		topK:             opts.TopK,
		client: &http.Client{
			Timeout: opts.Timeout,
		},
	}, nil
}

func (r *Remote) Name() string { return r.name }

type remoteErrorResponse struct {
	Error         string  `json:"error"`
	EstimatedTime float64 `json:"estimated_time,omitempty"`
}

func (r *Remote) Classify(ctx context.Context, img image.Image) ([]Prediction, error) {
	if img == nil {
		return nil, errors.New("image is nil")
	}
	body, err := imaging.EncodePNG(img)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "image/png")
	httpReq.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call inference endpoint: %w", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, r.maxResponseBytes+1)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read inference response: %w", err)
	}
	if int64(len(respBody)) > r.maxResponseBytes {
		return nil, fmt.Errorf("inference response exceeded limit (%d bytes)", r.maxResponseBytes)
	}

	if resp.StatusCode >= 400 {
		var errBody remoteErrorResponse
		if err := json.Unmarshal(respBody, &errBody); err != nil || errBody.Error == "" {
			return nil, fmt.Errorf("inference error status %d", resp.StatusCode)
		}
		if errBody.EstimatedTime > 0 {
			return nil, fmt.Errorf("inference error status %d: %s (model loading, retry in %.0fs)", resp.StatusCode, errBody.Error, errBody.EstimatedTime)
		}
		return nil, fmt.Errorf("inference error status %d: %s", resp.StatusCode, errBody.Error)
	}

	preds, err := decodePredictions(respBody)
	if err != nil {
		return nil, err
	}
	return TopK(preds, r.topK), nil
}

// decodePredictions accepts both the flat list and the batched [[...]] shape.
func decodePredictions(data []byte) ([]Prediction, error) {
	var flat []Prediction
	if err := json.Unmarshal(data, &flat); err == nil {
		return flat, nil
	}
	var batched [][]Prediction
	if err := json.Unmarshal(data, &batched); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	if len(batched) == 0 {
		return nil, nil
	}
	return batched[0], nil
}
