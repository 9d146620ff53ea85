package classifier

import (
	"context"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRemoteClassifyFlatResponse(t *testing.T) {
	var gotAuth, gotType string
	var gotBody int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = len(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"label":"artificial","score":0.91},{"label":"human","score":0.09}]`)
	}))
	defer srv.Close()

	rc, err := NewRemote("texture", RemoteOptions{URL: srv.URL, APIKey: "hf_secret", Timeout: time.Second})
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	preds, err := rc.Classify(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(preds) != 2 || preds[0].Label != "artificial" || preds[0].Score != 0.91 {
		t.Fatalf("unexpected predictions %+v", preds)
	}
	if gotAuth != "Bearer hf_secret" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
	if gotType != "image/png" || gotBody == 0 {
		t.Fatalf("expected png body, got type=%q len=%d", gotType, gotBody)
	}
}

func TestRemoteClassifyBatchedResponseAndTopK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[[{"label":"REAL","score":0.7},{"label":"FAKE","score":0.3}]]`)
	}))
	defer srv.Close()

	rc, err := NewRemote("structure", RemoteOptions{URL: srv.URL, TopK: 1})
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	preds, err := rc.Classify(context.Background(), image.NewRGBA(image.Rect(0, 0, 2, 2)))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(preds) != 1 || preds[0].Label != "REAL" {
		t.Fatalf("unexpected predictions %+v", preds)
	}
}

func TestRemoteClassifyErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"Model is currently loading","estimated_time":20}`)
	}))
	defer srv.Close()

	rc, _ := NewRemote("texture", RemoteOptions{URL: srv.URL})
	_, err := rc.Classify(context.Background(), image.NewRGBA(image.Rect(0, 0, 2, 2)))
	if err == nil || !strings.Contains(err.Error(), "currently loading") {
		t.Fatalf("expected loading error, got %v", err)
	}
}

func TestRemoteClassifyResponseLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"label":"`+strings.Repeat("a", 256)+`","score":1}]`)
	}))
	defer srv.Close()

	rc, _ := NewRemote("texture", RemoteOptions{URL: srv.URL, MaxResponseBytes: 64})
	_, err := rc.Classify(context.Background(), image.NewRGBA(image.Rect(0, 0, 2, 2)))
	if err == nil || !strings.Contains(err.Error(), "exceeded limit") {
		t.Fatalf("expected limit error, got %v", err)
	}
}

func TestNewRemoteRequiresURL(t *testing.T) {
	if _, err := NewRemote("texture", RemoteOptions{URL: "  "}); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
