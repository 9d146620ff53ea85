package activation

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/straja-ai/imageguard/internal/config"
	"github.com/straja-ai/imageguard/internal/guard"
	"github.com/straja-ai/imageguard/internal/imaging"
)

func TestFileSinkWritesJSONL(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "nested", "events.jsonl")

	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("file sink: %v", err)
	}

	ev1 := &Event{Version: EventVersion, Timestamp: time.Now(), RequestID: "req-1", Outcome: OutcomeAnalyzed, Verdict: &VerdictInfo{Tier: "real", Risk: 0.02}}
	ev2 := &Event{Version: EventVersion, Timestamp: time.Now(), RequestID: "req-2", Outcome: OutcomeNoImage}

	if err := sink.Deliver(context.Background(), ev1); err != nil {
		t.Fatalf("deliver 1: %v", err)
	}
	if err := sink.Deliver(context.Background(), ev2); err != nil {
		t.Fatalf("deliver 2: %v", err)
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close sink: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var decoded Event
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("unmarshal jsonl line: %v", err)
	}
	if decoded.RequestID != "req-1" {
		t.Fatalf("expected request_id req-1, got %s", decoded.RequestID)
	}
	if decoded.Verdict == nil || decoded.Verdict.Tier != "real" {
		t.Fatalf("expected verdict to round-trip, got %+v", decoded.Verdict)
	}
}

func TestWebhookSinkHandlesNon2xx(t *testing.T) {
	var calls atomic.Int64
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("fail"))
	}))

	sink, err := NewWebhookSink(srv.URL, map[string]string{"X-Test": "1"}, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("webhook sink: %v", err)
	}
	ev := &Event{Version: EventVersion, Timestamp: time.Now(), RequestID: "req-1", Outcome: OutcomeAnalyzed}
	if err := sink.Deliver(context.Background(), ev); err == nil {
		t.Fatalf("expected non-2xx to return error")
	} else if !strings.Contains(err.Error(), "status") {
		t.Fatalf("error should mention status, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("client errors should not be retried, got %d calls", calls.Load())
	}
}

func TestWebhookSinkRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	var gotID string
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		gotID = r.Header.Get("X-ImageGuard-Request-ID")
		w.WriteHeader(http.StatusNoContent)
	}))

	sink, err := NewWebhookSink(srv.URL, nil, time.Second)
	if err != nil {
		t.Fatalf("webhook sink: %v", err)
	}
	ev := &Event{Version: EventVersion, Timestamp: time.Now(), RequestID: "req-retry", Outcome: OutcomeAnalyzed}
	if err := sink.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("expected delivery after retries, got %v", err)
	}
	if calls.Load() != 3 || gotID != "req-retry" {
		t.Fatalf("expected 3 attempts with request id header, got calls=%d id=%q", calls.Load(), gotID)
	}
}

func TestEmitterDropsWhenQueueFull(t *testing.T) {
	wait := make(chan struct{})
	sink := &blockingSink{wait: wait}
	var onDrop atomic.Int64
	em := NewEmitter(EmitterConfig{QueueSize: 1, Workers: 1, ShutdownTimeout: time.Second, OnDrop: func() { onDrop.Add(1) }}, []Sink{sink})

	ev := &Event{Version: EventVersion, Timestamp: time.Now(), RequestID: "r1", Outcome: OutcomeAnalyzed}
	em.Emit(context.Background(), ev)
	em.Emit(context.Background(), ev)
	em.Emit(context.Background(), ev)

	metrics := em.MetricsSnapshot()
	if metrics.Dropped() == 0 {
		t.Fatalf("expected dropped events when queue is full")
	}
	if uint64(onDrop.Load()) != metrics.Dropped() {
		t.Fatalf("expected OnDrop per dropped event, got %d want %d", onDrop.Load(), metrics.Dropped())
	}

	close(wait)
	em.Close(context.Background())
}

func TestEmitterWebhookIntegration(t *testing.T) {
	var (
		mu        sync.Mutex
		received  []Event
		requestCT int
	)
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		requestCT++
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
			mu.Lock()
			received = append(received, ev)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))

	sink, err := NewWebhookSink(srv.URL, nil, time.Second)
	if err != nil {
		t.Fatalf("webhook sink: %v", err)
	}
	em := NewEmitter(EmitterConfig{QueueSize: 8, Workers: 1, ShutdownTimeout: time.Second}, []Sink{sink})
	defer em.Close(context.Background())

	ev := &Event{Version: EventVersion, Timestamp: time.Now(), RequestID: "integration", Outcome: OutcomeAnalyzed}
	for i := 0; i < 5; i++ {
		em.Emit(context.Background(), ev)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		if len(received) >= 5 {
			mu.Unlock()
			break
		}
		mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for webhook events, got %d", len(received))
		}
		time.Sleep(20 * time.Millisecond)
	}

	metrics := em.MetricsSnapshot()
	if metrics.SinkSuccess(sink.Name()) == 0 {
		t.Fatalf("expected sink success counter to increase")
	}
	if metrics.Dropped() != 0 {
		t.Fatalf("did not expect dropped events, got %d", metrics.Dropped())
	}
}

func testReport() *guard.Report {
	return &guard.Report{
		Verdict: guard.NewLadder(guard.DefaultThresholds()).Classify(0.62, 0.1),
		Experts: []guard.ExpertResult{
			{Role: guard.RoleTexture, State: guard.StateLoaded, Likelihood: 0.62, DurationMs: 12},
			{Role: guard.RoleStructure, State: guard.StateLoaded, Likelihood: 0.1, Error: "call failed: Bearer hf_abcdefghijklmnop", DurationMs: 3},
		},
		DurationMs: 15,
	}
}

func TestBuildEventMetadataLevel(t *testing.T) {
	info := &imaging.Info{Format: "png", Width: 640, Height: 480, Bytes: 1234}
	ev := BuildEvent(BuildParams{
		Report:       testReport(),
		Statuses:     []guard.ExpertStatus{{Role: guard.RoleTexture, Model: "umm-maybe/AI-image-detector"}},
		Image:        info,
		LoggingLevel: LevelMetadata,
		Total:        20 * time.Millisecond,
	})
	if ev.RequestID == "" || ev.Version != EventVersion || ev.Outcome != OutcomeAnalyzed {
		t.Fatalf("unexpected envelope %+v", ev)
	}
	if ev.Verdict == nil || ev.Verdict.Tier != "high_suspicion" {
		t.Fatalf("unexpected verdict %+v", ev.Verdict)
	}
	if len(ev.Experts) != 2 || ev.Experts[0].Model != "umm-maybe/AI-image-detector" {
		t.Fatalf("unexpected experts %+v", ev.Experts)
	}
	if !ev.Experts[1].Failed || ev.Experts[1].Error != "" {
		t.Fatalf("metadata level should flag failure without error text, got %+v", ev.Experts[1])
	}
	if ev.Report != "" {
		t.Fatalf("metadata level should not carry the report")
	}
	if ev.Image == nil || ev.Image.Width != 640 || ev.TimingMs.Total != 20 || ev.TimingMs.Analysis != 15 {
		t.Fatalf("unexpected image/timing %+v %+v", ev.Image, ev.TimingMs)
	}
}

func TestBuildEventFullLevelRedactsErrors(t *testing.T) {
	ev := BuildEvent(BuildParams{RequestID: "abc", Report: testReport(), LoggingLevel: LevelFull})
	if ev.RequestID != "abc" {
		t.Fatalf("expected caller request id, got %s", ev.RequestID)
	}
	if !strings.Contains(ev.Report, "High suspicion") {
		t.Fatalf("full level should include the report, got %q", ev.Report)
	}
	if strings.Contains(ev.Experts[1].Error, "hf_abcdefghijklmnop") {
		t.Fatalf("expected token redacted, got %q", ev.Experts[1].Error)
	}
}

func TestBuildEventWithoutReport(t *testing.T) {
	ev := BuildEvent(BuildParams{
		Statuses: []guard.ExpertStatus{{Role: guard.RoleTexture, State: guard.StateUnavailable}},
	})
	if ev.Outcome != OutcomeNoImage || ev.Verdict != nil {
		t.Fatalf("expected no_image outcome, got %+v", ev)
	}
	if len(ev.Experts) != 1 || ev.Experts[0].State != guard.StateUnavailable {
		t.Fatalf("expected expert statuses, got %+v", ev.Experts)
	}
}

func TestNewSinks(t *testing.T) {
	sinks, err := NewSinks([]config.SinkConfig{
		{Type: "stdout"},
		{Type: "file_jsonl", Path: filepath.Join(t.TempDir(), "events.jsonl")},
		{Type: "webhook", URL: "http://127.0.0.1:1/hook", TimeoutSeconds: 1},
	})
	if err != nil {
		t.Fatalf("new sinks: %v", err)
	}
	if len(sinks) != 3 {
		t.Fatalf("expected 3 sinks, got %d", len(sinks))
	}
	for _, s := range sinks {
		_ = s.Close(context.Background())
	}

	if _, err := NewSinks([]config.SinkConfig{{Type: "kafka"}}); err == nil {
		t.Fatalf("expected error for unknown sink type")
	}
}

type blockingSink struct {
	wait chan struct{}
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Deliver(context.Context, *Event) error {
	<-s.wait
	return nil
}

func (s *blockingSink) Close(context.Context) error {
	if s.wait != nil {
		select {
		case <-s.wait:
		default:
			close(s.wait)
		}
	}
	return nil
}

func newTestServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: cannot open listener: %v", err)
	}
	srv := httptest.NewUnstartedServer(h)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}
