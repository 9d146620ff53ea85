package console

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerSetsRobotsHeaderOnIndex(t *testing.T) {
	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get(RobotsTagHeader); got != RobotsTagValue {
		t.Fatalf("expected %s header %q, got %q", RobotsTagHeader, RobotsTagValue, got)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("expected html content type, got %q", ct)
	}
	body := rr.Body.String()
	for _, want := range []string{"Start deep scan", "/api/analyze", `name="robots"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected page to contain %q", want)
		}
	}
}

func TestHandlerRejectsPost(t *testing.T) {
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if got := rr.Header().Get(RobotsTagHeader); got != RobotsTagValue {
		t.Fatalf("expected robots header on errors too, got %q", got)
	}
}

func TestRobotsHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	RobotsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/robots.txt", nil))
	if !strings.Contains(rr.Body.String(), "Disallow: /") {
		t.Fatalf("unexpected robots.txt %q", rr.Body.String())
	}
}
