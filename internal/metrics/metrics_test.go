package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/imageguard/internal/guard"
)

func TestObserveVerdictAndExperts(t *testing.T) {
	m := New()

	m.ObserveExpert(guard.RoleTexture, 0.4, 20*time.Millisecond, nil)
	m.ObserveExpert(guard.RoleStructure, 0, 5*time.Millisecond, errors.New("boom"))
	m.ObserveExpert(guard.RoleStructure, 0, 0, nil)
	m.ObserveVerdict(guard.TierQuestionable, 0.4, 30*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Analyses.WithLabelValues("questionable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExpertInferences.WithLabelValues("texture", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExpertInferences.WithLabelValues("structure", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExpertInferences.WithLabelValues("structure", "skipped")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.AnalysisLatency))
	assert.Equal(t, 2, testutil.CollectAndCount(m.ExpertLatency))
}

func TestSetExperts(t *testing.T) {
	m := New()
	m.SetExperts([]guard.ExpertStatus{
		{Role: guard.RoleTexture, State: guard.StateLoaded},
		{Role: guard.RoleStructure, State: guard.StateUnavailable},
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExpertUp.WithLabelValues("texture")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ExpertUp.WithLabelValues("structure")))
}

func TestInstrumentAndHandler(t *testing.T) {
	m := New()
	h := m.Instrument("analyze", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyze", nil))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "analyze", "413")))

	m.RecordRejected("too_large")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), `imageguard_rejected_uploads_total{reason="too_large"} 1`))
	assert.Contains(t, string(body), "go_goroutines")
}
