package server

import (
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/straja-ai/imageguard/internal/activation"
	"github.com/straja-ai/imageguard/internal/guard"
	"github.com/straja-ai/imageguard/internal/imaging"
	"github.com/straja-ai/imageguard/internal/redact"
)

// uploadField is the multipart form field the console posts.
const uploadField = "image"

const (
	rejectBusy       = "busy"
	rejectBodyLimit  = "body_too_large"
	rejectPixelLimit = "pixels_too_large"
	rejectInvalid    = "invalid_image"
)

type analyzeResponse struct {
	RequestID   string               `json:"request_id"`
	Tier        string               `json:"tier,omitempty"`
	Label       string               `json:"label,omitempty"`
	Risk        float64              `json:"risk"`
	Likelihoods map[string]float64   `json:"likelihoods,omitempty"`
	Experts     []guard.ExpertResult `json:"experts,omitempty"`
	Report      string               `json:"report"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	ctx := r.Context()

	requestID := activation.EnsureRequestID(r.Header.Get(RequestIDHeader))
	w.Header().Set(RequestIDHeader, requestID)

	if !s.inFlight.TryAcquire(1) {
		s.reject(w, r, requestID, start, http.StatusServiceUnavailable, rejectBusy,
			"Too many analyses in progress, try again shortly", "overloaded_error")
		return
	}
	defer s.inFlight.Release(1)

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	data, err := readUpload(r, s.cfg.MaxUploadBytes)
	if err != nil {
		if isBodyTooLarge(err) {
			s.reject(w, r, requestID, start, http.StatusRequestEntityTooLarge, rejectBodyLimit,
				fmt.Sprintf("Upload exceeds %d bytes", s.cfg.MaxUploadBytes), "invalid_request_error")
			return
		}
		s.reject(w, r, requestID, start, http.StatusBadRequest, rejectInvalid,
			"Could not read upload", "invalid_request_error")
		return
	}

	if len(data) == 0 {
		s.emitActivation(ctx, activation.BuildParams{
			RequestID: requestID,
			Outcome:   activation.OutcomeNoImage,
			Total:     time.Since(start),
		})
		s.respond(w, r, requestID, nil)
		return
	}

	decodeStart := time.Now()
	img, info, err := imaging.Decode(data, s.cfg.MaxImagePixels)
	decodeTime := time.Since(decodeStart)
	if err != nil {
		if errors.Is(err, imaging.ErrTooLarge) {
			s.reject(w, r, requestID, start, http.StatusRequestEntityTooLarge, rejectPixelLimit,
				"Image dimensions exceed the configured pixel limit", "invalid_request_error")
			return
		}
		redact.Logf("analyze: request_id=%s decode failed: %v", requestID, err)
		s.reject(w, r, requestID, start, http.StatusBadRequest, rejectInvalid,
			"Upload is not a supported image (JPEG, PNG, GIF or WebP)", "invalid_request_error")
		return
	}

	report, err := s.analyze(r, img)
	if err != nil {
		// Only a nil image fails Analyze, which the empty check above rules out.
		redact.Logf("analyze: request_id=%s unexpected error: %v", requestID, err)
		writeError(w, http.StatusInternalServerError, "Analysis failed", "server_error")
		return
	}

	s.emitActivation(ctx, activation.BuildParams{
		RequestID: requestID,
		Outcome:   activation.OutcomeAnalyzed,
		Report:    report,
		Image:     &info,
		Decode:    decodeTime,
		Total:     time.Since(start),
	})
	s.respond(w, r, requestID, report)
}

func (s *Server) analyze(r *http.Request, img image.Image) (*guard.Report, error) {
	s.metrics.InFlight.Inc()
	defer s.metrics.InFlight.Dec()
	return s.guard.Analyze(r.Context(), img)
}

// respond renders a report, or the upload prompt when report is nil.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, requestID string, report *guard.Report) {
	if wantsText(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, report.Text())
		return
	}

	resp := analyzeResponse{
		RequestID: requestID,
		Report:    report.Text(),
	}
	if report != nil {
		resp.Tier = report.Verdict.Tier.String()
		resp.Label = report.Verdict.Label
		resp.Risk = report.Verdict.Risk
		resp.Likelihoods = map[string]float64{
			guard.RoleTexture:   report.Verdict.Texture,
			guard.RoleStructure: report.Verdict.Structure,
		}
		resp.Experts = report.Experts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, requestID string, start time.Time, status int, reason, message, typ string) {
	s.metrics.RecordRejected(reason)
	s.emitActivation(r.Context(), activation.BuildParams{
		RequestID: requestID,
		Outcome:   activation.OutcomeRejected,
		Reason:    reason,
		Total:     time.Since(start),
	})
	writeError(w, status, message, typ)
}

// readUpload returns the uploaded image bytes from a multipart form field or
// the raw request body. A missing form field yields no data and no error.
func readUpload(r *http.Request, maxBytes int64) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return io.ReadAll(r.Body)
	}

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return nil, err
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	f, _, err := r.FormFile(uploadField)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func wantsText(r *http.Request) bool {
	return strings.EqualFold(r.URL.Query().Get("format"), "text")
}
