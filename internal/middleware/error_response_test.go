package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/fedcal/internal/model"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{model.ErrCodeSignatureMissing, http.StatusUnauthorized},
		{model.ErrCodeSignatureInvalid, http.StatusUnauthorized},
		{model.ErrCodeDigestMismatch, http.StatusUnauthorized},
		{model.ErrCodeInvalidJSON, http.StatusBadRequest},
		{model.ErrCodeInvalidActivity, http.StatusBadRequest},
		{model.ErrCodeInvalidResource, http.StatusBadRequest},
		{model.ErrCodeInvalidPage, http.StatusBadRequest},
		{model.ErrCodeUserNotFound, http.StatusNotFound},
		{model.ErrCodeActorNotFound, http.StatusNotFound},
		{model.ErrCodeEventNotFound, http.StatusNotFound},
		{model.ErrCodeResourceNotFound, http.StatusNotFound},
		{model.ErrCodeSSRFBlocked, http.StatusNotFound},
		{model.ErrCodeFetchFailed, http.StatusBadGateway},
		{model.ErrCodeRateLimited, http.StatusTooManyRequests},
		{model.ErrCodeInternal, http.StatusInternalServerError},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.code); got != tt.want {
			t.Errorf("StatusFor(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestWriteAPIError_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()
	WriteAPIError(w, model.NewSignatureMissingError())

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Code != model.ErrCodeSignatureMissing || body.Category != "auth" || body.Message == "" || body.Action == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestRecoveryMiddleware_ReturnsInternalError(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	handler := NewRecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/alice", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Code != model.ErrCodeInternal {
		t.Errorf("code = %q", body.Code)
	}
}
