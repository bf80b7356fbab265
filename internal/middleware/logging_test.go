package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeLog(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

// TestLoggingMiddleware_LogsRequestFields はリクエストログに必要なフィールドが含まれることを検証する。
func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/users/alice", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := decodeLog(t, &buf)
	if entry["method"] != "GET" || entry["path"] != "/users/alice" {
		t.Errorf("entry = %v", entry)
	}
	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("expected 'duration_ms' field in log entry")
	}
	if _, ok := entry["remote_actor"]; ok {
		t.Error("未検証のリクエストにremote_actorを出さない")
	}
}

func TestLoggingMiddleware_RemoteActor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetRemoteActor(r.Context(), "https://remote.example/users/bob")
		w.WriteHeader(http.StatusAccepted)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/inbox", nil))

	entry := decodeLog(t, &buf)
	if entry["remote_actor"] != "https://remote.example/users/bob" {
		t.Errorf("remote_actor = %v", entry["remote_actor"])
	}
}

func TestLoggingMiddleware_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusAccepted, "INFO"},
		{http.StatusUnauthorized, "WARN"},
		{http.StatusBadGateway, "ERROR"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/inbox", nil))

		if entry := decodeLog(t, &buf); entry["level"] != tt.level {
			t.Errorf("status %d: level = %v, want %s", tt.status, entry["level"], tt.level)
		}
	}
}

func TestSetRemoteActor_OutsideMiddlewareIsNoop(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	SetRemoteActor(req.Context(), "https://remote.example/users/bob")
}
