package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Tyrowin/lifesync/internal/auth"
)

// TestRequestLoggerRecordsAuthenticatedUser verifies the request log line of
// an authenticated call carries the identity resolved further down the chain.
func TestRequestLoggerRecordsAuthenticatedUser(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	verifier := auth.NewJWTVerifier(testSecret)
	token, err := verifier.Sign("u1", "Ada", time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	handler := requestLogger(logger)(requireIdentity(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var line struct {
		Msg    string `json:"msg"`
		Status int    `json:"status"`
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line %q: %v", buf.String(), err)
	}
	if line.Msg != "http_request" || line.Status != http.StatusNoContent || line.UserID != "u1" {
		t.Fatalf("log line = %+v", line)
	}

	buf.Reset()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil))
	var anon map[string]any
	if err := json.Unmarshal(buf.Bytes(), &anon); err != nil {
		t.Fatalf("log line %q: %v", buf.String(), err)
	}
	if _, ok := anon["user_id"]; ok || anon["status"] != float64(http.StatusUnauthorized) {
		t.Fatalf("unauthenticated log line = %v", anon)
	}
}
