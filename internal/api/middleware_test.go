package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecovery(t *testing.T) {
	tests := []struct {
		name     string
		panicVal any
	}{
		{"error value", http.ErrAbortHandler},
		{"string value", "something went wrong"},
		{"arbitrary value", 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Recovery(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(tt.panicVal)
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

			if w.Code != http.StatusInternalServerError {
				t.Errorf("status = %d, want 500", w.Code)
			}
			var resp APIError
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("parsing error response: %v", err)
			}
			if resp.Code != ErrCodeServerError {
				t.Errorf("code = %q, want %q", resp.Code, ErrCodeServerError)
			}
		})
	}
}

func TestRecoveryPassthrough(t *testing.T) {
	handler := Recovery(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "OK" {
		t.Errorf("body = %q, want OK", w.Body.String())
	}
}

func TestRecoveryLogsPanic(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic message")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test-path", nil))

	for _, want := range []string{"panic recovered", "test panic message", "/test-path"} {
		if !strings.Contains(logBuf.String(), want) {
			t.Errorf("log misses %q: %s", want, logBuf.String())
		}
	}
}

func TestRecoveryEchoesRequestID(t *testing.T) {
	handler := middleware.RequestID(Recovery(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-Id", "test-req-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var resp APIError
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parsing error response: %v", err)
	}
	if resp.RequestID != "test-req-123" {
		t.Errorf("request_id = %q, want test-req-123", resp.RequestID)
	}
}

func TestContentTypeJSON(t *testing.T) {
	handler := ContentTypeJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q, want application/json", ct)
	}
}

func TestContentTypeJSONOverride(t *testing.T) {
	handler := ContentTypeJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/geo+json")
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if ct := w.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("content type = %q, want application/geo+json", ct)
	}
}

func TestRequestLogger(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	handler := middleware.RequestID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/collections/roads?limit=5", nil))

	for _, want := range []string{
		"http request",
		"method=GET",
		"path=/collections/roads",
		"query=\"limit=5\"",
		"status=404",
		"request_id=",
		"duration=",
	} {
		if !strings.Contains(logBuf.String(), want) {
			t.Errorf("log misses %q: %s", want, logBuf.String())
		}
	}
}

func TestRequestLoggerServerErrorLevel(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if !strings.Contains(logBuf.String(), "level=ERROR") {
		t.Errorf("log level = %s, want ERROR for a 500", logBuf.String())
	}
}

func TestRequestIDResponse(t *testing.T) {
	handler := middleware.RequestID(RequestIDResponse(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("X-Request-ID header not set on response")
	}

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-Id", "custom-request-id-123")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "custom-request-id-123" {
		t.Errorf("X-Request-ID = %q, want the incoming id", got)
	}
}

func TestGetRequestIDEmptyContext(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("request id = %q, want empty without middleware", got)
	}
}
