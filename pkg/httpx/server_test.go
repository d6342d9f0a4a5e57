package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeError(t *testing.T, body *bytes.Buffer) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

func TestServer_StartStop(t *testing.T) {
	// Reserve a free port, then hand it to the server.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := NewServer(addr, HealthHandler(), nil)
	if srv.logger == nil {
		t.Fatal("nil logger not replaced")
	}

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	var resp *http.Response
	for range 50 {
		resp, err = http.Get("http://" + addr + "/")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never answered: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := srv.Stop(time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Start() after Stop = %v, want nil", err)
	}
}

func TestWriteError_ServiceStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
	}{
		{"invalid request", http.StatusBadRequest, errors.New("invalid request: date must be YYYY-MM-DD")},
		{"unknown store", http.StatusNotFound, errors.New("store 404: no trained model for store")},
		{"job running", http.StatusConflict, errors.New("a job is already running")},
		{"shutting down", http.StatusServiceUnavailable, errors.New("job manager stopped")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.status, tt.err)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if got := decodeError(t, w.Body).Error; got != tt.err.Error() {
				t.Errorf("error = %q, want %q", got, tt.err.Error())
			}
		})
	}
}

func TestWriteErrorMessage_Internal(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if got := decodeError(t, w.Body).Error; got != "internal server error" {
		t.Errorf("error = %q", got)
	}
}

func TestHealthHandlerWithCheck(t *testing.T) {
	t.Run("store unreachable", func(t *testing.T) {
		h := HealthHandlerWithCheck(func() error { return errors.New("redis: connection refused") })
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", w.Code)
		}
		if got := decodeError(t, w.Body).Error; got != "redis: connection refused" {
			t.Errorf("error = %q", got)
		}
	})

	t.Run("ready", func(t *testing.T) {
		calls := 0
		h := HealthHandlerWithCheck(func() error { calls++; return nil })
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if w.Code != http.StatusOK || w.Body.String() != "OK" {
			t.Errorf("got %d %q, want 200 OK", w.Code, w.Body.String())
		}
		if calls != 1 {
			t.Errorf("check ran %d times, want 1", calls)
		}
	})
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		StoreID string `json:"store_id"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"store_id":"7"}`, false},
		{"unknown field", `{"store_id":"7","extra":1}`, true},
		{"trailing data", `{"store_id":"7"}{"store_id":"8"}`, true},
		{"malformed", `{"store_id":`, true},
		{"empty", ``, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(tt.body))
			var got payload
			err := DecodeJSON(httptest.NewRecorder(), req, &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got.StoreID != "7" {
				t.Errorf("StoreID = %q, want 7", got.StoreID)
			}
		})
	}
}

func TestDecodeJSON_BodyLimit(t *testing.T) {
	// {"store_id":"..."} carries 15 bytes around the value.
	body := func(size int) string {
		return `{"store_id":"` + strings.Repeat("x", size-15) + `"}`
	}

	t.Run("at limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(body(MaxBodyBytes)))
		var v map[string]string
		if err := DecodeJSON(httptest.NewRecorder(), req, &v); err != nil {
			t.Fatalf("DecodeJSON() error = %v", err)
		}
		if len(v["store_id"]) != MaxBodyBytes-15 {
			t.Errorf("decoded %d bytes", len(v["store_id"]))
		}
	})

	t.Run("over limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(body(MaxBodyBytes+1)))
		var v map[string]string
		err := DecodeJSON(httptest.NewRecorder(), req, &v)
		var tooLarge *http.MaxBytesError
		if !errors.As(err, &tooLarge) {
			t.Fatalf("DecodeJSON() error = %v, want *http.MaxBytesError", err)
		}
		if tooLarge.Limit != MaxBodyBytes {
			t.Errorf("Limit = %d, want %d", tooLarge.Limit, MaxBodyBytes)
		}
	})
}

func TestLoggingMiddleware_RecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteErrorMessage(w, http.StatusNotFound, "store 9: no trained model for store")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/predict/daily", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line: %v", err)
	}
	if entry["path"] != "/predict/daily" || entry["method"] != http.MethodPost {
		t.Errorf("logged %v %v", entry["method"], entry["path"])
	}
	if entry["status"] != float64(http.StatusNotFound) {
		t.Errorf("logged status = %v, want 404", entry["status"])
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("nil baseline")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/predict/period", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if got := decodeError(t, w.Body).Error; got != "internal server error" {
		t.Errorf("error = %q", got)
	}
	if !strings.Contains(buf.String(), "nil baseline") {
		t.Errorf("panic value not logged: %s", buf.String())
	}
}

func TestMiddlewareChain_PassesThrough(t *testing.T) {
	logger := discardLogger()
	h := RecoveryMiddleware(logger)(LoggingMiddleware(logger)(HealthHandler()))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("got %d %q, want 200 OK", w.Code, w.Body.String())
	}
}
