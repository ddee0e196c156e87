package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWriteErrorEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(context.Background(), rr, NewError("invalid_request", "quantity must be at least 1\n", http.StatusBadRequest).
		WithRequestID("req-1").
		WithDetails(map[string]any{"field": "items[0].quantity"}))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "invalid_request" || body["message"] != "quantity must be at least 1" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["request_id"] != "req-1" || body["field"] != "items[0].quantity" {
		t.Fatalf("expected request id and details, got %v", body)
	}
	if rr.Header().Get("Retry-After") != "" {
		t.Fatalf("unexpected Retry-After header")
	}
}

func TestWriteErrorRetryAfter(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(context.Background(), rr, NewError("settlement_failed", "retry later", http.StatusServiceUnavailable).WithRetryAfter(1500*time.Millisecond))

	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
}
