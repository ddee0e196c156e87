package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestNewRouter_DefaultMounts(t *testing.T) {
	router := NewRouter()

	t.Run("healthz", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("expected content-type application/json, got %s", ct)
		}
	})

	t.Run("readyz without system service", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	for _, path := range []string{"/api/v1/stores/store-1/shipments", "/api/v1/checkout", "/webhooks/payments/stripe"} {
		t.Run("not implemented "+path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, nil))

			if rr.Code != http.StatusNotImplemented {
				t.Fatalf("expected status 501, got %d", rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("expected JSON body: %v", err)
			}
			if body["error"] != "not_implemented" {
				t.Fatalf("expected not_implemented error, got %v", body["error"])
			}
		})
	}
}

func TestNewRouter_StoreRegistrarsShareSubrouter(t *testing.T) {
	first := func(r chi.Router) {
		r.Get("/shipping/config", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Store", chi.URLParam(r, "storeID"))
			w.WriteHeader(http.StatusNoContent)
		})
	}
	second := func(r chi.Router) {
		r.Get("/payment-accounts/{provider}", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Provider", chi.URLParam(r, "provider"))
			w.WriteHeader(http.StatusAccepted)
		})
	}

	router := NewRouter(WithStoreRoutes(first, second))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/stores/store-9/shipping/config", nil))
	if rr.Code != http.StatusNoContent || rr.Header().Get("X-Store") != "store-9" {
		t.Fatalf("unexpected response %d store=%q", rr.Code, rr.Header().Get("X-Store"))
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/stores/store-9/payment-accounts/stripe", nil))
	if rr.Code != http.StatusAccepted || rr.Header().Get("X-Provider") != "stripe" {
		t.Fatalf("unexpected response %d provider=%q", rr.Code, rr.Header().Get("X-Provider"))
	}
}

func TestNewRouter_WebhookMiddlewares(t *testing.T) {
	var sawMiddleware bool
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sawMiddleware = true
			next.ServeHTTP(w, r)
		})
	}
	registrar := func(r chi.Router) {
		r.Post("/payments/{provider}", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	router := NewRouter(WithWebhookRoutes(registrar), WithWebhookMiddlewares(mw))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payments/mercadopago", nil))
	if rr.Code != http.StatusOK || !sawMiddleware {
		t.Fatalf("expected webhook middleware to run, code=%d", rr.Code)
	}
}

func TestNewRouter_NotFound(t *testing.T) {
	router := NewRouter()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/does/not/exist", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if body["error"] != errorNotFoundCode {
		t.Fatalf("expected %s, got %v", errorNotFoundCode, body["error"])
	}
}
