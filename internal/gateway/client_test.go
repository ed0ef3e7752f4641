package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nazeru/checkout-settlement-go/pkg/apperr"
)

func TestInitializeSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/initialize" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["email"] != "a@b.com" {
			t.Errorf("email = %v", req["email"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  true,
			"message": "Authorization URL created",
			"data": map[string]any{
				"authorization_url": "https://pay.example/abc",
				"access_code":       "AC_123",
				"reference":         "ref-123",
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk_test", time.Second)
	res, err := c.Initialize(context.Background(), 150000, "a@b.com", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Reference != "ref-123" || res.AccessCode != "AC_123" || res.AuthorizationURL != "https://pay.example/abc" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotAuth != "Bearer sk_test" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
}

func TestInitializeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk_test", time.Second)
	_, err := c.Initialize(context.Background(), 1000, "a@b.com", nil)
	var ex *apperr.ExternalServiceError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExternalServiceError, got %v", err)
	}
}

func TestInitializeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": false, "message": "invalid key"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk_bad", time.Second)
	_, err := c.Initialize(context.Background(), 1000, "a@b.com", nil)
	var ex *apperr.ExternalServiceError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExternalServiceError, got %v", err)
	}
}

func TestInitializeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk_test", 20*time.Millisecond)
	_, err := c.Initialize(context.Background(), 1000, "a@b.com", nil)
	var ex *apperr.ExternalServiceError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExternalServiceError, got %v", err)
	}
}
