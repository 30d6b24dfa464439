package auth

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestAuthenticator(t *testing.T) {
	secret := "test-secret-key-123"
	auth := New(secret)

	t.Run("successful authentication", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/status", nil)

		err := auth.SignRequest(req)
		if err != nil {
			t.Fatalf("Failed to sign request: %v", err)
		}

		err = auth.ValidateRequest(req)
		if err != nil {
			t.Errorf("Failed to validate request: %v", err)
		}
	})

	t.Run("missing timestamp", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/status", nil)
		req.Header.Set(HeaderSignature, "somesignature")

		err := auth.ValidateRequest(req)
		if err == nil {
			t.Error("Expected error for missing timestamp")
		}
	})

	t.Run("invalid signature", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/status", nil)

		err := auth.SignRequest(req)
		if err != nil {
			t.Fatalf("Failed to sign request: %v", err)
		}

		req.Header.Set(HeaderSignature, "invalid")

		err = auth.ValidateRequest(req)
		if err == nil {
			t.Error("Expected error for invalid signature")
		}
	})

	t.Run("path is part of the signature", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/status", nil)
		if err := auth.SignRequest(req); err != nil {
			t.Fatalf("Failed to sign request: %v", err)
		}

		other := httptest.NewRequest("GET", "/services", nil)
		other.Header.Set(HeaderTimestamp, req.Header.Get(HeaderTimestamp))
		other.Header.Set(HeaderSignature, req.Header.Get(HeaderSignature))

		if err := auth.ValidateRequest(other); err == nil {
			t.Error("Expected signature replay on a different path to fail")
		}
	})

	t.Run("no authentication required", func(t *testing.T) {
		noAuth := New("")
		req := httptest.NewRequest("GET", "/status", nil)

		if noAuth.Enabled() {
			t.Error("Expected auth to be disabled with empty secret")
		}

		err := noAuth.SignRequest(req)
		if err != nil {
			t.Errorf("Sign should succeed with no auth: %v", err)
		}

		err = noAuth.ValidateRequest(req)
		if err != nil {
			t.Errorf("Validate should succeed with no auth: %v", err)
		}
	})
}

func TestAuthMiddleware(t *testing.T) {
	secret := "test-secret-key-123"
	auth := New(secret)

	handler := auth.Middleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	t.Run("authenticated request", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/status", nil)
		auth.SignRequest(req)

		rr := httptest.NewRecorder()
		handler(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", rr.Code)
		}
	})

	t.Run("unauthenticated request", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/status", nil)
		rr := httptest.NewRecorder()
		handler(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected status 401, got %d", rr.Code)
		}
	})
}

func TestClockSkew(t *testing.T) {
	secret := "test-secret-key-123"
	auth := New(secret)

	req := httptest.NewRequest("GET", "/status", nil)

	oldTimestamp := time.Now().Add(-60 * time.Second).Unix()
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(oldTimestamp, 10))
	req.Header.Set(HeaderSignature, auth.generateSignature("GET", "/status", oldTimestamp))

	err := auth.ValidateRequest(req)
	if err == nil {
		t.Error("Expected error for excessive clock skew")
	}
}
