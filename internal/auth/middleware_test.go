package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStaticAPIKeyValidatorParsing(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:alice:analyst|reviewer")
	if err != nil {
		t.Fatalf("NewStaticAPIKeyValidator() error = %v", err)
	}
	identity, ok := validator.Validate(context.Background(), "k1")
	if !ok {
		t.Fatal("expected key to be valid")
	}
	if identity.Subject != "alice" {
		t.Fatalf("Subject = %q", identity.Subject)
	}
	if !identity.HasRole(RoleReviewer) {
		t.Fatal("expected reviewer role")
	}
}

func TestStaticAPIKeyValidatorRejectsBadSpec(t *testing.T) {
	_, err := NewStaticAPIKeyValidator("invalid")
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStaticAPIKeyValidatorRejectsDuplicateKey(t *testing.T) {
	if _, err := NewStaticAPIKeyValidator("k1:alice:analyst,k1:bob:analyst"); err == nil {
		t.Fatal("expected duplicate key error")
	}
}

func TestSubjectWithoutIdentityIsEmpty(t *testing.T) {
	if got := Subject(context.Background()); got != "" {
		t.Fatalf("Subject() = %q, want empty", got)
	}
	ctx := WithIdentity(context.Background(), Identity{Subject: "alice"})
	if got := Subject(ctx); got != "alice" {
		t.Fatalf("Subject() = %q, want alice", got)
	}
}

func TestMiddlewareRequiresKey(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:alice:analyst")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}

	mw := Middleware(slog.New(slog.NewJSONHandler(io.Discard, nil)), validator)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sql/generate", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestMiddlewareInjectsIdentity(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:alice:analyst")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}

	mw := Middleware(nil, validator)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("expected identity in context")
		}
		if identity.Subject != "alice" {
			t.Fatalf("Subject = %q", identity.Subject)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/sql/generate", nil)
	req.Header.Set("X-API-Key", "k1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
}
