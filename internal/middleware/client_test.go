package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestClientIDMiddleware_IssuesNewID(t *testing.T) {
	mw := NewClientIDMiddleware(ClientIDConfig{CookieSecure: true})

	var captured string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := ClientIDFromContext(r.Context())
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		captured = id
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if _, err := uuid.Parse(captured); err != nil {
		t.Fatalf("client id %q is not a UUID: %v", captured, err)
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == clientIDCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("client_id cookie not set")
	}
	if cookie.Value != captured {
		t.Errorf("cookie value = %q, want %q", cookie.Value, captured)
	}
	if !cookie.HttpOnly || !cookie.Secure {
		t.Errorf("cookie HttpOnly=%v Secure=%v, want both true", cookie.HttpOnly, cookie.Secure)
	}
}

func TestClientIDMiddleware_ReusesValidCookie(t *testing.T) {
	existing := uuid.NewString()
	mw := NewClientIDMiddleware(ClientIDConfig{})

	var captured string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = ClientIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: clientIDCookieName, Value: existing})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if captured != existing {
		t.Errorf("client id = %q, want %q", captured, existing)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("cookie should not be reissued for a valid client id")
	}
}

func TestClientIDMiddleware_ReplacesInvalidCookie(t *testing.T) {
	mw := NewClientIDMiddleware(ClientIDConfig{})

	var captured string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = ClientIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: clientIDCookieName, Value: "'; DROP TABLE client_storage; --"})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if _, err := uuid.Parse(captured); err != nil {
		t.Errorf("client id %q should be a freshly issued UUID", captured)
	}
}

func TestClientIDFromContext_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := ClientIDFromContext(req.Context()); err == nil {
		t.Error("expected error for missing client id")
	}
}
