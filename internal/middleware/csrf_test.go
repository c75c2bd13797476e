package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func csrfCookieFrom(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == csrfCookieName {
			return c
		}
	}
	return nil
}

// bridgeRequest はブリッジ中継スクリプトと同じくヘッダーでトークンを送る。
func bridgeRequest(cookieToken, headerToken string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/auth/bridge", strings.NewReader(`{"origin":"https://atlas.example.com","data":{}}`))
	req.Header.Set("Content-Type", "application/json")
	if headerToken != "" {
		req.Header.Set(csrfHeaderName, headerToken)
	}
	if cookieToken != "" {
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: cookieToken})
	}
	return req
}

// formRequest はHTMLフォームと同じくフィールドでトークンを送る。
func formRequest(path, cookieToken, fieldToken string) *http.Request {
	form := url.Values{"title": {"Buy milk"}}
	if fieldToken != "" {
		form.Set(CSRFFormField, fieldToken)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookieToken != "" {
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: cookieToken})
	}
	return req
}

func TestCSRFMiddleware_StateChangingRequests(t *testing.T) {
	tests := []struct {
		name       string
		req        *http.Request
		wantStatus int
	}{
		{"bridge header matches", bridgeRequest("tok", "tok"), http.StatusOK},
		{"bridge header mismatch", bridgeRequest("tok", "other"), http.StatusForbidden},
		{"bridge without cookie", bridgeRequest("", "tok"), http.StatusForbidden},
		{"bridge without header", bridgeRequest("tok", ""), http.StatusForbidden},
		{"task form field matches", formRequest("/tasks", "tok", "tok"), http.StatusOK},
		{"task form field mismatch", formRequest("/tasks/1/delete", "tok", "other"), http.StatusForbidden},
		{"logout form without field", formRequest("/auth/logout", "tok", ""), http.StatusForbidden},
		{"login form without cookie", formRequest("/login", "", "tok"), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				if got := CSRFTokenFromContext(r.Context()); got != "tok" {
					t.Errorf("context token = %q, want %q", got, "tok")
				}
				w.WriteHeader(http.StatusOK)
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, tt.req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if called != (tt.wantStatus == http.StatusOK) {
				t.Errorf("handler called = %v", called)
			}
		})
	}
}

func TestCSRFMiddleware_FormBodyStaysReadable(t *testing.T) {
	var title string
	handler := NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		title = r.PostFormValue("title")
	}))

	handler.ServeHTTP(httptest.NewRecorder(), formRequest("/tasks", "tok", "tok"))

	if title != "Buy milk" {
		t.Errorf("title = %q, want %q", title, "Buy milk")
	}
}

func TestCSRFMiddleware_PageLoadIssuesTokenForTemplates(t *testing.T) {
	var ctxToken string
	handler := NewCSRFMiddleware(CSRFConfig{CookieSecure: true, CookieDomain: "taskdesk.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxToken = CSRFTokenFromContext(r.Context())
	}))

	// 1. 初回のページ表示でCookieを発行し、同じ値をテンプレートに渡す
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/login", nil))

	cookie := csrfCookieFrom(w.Result())
	if cookie == nil || cookie.Value == "" {
		t.Fatal("expected CSRF cookie on first page load")
	}
	if ctxToken != cookie.Value {
		t.Errorf("context token = %q, cookie token = %q", ctxToken, cookie.Value)
	}
	if cookie.HttpOnly || !cookie.Secure || cookie.SameSite != http.SameSiteLaxMode || cookie.Domain != "taskdesk.example.com" {
		t.Errorf("cookie attributes = %+v", cookie)
	}

	// 2. 以降のページ表示では既存のトークンを使い続ける
	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if csrfCookieFrom(w.Result()) != nil {
		t.Error("CSRF cookie should not be re-issued")
	}
	if ctxToken != cookie.Value {
		t.Errorf("context token = %q, want %q", ctxToken, cookie.Value)
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	tests := []struct {
		name      string
		existing  string
		wantFresh bool
	}{
		{"issues new token", "", true},
		{"returns existing token", "existing-csrf-token", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
			if tt.existing != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.existing})
			}
			w := httptest.NewRecorder()
			NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP(w, req)

			resp := w.Result()
			if resp.StatusCode != http.StatusOK || resp.Header.Get("Cache-Control") != "no-store" {
				t.Errorf("status = %d, Cache-Control = %q", resp.StatusCode, resp.Header.Get("Cache-Control"))
			}
			var body struct {
				Token string `json:"token"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}

			cookie := csrfCookieFrom(resp)
			if tt.wantFresh {
				if cookie == nil || body.Token == "" || cookie.Value != body.Token {
					t.Errorf("token = %q, cookie = %+v; want matching fresh token", body.Token, cookie)
				}
				return
			}
			if body.Token != tt.existing || cookie != nil {
				t.Errorf("token = %q, cookie = %+v; want existing token without a new cookie", body.Token, cookie)
			}
		})
	}
}
