package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

// requestFromClient はクライアントIDをコンテキストに持つリクエストを生成する。
func requestFromClient(method, path, clientID string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	return req.WithContext(ContextWithClientID(req.Context(), clientID))
}

func testLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		BridgeRate:      1,
		BridgeBurst:     2,
		CleanupInterval: time.Minute,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// --- 全ルート共通 ---

func TestRateLimitMiddleware_AllowsRequestsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFromClient(http.MethodGet, "/tasks", "client-1"))
		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 5; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), requestFromClient(http.MethodGet, "/tasks", "client-1"))
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFromClient(http.MethodGet, "/tasks", "client-1"))

	resp := w.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}

	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("Retry-After = %q, want positive integer", resp.Header.Get("Retry-After"))
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["code"] != "rate_limit_exceeded" {
		t.Errorf("code = %q, want %q", body["code"], "rate_limit_exceeded")
	}
}

func TestRateLimitMiddleware_IsolatesClients(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 6; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), requestFromClient(http.MethodGet, "/tasks", "client-a"))
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFromClient(http.MethodGet, "/tasks", "client-b"))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("client-b status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if got := rl.GeneralLimiterCount(); got != 2 {
		t.Errorf("GeneralLimiterCount = %d, want 2", got)
	}
}

func TestRateLimitMiddleware_NoClientID_FallsBackToRemoteAddr(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.0.2.1:51234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	// 同一ホストの別ポートは同じキーになる
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.0.2.1:51235"
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got := rl.GeneralLimiterCount(); got != 1 {
		t.Errorf("GeneralLimiterCount = %d, want 1", got)
	}
}

// --- ブリッジ中継 ---

func TestAllowBridge_IndependentFromGeneralLimit(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	general := rl.GeneralMiddleware()(okHandler())

	// ブリッジのバースト（2）を使い切る
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		if !rl.AllowBridge(w, requestFromClient(http.MethodPost, "/auth/bridge", "client-1")) {
			t.Fatalf("bridge request %d: AllowBridge = false, want true", i)
		}
		if w.Body.Len() != 0 {
			t.Errorf("bridge request %d: allowed request wrote a body: %q", i, w.Body.String())
		}
	}

	w := httptest.NewRecorder()
	if rl.AllowBridge(w, requestFromClient(http.MethodPost, "/auth/bridge", "client-1")) {
		t.Fatal("AllowBridge = true after burst, want false")
	}
	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("bridge status = %d, want %d", w.Result().StatusCode, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header is missing")
	}

	// 全ルート共通の制限には影響しない
	w = httptest.NewRecorder()
	general.ServeHTTP(w, requestFromClient(http.MethodGet, "/tasks", "client-1"))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("general status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if rl.BridgeLimiterCount() != 1 || rl.GeneralLimiterCount() != 1 {
		t.Errorf("limiter counts = (%d, %d), want (1, 1)", rl.GeneralLimiterCount(), rl.BridgeLimiterCount())
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testLimiterConfig()
	cfg.CleanupInterval = 50 * time.Millisecond

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestFromClient(http.MethodGet, "/tasks", "client-cleanup"))
	rl.AllowBridge(httptest.NewRecorder(), requestFromClient(http.MethodPost, "/auth/bridge", "client-cleanup"))

	if rl.GeneralLimiterCount() == 0 || rl.BridgeLimiterCount() == 0 {
		t.Fatal("expected limiter entries")
	}

	// TTLはCleanupIntervalの2倍（100ms）
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rl.GeneralLimiterCount() == 0 && rl.BridgeLimiterCount() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("limiter entries after cleanup = (%d, %d), want (0, 0)", rl.GeneralLimiterCount(), rl.BridgeLimiterCount())
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	rl.Stop()
	rl.Stop()
}

func TestNewRateLimiterConfig(t *testing.T) {
	cfg := NewRateLimiterConfig(120, 30)

	if cfg.GeneralRate != 2 {
		t.Errorf("GeneralRate = %v, want 2", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.BridgeRate != 0.5 {
		t.Errorf("BridgeRate = %v, want 0.5", cfg.BridgeRate)
	}
	if cfg.BridgeBurst != 30 {
		t.Errorf("BridgeBurst = %d, want 30", cfg.BridgeBurst)
	}
	if DefaultRateLimiterConfig() != cfg {
		t.Error("DefaultRateLimiterConfig should equal NewRateLimiterConfig(120, 30)")
	}
}
