package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/taskdesk/internal/middleware"
	"github.com/hitoshi/taskdesk/internal/model"
	"github.com/hitoshi/taskdesk/internal/tokenstore"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger       *slog.Logger
	ClientID     middleware.ClientIDConfig
	CSRF         middleware.CSRFConfig
	RateLimiter  *middleware.RateLimiter
	StoreOpener  tokenstore.Opener
	Resolver     middleware.SessionResolver
	RequiredRole model.Role

	// 認証
	Coordinator AuthCoordinator
	Credentials CredentialAuthenticator
	AuthConfig  AuthHandlerConfig

	// タスク
	TaskService    TaskServiceInterface
	ProfileService ProfileServiceInterface

	// 表示
	Renderer PageRenderer
	Notifier Notifier

	// 運用
	BridgeRecorder BridgeRecorder
	MetricsHandler http.Handler
	HealthChecker  HealthChecker
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → ClientID → Logging → RateLimit(General) → CSRF
//	→ Auth（ページ・ブリッジ） → RouteGuard（タスク）
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.AuthConfig.AtlasOrigin))
	r.Use(middleware.NewClientIDMiddleware(deps.ClientID))
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.RateLimiter != nil {
		r.Use(deps.RateLimiter.GeneralMiddleware())
	}
	r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

	var limiter BridgeLimiter
	if deps.RateLimiter != nil {
		limiter = deps.RateLimiter
	}
	authHandler := NewAuthHandler(deps.Coordinator, deps.Credentials, deps.Renderer, deps.Notifier, deps.BridgeRecorder, limiter, deps.AuthConfig)
	taskHandler := NewTaskHandler(deps.TaskService, deps.ProfileService, deps.Renderer, deps.Notifier)

	// --- 認証状態に依存しないルート ---
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker))
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 認証状態を解決するルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.StoreOpener, deps.Resolver))

		r.Get("/", authHandler.Home)
		r.Get("/login", authHandler.Login)
		r.Post("/login", authHandler.LocalLogin)
		r.Get("/register", authHandler.Register)
		r.Post("/auth/logout", authHandler.Logout)

		r.Post("/auth/bridge", authHandler.Bridge)

		// --- ルートガードで保護するルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRouteGuard(deps.RequiredRole, http.HandlerFunc(authHandler.Loading)))

			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", taskHandler.List)
				r.Post("/", taskHandler.Create)

				r.Route("/{id}", func(r chi.Router) {
					r.Post("/update", taskHandler.Update)
					r.Post("/toggle", taskHandler.Toggle)
					r.Post("/delete", taskHandler.Delete)
				})
			})
		})

		r.NotFound(authHandler.NotFound)
	})

	return r
}
