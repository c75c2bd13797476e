package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/taskdesk/internal/auth"
	"github.com/hitoshi/taskdesk/internal/tokenstore"
)

// storeContextKey はリクエストコンテキストにトークンストアを格納するためのキー。
var storeContextKey = contextKey("token_store")

// SessionResolver は認証状態の解決に必要なインターフェース。
// auth.Coordinatorの部分集合として定義する。
type SessionResolver interface {
	Resolve(ctx context.Context, clientID string, store *tokenstore.Store, u *url.URL) (*auth.Resolution, error)
}

// NewAuthMiddleware はリクエストごとに認証状態を解決するミドルウェアを返す。
// トークンストアと解決結果をリクエストコンテキストに注入する。
// URLでトークンが受け渡された場合は、パラメータを除いたURLへ303でリダイレクトする。
// クライアントIDミドルウェアの後に配置する。
func NewAuthMiddleware(opener tokenstore.Opener, resolver SessionResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID, err := ClientIDFromContext(r.Context())
			if err != nil {
				slog.Error("auth middleware requires client id", slog.String("path", r.URL.Path))
				WriteInternalServerError(w)
				return
			}

			// 1. トークンストアを開く
			store := tokenstore.New(opener.Open(w, r, clientID))

			// 2. 認証状態を解決
			res, err := resolver.Resolve(r.Context(), clientID, store, r.URL)
			if err != nil {
				slog.Error("failed to resolve session",
					slog.String("client_id", clientID),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			// 3. トークンパラメータを履歴に残さない
			if res.CleanURL != nil {
				http.Redirect(w, r, res.CleanURL.RequestURI(), http.StatusSeeOther)
				return
			}

			ctx := auth.ContextWithResolution(r.Context(), res)
			ctx = ContextWithTokenStore(ctx, store)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TokenStoreFromContext はリクエストコンテキストからトークンストアを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func TokenStoreFromContext(ctx context.Context) (*tokenstore.Store, bool) {
	store, ok := ctx.Value(storeContextKey).(*tokenstore.Store)
	return store, ok && store != nil
}

// ContextWithTokenStore はコンテキストにトークンストアを注入する。
func ContextWithTokenStore(ctx context.Context, store *tokenstore.Store) context.Context {
	return context.WithValue(ctx, storeContextKey, store)
}
