package middleware

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/taskdesk/internal/auth"
	"github.com/hitoshi/taskdesk/internal/model"
)

// DefaultPath はロールが一致しない場合の遷移先。
const DefaultPath = "/"

// NewRouteGuard は保護されたルートへのアクセスを制御するミドルウェアを返す。
//
//   - checking: loadingを表示する（リダイレクトも保護コンテンツの表示もしない）
//   - unauthenticated: ログイン画面へリダイレクト
//   - requiredRoleが指定されていてトークンのroleと一致しない: デフォルトルートへリダイレクト
//   - それ以外: 保護コンテンツを表示
//
// 認証ミドルウェアの後に配置する。
func NewRouteGuard(requiredRole model.Role, loading http.Handler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := auth.ResolutionFromContext(r.Context())
			if !ok {
				http.Redirect(w, r, auth.LoginPath, http.StatusSeeOther)
				return
			}

			switch res.State {
			case auth.StateChecking:
				w.Header().Set("Cache-Control", "no-store")
				loading.ServeHTTP(w, r)
				return
			case auth.StateAuthenticated:
			default:
				http.Redirect(w, r, auth.LoginPath, http.StatusSeeOther)
				return
			}

			if requiredRole != model.RoleNone && res.Session.Role != requiredRole {
				slog.Warn("role mismatch, redirecting to default route",
					slog.String("path", r.URL.Path),
					slog.String("required_role", string(requiredRole)),
					slog.String("role", string(res.Session.Role)),
				)
				http.Redirect(w, r, DefaultPath, http.StatusSeeOther)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
