// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/taskdesk/internal/auth"
	"github.com/hitoshi/taskdesk/internal/bridge"
	"github.com/hitoshi/taskdesk/internal/metrics"
	"github.com/hitoshi/taskdesk/internal/middleware"
	"github.com/hitoshi/taskdesk/internal/model"
	"github.com/hitoshi/taskdesk/internal/taskclient"
	"github.com/hitoshi/taskdesk/internal/tokenstore"
	"github.com/hitoshi/taskdesk/internal/view"
)

// maxBridgeBodySize はブリッジ中継リクエストのボディ上限。
const maxBridgeBodySize = 64 * 1024

// loadingRefreshSeconds は認証確認中のプレースホルダーを再読み込みする間隔。
const loadingRefreshSeconds = 1

// AuthCoordinator は認証ハンドラーが必要とするコーディネーターのインターフェース。
type AuthCoordinator interface {
	HandleMessage(ctx context.Context, clientID string, store *tokenstore.Store, msg bridge.Message) (*auth.Outcome, error)
	SignIn(ctx context.Context, clientID string, store *tokenstore.Store, session *model.Session) (*auth.Outcome, error)
	Logout(ctx context.Context, clientID string, store *tokenstore.Store) error
}

// CredentialAuthenticator はローカルAPIの資格情報ログインのインターフェース。
type CredentialAuthenticator interface {
	Login(ctx context.Context, creds taskclient.Credentials) (*model.Session, error)
}

// PageRenderer はHTMLページを描画するインターフェース。
type PageRenderer interface {
	Render(w http.ResponseWriter, status int, name string, data any)
}

// Notifier はリダイレクトをまたぐ通知のインターフェース。
type Notifier interface {
	Add(w http.ResponseWriter, r *http.Request, n *model.Notification)
	Pop(w http.ResponseWriter, r *http.Request) []model.Notification
}

// BridgeRecorder はブリッジメッセージの処理結果を記録するメトリクスのインターフェース。
type BridgeRecorder interface {
	RecordBridgeMessage(messageType, result string)
}

// BridgeLimiter はブリッジ中継の認証メッセージに対するレート制限のインターフェース。
// 拒否した場合はレスポンスを書き込んでfalseを返す。
type BridgeLimiter interface {
	AllowBridge(w http.ResponseWriter, r *http.Request) bool
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	AtlasOrigin    string
	AtlasProjectID string
}

// AuthHandler はログイン・登録ページ、ブリッジ中継、ログアウトのHTTPハンドラー。
type AuthHandler struct {
	coordinator AuthCoordinator
	credentials CredentialAuthenticator
	renderer    PageRenderer
	notifier    Notifier
	recorder    BridgeRecorder
	limiter     BridgeLimiter
	config      AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。credentials、recorder、limiterはnilでもよい。
func NewAuthHandler(coordinator AuthCoordinator, credentials CredentialAuthenticator, renderer PageRenderer, notifier Notifier, recorder BridgeRecorder, limiter BridgeLimiter, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		coordinator: coordinator,
		credentials: credentials,
		renderer:    renderer,
		notifier:    notifier,
		recorder:    recorder,
		limiter:     limiter,
		config:      config,
	}
}

// bridgeRequest はブラウザの中継スクリプトが送るpostMessageイベント。
type bridgeRequest struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// bridgeResponse はブリッジメッセージの処理結果。
// Redirectがある場合、通知はCookie経由で遷移先に表示するためNotificationは空になる。
type bridgeResponse struct {
	State        string              `json:"state,omitempty"`
	Redirect     string              `json:"redirect,omitempty"`
	Notification *model.Notification `json:"notification,omitempty"`
	Height       int                 `json:"height,omitempty"`
}

// Home はトップページを表示する。
// GET /
func (h *AuthHandler) Home(w http.ResponseWriter, r *http.Request) {
	h.renderer.Render(w, http.StatusOK, view.PageHome, view.HomeData{
		Page: h.page(w, r, "Home"),
	})
}

// Login はAtlasのログインフォームを埋め込んだページを表示する。
// GET /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	h.renderAuthPage(w, r, bridge.ModeLogin, "Login")
}

// Register はAtlasの登録フォームを埋め込んだページを表示する。
// GET /register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	h.renderAuthPage(w, r, bridge.ModeRegister, "Register")
}

// Loading は認証状態の確認中に表示するプレースホルダー。ルートガードから呼ばれる。
func (h *AuthHandler) Loading(w http.ResponseWriter, r *http.Request) {
	page := h.page(w, r, "Loading")
	page.RefreshSeconds = loadingRefreshSeconds
	h.renderer.Render(w, http.StatusOK, view.PageLoading, view.LoadingData{Page: page})
}

// Bridge はブラウザが中継したIdentity Bridgeのメッセージを処理する。
// POST /auth/bridge
//
// 信頼できないオリジンのメッセージは状態を変えずに204を返す。
// 未知の種別や不正なペイロードは400、認証メッセージのレート超過は429を返す。
func (h *AuthHandler) Bridge(w http.ResponseWriter, r *http.Request) {
	clientID, store, ok := h.session(w, r)
	if !ok {
		return
	}

	// 1. リクエストボディのデコード
	var req bridgeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBridgeBodySize)).Decode(&req); err != nil {
		h.recordBridge("unknown", metrics.BridgeResultInvalid)
		middleware.WriteError(w, model.NewInvalidMessageError("malformed request body"))
		return
	}

	// 2. オリジンの検証とメッセージのデコード
	msg, err := bridge.Decode(bridge.Envelope{Origin: req.Origin, Data: req.Data}, h.config.AtlasOrigin)
	switch {
	case errors.Is(err, bridge.ErrUntrustedOrigin):
		h.recordBridge("unknown", metrics.BridgeResultUntrusted)
		slog.Debug("bridge message from untrusted origin dropped",
			slog.String("client_id", clientID),
			slog.String("origin", req.Origin),
		)
		w.WriteHeader(http.StatusNoContent)
		return
	case errors.Is(err, bridge.ErrUnknownType):
		h.recordBridge("unknown", metrics.BridgeResultUnknown)
		slog.Warn("bridge message with unknown type rejected",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		middleware.WriteError(w, model.NewInvalidMessageError("unknown message type"))
		return
	case err != nil:
		h.recordBridge("unknown", metrics.BridgeResultInvalid)
		slog.Warn("invalid bridge message rejected",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		middleware.WriteError(w, model.NewInvalidMessageError("invalid payload"))
		return
	}

	// 3. リサイズ通知以外は中継の予算を消費する
	if _, resize := msg.(bridge.HeightMessage); !resize && h.limiter != nil && !h.limiter.AllowBridge(w, r) {
		h.recordBridge(msg.Type(), metrics.BridgeResultLimited)
		return
	}

	// 4. 認証コーディネーターで処理
	outcome, err := h.coordinator.HandleMessage(r.Context(), clientID, store, msg)
	if err != nil {
		h.recordBridge(msg.Type(), metrics.BridgeResultError)
		slog.Error("failed to handle bridge message",
			slog.String("client_id", clientID),
			slog.String("type", msg.Type()),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	h.recordBridge(msg.Type(), metrics.BridgeResultHandled)

	// 5. 遷移する場合は通知を遷移先に引き継ぐ
	resp := bridgeResponse{
		State:        string(outcome.State),
		Redirect:     outcome.Redirect,
		Notification: outcome.Notification,
		Height:       outcome.Height,
	}
	if outcome.Redirect != "" && outcome.Notification != nil {
		h.notifier.Add(w, r, outcome.Notification)
		resp.Notification = nil
	}

	middleware.WriteJSON(w, http.StatusOK, resp)
}

// LocalLogin はローカルAPIの資格情報でログインする。
// POST /login
func (h *AuthHandler) LocalLogin(w http.ResponseWriter, r *http.Request) {
	if h.credentials == nil {
		http.NotFound(w, r)
		return
	}
	clientID, store, ok := h.session(w, r)
	if !ok {
		return
	}

	// 1. 入力の検証
	creds := taskclient.Credentials{
		Username: strings.TrimSpace(r.PostFormValue("username")),
		Password: r.PostFormValue("password"),
	}
	if creds.Username == "" || creds.Password == "" {
		h.notifier.Add(w, r, &model.Notification{
			Level:   model.NotificationError,
			Title:   "Login Error",
			Message: "Please enter your username and password.",
		})
		http.Redirect(w, r, auth.LoginPath, http.StatusSeeOther)
		return
	}

	// 2. ローカルAPIでトークンを取得
	session, err := h.credentials.Login(r.Context(), creds)
	if err != nil {
		slog.Warn("local login failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		h.notifier.Add(w, r, notificationFromError("Login Error", err))
		http.Redirect(w, r, auth.LoginPath, http.StatusSeeOther)
		return
	}

	// 3. セッションを確立
	outcome, err := h.coordinator.SignIn(r.Context(), clientID, store, session)
	if err != nil {
		slog.Error("failed to establish session", slog.String("client_id", clientID), slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	h.notifier.Add(w, r, outcome.Notification)

	target := outcome.Redirect
	if target == "" {
		target = auth.LoginPath
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// Logout はセッションを破棄してログイン画面へ遷移する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	clientID, store, ok := h.session(w, r)
	if !ok {
		return
	}

	if err := h.coordinator.Logout(r.Context(), clientID, store); err != nil {
		// 失敗してもログイン画面へ遷移する
		slog.Error("failed to logout",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
	}

	h.notifier.Add(w, r, &model.Notification{
		Level:   model.NotificationInfo,
		Title:   "Logged Out",
		Message: "You have been logged out.",
	})
	http.Redirect(w, r, auth.LoginPath, http.StatusSeeOther)
}

// NotFound は未知のパスを認証状態に応じてタスク一覧またはログイン画面へ転送する。
func (h *AuthHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	res, _ := auth.ResolutionFromContext(r.Context())
	if res.Authenticated() {
		http.Redirect(w, r, auth.AuthenticatedPath, http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, auth.LoginPath, http.StatusSeeOther)
}

// renderAuthPage はAtlasを埋め込んだページを表示する。認証済みならタスク一覧へ遷移する。
func (h *AuthHandler) renderAuthPage(w http.ResponseWriter, r *http.Request, mode, title string) {
	if res, _ := auth.ResolutionFromContext(r.Context()); res.Authenticated() {
		http.Redirect(w, r, auth.AuthenticatedPath, http.StatusSeeOther)
		return
	}

	embedURL, err := bridge.EmbedURL(h.config.AtlasOrigin, mode, h.config.AtlasProjectID)
	if err != nil {
		slog.Error("failed to build embed URL", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	h.renderer.Render(w, http.StatusOK, view.PageAuth, view.AuthData{
		Page:       h.page(w, r, title),
		Mode:       mode,
		EmbedURL:   embedURL,
		LocalLogin: h.credentials != nil && mode == bridge.ModeLogin,
	})
}

// page は共通レイアウトのデータを組み立てる。通知はここで取り出される。
func (h *AuthHandler) page(w http.ResponseWriter, r *http.Request, title string) view.Page {
	return newPage(w, r, h.notifier, title)
}

// session はコンテキストからクライアントIDとトークンストアを取り出す。
// 取得できない場合は500を書き込みfalseを返す。
func (h *AuthHandler) session(w http.ResponseWriter, r *http.Request) (string, *tokenstore.Store, bool) {
	clientID, err := middleware.ClientIDFromContext(r.Context())
	if err != nil {
		slog.Error("client id missing from context", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return "", nil, false
	}
	store, ok := middleware.TokenStoreFromContext(r.Context())
	if !ok {
		slog.Error("token store missing from context", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return "", nil, false
	}
	return clientID, store, true
}

func (h *AuthHandler) recordBridge(messageType, result string) {
	if h.recorder != nil {
		h.recorder.RecordBridgeMessage(messageType, result)
	}
}

// newPage はレイアウト共通のデータを組み立てる。
func newPage(w http.ResponseWriter, r *http.Request, notifier Notifier, title string) view.Page {
	res, _ := auth.ResolutionFromContext(r.Context())
	return view.Page{
		Title:         title,
		CSRFToken:     middleware.CSRFTokenFromContext(r.Context()),
		Notifications: notifier.Pop(w, r),
		Authenticated: res.Authenticated(),
	}
}

// notificationFromError はエラーから失敗通知を生成する。
// *model.APIErrorはサーバーのメッセージを、それ以外は一般的なメッセージを表示する。
func notificationFromError(title string, err error) *model.Notification {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return model.NewErrorNotification(title, apiErr)
	}
	return &model.Notification{
		Level:   model.NotificationError,
		Title:   title,
		Message: "Something went wrong. Please try again.",
	}
}
