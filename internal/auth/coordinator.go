package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/hitoshi/taskdesk/internal/bridge"
	"github.com/hitoshi/taskdesk/internal/model"
	"github.com/hitoshi/taskdesk/internal/token"
	"github.com/hitoshi/taskdesk/internal/tokenstore"
)

// 遷移先のパス
const (
	AuthenticatedPath = "/tasks"
	LoginPath         = "/login"
)

// Linker はローカルREST APIのregister-or-link呼び出しのインターフェース。
// 外部IDとメールアドレスをキーに冪等に動作する。
type Linker interface {
	Register(ctx context.Context, user model.User) (*model.LocalUser, error)
}

// TextSanitizer は外部から受け取ったテキストを表示用に無害化する。
type TextSanitizer interface {
	SanitizeText(raw string) string
}

// Recorder は認証状態の遷移を記録するメトリクスのインターフェース。
type Recorder interface {
	RecordAuthTransition(state, reason string)
}

// 遷移理由
const (
	ReasonURLHandoff      = "url_handoff"
	ReasonSessionExpired  = "session_expired"
	ReasonAuthSuccess     = "auth_success"
	ReasonRegisterSuccess = "register_success"
	ReasonLinkFailed      = "link_failed"
	ReasonLocalLogin      = "local_login"
	ReasonLogout          = "logout"
)

// Outcome はブリッジメッセージ処理の結果。
type Outcome struct {
	// State は遷移後の状態。空文字列の場合は遷移しない。
	State        State
	Redirect     string
	Notification *model.Notification
	// Height はiframeのリサイズ要求の高さ（ピクセル）。
	Height int
}

// Coordinator は認証状態の解決とブリッジメッセージの処理を行う。
type Coordinator struct {
	linker    Linker
	tracker   *Tracker
	sanitizer TextSanitizer
	recorder  Recorder
	now       func() time.Time
}

// NewCoordinator はCoordinatorを生成する。sanitizerとrecorderはnilでもよい。
func NewCoordinator(linker Linker, tracker *Tracker, sanitizer TextSanitizer, recorder Recorder) *Coordinator {
	return &Coordinator{
		linker:    linker,
		tracker:   tracker,
		sanitizer: sanitizer,
		recorder:  recorder,
		now:       time.Now,
	}
}

// Resolve はリクエスト時点の認証状態を解決する。
//
//  1. URLに access_token と refresh_token の両方があれば保存して authenticated とし、
//     パラメータを除いたURLをCleanURLに設定する
//  2. 同一クライアントのregister-or-link呼び出しが進行中なら checking
//  3. 保存済みセッションが有効なら authenticated、期限切れなら削除して unauthenticated
//  4. セッションが無ければ unauthenticated
func (c *Coordinator) Resolve(ctx context.Context, clientID string, store *tokenstore.Store, u *url.URL) (*Resolution, error) {
	res := &Resolution{State: StateChecking}

	// 1. URLによるトークン受け渡し
	if u != nil {
		q := u.Query()
		if q.Has(tokenstore.KeyAccessToken) || q.Has(tokenstore.KeyRefreshToken) {
			res.CleanURL = stripTokens(u)
		}
		access, refresh := q.Get(tokenstore.KeyAccessToken), q.Get(tokenstore.KeyRefreshToken)
		if access != "" && refresh != "" {
			if err := store.Save(ctx, &model.Session{AccessToken: access, RefreshToken: refresh}); err != nil {
				return nil, fmt.Errorf("failed to save handed-off tokens: %w", err)
			}
			session, err := store.Load(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to reload handed-off session: %w", err)
			}
			res.State = StateAuthenticated
			res.Session = session
			c.record(res.State, ReasonURLHandoff)
			slog.Info("session established from url handoff",
				slog.String("client_id", clientID),
			)
			return res, nil
		}
	}

	// 2. register-or-link呼び出し中
	if c.tracker != nil && c.tracker.InFlight(clientID) {
		return res, nil
	}

	// 3. 保存済みセッションの確認
	session, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		res.State = StateUnauthenticated
		return res, nil
	}
	if !session.ValidAt(c.now()) {
		if err := store.Clear(ctx); err != nil {
			return nil, fmt.Errorf("failed to clear expired session: %w", err)
		}
		res.State = StateUnauthenticated
		c.record(res.State, ReasonSessionExpired)
		slog.Info("stored session expired or invalid, cleared",
			slog.String("client_id", clientID),
		)
		return res, nil
	}

	res.State = StateAuthenticated
	res.Session = session
	return res, nil
}

// HandleMessage は信頼済みオリジンからのブリッジメッセージを処理する。
// 返すエラーはトークンストアの障害のみで、ユーザー向けの失敗はOutcome.Notificationで表す。
func (c *Coordinator) HandleMessage(ctx context.Context, clientID string, store *tokenstore.Store, msg bridge.Message) (*Outcome, error) {
	switch m := msg.(type) {
	case bridge.HeightMessage:
		return &Outcome{Height: m.Height}, nil
	case bridge.AuthSuccessMessage:
		return c.authenticate(ctx, clientID, store, m.Tokens, m.User, ReasonAuthSuccess)
	case bridge.RegisterSuccessMessage:
		return c.handleRegister(ctx, clientID, store, m)
	case bridge.AuthErrorMessage:
		description := m.Description
		if c.sanitizer != nil {
			description = c.sanitizer.SanitizeText(description)
		}
		if description == "" {
			description = "Authentication failed. Please try again."
		}
		slog.Warn("identity provider reported an error",
			slog.String("client_id", clientID),
			slog.String("error", description),
		)
		return &Outcome{Notification: &model.Notification{
			Level:   model.NotificationError,
			Title:   "Authentication Error",
			Message: description,
		}}, nil
	default:
		return nil, fmt.Errorf("%w: %T", bridge.ErrUnknownType, msg)
	}
}

// SignIn はローカルAPIの資格情報ログインで取得したトークンでセッションを確立する。
// 受け取ったトークンが期限切れまたは解釈できない場合は保存せずに unauthenticated のままとする。
func (c *Coordinator) SignIn(ctx context.Context, clientID string, store *tokenstore.Store, session *model.Session) (*Outcome, error) {
	if session == nil || session.AccessToken == "" || session.RefreshToken == "" {
		return &Outcome{Notification: model.NewErrorNotification("Login Error", model.NewTokensMissingError())}, nil
	}
	if !token.IsValid(session.AccessToken, c.now()) {
		slog.Warn("local login returned an unusable access token", slog.String("client_id", clientID))
		return &Outcome{Notification: model.NewErrorNotification("Login Error", model.NewTokensMissingError())}, nil
	}

	if err := store.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save tokens: %w", err)
	}

	c.record(StateAuthenticated, ReasonLocalLogin)
	return &Outcome{
		State:    StateAuthenticated,
		Redirect: AuthenticatedPath,
		Notification: &model.Notification{
			Level:   model.NotificationSuccess,
			Title:   "Login Successful",
			Message: "Welcome!",
		},
	}, nil
}

// Logout はセッションを破棄する。未ログインでもエラーにしない。
func (c *Coordinator) Logout(ctx context.Context, clientID string, store *tokenstore.Store) error {
	if err := store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	if c.tracker != nil {
		c.tracker.Forget(clientID)
	}
	c.record(StateUnauthenticated, ReasonLogout)
	return nil
}

// handleRegister は登録完了メッセージを処理する。
// トークン付きならログイン成功と同じ扱い、トークン無しならリンク後にログイン画面へ誘導する。
func (c *Coordinator) handleRegister(ctx context.Context, clientID string, store *tokenstore.Store, m bridge.RegisterSuccessMessage) (*Outcome, error) {
	if !m.User.Linkable() {
		slog.Warn("registration message without usable user data",
			slog.String("client_id", clientID),
		)
		return &Outcome{Notification: model.NewErrorNotification("Registration Error", model.NewUserDataMissingError())}, nil
	}
	if m.Tokens.Complete() {
		return c.authenticate(ctx, clientID, store, m.Tokens, m.User, ReasonRegisterSuccess)
	}

	if err := c.link(ctx, clientID, *m.User); err != nil {
		return &Outcome{Notification: model.NewErrorNotification("Registration Error", model.NewLinkFailedError(err))}, nil
	}
	return &Outcome{
		Redirect: LoginPath,
		Notification: &model.Notification{
			Level:   model.NotificationSuccess,
			Title:   "Registration Successful",
			Message: "Your account has been created. Please log in.",
		},
	}, nil
}

// authenticate はトークンを保存し、ユーザー情報があればregister-or-linkを行ってから
// authenticated へ遷移する。リンクに失敗した場合は保存したトークンを削除して
// unauthenticated へ戻す。
func (c *Coordinator) authenticate(ctx context.Context, clientID string, store *tokenstore.Store, tokens *bridge.Tokens, user *model.User, reason string) (*Outcome, error) {
	// 1. トークンの確認と保存
	if !tokens.Complete() {
		slog.Warn("auth message without tokens", slog.String("client_id", clientID))
		return &Outcome{Notification: model.NewErrorNotification("Authentication Error", model.NewTokensMissingError())}, nil
	}
	session := &model.Session{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken}
	if err := store.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save tokens: %w", err)
	}

	// 2. ユーザー情報があればローカルレコードと照合する（再ログイン時は省略）
	if user.Linkable() {
		if err := c.link(ctx, clientID, *user); err != nil {
			if clearErr := store.Clear(ctx); clearErr != nil {
				return nil, fmt.Errorf("failed to roll back tokens: %w", clearErr)
			}
			c.record(StateUnauthenticated, ReasonLinkFailed)
			return &Outcome{
				State:        StateUnauthenticated,
				Notification: model.NewErrorNotification("Login/Registration Error", model.NewLinkFailedError(err)),
			}, nil
		}
	} else {
		slog.Debug("no user data in auth message, skipping link", slog.String("client_id", clientID))
	}

	// 3. 認証済みへ遷移
	c.record(StateAuthenticated, reason)
	return &Outcome{
		State:    StateAuthenticated,
		Redirect: AuthenticatedPath,
		Notification: &model.Notification{
			Level:   model.NotificationSuccess,
			Title:   "Login Successful",
			Message: "Welcome!",
		},
	}, nil
}

// link はregister-or-link呼び出しを行う。呼び出し中はTrackerに記録する。
func (c *Coordinator) link(ctx context.Context, clientID string, user model.User) error {
	if c.tracker != nil {
		c.tracker.Begin(clientID)
		defer c.tracker.End(clientID)
	}

	local, err := c.linker.Register(ctx, user)
	if err != nil {
		slog.Error("register-or-link failed",
			slog.String("client_id", clientID),
			slog.String("external_user_id", user.ExternalID),
			slog.String("error", err.Error()),
		)
		return err
	}
	if local != nil {
		slog.Info("local user linked",
			slog.String("client_id", clientID),
			slog.String("user_id", local.ID),
		)
	}
	return nil
}

func (c *Coordinator) record(state State, reason string) {
	if c.recorder != nil {
		c.recorder.RecordAuthTransition(string(state), reason)
	}
}

// stripTokens はトークンパラメータを取り除いたURLのコピーを返す。
func stripTokens(u *url.URL) *url.URL {
	clean := *u
	q := clean.Query()
	q.Del(tokenstore.KeyAccessToken)
	q.Del(tokenstore.KeyRefreshToken)
	clean.RawQuery = q.Encode()
	clean.ForceQuery = false
	return &clean
}
