// Package taskclient はローカルREST API（ユーザー登録・プロフィール・タスクCRUD）のクライアントを提供する。
// 各操作はベアラートークン付きの1回のHTTPリクエストで、リトライは行わない。
package taskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/taskdesk/internal/model"
)

// maxErrorBodySize はエラーレスポンスとして読み取るボディの上限。
const maxErrorBodySize = 64 * 1024

// Recorder はAPI呼び出しの結果を記録するメトリクスのインターフェース。
type Recorder interface {
	RecordAPIRequest(operation string, statusCode int, duration time.Duration)
}

// Client はローカルREST APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	recorder   Recorder
}

// NewClient はClientの新しいインスタンスを生成する。recorderはnilでもよい。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL string, recorder Recorder) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		recorder:   recorder,
	}
}

// Credentials は/loginに送る資格情報。
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// --- ワイヤーフォーマット ---

type taskPayload struct {
	Title     *string `json:"title,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
}

type taskResponse struct {
	ID        json.RawMessage `json:"id"`
	Title     string          `json:"title"`
	Completed bool            `json:"completed"`
}

type registerPayload struct {
	ExternalUserID json.RawMessage `json:"external_user_id"`
	Email          string          `json:"email"`
	Username       string          `json:"username"`
}

type userResponse struct {
	ID             json.RawMessage `json:"id"`
	Username       string          `json:"username"`
	Email          string          `json:"email"`
	ExternalUserID json.RawMessage `json:"external_user_id"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// errorResponse はFastAPI形式のエラーボディ。
type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// Register は外部IDとメールアドレスでローカルユーザーを登録またはリンクする（冪等）。
func (c *Client) Register(ctx context.Context, user model.User) (*model.LocalUser, error) {
	payload := registerPayload{
		ExternalUserID: externalIDJSON(user.ExternalID),
		Email:          user.Email,
		Username:       user.Username,
	}
	var resp userResponse
	if err := c.do(ctx, "register", http.MethodPost, "/register", "", payload, &resp); err != nil {
		return nil, err
	}
	return resp.toLocalUser(), nil
}

// Login はローカルAPIの資格情報でトークンを取得する。
func (c *Client) Login(ctx context.Context, creds Credentials) (*model.Session, error) {
	var resp tokenResponse
	if err := c.do(ctx, "login", http.MethodPost, "/login", "", creds, &resp); err != nil {
		return nil, err
	}
	return &model.Session{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}, nil
}

// Profile はトークンに紐づくローカルユーザーを取得する。
func (c *Client) Profile(ctx context.Context, accessToken string) (*model.LocalUser, error) {
	var resp userResponse
	if err := c.do(ctx, "profile", http.MethodGet, "/profile", accessToken, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toLocalUser(), nil
}

// List はユーザーのタスク一覧を取得する。
func (c *Client) List(ctx context.Context, accessToken string) ([]model.Task, error) {
	var resp []taskResponse
	if err := c.do(ctx, "list_tasks", http.MethodGet, "/tasks", accessToken, nil, &resp); err != nil {
		return nil, err
	}
	tasks := make([]model.Task, 0, len(resp))
	for _, t := range resp {
		tasks = append(tasks, t.toTask())
	}
	return tasks, nil
}

// Create はタスクを作成する。
func (c *Client) Create(ctx context.Context, accessToken string, input model.TaskInput) (*model.Task, error) {
	var resp taskResponse
	if err := c.do(ctx, "create_task", http.MethodPost, "/tasks", accessToken, toPayload(input), &resp); err != nil {
		return nil, err
	}
	task := resp.toTask()
	return &task, nil
}

// Update はタスクを部分更新する。inputのnilのフィールドは送信しない。
func (c *Client) Update(ctx context.Context, accessToken, id string, input model.TaskInput) (*model.Task, error) {
	var resp taskResponse
	if err := c.do(ctx, "update_task", http.MethodPut, "/tasks/"+url.PathEscape(id), accessToken, toPayload(input), &resp); err != nil {
		return nil, err
	}
	task := resp.toTask()
	return &task, nil
}

// Delete はタスクを削除する。
func (c *Client) Delete(ctx context.Context, accessToken, id string) error {
	return c.do(ctx, "delete_task", http.MethodDelete, "/tasks/"+url.PathEscape(id), accessToken, nil, nil)
}

// do はリクエストを1回送信し、2xxならoutにデコードする。
// 2xx以外はサーバーのメッセージを持つ*model.APIErrorを返す。
func (c *Client) do(ctx context.Context, operation, method, path, accessToken string, in, out any) error {
	// 1. リクエスト作成
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	// 2. リクエスト実行
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(operation, 0, time.Since(start))
		c.logger.Error("ローカルAPIの呼び出しに失敗しました",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%s: %w", operation, err)
	}
	defer resp.Body.Close()
	c.record(operation, resp.StatusCode, time.Since(start))

	// 3. ステータスチェック
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := model.NewUpstreamError(resp.StatusCode, readDetail(resp.Body))
		c.logger.Warn("ローカルAPIがエラーステータスを返しました",
			slog.String("operation", operation),
			slog.Int("http_status", resp.StatusCode),
			slog.String("detail", apiErr.Message),
		)
		return apiErr
	}

	// 4. レスポンスのデコード
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

func (c *Client) record(operation string, status int, d time.Duration) {
	if c.recorder != nil {
		c.recorder.RecordAPIRequest(operation, status, d)
	}
}

// readDetail はエラーボディからdetailを取り出す。
// detailが文字列以外（バリデーションエラーの配列など）の場合は先頭要素のmsgを使う。
func readDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err != nil || len(er.Detail) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(er.Detail, &s); err == nil {
		return s
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(er.Detail, &items); err == nil && len(items) > 0 {
		return items[0].Msg
	}
	return ""
}

func toPayload(input model.TaskInput) taskPayload {
	return taskPayload{Title: input.Title, Completed: input.Completed}
}

func (t taskResponse) toTask() model.Task {
	return model.Task{ID: rawID(t.ID), Title: t.Title, Completed: t.Completed}
}

func (u userResponse) toLocalUser() *model.LocalUser {
	return &model.LocalUser{
		ID:         rawID(u.ID),
		Username:   u.Username,
		Email:      u.Email,
		ExternalID: rawID(u.ExternalUserID),
	}
}

// externalIDJSON は数値のIDを数値として、それ以外を文字列としてエンコードする。
func externalIDJSON(id string) json.RawMessage {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil && strconv.FormatInt(n, 10) == id {
		return json.RawMessage(id)
	}
	quoted, _ := json.Marshal(id)
	return quoted
}

// rawID は数値または文字列のIDを文字列に変換する。
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
