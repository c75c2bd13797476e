// Package atlas はAtlas（外部IdP）のユーザーAPIクライアントを提供する。
package atlas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/taskdesk/internal/model"
)

// DefaultAPIURL はAtlas APIのデフォルトのベースURL。
const DefaultAPIURL = "https://atlas.appweb.space/api"

// maxResponseSize はレスポンスボディの読み取り上限。
const maxResponseSize = 1 << 20

// Client はAtlasユーザーAPIのクライアント。
// httpClientにはSSRF対策済みのクライアントを渡す。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type meResponse struct {
	ID       json.Number `json:"id"`
	Login    string      `json:"login"`
	Username string      `json:"username"`
	Email    string      `json:"email"`
	Role     string      `json:"role"`
	Status   string      `json:"status"`
}

// Me はアクセストークンに紐づくAtlasユーザーを取得する。
func (c *Client) Me(ctx context.Context, accessToken string) (*model.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/user/me", nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Atlas APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("atlas me: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Atlas APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		var er struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(body, &er)
		return nil, model.NewUpstreamError(resp.StatusCode, er.Detail)
	}

	var me meResponse
	if err := json.Unmarshal(body, &me); err != nil {
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}

	username := me.Username
	if username == "" {
		username = me.Login
	}
	return &model.User{
		ExternalID: me.ID.String(),
		Email:      me.Email,
		Username:   username,
		Role:       model.Role(me.Role),
	}, nil
}
