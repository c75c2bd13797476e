// Package view はHTMLテンプレートの描画を提供する。
// テンプレートはバイナリに埋め込み、起動時に1回だけパースする。
package view

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hitoshi/taskdesk/internal/model"
)

//go:embed templates/*.html
var templatesFS embed.FS

// ページ名
const (
	PageHome    = "home"
	PageAuth    = "auth"
	PageTasks   = "tasks"
	PageLoading = "loading"
)

var pageNames = []string{PageHome, PageAuth, PageTasks, PageLoading}

// Page は全ページ共通のレイアウトデータ。
type Page struct {
	Title         string
	CSRFToken     string
	Notifications []model.Notification
	Authenticated bool
	// RefreshSeconds が正の場合、その秒数後にページを再読み込みする。
	RefreshSeconds int
}

// HomeData はトップページのデータ。
type HomeData struct {
	Page
}

// AuthData はAtlasを埋め込むログイン・登録ページのデータ。
type AuthData struct {
	Page
	Mode     string // login または register
	EmbedURL string
	// LocalLogin はローカルAPIの資格情報ログインフォームを表示するか。
	LocalLogin bool
}

// TasksData はタスク一覧ページのデータ。
type TasksData struct {
	Page
	Username string
	Tasks    []model.Task
	// EditID は編集フォームを開いているタスクのID。
	EditID string
}

// LoadingData は認証状態の確認中に表示するプレースホルダーのデータ。
type LoadingData struct {
	Page
}

// Renderer はページごとにパース済みのテンプレートを保持する。
type Renderer struct {
	pages map[string]*template.Template
}

// New は埋め込みテンプレートをパースしてRendererを生成する。
func New() (*Renderer, error) {
	r := &Renderer{pages: make(map[string]*template.Template, len(pageNames))}
	for _, name := range pageNames {
		t, err := template.New(name).ParseFS(templatesFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.pages[name] = t
	}
	return r, nil
}

// Render はページを描画してレスポンスに書き込む。
// 描画に失敗した場合は何も書き込まずに500を返す。
func (r *Renderer) Render(w http.ResponseWriter, status int, name string, data any) {
	t, ok := r.pages[name]
	if !ok {
		slog.Error("unknown page", slog.String("page", name))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		slog.Error("failed to render page",
			slog.String("page", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}
