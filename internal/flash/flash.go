// Package flash はリダイレクトをまたいで一度だけ表示する通知をCookieで受け渡す。
package flash

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/hitoshi/taskdesk/internal/model"
)

// CookieName は通知を保持するCookie名。
const CookieName = "flash"

const (
	// maxNotifications は1つのCookieに保持する通知の上限。
	maxNotifications = 5
	// maxTitleLength と maxMessageLength は通知1件あたりの最大文字数。
	maxTitleLength   = 100
	maxMessageLength = 300
	// maxCookieValue はブラウザの上限（4096バイト）に名前と属性の余裕を残したCookie値の上限。
	maxCookieValue = 3500
)

// Flasher は通知Cookieの読み書きを行う。
type Flasher struct {
	secure bool
	domain string
}

// New はFlasherを生成する。
func New(secure bool, domain string) *Flasher {
	return &Flasher{secure: secure, domain: domain}
}

// Add は通知を追加する。リクエストに既存の通知があれば引き継ぐ。
func (f *Flasher) Add(w http.ResponseWriter, r *http.Request, n *model.Notification) {
	if n == nil {
		return
	}
	item := *n
	item.Title = truncate(item.Title, maxTitleLength)
	item.Message = truncate(item.Message, maxMessageLength)

	list := append(decode(r), item)
	if len(list) > maxNotifications {
		list = list[len(list)-maxNotifications:]
	}

	// 上限に収まるまで古い通知から捨てる
	var value string
	for {
		raw, err := json.Marshal(list)
		if err != nil {
			slog.Error("通知のエンコードに失敗しました", slog.String("error", err.Error()))
			return
		}
		value = base64.RawURLEncoding.EncodeToString(raw)
		if len(value) <= maxCookieValue || len(list) == 1 {
			break
		}
		list = list[1:]
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Domain:   f.domain,
		HttpOnly: true,
		Secure:   f.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Pop はリクエストの通知を取り出し、Cookieを削除する。
func (f *Flasher) Pop(w http.ResponseWriter, r *http.Request) []model.Notification {
	list := decode(r)
	if _, err := r.Cookie(CookieName); err == nil {
		http.SetCookie(w, &http.Cookie{
			Name:     CookieName,
			Value:    "",
			Path:     "/",
			Domain:   f.domain,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   f.secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return list
}

// decode は通知Cookieをデコードする。壊れた値は無視する。
func decode(r *http.Request) []model.Notification {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return nil
	}
	var list []model.Notification
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	return list
}

// truncate はsをlimit文字までに切り詰める。
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "…"
}
