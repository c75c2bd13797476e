package tokenstore

import (
	"context"
	"net/http"
	"sync"

	"github.com/hitoshi/taskdesk/internal/repository"
)

// Opener はリクエストごとにKeyValueを開く。
// clientIDはブラウザを識別するIDで、ミドルウェアが発行する。
type Opener interface {
	Open(w http.ResponseWriter, r *http.Request, clientID string) KeyValue
}

// --- Cookie ---

// CookieConfig はトークンCookieの属性。
type CookieConfig struct {
	Domain string
	Secure bool
	MaxAge int // 秒
}

// CookieOpener はHTTP Only Cookieをストレージとして使用する。
type CookieOpener struct {
	config CookieConfig
}

// NewCookieOpener はCookieOpenerを生成する。
func NewCookieOpener(config CookieConfig) *CookieOpener {
	if config.MaxAge == 0 {
		config.MaxAge = 30 * 24 * 60 * 60
	}
	return &CookieOpener{config: config}
}

// Open はリクエストのCookieを読み、レスポンスにCookieを書き込むKeyValueを返す。
func (o *CookieOpener) Open(w http.ResponseWriter, r *http.Request, clientID string) KeyValue {
	return &CookieKV{
		w:       w,
		r:       r,
		config:  o.config,
		pending: make(map[string]*string),
	}
}

// CookieKV はCookieを使ったKeyValue。
// 同一リクエスト内での書き込みは以降の読み出しに反映される。
type CookieKV struct {
	w      http.ResponseWriter
	r      *http.Request
	config CookieConfig

	mu      sync.Mutex
	pending map[string]*string // nilは削除済み
}

// Get はCookieの値を返す。
func (kv *CookieKV) Get(ctx context.Context, key string) (string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if v, ok := kv.pending[key]; ok {
		if v == nil {
			return "", nil
		}
		return *v, nil
	}
	c, err := kv.r.Cookie(key)
	if err != nil {
		return "", nil
	}
	return c.Value, nil
}

// Set はCookieを設定する。
func (kv *CookieKV) Set(ctx context.Context, key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.pending[key] = &value
	http.SetCookie(kv.w, &http.Cookie{
		Name:     key,
		Value:    value,
		Path:     "/",
		Domain:   kv.config.Domain,
		MaxAge:   kv.config.MaxAge,
		HttpOnly: true,
		Secure:   kv.config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Delete はCookieを失効させる。
func (kv *CookieKV) Delete(ctx context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.pending[key] = nil
	http.SetCookie(kv.w, &http.Cookie{
		Name:     key,
		Value:    "",
		Path:     "/",
		Domain:   kv.config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   kv.config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// --- Repository ---

// RepositoryOpener はClientStorageRepositoryをストレージとして使用する。
type RepositoryOpener struct {
	repo repository.ClientStorageRepository
}

// NewRepositoryOpener はRepositoryOpenerを生成する。
func NewRepositoryOpener(repo repository.ClientStorageRepository) *RepositoryOpener {
	return &RepositoryOpener{repo: repo}
}

// Open はクライアントIDにスコープしたKeyValueを返す。
func (o *RepositoryOpener) Open(w http.ResponseWriter, r *http.Request, clientID string) KeyValue {
	return &RepositoryKV{repo: o.repo, clientID: clientID}
}

// RepositoryKV はクライアントIDにスコープしたリポジトリのKeyValue。
type RepositoryKV struct {
	repo     repository.ClientStorageRepository
	clientID string
}

// Get は値を返す。
func (kv *RepositoryKV) Get(ctx context.Context, key string) (string, error) {
	v, _, err := kv.repo.Get(ctx, kv.clientID, key)
	return v, err
}

// Set は値を保存する。
func (kv *RepositoryKV) Set(ctx context.Context, key, value string) error {
	return kv.repo.Set(ctx, kv.clientID, key, value)
}

// Delete は値を削除する。
func (kv *RepositoryKV) Delete(ctx context.Context, key string) error {
	return kv.repo.Delete(ctx, kv.clientID, key)
}

// --- Memory ---

// MemoryKV はテスト用のインメモリKeyValue。
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryKV はMemoryKVを生成する。
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

// Get は値を返す。
func (kv *MemoryKV) Get(ctx context.Context, key string) (string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.values[key], nil
}

// Set は値を保存する。
func (kv *MemoryKV) Set(ctx context.Context, key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.values[key] = value
	return nil
}

// Delete は値を削除する。
func (kv *MemoryKV) Delete(ctx context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.values, key)
	return nil
}

// Len は保存されているキーの数を返す。
func (kv *MemoryKV) Len() int {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return len(kv.values)
}

// compile-time interface check
var (
	_ KeyValue = (*CookieKV)(nil)
	_ KeyValue = (*RepositoryKV)(nil)
	_ KeyValue = (*MemoryKV)(nil)
	_ Opener   = (*CookieOpener)(nil)
	_ Opener   = (*RepositoryOpener)(nil)
)
