package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/hitoshi/taskdesk/internal/auth"
	"github.com/hitoshi/taskdesk/internal/flash"
	"github.com/hitoshi/taskdesk/internal/model"
	"github.com/hitoshi/taskdesk/internal/taskclient"
	"github.com/hitoshi/taskdesk/internal/tokenstore"
	"github.com/hitoshi/taskdesk/internal/view"
)

const (
	testAtlasOrigin = "https://atlas.example.com"
	testProjectID   = "proj-1"
)

// --- モック定義 ---

// memoryOpener は全リクエストで同じMemoryKVを返すOpener。
type memoryOpener struct {
	kv *tokenstore.MemoryKV
}

func (o *memoryOpener) Open(w http.ResponseWriter, r *http.Request, clientID string) tokenstore.KeyValue {
	return o.kv
}

// fakeTaskAPI はローカルREST APIのタスクエンドポイントをメモリ上で再現する。
type fakeTaskAPI struct {
	mu      sync.Mutex
	tasks   []model.Task
	nextID  int
	listErr error
	tokens  []string
}

func (f *fakeTaskAPI) seen(token string) {
	f.tokens = append(f.tokens, token)
}

func (f *fakeTaskAPI) List(ctx context.Context, accessToken string) ([]model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen(accessToken)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]model.Task(nil), f.tasks...), nil
}

func (f *fakeTaskAPI) Create(ctx context.Context, accessToken string, input model.TaskInput) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen(accessToken)
	f.nextID++
	task := model.Task{ID: strconv.Itoa(f.nextID)}
	if input.Title != nil {
		task.Title = *input.Title
	}
	if input.Completed != nil {
		task.Completed = *input.Completed
	}
	f.tasks = append(f.tasks, task)
	return &task, nil
}

func (f *fakeTaskAPI) Update(ctx context.Context, accessToken, id string, input model.TaskInput) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen(accessToken)
	for i := range f.tasks {
		if f.tasks[i].ID != id {
			continue
		}
		if input.Title != nil {
			f.tasks[i].Title = *input.Title
		}
		if input.Completed != nil {
			f.tasks[i].Completed = *input.Completed
		}
		task := f.tasks[i]
		return &task, nil
	}
	return nil, model.NewUpstreamError(http.StatusNotFound, "Not found.")
}

func (f *fakeTaskAPI) Delete(ctx context.Context, accessToken, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen(accessToken)
	for i := range f.tasks {
		if f.tasks[i].ID == id {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			return nil
		}
	}
	return model.NewUpstreamError(http.StatusNotFound, "Not found.")
}

func (f *fakeTaskAPI) snapshot() []model.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Task(nil), f.tasks...)
}

type mockProfileService struct {
	profileFn func(ctx context.Context, accessToken string) (*model.LocalUser, error)
}

func (m *mockProfileService) Profile(ctx context.Context, accessToken string) (*model.LocalUser, error) {
	if m.profileFn != nil {
		return m.profileFn(ctx, accessToken)
	}
	return &model.LocalUser{ID: "1", Username: "alice"}, nil
}

type mockLinker struct {
	mu         sync.Mutex
	calls      int
	registerFn func(ctx context.Context, user model.User) (*model.LocalUser, error)
}

func (m *mockLinker) Register(ctx context.Context, user model.User) (*model.LocalUser, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.registerFn != nil {
		return m.registerFn(ctx, user)
	}
	return &model.LocalUser{ID: "1", Username: user.Username, Email: user.Email, ExternalID: user.ExternalID}, nil
}

func (m *mockLinker) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockCredentials struct {
	calls   int
	loginFn func(ctx context.Context, creds taskclient.Credentials) (*model.Session, error)
}

func (m *mockCredentials) Login(ctx context.Context, creds taskclient.Credentials) (*model.Session, error) {
	m.calls++
	if m.loginFn != nil {
		return m.loginFn(ctx, creds)
	}
	return nil, model.NewUpstreamError(http.StatusUnauthorized, "Invalid credentials.")
}

// --- テスト環境 ---

// testEnv は実際のルーターをhttptest.Serverで起動し、Cookieを保持するクライアントで操作する。
type testEnv struct {
	t           *testing.T
	server      *httptest.Server
	client      *http.Client
	kv          *tokenstore.MemoryKV
	tracker     *auth.Tracker
	tasks       *fakeTaskAPI
	profiles    *mockProfileService
	linker      *mockLinker
	credentials *mockCredentials
}

// newTestEnv はテスト環境を起動する。optsでルーターの依存関係を差し替えられる。
func newTestEnv(t *testing.T, opts ...func(*RouterDeps)) *testEnv {
	t.Helper()

	renderer, err := view.New()
	if err != nil {
		t.Fatalf("view.New() error: %v", err)
	}

	env := &testEnv{
		t:           t,
		kv:          tokenstore.NewMemoryKV(),
		tracker:     auth.NewTracker(auth.DefaultTrackerConfig()),
		tasks:       &fakeTaskAPI{},
		profiles:    &mockProfileService{},
		linker:      &mockLinker{},
		credentials: &mockCredentials{},
	}
	t.Cleanup(env.tracker.Stop)

	coordinator := auth.NewCoordinator(env.linker, env.tracker, nil, nil)
	deps := &RouterDeps{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		StoreOpener:    &memoryOpener{kv: env.kv},
		Resolver:       coordinator,
		RequiredRole:   model.RoleNone,
		Coordinator:    coordinator,
		Credentials:    env.credentials,
		AuthConfig:     AuthHandlerConfig{AtlasOrigin: testAtlasOrigin, AtlasProjectID: testProjectID},
		TaskService:    env.tasks,
		ProfileService: env.profiles,
		Renderer:       renderer,
		Notifier:       flash.New(false, ""),
	}
	for _, opt := range opts {
		opt(deps)
	}

	env.server = httptest.NewServer(NewRouter(deps))
	t.Cleanup(env.server.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New() error: %v", err)
	}
	env.client = &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return env
}

// makeToken は署名を検証しないデコーダー向けのJWTを生成する。
func makeToken(exp time.Time, role string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims := `{"exp":` + strconv.FormatInt(exp.Unix(), 10)
	if role != "" {
		claims += `,"role":"` + role + `"`
	}
	claims += `}`
	return header + "." + base64.RawURLEncoding.EncodeToString([]byte(claims)) + ".sig"
}

// signIn は有効なセッションを保存済みの状態にする。
func (e *testEnv) signIn() string {
	e.t.Helper()
	access := makeToken(time.Now().Add(time.Hour), "")
	e.storeTokens(access, "refresh-token")
	return access
}

func (e *testEnv) storeTokens(access, refresh string) {
	e.t.Helper()
	ctx := context.Background()
	if err := e.kv.Set(ctx, tokenstore.KeyAccessToken, access); err != nil {
		e.t.Fatalf("kv.Set() error: %v", err)
	}
	if err := e.kv.Set(ctx, tokenstore.KeyRefreshToken, refresh); err != nil {
		e.t.Fatalf("kv.Set() error: %v", err)
	}
}

func (e *testEnv) storedAccessToken() string {
	e.t.Helper()
	v, err := e.kv.Get(context.Background(), tokenstore.KeyAccessToken)
	if err != nil {
		e.t.Fatalf("kv.Get() error: %v", err)
	}
	return v
}

func (e *testEnv) do(req *http.Request) (*http.Response, string) {
	e.t.Helper()
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s error: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("failed to read response body: %v", err)
	}
	return resp, string(body)
}

func (e *testEnv) get(path string) (*http.Response, string) {
	e.t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	if err != nil {
		e.t.Fatalf("NewRequest error: %v", err)
	}
	return e.do(req)
}

// postForm はCSRFトークンをフォームフィールドに含めてPOSTする。
func (e *testEnv) postForm(path string, form url.Values) (*http.Response, string) {
	e.t.Helper()
	if form == nil {
		form = url.Values{}
	}
	form.Set("csrf_token", e.csrfToken())
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, strings.NewReader(form.Encode()))
	if err != nil {
		e.t.Fatalf("NewRequest error: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req)
}

// postBridge はブラウザの中継スクリプトと同じ形式でブリッジメッセージを送る。
func (e *testEnv) postBridge(origin string, data any) (*http.Response, string) {
	e.t.Helper()
	raw, err := json.Marshal(map[string]any{"origin": origin, "data": data})
	if err != nil {
		e.t.Fatalf("json.Marshal error: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/auth/bridge", strings.NewReader(string(raw)))
	if err != nil {
		e.t.Fatalf("NewRequest error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", e.csrfToken())
	return e.do(req)
}

// csrfToken はCookieJarのCSRFトークンを返す。無ければ取得エンドポイントから発行を受ける。
func (e *testEnv) csrfToken() string {
	e.t.Helper()
	if v := e.cookie("csrf_token"); v != "" {
		return v
	}
	resp, body := e.get("/api/csrf-token")
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("GET /api/csrf-token status = %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		e.t.Fatalf("failed to decode csrf token: %v", err)
	}
	return out["token"]
}

func (e *testEnv) cookie(name string) string {
	u, _ := url.Parse(e.server.URL)
	for _, c := range e.client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// --- HTMLヘルパー ---

func parseHTML(t *testing.T, body string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to parse HTML: %v", err)
	}
	return doc
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var found []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && match(n) {
			found = append(found, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return found
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// shownNotifications はページに表示された通知を返す。
func shownNotifications(t *testing.T, body string) []model.Notification {
	t.Helper()
	var list []model.Notification
	for _, n := range findAll(parseHTML(t, body), func(n *html.Node) bool { return hasClass(n, "notification") }) {
		item := model.Notification{}
		for _, level := range []model.NotificationLevel{model.NotificationSuccess, model.NotificationError, model.NotificationInfo} {
			if hasClass(n, "notification-"+string(level)) {
				item.Level = level
			}
		}
		if strong := findAll(n, func(c *html.Node) bool { return c.Data == "strong" }); len(strong) > 0 {
			item.Title = textOf(strong[0])
		}
		if span := findAll(n, func(c *html.Node) bool { return c.Data == "span" }); len(span) > 0 {
			item.Message = textOf(span[0])
		}
		list = append(list, item)
	}
	return list
}

// shownTasks はページに表示されたタスクのIDとタイトルを返す。
func shownTasks(t *testing.T, body string) []model.Task {
	t.Helper()
	var tasks []model.Task
	for _, li := range findAll(parseHTML(t, body), func(n *html.Node) bool { return hasClass(n, "task") }) {
		task := model.Task{ID: attr(li, "data-task-id"), Completed: hasClass(li, "completed")}
		if title := findAll(li, func(n *html.Node) bool { return hasClass(n, "title") && n.Data == "span" }); len(title) > 0 {
			task.Title = textOf(title[0])
		}
		tasks = append(tasks, task)
	}
	return tasks
}
