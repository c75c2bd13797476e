package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/taskdesk/internal/atlas"
	"github.com/hitoshi/taskdesk/internal/auth"
	"github.com/hitoshi/taskdesk/internal/config"
	"github.com/hitoshi/taskdesk/internal/database"
	"github.com/hitoshi/taskdesk/internal/flash"
	"github.com/hitoshi/taskdesk/internal/handler"
	"github.com/hitoshi/taskdesk/internal/logger"
	"github.com/hitoshi/taskdesk/internal/metrics"
	"github.com/hitoshi/taskdesk/internal/middleware"
	"github.com/hitoshi/taskdesk/internal/model"
	"github.com/hitoshi/taskdesk/internal/repository"
	"github.com/hitoshi/taskdesk/internal/security"
	"github.com/hitoshi/taskdesk/internal/taskclient"
	"github.com/hitoshi/taskdesk/internal/tokenstore"
	"github.com/hitoshi/taskdesk/internal/user"
	"github.com/hitoshi/taskdesk/internal/view"
	"github.com/hitoshi/taskdesk/internal/worker/cleanup"
)

// dbPingTimeout は起動時のデータベース疎通確認のタイムアウト。
const dbPingTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("token_store", cfg.TokenStore),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg, MigrateDirection(args))
	default:
		return runServe(cfg)
	}
}

// server はサーバーモードで組み立てた依存関係。
type server struct {
	handler http.Handler
	closers []func()
}

// Close は組み立て時に確保したリソースを逆順に解放する。
func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildServer は設定に従って全依存関係をワイヤリングし、ルーターを構築する。
// TOKEN_STOREがpostgresの場合はデータベース接続を開く。
func buildServer(cfg *config.Config) (*server, error) {
	srv := &server{}

	// 1. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 2. トークンストア
	var opener tokenstore.Opener
	var healthChecker handler.HealthChecker
	switch cfg.TokenStore {
	case config.TokenStorePostgres:
		db, err := openDatabase(cfg)
		if err != nil {
			return nil, err
		}
		srv.closers = append(srv.closers, func() { db.Close() })
		opener = tokenstore.NewRepositoryOpener(repository.NewPostgresClientStorageRepo(db))
		healthChecker = db
	default:
		opener = tokenstore.NewCookieOpener(tokenstore.CookieConfig{
			Domain: cfg.CookieDomain,
			Secure: cfg.CookieSecure,
			MaxAge: int(cfg.ClientStorageTTL.Seconds()),
		})
	}

	// 3. 外部API クライアント
	// AtlasはインターネットのIdPのため、プライベートアドレスへの接続を拒否するクライアントを使う
	ssrfGuard := security.NewSSRFGuard()
	if err := ssrfGuard.ValidateURL(cfg.AtlasAPIURL); err != nil {
		srv.Close()
		return nil, fmt.Errorf("invalid ATLAS_API_URL: %w", err)
	}
	atlasClient := atlas.NewClient(
		ssrfGuard.NewSafeClient(cfg.AtlasTimeout),
		slog.Default(),
		cfg.AtlasAPIURL,
	)
	taskClient := taskclient.NewClient(
		&http.Client{Timeout: cfg.APITimeout},
		slog.Default(),
		cfg.APIBaseURL,
		collector,
	)

	// 4. ドメインサービス
	tracker := auth.NewTracker(auth.DefaultTrackerConfig())
	srv.closers = append(srv.closers, tracker.Stop)
	coordinator := auth.NewCoordinator(taskClient, tracker, security.NewTextSanitizer(), collector)
	profileService := user.NewService(taskClient, taskClient, atlasClient)

	renderer, err := view.New()
	if err != nil {
		srv.Close()
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	// 5. ミドルウェア
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitBridge))
	srv.closers = append(srv.closers, rateLimiter.Stop)

	// 6. ルーター
	srv.handler = handler.NewRouter(&handler.RouterDeps{
		Logger:       slog.Default(),
		ClientID:     middleware.ClientIDConfig{CookieSecure: cfg.CookieSecure, CookieDomain: cfg.CookieDomain},
		CSRF:         middleware.CSRFConfig{CookieSecure: cfg.CookieSecure, CookieDomain: cfg.CookieDomain},
		RateLimiter:  rateLimiter,
		StoreOpener:  opener,
		Resolver:     coordinator,
		RequiredRole: model.Role(cfg.RequiredRole),

		Coordinator: coordinator,
		Credentials: taskClient,
		AuthConfig: handler.AuthHandlerConfig{
			AtlasOrigin:    cfg.AtlasOrigin,
			AtlasProjectID: cfg.AtlasProjectID,
		},

		TaskService:    taskClient,
		ProfileService: profileService,

		Renderer: renderer,
		Notifier: flash.New(cfg.CookieSecure, cfg.CookieDomain),

		BridgeRecorder: collector,
		MetricsHandler: metrics.Handler(registry),
		HealthChecker:  healthChecker,
	})

	return srv, nil
}

// runServe はサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	srv, err := buildServer(cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	case <-stop:
	}
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// PostgreSQLのクライアントストレージから期限切れのエントリを定期的に削除する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	if cfg.TokenStore != config.TokenStorePostgres {
		return fmt.Errorf("worker requires TOKEN_STORE=%s (got %q)", config.TokenStorePostgres, cfg.TokenStore)
	}

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. クリーンアップジョブの初期化
	job := cleanup.NewCleanupJob(repository.NewPostgresClientStorageRepo(db), slog.Default(), nil)
	job.TTL = cfg.ClientStorageTTL

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("ttl", cfg.ClientStorageTTL),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// directionがdownの場合は直近の1つをロールバックし、それ以外は未適用のものを全て適用する。
func runMigrate(cfg *config.Config, direction string) error {
	if cfg.DatabaseURL == "" {
		return errors.New("migrate requires DATABASE_URL")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.String("direction", direction),
	)

	if direction == MigrateDown {
		if err := database.RollbackMigration(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		slog.Info("database migration rolled back successfully")
		return nil
	}

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// openDatabase はデータベース接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return db, nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
