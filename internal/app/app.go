package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/newsletter/internal/config"
	"github.com/hitoshi/newsletter/internal/database"
	"github.com/hitoshi/newsletter/internal/handler"
	"github.com/hitoshi/newsletter/internal/logger"
	"github.com/hitoshi/newsletter/internal/metrics"
	"github.com/hitoshi/newsletter/internal/middleware"
	"github.com/hitoshi/newsletter/internal/newsletter"
	"github.com/hitoshi/newsletter/internal/ratelimit"
	"github.com/hitoshi/newsletter/internal/repository"
	"github.com/hitoshi/newsletter/internal/security"
	"github.com/hitoshi/newsletter/internal/worker/purge"
)

// redisKeyPrefix は購読レート制限のRedisキー接頭辞。
const redisKeyPrefix = "newsletter:ratelimit:subscribe:"

// Init はアプリケーションの初期化を行う。
// .envを読み込み、環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. .envがあれば読み込む（既存の環境変数が優先）
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 4. 設定されたログレベルで再セットアップ
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

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
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 3. 購読レート制限
	limiter, closeLimiter, err := newSubscribeLimiter(cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	// 4. ドメインサービスの初期化
	service := newsletter.NewService(
		repository.NewPostgresSubscriberRepo(db),
		limiter,
		newsletter.NewValidator(),
		security.NewTextSanitizer(),
		collector,
		slog.Default(),
	)

	// 5. ルーターの構築
	generalLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitGeneral), collector)
	defer generalLimiter.Stop()

	if cfg.AdminAPIToken == "" {
		slog.Warn("ADMIN_API_TOKEN is not set; admin routes are disabled")
	}

	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        generalLimiter,
		Logger:             slog.Default(),
		Metrics:            collector,
		MetricsGatherer:    reg,
		AdminAPIToken:      cfg.AdminAPIToken,
		NewsletterService:  service,
		StartedAt:          time.Now(),
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// newSubscribeLimiter は購読エンドポイント用のLimiterを構築する。
// REDIS_URLが設定されていればRedis共有のリミッター、なければプロセス内メモリのリミッターを返す。
// 戻り値の関数で資源を解放する。
func newSubscribeLimiter(cfg *config.Config) (ratelimit.Limiter, func(), error) {
	limitCfg := ratelimit.DefaultConfig()
	limitCfg.Limit = cfg.SubscribeRateLimit
	limitCfg.Window = cfg.SubscribeRateWindow

	if cfg.RedisURL == "" {
		l := ratelimit.NewMemoryLimiter(limitCfg)
		slog.Info("subscribe rate limiter: in-memory",
			slog.Int("limit", limitCfg.Limit),
			slog.Duration("window", limitCfg.Window),
		)
		return l, l.Stop, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := ratelimit.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("subscribe rate limiter: redis",
		slog.Int("limit", limitCfg.Limit),
		slog.Duration("window", limitCfg.Window),
	)
	closeFn := func() {
		if err := client.Close(); err != nil {
			slog.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
	return ratelimit.NewRedisLimiter(client, limitCfg, redisKeyPrefix), closeFn, nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、確認待ち購読者の定期削除ジョブを実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. 削除ジョブの初期化（ワーカーはHTTPを公開しないためメトリクスは記録しない）
	job := purge.NewPurgeJob(db, slog.Default(), nil, cfg.PendingRetentionDays)

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
		slog.Int("pending_retention_days", cfg.PendingRetentionDays),
		slog.Duration("purge_interval", cfg.PurgeInterval),
	)

	// 削除ジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.PurgeInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /_health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/_health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
