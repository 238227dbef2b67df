package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/newsletter/internal/metrics"
	"github.com/hitoshi/newsletter/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigins []string
	RateLimiter        *middleware.RateLimiter
	Logger             *slog.Logger

	// メトリクス（nilの場合は計測と/metricsを無効化）
	Metrics         metrics.MetricsCollector
	MetricsGatherer prometheus.Gatherer

	// 管理API（空の場合は管理ルートをマウントしない）
	AdminAPIToken string

	// ニュースレター
	NewsletterService NewsletterServiceInterface

	// ヘルスチェックの稼働時間起点
	StartedAt time.Time
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → RequestID → Recovery → Logging → Metrics → SecurityHeaders → CORS
//
// /api 配下にはさらにクライアントIPごとの一般レート制限を適用する。
// ハニーポット欄が埋まった購読リクエストはどのレート制限も消費しない。
// 管理ルートはBearerトークン認証の後ろに置く。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	nh := NewNewsletterHandler(deps.NewsletterService)

	// --- 運用ルート ---
	r.Method(http.MethodGet, "/_health", NewHealthHandler(deps.StartedAt))
	if deps.MetricsGatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.SetupMetricsRoute(deps.MetricsGatherer))
	}

	r.Route("/api", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.MiddlewareSkipping(isHoneypotSubmission))
		}

		r.Route("/newsletter-subscribers", func(r chi.Router) {
			// 公開ルート
			r.Post("/subscribe", nh.Subscribe)
			r.Get("/confirm/{id}", nh.Confirm)
			r.Post("/unsubscribe", nh.Unsubscribe)

			// 管理ルート
			if deps.AdminAPIToken != "" {
				r.Group(func(r chi.Router) {
					r.Use(middleware.NewAdminAuthMiddleware(deps.AdminAPIToken))
					r.Get("/", nh.ListBySource)
					r.Get("/stats", nh.Stats)
					r.Get("/export", nh.Export)
				})
			}
		})
	})

	return r
}
