package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/fedcal/internal/activity"
	"github.com/hitoshi/fedcal/internal/metrics"
	"github.com/hitoshi/fedcal/internal/middleware"
	"github.com/hitoshi/fedcal/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	TrustProxyHeaders bool

	// 運用
	HealthChecker   HealthChecker
	MetricsGatherer prometheus.Gatherer

	// フェデレーション
	Actors       ActorService
	Users        UserFinder
	Events       EventFinder
	Collections  CollectionService
	Inbox        InboxService
	Builder      *activity.Builder
	MaxBodyBytes int64
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	(RealIP) → Recovery → Logging → SecurityHeaders → CORS
//
// inboxへのPOSTだけに送信元IPごとのレート制限をかける。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	if deps.TrustProxyHeaders {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteAPIError(w, model.NewResourceNotFoundError(r.URL.Path))
	})

	fed := NewFederationHandler(deps.Actors, deps.Users, deps.Events, deps.Collections, deps.Builder)
	inboxHandler := NewInboxHandler(deps.Inbox, deps.MaxBodyBytes)

	limit := func(next http.Handler) http.Handler { return next }
	if deps.RateLimiter != nil {
		limit = deps.RateLimiter.InboxMiddleware()
	}

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// --- 発見 ---
	r.Get("/.well-known/webfinger", fed.WebFinger)

	// --- アクターとコレクション ---
	r.Route("/users/{username}", func(r chi.Router) {
		r.Get("/", fed.Actor)
		r.With(limit).Post("/inbox", inboxHandler.UserInbox)
		r.Get("/{collection}", fed.Collection)
	})

	// --- 共有inbox ---
	r.With(limit).Post("/inbox", inboxHandler.SharedInbox)

	// --- オブジェクト ---
	r.Get("/events/{id}", fed.Event)

	return r
}
