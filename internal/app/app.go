package app

import (
	"context"
	"database/sql"
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

	"github.com/hitoshi/fedcal/internal/activity"
	"github.com/hitoshi/fedcal/internal/actor"
	"github.com/hitoshi/fedcal/internal/collection"
	"github.com/hitoshi/fedcal/internal/config"
	"github.com/hitoshi/fedcal/internal/database"
	"github.com/hitoshi/fedcal/internal/delivery"
	"github.com/hitoshi/fedcal/internal/handler"
	"github.com/hitoshi/fedcal/internal/inbox"
	"github.com/hitoshi/fedcal/internal/logger"
	"github.com/hitoshi/fedcal/internal/metrics"
	"github.com/hitoshi/fedcal/internal/middleware"
	"github.com/hitoshi/fedcal/internal/notify"
	"github.com/hitoshi/fedcal/internal/publisher"
	"github.com/hitoshi/fedcal/internal/repository"
	"github.com/hitoshi/fedcal/internal/security"
	"github.com/hitoshi/fedcal/internal/worker/actorrefresh"
	"github.com/hitoshi/fedcal/internal/worker/cleanup"
	"github.com/hitoshi/fedcal/internal/worker/redelivery"
)

// cleanupInterval はクリーンアップジョブの実行間隔。
const cleanupInterval = 24 * time.Hour

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定したログレベルで再構成する
	logger.SetupDefault(w, cfg.LogLevel)
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
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandRollback:
		return runRollback(cfg)
	default:
		return runServe(cfg)
	}
}

// Stores はフェデレーション部品が使う永続化層。
type Stores struct {
	Users        repository.UserRepository
	Events       repository.EventRepository
	Actors       repository.ActorRepository
	Follows      repository.FollowRepository
	Processed    repository.ProcessedActivityRepository
	Interactions repository.InteractionRepository
	Deliveries   repository.DeliveryRepository
}

// PostgresStores はPostgreSQL実装のStoresを返す。
func PostgresStores(db *sql.DB) Stores {
	return Stores{
		Users:        repository.NewPostgresUserRepo(db),
		Events:       repository.NewPostgresEventRepo(db),
		Actors:       repository.NewPostgresActorRepo(db),
		Follows:      repository.NewPostgresFollowRepo(db),
		Processed:    repository.NewPostgresProcessedActivityRepo(db),
		Interactions: repository.NewPostgresInteractionRepo(db),
		Deliveries:   repository.NewPostgresDeliveryRepo(db),
	}
}

// Federation は配線済みのフェデレーション部品一式。
type Federation struct {
	Builder    *activity.Builder
	Directory  *actor.Directory
	Dispatcher *delivery.Dispatcher
	Processor  *inbox.Processor
	Publisher  *publisher.Publisher
	Pager      *collection.Pager
	Registry   *prometheus.Registry
	Metrics    *metrics.Collector
}

// NewFederation は設定と永続化層からフェデレーション部品を組み立てる。
// 受信処理とPublisherの相互参照はここで解決する。
func NewFederation(cfg *config.Config, stores Stores, guard security.SSRFGuardService, log *slog.Logger) (*Federation, error) {
	sealer, err := security.NewAgeKeySealer(cfg.KeyEncryptionIdentity)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize key sealer: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)
	sanitizer := security.NewContentSanitizer()

	directory := actor.NewDirectory(stores.Users, stores.Actors, sealer, guard, actor.Options{
		BaseURL:      cfg.BaseURL,
		Domain:       cfg.Domain,
		KeyBits:      cfg.RSAKeyBits,
		CacheSize:    cfg.ActorCacheSize,
		CacheTTL:     cfg.ActorCacheTTL,
		FetchTimeout: cfg.FetchTimeout,
		FetchMaxSize: cfg.FetchMaxSize,
		Sanitizer:    sanitizer,
		Metrics:      collector,
		Logger:       log,
	})

	dispatcher := delivery.NewDispatcher(directory, directory, stores.Follows, stores.Deliveries, guard, delivery.Options{
		BaseURL:       cfg.BaseURL,
		Timeout:       cfg.DeliveryTimeout,
		MaxConcurrent: cfg.DeliveryMaxConcurrent,
		Metrics:       collector,
		Logger:        log,
	})

	builder := activity.NewBuilder(activity.NewURLs(cfg.BaseURL))
	broadcaster := notify.NewLogBroadcaster(log)

	processor := inbox.NewProcessor(inbox.Repositories{
		Users:        stores.Users,
		Events:       stores.Events,
		Follows:      stores.Follows,
		Processed:    stores.Processed,
		Interactions: stores.Interactions,
	}, directory, inbox.Options{
		BaseURL:     cfg.BaseURL,
		MaxSkew:     cfg.SignatureMaxSkew,
		AutoAccept:  cfg.AutoAcceptFollows,
		Strict:      cfg.StrictInboxProcessing,
		Sanitizer:   sanitizer,
		Broadcaster: broadcaster,
		Metrics:     collector,
		Logger:      log,
	})

	pub := publisher.New(builder, dispatcher, directory, stores.Follows, broadcaster, log)
	processor.SetResponder(pub)

	return &Federation{
		Builder:    builder,
		Directory:  directory,
		Dispatcher: dispatcher,
		Processor:  processor,
		Publisher:  pub,
		Pager:      collection.NewPager(stores.Users, stores.Follows, stores.Events, builder),
		Registry:   reg,
		Metrics:    collector,
	}, nil
}

// NewRouterDeps はフェデレーション部品からルーターの依存関係を組み立てる。
func NewRouterDeps(cfg *config.Config, fed *Federation, stores Stores, health handler.HealthChecker) *handler.RouterDeps {
	return &handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter(middleware.InboxRateLimiterConfig(cfg.RateLimitInbox)),
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		HealthChecker:     health,
		MetricsGatherer:   fed.Registry,
		Actors:            fed.Directory,
		Users:             stores.Users,
		Events:            stores.Events,
		Collections:       fed.Pager,
		Inbox:             fed.Processor,
		Builder:           fed.Builder,
		MaxBodyBytes:      cfg.FetchMaxSize,
	}
}

// openDB はDB接続を開いて疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. フェデレーション部品の構築
	stores := PostgresStores(db)
	fed, err := NewFederation(cfg, stores, security.NewSSRFGuard(), slog.Default())
	if err != nil {
		return err
	}

	// 3. ルーターの構築
	deps := NewRouterDeps(cfg, fed, stores, db)
	defer deps.RateLimiter.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 送信中の配送を待つ。失敗分は再送キューに残る
	fed.Dispatcher.Wait()

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 再送、アクター再取得、クリーンアップの各ジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. フェデレーション部品の構築
	stores := PostgresStores(db)
	fed, err := NewFederation(cfg, stores, security.NewSSRFGuard(), slog.Default())
	if err != nil {
		return err
	}

	// 3. ジョブの初期化
	scheduler := redelivery.NewScheduler(stores.Deliveries, fed.Dispatcher, fed.Metrics, slog.Default(), redelivery.Config{
		MaxConcurrency: cfg.DeliveryMaxConcurrent,
		MaxAttempts:    cfg.DeliveryMaxAttempts,
	})

	refreshJob := actorrefresh.NewJob(stores.Actors, fed.Directory, slog.Default(), actorrefresh.Config{
		Interval:     cfg.ActorRefreshInterval,
		RefreshAfter: cfg.ActorRefreshAfter,
	})

	cleanupJob := cleanup.NewCleanupJob(stores.Processed, stores.Deliveries, slog.Default())
	cleanupJob.RetentionDays = cfg.ProcessedActivityRetentionDays

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

	// 4. メトリクスの公開（ポート指定時のみ）
	if cfg.WorkerMetricsPort != "" {
		metricsServer := &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           metrics.SetupMetricsRoute(fed.Registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", slog.String("error", err.Error()))
			}
		}()
		defer metricsServer.Close()
	}

	slog.Info("worker starting",
		slog.Duration("retry_interval", cfg.DeliveryRetryInterval),
		slog.Int("max_concurrent", cfg.DeliveryMaxConcurrent),
	)

	go refreshJob.Start(ctx)
	go cleanupJob.Start(ctx, cleanupInterval)

	// 再送スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.DeliveryRetryInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runRollback は直近のマイグレーションを1つ戻す。
func runRollback(cfg *config.Config) error {
	slog.Warn("rolling back the latest database migration",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RollbackMigration(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	slog.Info("database migration rolled back",
		slog.Uint64("version", uint64(version)),
	)
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
