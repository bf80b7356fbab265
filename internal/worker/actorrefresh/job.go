// Package actorrefresh はキャッシュ済みリモートアクターの定期再取得ジョブを提供する。
// 鍵のローテーションやinboxの移動をフォロー関係の配送前に反映する。
package actorrefresh

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/fedcal/internal/model"
)

// StaleActorLister は最終取得から時間が経ったリモートアクターを返す。
type StaleActorLister interface {
	ListStaleRemote(ctx context.Context, before time.Time, limit int) ([]*model.Actor, error)
}

// Refresher はリモートアクターを取得し直す。
type Refresher interface {
	RefreshRemoteActor(ctx context.Context, actorURL string) (*model.Actor, error)
	ForgetRemoteActor(ctx context.Context, actorURL string) error
}

// Config はジョブの設定パラメータ。環境変数から設定可能。
type Config struct {
	// Interval はジョブの実行間隔（デフォルト: 30分）。
	Interval time.Duration
	// RefreshAfter は再取得までの経過時間（デフォルト: 24時間）。
	RefreshAfter time.Duration
	// BatchSize は1サイクルで再取得する最大件数（デフォルト: 50）。
	BatchSize int
	// FetchInterval はリモート取得の最低間隔（デフォルト: 1秒）。
	FetchInterval time.Duration
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Minute,
		RefreshAfter:  24 * time.Hour,
		BatchSize:     50,
		FetchInterval: time.Second,
	}
}

// Job はリモートアクターの再取得ジョブ。
// 取得に連続して失敗した場合はバックオフしてサイクルを休む。
type Job struct {
	actors            StaleActorLister
	refresher         Refresher
	logger            *slog.Logger
	config            Config
	limiter           *rate.Limiter
	now               func() time.Time
	consecutiveErrors int
	backoffUntil      time.Time
}

// NewJob はJobの新しいインスタンスを生成する。
func NewJob(actors StaleActorLister, refresher Refresher, logger *slog.Logger, config Config) *Job {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.RefreshAfter <= 0 {
		config.RefreshAfter = def.RefreshAfter
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	limit := rate.Inf
	if config.FetchInterval > 0 {
		limit = rate.Every(config.FetchInterval)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		actors:    actors,
		refresher: refresher,
		logger:    logger,
		config:    config,
		limiter:   rate.NewLimiter(limit, 1),
		now:       time.Now,
	}
}

// Start はジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info("アクター再取得ジョブを開始しました",
		slog.Duration("interval", j.config.Interval),
		slog.Duration("refresh_after", j.config.RefreshAfter),
		slog.Int("batch_size", j.config.BatchSize),
	)

	// 起動直後に1回実行
	j.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("アクター再取得ジョブを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Job) runLogged(ctx context.Context) {
	if err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("アクター再取得サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は1サイクル分の再取得を実行する。
// 相手が404/410を返したアクターはキャッシュとDBから削除する。
func (j *Job) RunOnce(ctx context.Context) error {
	start := j.now()

	if start.Before(j.backoffUntil) {
		j.logger.Info("バックオフ中のためアクター再取得をスキップします",
			slog.Time("backoff_until", j.backoffUntil),
		)
		return nil
	}

	stale, err := j.actors.ListStaleRemote(ctx, start.Add(-j.config.RefreshAfter), j.config.BatchSize)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	var refreshed, forgotten, failed int
	hadError := false

	for _, a := range stale {
		if err := j.limiter.Wait(ctx); err != nil {
			return err
		}

		_, err := j.refresher.RefreshRemoteActor(ctx, a.ActorURL)
		switch {
		case err == nil:
			refreshed++
			continue
		case model.IsCode(err, model.ErrCodeActorNotFound):
			if ferr := j.refresher.ForgetRemoteActor(ctx, a.ActorURL); ferr != nil {
				j.logger.Error("消えたアクターの削除に失敗しました",
					slog.String("actor", a.ActorURL),
					slog.String("error", ferr.Error()),
				)
			}
			forgotten++
			continue
		}

		failed++
		hadError = true
		j.consecutiveErrors++
		j.logger.Warn("アクターの再取得に失敗しました",
			slog.String("actor", a.ActorURL),
			slog.String("error", err.Error()),
			slog.Int("consecutive_errors", j.consecutiveErrors),
		)

		// バックオフ判定
		if backoff := calculateErrorBackoff(j.consecutiveErrors); backoff > 0 {
			j.backoffUntil = j.now().Add(backoff)
			j.logger.Warn("連続エラーによりバックオフを適用します",
				slog.Int("consecutive_errors", j.consecutiveErrors),
				slog.Duration("backoff_duration", backoff),
			)
			break
		}
	}

	// エラーがなければ連続エラーカウントをリセット
	if !hadError {
		j.consecutiveErrors = 0
		j.backoffUntil = time.Time{}
	}

	j.logger.Info("アクター再取得サイクルが完了しました",
		slog.Int("target_actors", len(stale)),
		slog.Int("refreshed", refreshed),
		slog.Int("forgotten", forgotten),
		slog.Int("failed", failed),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return nil
}

// calculateErrorBackoff は連続エラー回数に基づくバックオフ時間を計算する。
// 5回連続: 30分、10回連続: 1時間、20回連続: 6時間。
func calculateErrorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 20:
		return 6 * time.Hour
	case consecutiveErrors >= 10:
		return time.Hour
	case consecutiveErrors >= 5:
		return 30 * time.Minute
	default:
		return 0
	}
}
