// Package redelivery は即時配送に失敗したアクティビティの再送ワーカーを提供する。
// 期限が到来した配送ジョブを取得し、並列数を制限しながら再送する。
package redelivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/fedcal/internal/delivery"
	"github.com/hitoshi/fedcal/internal/metrics"
	"github.com/hitoshi/fedcal/internal/model"
	"github.com/hitoshi/fedcal/internal/repository"
)

// Attempter は配送ジョブを1回試行する。
type Attempter interface {
	Attempt(ctx context.Context, job *model.Delivery) (delivery.AttemptResult, error)
}

// Config は再送ワーカーの設定。
type Config struct {
	// MaxConcurrency は同時に試行する配送数（デフォルト: 8）。
	MaxConcurrency int
	// BatchSize は1サイクルで取得する配送数（デフォルト: 100）。
	BatchSize int
	// Lease は取得した配送を他のワーカーから隠す時間（デフォルト: 5分）。
	Lease time.Duration
	// MaxAttempts はdeadにするまでの最大試行回数。0以下なら無制限。
	MaxAttempts int
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 8,
		BatchSize:      100,
		Lease:          5 * time.Minute,
		MaxAttempts:    8,
	}
}

// Stats は1サイクルの集計。
type Stats struct {
	Claimed   int
	Delivered int
	Retrying  int
	Dead      int
}

// Scheduler は配送ジョブの再送を定期実行する。
type Scheduler struct {
	repo      repository.DeliveryRepository
	attempter Attempter
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	config    Config
	now       func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(
	repo repository.DeliveryRepository,
	attempter Attempter,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Scheduler {
	def := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = def.MaxConcurrency
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Lease <= 0 {
		config.Lease = def.Lease
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		repo:      repo,
		attempter: attempter,
		metrics:   collector,
		logger:    logger,
		config:    config,
		now:       time.Now,
	}
}

// Start はintervalごとに再送サイクルを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("再送ワーカーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.config.MaxConcurrency),
		slog.Int("max_attempts", s.config.MaxAttempts),
	)

	// 起動直後に1回実行
	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("再送ワーカーを停止しました")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("再送サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は期限到来した配送を取得して1回ずつ試行し、結果を保存する。
func (s *Scheduler) RunOnce(ctx context.Context) (Stats, error) {
	start := s.now()

	jobs, err := s.repo.ClaimDue(ctx, s.config.BatchSize, s.config.Lease)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Claimed: len(jobs)}
	if len(jobs) == 0 {
		return stats, nil
	}

	s.logger.Info("再送サイクルを開始します",
		slog.Int("target_deliveries", len(jobs)),
	)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, s.config.MaxConcurrency)
	)

	for _, job := range jobs {
		select {
		case <-ctx.Done():
			wg.Wait()
			return stats, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(job *model.Delivery) {
			defer wg.Done()
			defer func() { <-sem }()

			status := s.process(ctx, job)
			mu.Lock()
			switch status {
			case model.DeliveryStatusDelivered:
				stats.Delivered++
			case model.DeliveryStatusDead:
				stats.Dead++
			default:
				stats.Retrying++
			}
			mu.Unlock()
		}(job)
	}

	wg.Wait()

	s.logger.Info("再送サイクルが完了しました",
		slog.Int("delivered", stats.Delivered),
		slog.Int("retrying", stats.Retrying),
		slog.Int("dead", stats.Dead),
		slog.Float64("duration_ms", float64(s.now().Sub(start).Milliseconds())),
	)
	return stats, nil
}

// process は配送を1回試行し、結果に応じた状態を保存する。
func (s *Scheduler) process(ctx context.Context, job *model.Delivery) model.DeliveryStatus {
	result, err := s.attempter.Attempt(ctx, job)
	now := s.now()

	switch result {
	case delivery.AttemptDelivered:
		delivery.ApplyDelivered(job, now)
		s.metrics.RecordDelivery("delivered")
	case delivery.AttemptDrop:
		delivery.ApplyDead(job, errorText(err), now)
		s.metrics.RecordDelivery("dead")
	default:
		delivery.ApplyRetry(job, errorText(err), now, s.config.MaxAttempts)
		if job.Status == model.DeliveryStatusDead {
			s.metrics.RecordDelivery("dead")
		} else {
			s.metrics.RecordDelivery("queued")
		}
	}

	if job.Status != model.DeliveryStatusDelivered {
		s.logger.Warn("再送に失敗しました",
			slog.String("delivery_id", job.ID),
			slog.String("inbox", job.InboxURL),
			slog.Int("attempts", job.Attempts),
			slog.String("status", string(job.Status)),
			slog.String("error", job.LastError),
		)
	}

	// キャンセル後も結果は保存する
	if err := s.repo.UpdateState(context.WithoutCancel(ctx), job); err != nil {
		s.logger.Error("配送状態の保存に失敗しました",
			slog.String("delivery_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
	return job.Status
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
