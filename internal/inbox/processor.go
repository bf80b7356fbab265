// Package inbox は受信アクティビティの検証と適用を行う。
//
// 1リクエストは次の状態を順に進む。
//
//	received → signature-verified → shape-validated → idempotency-checked → dispatched → applied
//
// 署名・形式の失敗はそのリクエストに対して終端的（4xx）であり、
// 適用中のキャッシュ更新の失敗は方針（strict）に従って degraded 記録または再送要求となる。
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/fedcal/internal/activity"
	"github.com/hitoshi/fedcal/internal/httpsig"
	"github.com/hitoshi/fedcal/internal/metrics"
	"github.com/hitoshi/fedcal/internal/model"
	"github.com/hitoshi/fedcal/internal/notify"
	"github.com/hitoshi/fedcal/internal/repository"
	"github.com/hitoshi/fedcal/internal/security"
)

// ActorDirectory は署名者の公開鍵と関連アクターを解決する。
type ActorDirectory interface {
	ResolvePublicKey(ctx context.Context, keyID string) (*model.Actor, error)
	RefreshPublicKey(ctx context.Context, keyID string) (*model.Actor, bool, error)
	ResolveRemoteActor(ctx context.Context, actorURL string) (*model.Actor, error)
	RefreshRemoteActor(ctx context.Context, actorURL string) (*model.Actor, error)
	ForgetRemoteActor(ctx context.Context, actorURL string) error
}

// FollowResponder はフォローリクエストへのAccept/Rejectを送る。
type FollowResponder interface {
	SendFollowResponse(ctx context.Context, username string, edge *model.FollowEdge, accept bool) error
}

// Repositories は受信処理が使う永続化層。
type Repositories struct {
	Users        repository.UserRepository
	Events       repository.EventRepository
	Follows      repository.FollowRepository
	Processed    repository.ProcessedActivityRepository
	Interactions repository.InteractionRepository
}

// Options はProcessorの設定。
type Options struct {
	BaseURL string
	// MaxSkew は署名のDateヘッダーの許容差。
	MaxSkew time.Duration
	// AutoAccept がtrueならフォローリクエストを自動承認する（手動承認のユーザーを除く）。
	AutoAccept bool
	// Strict がtrueなら適用に失敗したアクティビティの処理記録を解放し、500を返して再送させる。
	Strict      bool
	Sanitizer   security.ContentSanitizerService
	Responder   FollowResponder
	Broadcaster notify.Broadcaster
	Metrics     metrics.MetricsCollector
	Logger      *slog.Logger
}

// Result は受理したアクティビティの処理結果。
type Result struct {
	ActivityID string
	Type       string
	ActorURL   string
	Outcome    model.ProcessingOutcome
	// Duplicate は処理済みのアクティビティで、副作用を適用しなかったことを示す。
	Duplicate bool
}

// Processor は受信アクティビティを処理する。
type Processor struct {
	repos      Repositories
	directory  ActorDirectory
	verifier   *httpsig.Verifier
	urls       activity.URLs
	sanitizer  security.ContentSanitizerService
	responder  FollowResponder
	notifier   notify.Broadcaster
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	autoAccept bool
	strict     bool
	now        func() time.Time
}

// NewProcessor はProcessorの新しいインスタンスを生成する。
func NewProcessor(repos Repositories, directory ActorDirectory, opts Options) *Processor {
	if opts.Sanitizer == nil {
		opts.Sanitizer = security.NewContentSanitizer()
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = notify.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Processor{
		repos:      repos,
		directory:  directory,
		verifier:   httpsig.NewVerifier(opts.MaxSkew),
		urls:       activity.NewURLs(opts.BaseURL),
		sanitizer:  opts.Sanitizer,
		responder:  opts.Responder,
		notifier:   opts.Broadcaster,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		autoAccept: opts.AutoAccept,
		strict:     opts.Strict,
		now:        time.Now,
	}
}

// SetResponder はフォロー応答の送信者を設定する。構築時の循環参照を避けるために使う。
func (p *Processor) SetResponder(r FollowResponder) {
	p.responder = r
}

// Process は受信リクエストを検証し、アクティビティを適用する。
// usernameが空なら共有inboxへの配送として扱う。
// 返すエラーは*model.APIErrorを含み、呼び出し側はそのコードでHTTPステータスを決める。
func (p *Processor) Process(ctx context.Context, r *http.Request, body []byte, username string) (*Result, error) {
	// 1. received: 署名ヘッダーの有無（暗号処理の前に安価に拒否する）
	params, err := httpsig.ParseRequest(r)
	if err != nil {
		p.metrics.RecordSignatureFailure(httpsig.Reason(err))
		if errors.Is(err, httpsig.ErrMissingSignature) {
			return nil, model.NewSignatureMissingError()
		}
		return nil, fmt.Errorf("%w: %w", model.NewSignatureInvalidError(httpsig.Reason(err)), err)
	}

	if username != "" {
		user, err := p.repos.Users.FindByUsername(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
		}
		if user == nil {
			return nil, model.NewUserNotFoundError(username)
		}
	}

	// 2. signature-verified
	signer, err := p.verify(ctx, r, body, params)
	if err != nil {
		return nil, err
	}

	// 3. shape-validated
	in, err := activity.Parse(body)
	if err != nil {
		p.metrics.RecordInboxActivity("unknown", "rejected")
		var verr *activity.ValidationError
		switch {
		case errors.As(err, &verr):
			return nil, model.NewInvalidActivityError(verr.Reason)
		case errors.Is(err, activity.ErrInvalidJSON):
			return nil, model.NewInvalidJSONError()
		default:
			return nil, fmt.Errorf("%w: %w", model.NewInvalidActivityError("unparsable"), err)
		}
	}
	env := in.Base()
	if _, ok := in.(*activity.Unsupported); ok {
		p.metrics.RecordInboxActivity(env.Type, "rejected")
		return nil, model.NewInvalidActivityError("unsupported type " + env.Type)
	}

	// 署名者とactorが一致しない場合はなりすましとして拒否する
	if signer.ActorURL != model.StripFragment(env.Actor) {
		p.metrics.RecordSignatureFailure("actor_mismatch")
		return nil, model.NewSignatureInvalidError("signer does not match activity actor")
	}

	// 4. idempotency-checked: 処理権を原子的に確保する
	result := &Result{ActivityID: env.ID, Type: env.Type, ActorURL: env.Actor}
	claimed, err := p.repos.Processed.Claim(ctx, &model.ProcessedActivity{
		ActivityID:   env.ID,
		ActivityType: env.Type,
		ActorURL:     env.Actor,
		Outcome:      model.OutcomeClaimed,
		ProcessedAt:  p.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("処理記録の確保に失敗しました: %w", err)
	}
	if !claimed {
		result.Duplicate = true
		p.metrics.RecordInboxActivity(env.Type, "duplicate")
		p.logger.Debug("処理済みのアクティビティを受信しました",
			slog.String("activity_id", env.ID),
			slog.String("type", env.Type),
		)
		return result, nil
	}

	// 5. dispatched
	outcome, dispatchErr := p.dispatch(ctx, in)
	if dispatchErr != nil {
		p.logger.Warn("アクティビティの適用に一部失敗しました",
			slog.String("activity_id", env.ID),
			slog.String("type", env.Type),
			slog.String("actor", env.Actor),
			slog.Bool("strict", p.strict),
			slog.String("error", dispatchErr.Error()),
		)
		if p.strict {
			if err := p.repos.Processed.Release(ctx, env.ID); err != nil {
				p.logger.Error("処理記録の解放に失敗しました",
					slog.String("activity_id", env.ID),
					slog.String("error", err.Error()),
				)
			}
			p.metrics.RecordInboxActivity(env.Type, "released")
			return nil, fmt.Errorf("%w: %w", model.NewInternalError(), dispatchErr)
		}
		outcome = model.OutcomeDegraded
	}

	// 6. applied
	if err := p.repos.Processed.MarkOutcome(ctx, env.ID, outcome); err != nil {
		p.logger.Error("処理結果の記録に失敗しました",
			slog.String("activity_id", env.ID),
			slog.String("error", err.Error()),
		)
	}
	result.Outcome = outcome
	p.metrics.RecordInboxActivity(env.Type, string(outcome))
	return result, nil
}

// verify は署名者の公開鍵を解決して署名を検証する。
// キャッシュの鍵で検証に失敗した場合は、鍵のローテーションを考慮して1回だけ取得し直す。
func (p *Processor) verify(ctx context.Context, r *http.Request, body []byte, params *httpsig.Params) (*model.Actor, error) {
	signer, err := p.directory.ResolvePublicKey(ctx, params.KeyID)
	if err != nil {
		return nil, p.keyError(params.KeyID, err)
	}

	err = p.verifier.VerifyRequest(r, body, params, signer.PublicKeyPEM)
	if err != nil && errors.Is(err, httpsig.ErrSignatureMismatch) && signer.IsRemote {
		fresh, changed, rerr := p.directory.RefreshPublicKey(ctx, params.KeyID)
		if rerr != nil {
			p.logger.Warn("公開鍵の再取得に失敗しました",
				slog.String("key_id", params.KeyID),
				slog.String("error", rerr.Error()),
			)
		} else if changed {
			signer = fresh
			err = p.verifier.VerifyRequest(r, body, params, signer.PublicKeyPEM)
		}
	}
	if err != nil {
		reason := httpsig.Reason(err)
		p.metrics.RecordSignatureFailure(reason)
		p.logger.Info("署名の検証に失敗しました",
			slog.String("key_id", params.KeyID),
			slog.String("reason", reason),
		)
		if errors.Is(err, httpsig.ErrDigestMismatch) || errors.Is(err, httpsig.ErrMissingDigest) {
			return nil, fmt.Errorf("%w: %w", model.NewDigestMismatchError(), err)
		}
		return nil, fmt.Errorf("%w: %w", model.NewSignatureInvalidError(reason), err)
	}
	return signer, nil
}

// keyError は鍵の解決失敗を401へ変換する。DBエラーなど内部要因はそのまま返す。
func (p *Processor) keyError(keyID string, err error) error {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("公開鍵の解決に失敗しました: %w", err)
	}
	p.metrics.RecordSignatureFailure("key")
	p.logger.Info("署名者の公開鍵を取得できませんでした",
		slog.String("key_id", keyID),
		slog.String("code", apiErr.Code),
	)
	return fmt.Errorf("%w: %w", model.NewSignatureInvalidError("public key unavailable"), err)
}

// dispatch は種類ごとの処理へ振り分ける。
// 返すエラーは適用途中の回復可能な失敗を表す。
func (p *Processor) dispatch(ctx context.Context, in activity.Inbound) (model.ProcessingOutcome, error) {
	switch a := in.(type) {
	case *activity.Follow:
		return p.handleFollow(ctx, a)
	case *activity.Response:
		return p.handleResponse(ctx, a)
	case *activity.Create:
		return p.handleCreate(ctx, a)
	case *activity.Like:
		return p.handleLike(ctx, a)
	case *activity.Announce:
		return p.handleAnnounce(ctx, a)
	case *activity.Undo:
		return p.handleUndo(ctx, a)
	case *activity.Delete:
		return p.handleDelete(ctx, a)
	case *activity.Update:
		return p.handleUpdate(ctx, a)
	case *activity.Unsupported:
		return model.OutcomeIgnored, nil
	default:
		return model.OutcomeIgnored, fmt.Errorf("未知のアクティビティ表現です: %T", in)
	}
}
