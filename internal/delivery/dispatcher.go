// Package delivery は署名付きアクティビティのinboxへの配送を提供する。
// 宛先ごとに並行して配送し、1件の失敗が他の宛先に影響しないようにする。
// 再送可能な失敗は配送キューに登録し、redeliveryワーカーが再試行する。
package delivery

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hitoshi/fedcal/internal/activity"
	"github.com/hitoshi/fedcal/internal/httpsig"
	"github.com/hitoshi/fedcal/internal/metrics"
	"github.com/hitoshi/fedcal/internal/model"
	"github.com/hitoshi/fedcal/internal/repository"
	"github.com/hitoshi/fedcal/internal/security"
)

const (
	userAgent = "fedcal/1.0 (+ActivityPub)"

	// followerPageSize はフォロワー展開時の1回の取得件数。
	followerPageSize = 500
	// maxResponseDrain は配送先のレスポンスボディを読み捨てる上限。
	maxResponseDrain = 64 << 10
)

// Signer はローカルアクターの署名鍵を提供する。
type Signer interface {
	LocalSigningKey(ctx context.Context, username string) (*rsa.PrivateKey, string, error)
}

// ActorResolver は宛先アクターのinboxを得るためにアクターを解決する。
type ActorResolver interface {
	ResolveRemoteActor(ctx context.Context, actorURL string) (*model.Actor, error)
}

// Target は配送先inboxと受信者の組。sharedInboxを共有する受信者は1件にまとめられる。
type Target struct {
	InboxURL          string
	RecipientActorURL string
}

// Result は宛先1件の配送結果。
type Result struct {
	Target     Target
	StatusCode int
	Err        error
	Queued     bool // 再送キューに登録された
}

// Report は1アクティビティの配送結果。
type Report struct {
	ActivityID string
	Results    []Result
}

// Delivered は配送に成功した件数を返す。
func (r *Report) Delivered() int {
	n := 0
	for _, res := range r.Results {
		if res.Err == nil {
			n++
		}
	}
	return n
}

// Options はDispatcherの設定。
type Options struct {
	BaseURL       string
	Timeout       time.Duration
	MaxConcurrent int
	// HostRate は配送先ホストごとの毎秒リクエスト数の上限。0以下なら制限しない。
	HostRate  float64
	HostBurst int
	// HTTPClient は配送に使うクライアント。nilならSSRFガードの安全なクライアントを使う。
	HTTPClient *http.Client
	Metrics    metrics.MetricsCollector
	Logger     *slog.Logger
}

// Dispatcher はアクティビティを宛先inboxへ配送する。
type Dispatcher struct {
	signer   Signer
	resolver ActorResolver
	follows  repository.FollowRepository
	queue    repository.DeliveryRepository
	guard    security.SSRFGuardService
	client   *resty.Client
	urls     activity.URLs
	metrics  metrics.MetricsCollector
	logger   *slog.Logger

	timeout       time.Duration
	maxConcurrent int
	hostRate      rate.Limit
	hostBurst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	wg  sync.WaitGroup
	now func() time.Time
}

type signingKey struct{}

// signing はPreRequestHookで署名するための材料。リクエストごとにcontextで渡す。
type signing struct {
	key   *rsa.PrivateKey
	keyID string
	body  []byte
	now   time.Time
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
func NewDispatcher(
	signer Signer,
	resolver ActorResolver,
	follows repository.FollowRepository,
	queue repository.DeliveryRepository,
	guard security.SSRFGuardService,
	opts Options,
) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.HostBurst <= 0 {
		opts.HostBurst = 1
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = guard.NewSafeClient(opts.Timeout, maxResponseDrain)
	}

	d := &Dispatcher{
		signer:        signer,
		resolver:      resolver,
		follows:       follows,
		queue:         queue,
		guard:         guard,
		urls:          activity.NewURLs(opts.BaseURL),
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		timeout:       opts.Timeout,
		maxConcurrent: opts.MaxConcurrent,
		hostRate:      rate.Inf,
		hostBurst:     opts.HostBurst,
		limiters:      make(map[string]*rate.Limiter),
		now:           time.Now,
	}
	if opts.HostRate > 0 {
		d.hostRate = rate.Limit(opts.HostRate)
	}

	// 署名はリクエストごとに直前で生成する（Dateヘッダーで有効期間を縛るため）
	d.client = resty.NewWithClient(httpClient).
		SetHeader("User-Agent", userAgent).
		SetPreRequestHook(func(_ *resty.Client, req *http.Request) error {
			s, ok := req.Context().Value(signingKey{}).(*signing)
			if !ok {
				return nil
			}
			return httpsig.SignRequest(req, s.body, s.key, s.keyID, s.now)
		})
	return d
}

// Deliver はアクティビティを宛先へ非同期に配送する。呼び出し元をブロックしない。
// 呼び出し元のcontextがキャンセルされても配送は継続する。
func (d *Dispatcher) Deliver(ctx context.Context, act *activity.Activity, addr activity.Addressing, senderUsername string) {
	detached := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		report, err := d.DeliverSync(detached, act, addr, senderUsername)
		if err != nil {
			d.logger.Error("アクティビティの配送に失敗しました",
				slog.String("activity_id", act.ID),
				slog.String("sender", senderUsername),
				slog.String("error", err.Error()),
			)
			return
		}
		d.logger.Info("アクティビティを配送しました",
			slog.String("activity_id", act.ID),
			slog.String("type", act.Type),
			slog.Int("targets", len(report.Results)),
			slog.Int("delivered", report.Delivered()),
		)
	}()
}

// DeliverToFollowers は所有者の承認済みフォロワー全員へ配送する。
func (d *Dispatcher) DeliverToFollowers(ctx context.Context, act *activity.Activity, ownerUsername string) {
	addr := activity.Addressing{To: []string{d.urls.Followers(ownerUsername)}}
	d.Deliver(ctx, act, addr, ownerUsername)
}

// DeliverSync は宛先を解決して配送し、完了まで待って結果を返す。
// アクターの解決は宛先ごとのゴルーチンで行うため、応答の遅い宛先が他の宛先の配送を遅らせない。
func (d *Dispatcher) DeliverSync(ctx context.Context, act *activity.Activity, addr activity.Addressing, senderUsername string) (*Report, error) {
	payload, err := act.Marshal()
	if err != nil {
		return nil, fmt.Errorf("アクティビティのシリアライズに失敗しました: %w", err)
	}
	key, keyID, err := d.signer.LocalSigningKey(ctx, senderUsername)
	if err != nil {
		return nil, fmt.Errorf("署名鍵の取得に失敗しました: %w", err)
	}
	recipients, err := d.expand(ctx, addr.Recipients(), senderUsername)
	if err != nil {
		return nil, err
	}

	report := &Report{ActivityID: act.ID}
	var (
		mu      sync.Mutex
		claimed = make(map[string]struct{})
	)
	// claim は同じinboxへの配送を1回に限る
	claim := func(inbox string) bool {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := claimed[inbox]; ok {
			return false
		}
		claimed[inbox] = struct{}{}
		return true
	}

	g := new(errgroup.Group)
	g.SetLimit(d.maxConcurrent)
	for _, rc := range recipients {
		g.Go(func() error {
			inbox := rc.inbox
			if inbox == "" {
				inbox = d.inboxFor(ctx, rc.actorURL)
			}
			if inbox == "" || !claim(inbox) {
				return nil
			}
			res := d.deliverOne(ctx, act.ID, payload, Target{InboxURL: inbox, RecipientActorURL: rc.actorURL}, senderUsername, key, keyID)
			mu.Lock()
			report.Results = append(report.Results, res)
			mu.Unlock()

			if rc.edge != nil {
				d.refreshSnapshot(ctx, rc.edge)
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

// DeliverPayload はシリアライズ済みのアクティビティを解決済みの各宛先へ並行して配送する。
// 宛先ごとに独立して署名・送信し、失敗は他の宛先に影響しない。
func (d *Dispatcher) DeliverPayload(ctx context.Context, activityID string, payload []byte, targets []Target, senderUsername string) (*Report, error) {
	report := &Report{ActivityID: activityID, Results: make([]Result, len(targets))}
	if len(targets) == 0 {
		return report, nil
	}

	key, keyID, err := d.signer.LocalSigningKey(ctx, senderUsername)
	if err != nil {
		return nil, fmt.Errorf("署名鍵の取得に失敗しました: %w", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(d.maxConcurrent)
	for i, t := range targets {
		g.Go(func() error {
			report.Results[i] = d.deliverOne(ctx, activityID, payload, t, senderUsername, key, keyID)
			return nil
		})
	}
	_ = g.Wait()

	return report, nil
}

func (d *Dispatcher) deliverOne(ctx context.Context, activityID string, payload []byte, t Target, sender string, key *rsa.PrivateKey, keyID string) Result {
	start := d.now()
	status, err := d.post(ctx, t.InboxURL, payload, key, keyID)
	d.metrics.RecordDeliveryLatency(time.Since(start))
	if status > 0 {
		d.metrics.RecordDeliveryStatus(status)
	}

	res := Result{Target: t, StatusCode: status, Err: err}
	switch Classify(status, err) {
	case AttemptDelivered:
		res.Err = nil
		d.metrics.RecordDelivery("delivered")
		return res

	case AttemptRetry:
		if res.Err == nil {
			res.Err = fmt.Errorf("inboxがステータス %d を返しました", status)
		}
		job := &model.Delivery{
			ActivityID:     activityID,
			InboxURL:       t.InboxURL,
			SenderUsername: sender,
			Payload:        payload,
		}
		ApplyRetry(job, res.Err.Error(), d.now(), 0)
		if qerr := d.queue.Enqueue(ctx, job); qerr != nil {
			d.logger.Error("配送キューへの登録に失敗しました",
				slog.String("activity_id", activityID),
				slog.String("inbox", t.InboxURL),
				slog.String("error", qerr.Error()),
			)
			d.metrics.RecordDelivery("failed")
			return res
		}
		res.Queued = true
		d.metrics.RecordDelivery("queued")
		d.logger.Warn("配送に失敗したため再送キューに登録しました",
			slog.String("activity_id", activityID),
			slog.String("inbox", t.InboxURL),
			slog.Int("status", status),
			slog.String("error", res.Err.Error()),
		)
		return res

	default:
		if res.Err == nil {
			res.Err = fmt.Errorf("%w: inboxがステータス %d を返しました", ErrPermanent, status)
		}
		d.metrics.RecordDelivery("failed")
		d.logger.Warn("配送に失敗しました（再送しません）",
			slog.String("activity_id", activityID),
			slog.String("inbox", t.InboxURL),
			slog.Int("status", status),
			slog.String("error", res.Err.Error()),
		)
		return res
	}
}

// Attempt はキューに登録された配送を1回試行する。redeliveryワーカーから使う。
func (d *Dispatcher) Attempt(ctx context.Context, job *model.Delivery) (AttemptResult, error) {
	key, keyID, err := d.signer.LocalSigningKey(ctx, job.SenderUsername)
	if err != nil {
		if model.IsCode(err, model.ErrCodeUserNotFound) {
			return AttemptDrop, err
		}
		return AttemptRetry, err
	}

	start := d.now()
	status, err := d.post(ctx, job.InboxURL, job.Payload, key, keyID)
	d.metrics.RecordDeliveryLatency(time.Since(start))
	if status > 0 {
		d.metrics.RecordDeliveryStatus(status)
	}

	result := Classify(status, err)
	if err == nil && result != AttemptDelivered {
		err = fmt.Errorf("inboxがステータス %d を返しました", status)
	}
	return result, err
}

// post は署名付きでPOSTし、ステータスコードを返す。
func (d *Dispatcher) post(ctx context.Context, inboxURL string, payload []byte, key *rsa.PrivateKey, keyID string) (int, error) {
	if err := d.guard.ValidateURL(inboxURL); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	// DNS解決の一時的な失敗は再送対象にする
	if err := d.guard.CheckResolved(ctx, inboxURL); err != nil {
		if errors.Is(err, security.ErrBlockedTarget) {
			return 0, fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		return 0, err
	}

	if err := d.limiter(inboxURL).Wait(ctx); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, signingKey{}, &signing{key: key, keyID: keyID, body: payload, now: d.now()})

	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", activity.ContentType).
		SetHeader("Accept", activity.AcceptHeader).
		SetBody(payload).
		SetDoNotParseResponse(true).
		Post(inboxURL)
	if resp != nil && resp.RawBody() != nil {
		defer resp.RawBody().Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.RawBody(), maxResponseDrain))
	}
	if err != nil {
		return 0, err
	}
	return resp.StatusCode(), nil
}

// limiter は配送先ホストごとのレートリミッターを返す。
func (d *Dispatcher) limiter(inboxURL string) *rate.Limiter {
	host := inboxURL
	if u, err := url.Parse(inboxURL); err == nil {
		host = strings.ToLower(u.Host)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[host]
	if !ok {
		l = rate.NewLimiter(d.hostRate, d.hostBurst)
		d.limiters[host] = l
	}
	return l
}

// recipient は配送前の宛先。inboxが空ならアクターを解決して決める。
// edgeはフォロワー展開で得た宛先のフォロー関係で、保存済みinboxの更新に使う。
type recipient struct {
	actorURL string
	inbox    string
	edge     *model.FollowEdge
}

// expand は宛先（アクターURL・フォロワーコレクション）を配送前の宛先に展開する。
// 公開コレクションとローカルアクターは配送対象外。同じアクターは1件にまとめる。
// フォロワーはフォロー時に保存したinboxをそのまま使い、ネットワークアクセスをしない。
func (d *Dispatcher) expand(ctx context.Context, recipients []string, senderUsername string) ([]recipient, error) {
	senderURL := d.urls.Actor(senderUsername)
	followersURL := d.urls.Followers(senderUsername)

	var out []recipient
	seen := make(map[string]struct{})
	add := func(rc recipient) {
		if _, ok := seen[rc.actorURL]; ok {
			return
		}
		seen[rc.actorURL] = struct{}{}
		out = append(out, rc)
	}

	for _, r := range recipients {
		switch {
		case r == "" || r == activity.PublicCollection:
			continue

		case r == followersURL:
			for offset := 0; ; offset += followerPageSize {
				edges, err := d.follows.ListFollowers(ctx, senderURL, offset, followerPageSize)
				if err != nil {
					return nil, fmt.Errorf("フォロワーの取得に失敗しました: %w", err)
				}
				for _, e := range edges {
					add(recipient{actorURL: e.FollowerURL, inbox: e.InboxURL, edge: e})
				}
				if len(edges) < followerPageSize {
					break
				}
			}

		case d.urls.IsLocal(r):
			continue

		default:
			add(recipient{actorURL: r})
		}
	}
	return out, nil
}

// ResolveTargets は宛先を配送先inboxに並行して解決する。sharedInboxが同じ宛先は1件にまとめる。
// 個々のアクター解決の失敗は記録して読み飛ばす。
func (d *Dispatcher) ResolveTargets(ctx context.Context, recipients []string, senderUsername string) ([]Target, error) {
	list, err := d.expand(ctx, recipients, senderUsername)
	if err != nil {
		return nil, err
	}

	inboxes := make([]string, len(list))
	g := new(errgroup.Group)
	g.SetLimit(d.maxConcurrent)
	for i, rc := range list {
		g.Go(func() error {
			inboxes[i] = rc.inbox
			if inboxes[i] == "" {
				inboxes[i] = d.inboxFor(ctx, rc.actorURL)
			}
			return nil
		})
	}
	_ = g.Wait()

	var targets []Target
	seen := make(map[string]struct{})
	for i, inbox := range inboxes {
		if inbox == "" {
			continue
		}
		if _, ok := seen[inbox]; ok {
			continue
		}
		seen[inbox] = struct{}{}
		targets = append(targets, Target{InboxURL: inbox, RecipientActorURL: list[i].actorURL})
	}
	return targets, nil
}

// inboxFor はアクターの配送先inbox（sharedInbox優先）を返す。解決できない場合は空を返す。
func (d *Dispatcher) inboxFor(ctx context.Context, actorURL string) string {
	a, err := d.resolver.ResolveRemoteActor(ctx, actorURL)
	if err != nil {
		d.logger.Warn("配送先アクターを解決できませんでした",
			slog.String("actor", actorURL),
			slog.String("error", err.Error()),
		)
		return ""
	}
	if !a.IsRemote {
		return ""
	}
	return a.DeliveryInbox()
}

// refreshSnapshot は配送後にフォロワーのアクターを解決し直し、inboxが変わっていれば保存し直す。
// 解決の失敗は保存済みのinboxを残したまま無視する。
func (d *Dispatcher) refreshSnapshot(ctx context.Context, edge *model.FollowEdge) {
	a, err := d.resolver.ResolveRemoteActor(ctx, edge.FollowerURL)
	if err != nil || !a.IsRemote {
		return
	}
	inbox := a.DeliveryInbox()
	if inbox == "" || inbox == edge.InboxURL {
		return
	}
	updated := *edge
	updated.InboxURL = inbox
	if err := d.follows.Upsert(ctx, &updated); err != nil {
		d.logger.Warn("フォロワーのinboxの更新に失敗しました",
			slog.String("follower", edge.FollowerURL),
			slog.String("error", err.Error()),
		)
	}
}

// Wait は実行中の非同期配送の完了を待つ。シャットダウン時に使う。
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
