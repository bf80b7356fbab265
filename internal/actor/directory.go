// Package actor はローカル・リモートアクターの解決と鍵管理を提供する。
// ローカルアクターの鍵ペアは初回アクセス時に生成し、リモートアクターは取得後にキャッシュする。
package actor

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/fedcal/internal/activity"
	"github.com/hitoshi/fedcal/internal/httpsig"
	"github.com/hitoshi/fedcal/internal/metrics"
	"github.com/hitoshi/fedcal/internal/model"
	"github.com/hitoshi/fedcal/internal/repository"
	"github.com/hitoshi/fedcal/internal/security"
)

const (
	// UserAgent はリモートサーバーへのリクエストに付与するUser-Agent。
	UserAgent = "fedcal/1.0 (+ActivityPub)"

	// minRefetchInterval は鍵の再取得を許可する最短間隔。
	// 不正な署名を大量に送られても取得が増幅しないようにする。
	minRefetchInterval = time.Minute

	defaultCacheSize = 1024
	defaultCacheTTL  = 10 * time.Minute
	defaultMaxSize   = 1 << 20
)

// Options はDirectoryの設定。
type Options struct {
	BaseURL      string
	Domain       string
	KeyBits      int
	CacheSize    int
	CacheTTL     time.Duration
	FetchTimeout time.Duration
	FetchMaxSize int64
	// HTTPClient はリモート取得に使うクライアント。nilならSSRFガードの安全なクライアントを使う。
	HTTPClient *http.Client
	Sanitizer  security.ContentSanitizerService
	Metrics    metrics.MetricsCollector
	Logger     *slog.Logger
}

// Directory はアクターの解決を担う。
type Directory struct {
	users     repository.UserRepository
	actors    repository.ActorRepository
	sealer    security.KeySealer
	guard     security.SSRFGuardService
	sanitizer security.ContentSanitizerService
	client    *resty.Client
	cache     *expirable.LRU[string, *model.Actor]
	group     singleflight.Group
	builder   *activity.Builder
	urls      activity.URLs
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	domain    string
	keyBits   int
	maxSize   int64
	// sharedTimeout は同時取得をまとめた処理の上限時間。呼び出し元のキャンセルとは切り離す。
	sharedTimeout time.Duration
	now           func() time.Time
}

// NewDirectory はDirectoryの新しいインスタンスを生成する。
func NewDirectory(
	users repository.UserRepository,
	actors repository.ActorRepository,
	sealer security.KeySealer,
	guard security.SSRFGuardService,
	opts Options,
) *Directory {
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.FetchMaxSize <= 0 {
		opts.FetchMaxSize = defaultMaxSize
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.KeyBits <= 0 {
		opts.KeyBits = 2048
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = guard.NewSafeClient(opts.FetchTimeout, opts.FetchMaxSize)
	}
	client := resty.NewWithClient(httpClient).
		SetTimeout(opts.FetchTimeout).
		SetHeader("User-Agent", UserAgent)

	domain, err := NormalizeDomain(opts.Domain)
	if err != nil {
		domain = strings.ToLower(opts.Domain)
	}

	urls := activity.NewURLs(opts.BaseURL)
	return &Directory{
		users:     users,
		actors:    actors,
		sealer:    sealer,
		guard:     guard,
		sanitizer: opts.Sanitizer,
		client:    client,
		cache:     expirable.NewLRU[string, *model.Actor](opts.CacheSize, nil, opts.CacheTTL),
		builder:   activity.NewBuilder(urls),
		urls:      urls,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		domain:    domain,
		// 鍵文書から所有者を1段たどる分を含める
		sharedTimeout: 2 * opts.FetchTimeout,
		keyBits:       opts.KeyBits,
		maxSize:       opts.FetchMaxSize,
		now:           time.Now,
	}
}

// Domain は正規化済みのローカルドメインを返す。
func (d *Directory) Domain() string { return d.domain }

// ResolveLocalActor はローカルユーザーのアクターを返す。鍵ペアがなければ生成して保存する。
// 同時に初回アクセスがあっても、最後に保存された鍵ペアに収束する。
func (d *Directory) ResolveLocalActor(ctx context.Context, username string) (*model.Actor, error) {
	user, err := d.users.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError(username)
	}

	actorURL := d.urls.Actor(user.Username)
	existing, err := d.actors.FindByURL(ctx, actorURL)
	if err != nil {
		return nil, fmt.Errorf("アクターの取得に失敗しました: %w", err)
	}
	if existing != nil && existing.HasKeys() {
		return existing, nil
	}

	return d.shared(ctx, "local:"+user.Username, func(ctx context.Context) (*model.Actor, error) {
		return d.provisionLocal(ctx, user, existing)
	})
}

// shared はkeyごとの同時実行を1回にまとめる。
// 実行は最初の呼び出し元のキャンセルから切り離し、各呼び出し元は自分のctxが終われば待つのをやめる。
func (d *Directory) shared(ctx context.Context, key string, fn func(context.Context) (*model.Actor, error)) (*model.Actor, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.sharedTimeout)
		defer cancel()
		return fn(sctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		a := *res.Val.(*model.Actor)
		return &a, nil
	}
}

// provisionLocal は鍵ペアを生成・暗号化して保存し、保存後の値を読み直して返す。
func (d *Directory) provisionLocal(ctx context.Context, user *model.LocalUser, existing *model.Actor) (*model.Actor, error) {
	privPEM, pubPEM, err := httpsig.GenerateKeyPair(d.keyBits)
	if err != nil {
		return nil, err
	}
	sealed, err := d.sealer.Seal([]byte(privPEM))
	if err != nil {
		return nil, fmt.Errorf("秘密鍵の暗号化に失敗しました: %w", err)
	}

	actorURL := d.urls.Actor(user.Username)
	if existing == nil {
		a := &model.Actor{
			ActorURL:         actorURL,
			Username:         user.Username,
			Domain:           d.domain,
			DisplayName:      user.DisplayName,
			Summary:          user.Summary,
			InboxURL:         d.urls.Inbox(user.Username),
			SharedInboxURL:   d.urls.SharedInbox(),
			OutboxURL:        d.urls.Outbox(user.Username),
			FollowersURL:     d.urls.Followers(user.Username),
			FollowingURL:     d.urls.Following(user.Username),
			IconURL:          user.AvatarURL,
			PublicKeyPEM:     pubPEM,
			PrivateKeySealed: sealed,
			IsRemote:         false,
		}
		if err := d.actors.Upsert(ctx, a); err != nil {
			return nil, fmt.Errorf("ローカルアクターの保存に失敗しました: %w", err)
		}
	} else if err := d.actors.SetKeys(ctx, actorURL, pubPEM, sealed); err != nil {
		return nil, fmt.Errorf("鍵ペアの保存に失敗しました: %w", err)
	}

	stored, err := d.actors.FindByURL(ctx, actorURL)
	if err != nil {
		return nil, fmt.Errorf("アクターの再取得に失敗しました: %w", err)
	}
	if stored == nil || !stored.HasKeys() {
		return nil, fmt.Errorf("保存した鍵ペアが見つかりません: %s", actorURL)
	}

	d.logger.Info("ローカルアクターの鍵ペアを生成しました",
		slog.String("actor", actorURL),
	)
	return stored, nil
}

// LocalSigningKey はローカルアクターの署名鍵とkeyIdを返す。
func (d *Directory) LocalSigningKey(ctx context.Context, username string) (*rsa.PrivateKey, string, error) {
	a, err := d.ResolveLocalActor(ctx, username)
	if err != nil {
		return nil, "", err
	}
	plain, err := d.sealer.Open(a.PrivateKeySealed)
	if err != nil {
		return nil, "", fmt.Errorf("秘密鍵の復号に失敗しました: %w", err)
	}
	key, err := httpsig.ParsePrivateKey(string(plain))
	if err != nil {
		return nil, "", err
	}
	return key, a.KeyID(), nil
}

// ResolveRemoteActor はアクターURLからアクターを解決する。
// キャッシュ（メモリ→DB）にあればそれを返し、なければ安全確認のうえ取得して保存する。
// ローカルアクターのURLであればローカル解決に委ねる。
func (d *Directory) ResolveRemoteActor(ctx context.Context, actorURL string) (*model.Actor, error) {
	actorURL = model.StripFragment(actorURL)
	if username, ok := d.urls.LocalUsername(actorURL); ok {
		return d.ResolveLocalActor(ctx, username)
	}

	if a, ok := d.cache.Get(actorURL); ok {
		cp := *a
		return &cp, nil
	}

	stored, err := d.actors.FindByURL(ctx, actorURL)
	if err != nil {
		return nil, fmt.Errorf("アクターの取得に失敗しました: %w", err)
	}
	if stored != nil && stored.IsRemote {
		d.remember(actorURL, stored)
		return stored, nil
	}

	return d.fetchShared(ctx, actorURL)
}

// RefreshRemoteActor はキャッシュを無視してリモートアクターを取得し直す。
func (d *Directory) RefreshRemoteActor(ctx context.Context, actorURL string) (*model.Actor, error) {
	actorURL = model.StripFragment(actorURL)
	if d.urls.IsLocal(actorURL) {
		return nil, fmt.Errorf("ローカルアクターは再取得できません: %s", actorURL)
	}
	return d.fetchShared(ctx, actorURL)
}

// ResolvePublicKey はkeyIdから署名者のアクターを解決する。
func (d *Directory) ResolvePublicKey(ctx context.Context, keyID string) (*model.Actor, error) {
	if a, ok := d.cache.Get(keyID); ok {
		cp := *a
		return &cp, nil
	}
	return d.ResolveRemoteActor(ctx, keyID)
}

// RefreshPublicKey は鍵のローテーションに備えてアクターを1回だけ取得し直す。
// 直近に取得済みの場合は通信せず、changed=falseを返す。
func (d *Directory) RefreshPublicKey(ctx context.Context, keyID string) (*model.Actor, bool, error) {
	current, err := d.ResolvePublicKey(ctx, keyID)
	if err != nil {
		return nil, false, err
	}
	if !current.IsRemote || d.now().Sub(current.LastFetchedAt) < minRefetchInterval {
		return current, false, nil
	}

	fresh, err := d.RefreshRemoteActor(ctx, current.ActorURL)
	if err != nil {
		return nil, false, err
	}
	if model.StripFragment(keyID) != current.ActorURL {
		d.cache.Add(keyID, fresh)
	}
	return fresh, fresh.PublicKeyPEM != current.PublicKeyPEM, nil
}

// ForgetRemoteActor はリモートアクターをキャッシュとDBから削除する。
func (d *Directory) ForgetRemoteActor(ctx context.Context, actorURL string) error {
	actorURL = model.StripFragment(actorURL)
	if d.urls.IsLocal(actorURL) {
		return nil
	}
	d.cache.Remove(actorURL)
	if err := d.actors.DeleteByURL(ctx, actorURL); err != nil {
		return fmt.Errorf("アクターの削除に失敗しました: %w", err)
	}
	return nil
}

func (d *Directory) remember(key string, a *model.Actor) {
	cp := *a
	d.cache.Add(key, &cp)
}

// fetchShared は同一URLへの同時取得を1回にまとめる。ロックを保持したまま通信はしない。
func (d *Directory) fetchShared(ctx context.Context, actorURL string) (*model.Actor, error) {
	return d.shared(ctx, "remote:"+actorURL, func(ctx context.Context) (*model.Actor, error) {
		return d.fetchRemote(ctx, actorURL, true)
	})
}

// fetchRemote はアクター文書を取得して保存する。
// keyIdが鍵文書を指していた場合は所有者のアクターを1段だけたどる。
func (d *Directory) fetchRemote(ctx context.Context, rawURL string, followOwner bool) (*model.Actor, error) {
	body, err := d.fetch(ctx, rawURL, activity.AcceptHeader)
	if err != nil {
		return nil, err
	}

	var doc activity.RemoteActorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		d.metrics.RecordRemoteFetch("failure")
		return nil, model.NewFetchFailedError("アクター文書がJSONではありません")
	}

	if !doc.IsActor() {
		if followOwner && doc.Owner != "" && doc.PublicKeyPEM != "" && sameHost(doc.Owner, rawURL) {
			owner, err := d.fetchRemote(ctx, model.StripFragment(doc.Owner), false)
			if err != nil {
				return nil, err
			}
			d.cache.Add(rawURL, owner)
			return owner, nil
		}
		d.metrics.RecordRemoteFetch("failure")
		return nil, model.NewFetchFailedError(fmt.Sprintf("アクターではない文書です: %s", doc.Type))
	}

	a, err := d.toActor(&doc, rawURL)
	if err != nil {
		d.metrics.RecordRemoteFetch("failure")
		return nil, err
	}

	if err := d.actors.Upsert(ctx, a); err != nil {
		return nil, fmt.Errorf("リモートアクターの保存に失敗しました: %w", err)
	}
	d.remember(a.ActorURL, a)
	d.metrics.RecordRemoteFetch("success")

	d.logger.Debug("リモートアクターを取得しました",
		slog.String("actor", a.ActorURL),
		slog.String("inbox", a.InboxURL),
	)
	return a, nil
}

// toActor はアクター文書を検証してモデルへ変換する。
// 文書のidは取得元と同じホストでなければならない。
func (d *Directory) toActor(doc *activity.RemoteActorDocument, fetchedURL string) (*model.Actor, error) {
	if doc.ID == "" || !sameHost(doc.ID, fetchedURL) {
		return nil, model.NewFetchFailedError("アクターのidが取得元と一致しません")
	}
	if doc.Inbox == "" {
		return nil, model.NewFetchFailedError("inboxがありません")
	}
	key, ok := doc.Key()
	if !ok {
		return nil, model.NewFetchFailedError("公開鍵がありません")
	}
	if key.Owner != "" && model.StripFragment(key.Owner) != doc.ID {
		return nil, model.NewFetchFailedError("公開鍵の所有者がアクターと一致しません")
	}
	if _, err := httpsig.ParsePublicKey(key.PublicKeyPEM); err != nil {
		return nil, model.NewFetchFailedError("公開鍵を解析できません")
	}

	parsed, _ := url.Parse(doc.ID)
	domain, err := NormalizeDomain(parsed.Host)
	if err != nil {
		domain = strings.ToLower(parsed.Host)
	}

	name, summary := doc.Name, doc.Summary
	if d.sanitizer != nil {
		name = d.sanitizer.StripTags(name)
		summary = d.sanitizer.Sanitize(summary)
	}

	return &model.Actor{
		ActorURL:       doc.ID,
		Username:       doc.PreferredUsername,
		Domain:         domain,
		DisplayName:    name,
		Summary:        summary,
		InboxURL:       doc.Inbox,
		SharedInboxURL: doc.Endpoints.SharedInbox,
		OutboxURL:      doc.Outbox,
		FollowersURL:   doc.Followers,
		FollowingURL:   doc.Following,
		IconURL:        doc.IconURL(),
		PublicKeyPEM:   key.PublicKeyPEM,
		IsRemote:       true,
		LastFetchedAt:  d.now(),
	}, nil
}

// fetch は接続先を事前にDNS解決して検査したうえでGETする。
// 内部ネットワークを指す場合はリクエストを発行せずに拒否する。
func (d *Directory) fetch(ctx context.Context, rawURL, accept string) ([]byte, error) {
	if err := d.guard.CheckResolved(ctx, rawURL); err != nil {
		if errors.Is(err, security.ErrBlockedTarget) {
			d.metrics.RecordRemoteFetch("blocked")
			d.logger.Warn("SSRFポリシーによりリモート取得を拒否しました",
				slog.String("url", rawURL),
				slog.String("error", err.Error()),
			)
			return nil, fmt.Errorf("%w: %w", model.NewSSRFBlockedError(rawURL), err)
		}
		d.metrics.RecordRemoteFetch("failure")
		return nil, fmt.Errorf("%w: %w", model.NewFetchFailedError(rawURL), err)
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Accept", accept).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if resp != nil && resp.RawBody() != nil {
		defer resp.RawBody().Close()
	}
	if err != nil {
		d.metrics.RecordRemoteFetch("failure")
		return nil, fmt.Errorf("%w: %w", model.NewFetchFailedError(rawURL), err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound || code == http.StatusGone:
		d.metrics.RecordRemoteFetch("failure")
		return nil, model.NewActorNotFoundError(rawURL)
	case code < 200 || code >= 300:
		d.metrics.RecordRemoteFetch("failure")
		return nil, model.NewFetchFailedError(fmt.Sprintf("%s がステータス %d を返しました", rawURL, code))
	}

	body, err := io.ReadAll(io.LimitReader(resp.RawBody(), d.maxSize+1))
	if err != nil {
		d.metrics.RecordRemoteFetch("failure")
		return nil, fmt.Errorf("%w: %w", model.NewFetchFailedError(rawURL), err)
	}
	if int64(len(body)) > d.maxSize {
		d.metrics.RecordRemoteFetch("failure")
		return nil, model.NewFetchFailedError(fmt.Sprintf("レスポンスが大きすぎます: %s", rawURL))
	}
	return body, nil
}

func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Host != "" && strings.EqualFold(ua.Host, ub.Host)
}
