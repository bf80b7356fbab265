package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"

	"github.com/hitoshi/fedcal/internal/activity"
	"github.com/hitoshi/fedcal/internal/model"
)

// ErrInvalidAcct はacct:user@domain 形式でないことを示す。
var ErrInvalidAcct = errors.New("invalid acct resource")

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]*$`)

// ParseAcct は acct:user@domain（acct:と先頭の@は省略可）を分解する。
// ドメインはIDNAで正規化したASCII表現で返す。
func ParseAcct(resource string) (username, domain string, err error) {
	s := strings.TrimSpace(resource)
	if len(s) >= 5 && strings.EqualFold(s[:5], "acct:") {
		s = s[5:]
	}
	s = strings.TrimPrefix(s, "@")

	user, host, ok := strings.Cut(s, "@")
	if !ok || user == "" || host == "" || strings.Contains(host, "@") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAcct, resource)
	}
	if !usernamePattern.MatchString(user) {
		return "", "", fmt.Errorf("%w: invalid username %q", ErrInvalidAcct, user)
	}

	domain, err = NormalizeDomain(host)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidAcct, err)
	}
	return user, domain, nil
}

// NormalizeDomain はホスト（ポート付き可）を小文字ASCIIへ正規化する。
func NormalizeDomain(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("empty domain")
	}

	name, port := host, ""
	if h, p, err := net.SplitHostPort(host); err == nil {
		name, port = h, p
	}
	name = strings.TrimSuffix(name, ".")

	if ip := net.ParseIP(name); ip == nil {
		ascii, err := idna.Lookup.ToASCII(name)
		if err != nil {
			return "", fmt.Errorf("invalid domain %q: %w", host, err)
		}
		name = ascii
	}
	name = strings.ToLower(name)

	if port != "" {
		return net.JoinHostPort(name, port), nil
	}
	return name, nil
}

// WebFinger はローカルユーザーのリソースを解決し、JRDを返す。
// 形式不正は400相当、ドメイン不一致・未登録ユーザーは404相当のエラーになる。
// ネットワーク通信は行わない。
func (d *Directory) WebFinger(ctx context.Context, resource string) (*activity.WebFinger, error) {
	if strings.TrimSpace(resource) == "" {
		return nil, model.NewInvalidResourceError(resource)
	}

	var username, domain string
	if name, ok := d.urls.LocalUsername(resource); ok {
		username, domain = name, d.domain
	} else {
		var err error
		username, domain, err = ParseAcct(resource)
		if err != nil {
			return nil, model.NewInvalidResourceError(resource)
		}
	}

	if domain != d.domain {
		return nil, model.NewResourceNotFoundError(resource)
	}

	user, err := d.users.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewResourceNotFoundError(resource)
	}

	return d.builder.WebFingerFor(user.Username, d.domain), nil
}

// LookupHandle は user@domain 形式のハンドルからアクターを解決する。
// リモートの場合は相手サーバーのWebFingerでアクターURLを得てから取得する。
func (d *Directory) LookupHandle(ctx context.Context, handle string) (*model.Actor, error) {
	username, domain, err := ParseAcct(handle)
	if err != nil {
		return nil, model.NewInvalidResourceError(handle)
	}
	if domain == d.domain {
		return d.ResolveLocalActor(ctx, username)
	}

	resource := "acct:" + username + "@" + domain
	wfURL := (&url.URL{
		Scheme:   "https",
		Host:     domain,
		Path:     "/.well-known/webfinger",
		RawQuery: url.Values{"resource": {resource}}.Encode(),
	}).String()

	body, err := d.fetch(ctx, wfURL, "application/jrd+json, application/json")
	if err != nil {
		return nil, err
	}

	var jrd activity.WebFinger
	if err := json.Unmarshal(body, &jrd); err != nil {
		return nil, model.NewFetchFailedError("WebFingerの応答がJSONではありません")
	}
	href := jrd.SelfLink()
	if href == "" {
		return nil, model.NewResourceNotFoundError(handle)
	}
	return d.ResolveRemoteActor(ctx, href)
}
