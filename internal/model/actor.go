package model

import (
	"strings"
	"time"
)

// Actor はローカルまたはリモートのアクター（ActivityPubのPerson）を表す。
// リモートアクターは秘密鍵を保持しない。ローカルアクターは初回アクセス時に鍵ペアが生成される。
type Actor struct {
	ID               string
	ActorURL         string // 安定したアクターID（URL）
	Username         string
	Domain           string
	DisplayName      string
	Summary          string
	InboxURL         string
	SharedInboxURL   string // 任意
	OutboxURL        string
	FollowersURL     string
	FollowingURL     string
	IconURL          string
	PublicKeyPEM     string
	PrivateKeySealed string // ageで暗号化された秘密鍵（ローカルのみ）
	IsRemote         bool
	LastFetchedAt    time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Handle は username@domain 形式のハンドルを返す。
func (a *Actor) Handle() string {
	if a.Domain == "" {
		return a.Username
	}
	return a.Username + "@" + a.Domain
}

// KeyID はHTTP Signatureで使用するkeyIdを返す。
func (a *Actor) KeyID() string {
	return a.ActorURL + "#main-key"
}

// HasKeys は公開鍵と秘密鍵の両方が揃っているかを返す。
func (a *Actor) HasKeys() bool {
	return a.PublicKeyPEM != "" && a.PrivateKeySealed != ""
}

// DeliveryInbox は配送先として使うinbox URLを返す。
// sharedInboxがあればそちらを優先する。
func (a *Actor) DeliveryInbox() string {
	if a.SharedInboxURL != "" {
		return a.SharedInboxURL
	}
	return a.InboxURL
}

// StripFragment はkeyIdなどのURLからフラグメント部分を取り除く。
func StripFragment(rawURL string) string {
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// LocalUser は外部コラボレーター（ユーザー管理）が所有するローカルユーザーの読み取り専用レコード。
type LocalUser struct {
	ID                        string
	Username                  string
	DisplayName               string
	Summary                   string
	AvatarURL                 string
	HeaderURL                 string
	DisplayColor              string
	ManuallyApprovesFollowers bool
	CreatedAt                 time.Time
}
