package activity

import (
	"strings"

	"github.com/google/uuid"
)

// URLs はローカルのActivityPubエンドポイントのURLを組み立てる。
// Baseは末尾スラッシュなしのBASE_URL。
type URLs struct {
	Base string
}

// NewURLs は新しいURLsを生成する。
func NewURLs(base string) URLs {
	return URLs{Base: strings.TrimRight(base, "/")}
}

func (u URLs) Actor(username string) string     { return u.Base + "/users/" + username }
func (u URLs) Inbox(username string) string     { return u.Actor(username) + "/inbox" }
func (u URLs) Outbox(username string) string    { return u.Actor(username) + "/outbox" }
func (u URLs) Followers(username string) string { return u.Actor(username) + "/followers" }
func (u URLs) Following(username string) string { return u.Actor(username) + "/following" }
func (u URLs) SharedInbox() string              { return u.Base + "/inbox" }
func (u URLs) Event(id string) string           { return u.Base + "/events/" + id }

// NewActivityID は新しいアクティビティIDを発行する。
func (u URLs) NewActivityID() string {
	return u.Base + "/activities/" + uuid.NewString()
}

// LocalUsername はローカルアクターURLからユーザー名を取り出す。
// ローカルアクターでない場合はfalseを返す。
func (u URLs) LocalUsername(actorURL string) (string, bool) {
	prefix := u.Base + "/users/"
	if !strings.HasPrefix(actorURL, prefix) {
		return "", false
	}
	name := strings.TrimPrefix(actorURL, prefix)
	if name == "" || strings.ContainsAny(name, "/?#") {
		return "", false
	}
	return name, true
}

// LocalEventID はローカルイベントURLからイベントIDを取り出す。
func (u URLs) LocalEventID(objectURL string) (string, bool) {
	prefix := u.Base + "/events/"
	if !strings.HasPrefix(objectURL, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(objectURL, prefix)
	if id == "" || strings.ContainsAny(id, "/?#") {
		return "", false
	}
	return id, true
}

// IsLocal はURLがこのサーバー上のものかを返す。
func (u URLs) IsLocal(rawURL string) bool {
	return rawURL == u.Base || strings.HasPrefix(rawURL, u.Base+"/")
}
