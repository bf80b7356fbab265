package activity

import "github.com/hitoshi/fedcal/internal/model"

// Scope はリアルタイム通知の配信範囲を表す。
type Scope string

const (
	ScopePublic    Scope = "public"
	ScopeFollowers Scope = "followers"
	ScopeDirect    Scope = "direct"
)

// Addressing はアクティビティのto/ccを表す。
// アクティビティごとに1回だけ計算し、配送とリアルタイム通知の両方で使い回す。
type Addressing struct {
	To []string
	CC []string
}

// Resolve は公開範囲から宛先を決める。
//
//	PUBLIC            to: [Public]     cc: [followers]
//	FOLLOWERS         to: [followers]  cc: []
//	PRIVATE/UNLISTED  to: []           cc: []  （個別の宛先は呼び出し側が追加する）
func Resolve(visibility model.Visibility, ownerActorURL, followersURL string) Addressing {
	switch visibility {
	case model.VisibilityPublic:
		return Addressing{To: []string{PublicCollection}, CC: []string{followersURL}}
	case model.VisibilityFollowers:
		return Addressing{To: []string{followersURL}, CC: []string{}}
	default:
		return Addressing{To: []string{}, CC: []string{}}
	}
}

// WithRecipient は個別の宛先をtoに加えた新しいAddressingを返す。
func (a Addressing) WithRecipient(actorURL string) Addressing {
	for _, r := range a.To {
		if r == actorURL {
			return a
		}
	}
	to := make([]string, 0, len(a.To)+1)
	to = append(to, a.To...)
	to = append(to, actorURL)
	return Addressing{To: to, CC: append([]string{}, a.CC...)}
}

// Recipients はto・ccを重複なく連結して返す。
func (a Addressing) Recipients() []string {
	seen := make(map[string]struct{}, len(a.To)+len(a.CC))
	out := make([]string, 0, len(a.To)+len(a.CC))
	for _, list := range [][]string{a.To, a.CC} {
		for _, r := range list {
			if r == "" {
				continue
			}
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// IsPublic は公開コレクションを宛先に含むかを返す。
func (a Addressing) IsPublic() bool {
	for _, r := range a.Recipients() {
		if r == PublicCollection {
			return true
		}
	}
	return false
}

// Scope はリアルタイム通知の配信範囲を返す。
func (a Addressing) Scope(followersURL string) Scope {
	if a.IsPublic() {
		return ScopePublic
	}
	for _, r := range a.Recipients() {
		if r == followersURL {
			return ScopeFollowers
		}
	}
	return ScopeDirect
}

// Apply はアクティビティにto/ccを設定する。
func (a Addressing) Apply(act *Activity) *Activity {
	act.To = append([]string{}, a.To...)
	act.CC = append([]string{}, a.CC...)
	return act
}
