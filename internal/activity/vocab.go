// Package activity はActivityPubのアクティビティ文書の構築、宛先解決、受信文書の解析を提供する。
package activity

import (
	"encoding/json"
	"strings"
)

const (
	// ActivityStreamsContext はActivity Streams 2.0の@context。
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	// SecurityContext は公開鍵表現のための@context。
	SecurityContext = "https://w3id.org/security/v1"
	// PublicCollection は公開宛先を表す特別なコレクション。
	PublicCollection = "https://www.w3.org/ns/activitystreams#Public"

	// ContentType はActivityPub文書のContent-Type。
	ContentType = "application/activity+json"
	// LDContentType はJSON-LDプロファイル付きのContent-Type。
	LDContentType = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	// AcceptHeader はリモート文書を取得するときのAcceptヘッダー値。
	AcceptHeader = ContentType + ", " + LDContentType
)

// アクティビティとオブジェクトの種類
const (
	TypeCreate          = "Create"
	TypeUpdate          = "Update"
	TypeDelete          = "Delete"
	TypeFollow          = "Follow"
	TypeAccept          = "Accept"
	TypeTentativeAccept = "TentativeAccept"
	TypeReject          = "Reject"
	TypeLike            = "Like"
	TypeAnnounce        = "Announce"
	TypeUndo            = "Undo"

	TypePerson     = "Person"
	TypeEvent      = "Event"
	TypeNote       = "Note"
	TypeTombstone  = "Tombstone"
	TypePlace      = "Place"
	TypeImage      = "Image"
	TypeKey        = "Key"
	TypeCollection = "OrderedCollection"
	TypePage       = "OrderedCollectionPage"
)

// defaultContext は送信するアクティビティに付与する@context。
var defaultContext = []any{ActivityStreamsContext, SecurityContext}

// IsActivityPubContentType はContent-TypeがActivityPub文書を示すかを返す。
func IsActivityPubContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, ContentType) ||
		(strings.HasPrefix(ct, "application/ld+json") && strings.Contains(ct, "activitystreams"))
}

// Activity は送信用のアクティビティ文書。
type Activity struct {
	Context   any      `json:"@context,omitempty"`
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Actor     string   `json:"actor"`
	Object    any      `json:"object"`
	To        []string `json:"to,omitempty"`
	CC        []string `json:"cc,omitempty"`
	Published string   `json:"published,omitempty"`
}

// Marshal は配送用のJSONを返す。
func (a *Activity) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// Image はアイコン・ヘッダー・イベント画像を表す。
type Image struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
}

// Place はイベントの開催場所を表す。
type Place struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// EventObject はイベントのActivityPubオブジェクト表現。
type EventObject struct {
	Context                 any      `json:"@context,omitempty"`
	ID                      string   `json:"id"`
	Type                    string   `json:"type"`
	Name                    string   `json:"name"`
	Content                 string   `json:"content,omitempty"`
	AttributedTo            string   `json:"attributedTo"`
	StartTime               string   `json:"startTime"`
	EndTime                 string   `json:"endTime,omitempty"`
	Location                *Place   `json:"location,omitempty"`
	Attachment              []Image  `json:"attachment,omitempty"`
	EventStatus             string   `json:"eventStatus,omitempty"`
	EventAttendanceMode     string   `json:"eventAttendanceMode,omitempty"`
	MaximumAttendeeCapacity *int     `json:"maximumAttendeeCapacity,omitempty"`
	URL                     string   `json:"url,omitempty"`
	To                      []string `json:"to,omitempty"`
	CC                      []string `json:"cc,omitempty"`
	Published               string   `json:"published,omitempty"`
	Updated                 string   `json:"updated,omitempty"`
}

// Tombstone は削除済みオブジェクトを表す。
type Tombstone struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	FormerType string `json:"formerType,omitempty"`
}

// PublicKey はアクター文書に埋め込む公開鍵。
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPEM string `json:"publicKeyPem"`
}

// Endpoints はアクターの追加エンドポイント。
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// PersonDocument はローカルアクターを公開するときの文書。
type PersonDocument struct {
	Context                   any       `json:"@context"`
	ID                        string    `json:"id"`
	Type                      string    `json:"type"`
	PreferredUsername         string    `json:"preferredUsername"`
	Name                      string    `json:"name,omitempty"`
	Summary                   string    `json:"summary,omitempty"`
	URL                       string    `json:"url,omitempty"`
	Inbox                     string    `json:"inbox"`
	Outbox                    string    `json:"outbox"`
	Followers                 string    `json:"followers"`
	Following                 string    `json:"following"`
	Endpoints                 Endpoints `json:"endpoints"`
	ManuallyApprovesFollowers bool      `json:"manuallyApprovesFollowers"`
	PublicKey                 PublicKey `json:"publicKey"`
	Icon                      *Image    `json:"icon,omitempty"`
	Image                     *Image    `json:"image,omitempty"`
	DisplayColor              string    `json:"displayColor,omitempty"`
}

// RemoteActorDocument はリモートから取得したアクター文書の受信用表現。
// iconなどは実装により単体・配列の両方があるためRawMessageで受ける。
type RemoteActorDocument struct {
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	PreferredUsername string          `json:"preferredUsername"`
	Name              string          `json:"name"`
	Summary           string          `json:"summary"`
	Inbox             string          `json:"inbox"`
	Outbox            string          `json:"outbox"`
	Followers         string          `json:"followers"`
	Following         string          `json:"following"`
	Endpoints         Endpoints       `json:"endpoints"`
	PublicKey         json.RawMessage `json:"publicKey"`
	Icon              json.RawMessage `json:"icon"`

	// keyIdがアクターではなく鍵文書を指す場合に使う
	Owner        string `json:"owner"`
	PublicKeyPEM string `json:"publicKeyPem"`
}

// IsActor はアクターとして扱える種類かを返す。
func (d *RemoteActorDocument) IsActor() bool {
	switch d.Type {
	case "Person", "Service", "Application", "Group", "Organization":
		return true
	}
	return false
}

// Key は公開鍵を取り出す。publicKeyは単体と配列の両方を受け付ける。
func (d *RemoteActorDocument) Key() (PublicKey, bool) {
	var single PublicKey
	if err := json.Unmarshal(d.PublicKey, &single); err == nil && single.PublicKeyPEM != "" {
		return single, true
	}
	var many []PublicKey
	if err := json.Unmarshal(d.PublicKey, &many); err == nil {
		for _, k := range many {
			if k.PublicKeyPEM != "" {
				return k, true
			}
		}
	}
	return PublicKey{}, false
}

// IconURL はアイコン画像のURLを取り出す。
func (d *RemoteActorDocument) IconURL() string {
	var single Image
	if err := json.Unmarshal(d.Icon, &single); err == nil && single.URL != "" {
		return single.URL
	}
	var many []Image
	if err := json.Unmarshal(d.Icon, &many); err == nil && len(many) > 0 {
		return many[0].URL
	}
	var bare string
	if err := json.Unmarshal(d.Icon, &bare); err == nil {
		return bare
	}
	return ""
}

// WebFingerLink はJRDのリンク。
type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// WebFinger はWebFingerのJRD文書。
type WebFinger struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

// SelfLink はActivityPubのアクターを指すselfリンクのhrefを返す。
func (w *WebFinger) SelfLink() string {
	for _, l := range w.Links {
		if l.Rel != "self" {
			continue
		}
		if l.Type == "" || IsActivityPubContentType(l.Type) {
			return l.Href
		}
	}
	return ""
}
