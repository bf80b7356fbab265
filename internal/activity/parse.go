package activity

import (
	"encoding/json"
	"errors"
	"net/url"
)

var (
	// ErrInvalidJSON はボディがJSONとして解釈できないことを示す。
	ErrInvalidJSON = errors.New("invalid json")
	// ErrInvalidActivity は必須フィールドの欠落など形式不正を示す。
	ErrInvalidActivity = errors.New("invalid activity")
)

// ValidationError は形式不正の理由を保持する。errors.Is(err, ErrInvalidActivity)が成立する。
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid activity: " + e.Reason }
func (e *ValidationError) Unwrap() error { return ErrInvalidActivity }

func invalid(reason string) error { return &ValidationError{Reason: reason} }

// Envelope は受信アクティビティの共通部分。
type Envelope struct {
	ID         string
	Type       string
	Actor      string
	To         []string
	CC         []string
	ObjectID   string // objectが文字列ならその値、埋め込みならそのid
	ObjectType string // 埋め込みobjectのtype（文字列参照なら空）
	Object     json.RawMessage
	Raw        json.RawMessage
}

// Base は共通部分を返す。
func (e *Envelope) Base() *Envelope { return e }

func (e *Envelope) sealed() {}

// Inbound は受信アクティビティの閉じた直和型。
// 具体型は *Follow, *Response, *Create, *Like, *Announce, *Undo, *Delete, *Update, *Unsupported のいずれか。
type Inbound interface {
	Base() *Envelope
	sealed()
}

// Follow はフォローリクエスト。Targetはフォロー対象のアクターURL。
type Follow struct {
	Envelope
	Target string
}

// Response はAccept・TentativeAccept・Rejectの受信表現。
// Innerはobjectが埋め込みアクティビティの場合のみ設定される。
type Response struct {
	Envelope
	Inner *Envelope
}

// Create はオブジェクト作成。Note以外のオブジェクトではNoteはnil。
type Create struct {
	Envelope
	Note *Note
}

// Like はオブジェクトへのいいね。
type Like struct {
	Envelope
}

// Announce はオブジェクトの共有。
type Announce struct {
	Envelope
}

// Undo は過去のアクティビティの取り消し。Innerは取り消し対象で、文字列参照ならIDのみを持つ。
type Undo struct {
	Envelope
	Inner *Envelope
}

// Delete はオブジェクトまたはアクター自身の削除。
type Delete struct {
	Envelope
}

// Update はオブジェクトの更新。objectの種類に応じてNoteまたはActorが設定される。
type Update struct {
	Envelope
	Note  *Note
	Actor *RemoteActorDocument
}

// Unsupported は対応していない種類のアクティビティ。
type Unsupported struct {
	Envelope
}

// Note は受信したNoteオブジェクト。
type Note struct {
	ID           string
	AttributedTo string
	InReplyTo    string
	Content      string
	Published    string
	To           []string
	CC           []string
}

// Parse は受信ボディを解析し、種類ごとの必須フィールドを検証する。
// 未対応の種類はエラーではなく*Unsupportedとして返す。
func Parse(body []byte) (Inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, ErrInvalidJSON
	}

	env, err := parseEnvelope(fields)
	if err != nil {
		return nil, err
	}
	env.Raw = json.RawMessage(body)

	if env.ID == "" {
		return nil, invalid("missing id")
	}
	if !isAbsoluteURL(env.ID) {
		return nil, invalid("id is not an absolute URL")
	}
	if env.Actor == "" {
		return nil, invalid("missing actor")
	}
	if !isAbsoluteURL(env.Actor) {
		return nil, invalid("actor is not an absolute URL")
	}
	if len(env.Object) == 0 || string(env.Object) == "null" {
		return nil, invalid("missing object")
	}

	switch env.Type {
	case TypeFollow:
		if env.ObjectID == "" {
			return nil, invalid("follow object must reference an actor")
		}
		return &Follow{Envelope: *env, Target: env.ObjectID}, nil

	case TypeAccept, TypeTentativeAccept, TypeReject:
		if env.ObjectID == "" {
			return nil, invalid(env.Type + " object has no id")
		}
		resp := &Response{Envelope: *env}
		if env.ObjectType != "" {
			resp.Inner = parseInner(env.Object)
		}
		return resp, nil

	case TypeCreate:
		if env.ObjectType == "" {
			return nil, invalid("create object must be embedded")
		}
		if env.ObjectID == "" {
			return nil, invalid("create object has no id")
		}
		c := &Create{Envelope: *env}
		if env.ObjectType == TypeNote {
			c.Note = parseNote(env.Object)
		}
		return c, nil

	case TypeLike:
		if env.ObjectID == "" {
			return nil, invalid("like object has no id")
		}
		return &Like{Envelope: *env}, nil

	case TypeAnnounce:
		if env.ObjectID == "" {
			return nil, invalid("announce object has no id")
		}
		return &Announce{Envelope: *env}, nil

	case TypeUndo:
		inner := parseInner(env.Object)
		if inner == nil || (inner.ID == "" && inner.Type == "") {
			return nil, invalid("undo object is empty")
		}
		return &Undo{Envelope: *env, Inner: inner}, nil

	case TypeDelete:
		if env.ObjectID == "" {
			return nil, invalid("delete object has no id")
		}
		return &Delete{Envelope: *env}, nil

	case TypeUpdate:
		if env.ObjectType == "" {
			return nil, invalid("update object must be embedded")
		}
		u := &Update{Envelope: *env}
		switch env.ObjectType {
		case TypeNote:
			u.Note = parseNote(env.Object)
		default:
			var doc RemoteActorDocument
			if err := json.Unmarshal(env.Object, &doc); err == nil && doc.IsActor() {
				u.Actor = &doc
			}
		}
		return u, nil

	default:
		return &Unsupported{Envelope: *env}, nil
	}
}

func parseEnvelope(fields map[string]json.RawMessage) (*Envelope, error) {
	env := &Envelope{
		ID:     stringOf(fields["id"]),
		Type:   typeOf(fields["type"]),
		Actor:  idOf(fields["actor"]),
		To:     stringList(fields["to"]),
		CC:     stringList(fields["cc"]),
		Object: fields["object"],
	}
	if env.Type == "" {
		return nil, invalid("missing type")
	}
	env.ObjectID = idOf(env.Object)
	env.ObjectType = embeddedType(env.Object)
	return env, nil
}

// parseInner は埋め込みまたは文字列参照のアクティビティを共通部分として解析する。
func parseInner(raw json.RawMessage) *Envelope {
	if len(raw) == 0 {
		return nil
	}
	if id := stringOf(raw); id != "" {
		return &Envelope{ID: id}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	inner := &Envelope{
		ID:     stringOf(fields["id"]),
		Type:   typeOf(fields["type"]),
		Actor:  idOf(fields["actor"]),
		To:     stringList(fields["to"]),
		CC:     stringList(fields["cc"]),
		Object: fields["object"],
		Raw:    raw,
	}
	inner.ObjectID = idOf(inner.Object)
	inner.ObjectType = embeddedType(inner.Object)
	return inner
}

func parseNote(raw json.RawMessage) *Note {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	return &Note{
		ID:           stringOf(fields["id"]),
		AttributedTo: idOf(fields["attributedTo"]),
		InReplyTo:    idOf(fields["inReplyTo"]),
		Content:      stringOf(fields["content"]),
		Published:    stringOf(fields["published"]),
		To:           stringList(fields["to"]),
		CC:           stringList(fields["cc"]),
	}
}

func stringOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// idOf は文字列参照・埋め込みオブジェクト・配列の先頭のいずれかからIDを取り出す。
func idOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if s := stringOf(raw); s != "" {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return idOf(list[0])
	}
	return ""
}

// typeOf はtypeが文字列でも配列でも先頭の値を返す。
func typeOf(raw json.RawMessage) string {
	if s := stringOf(raw); s != "" {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

// embeddedType は埋め込みオブジェクトのtypeを返す。文字列参照なら空。
func embeddedType(raw json.RawMessage) string {
	var obj struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	return typeOf(obj.Type)
}

func stringList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	if s := stringOf(raw); s != "" {
		return []string{s}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}
