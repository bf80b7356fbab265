package handler

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"filippo.io/age"

	"github.com/hitoshi/fedcal/internal/activity"
	"github.com/hitoshi/fedcal/internal/actor"
	"github.com/hitoshi/fedcal/internal/collection"
	"github.com/hitoshi/fedcal/internal/httpsig"
	"github.com/hitoshi/fedcal/internal/inbox"
	"github.com/hitoshi/fedcal/internal/model"
	"github.com/hitoshi/fedcal/internal/repository/memory"
	"github.com/hitoshi/fedcal/internal/security"
)

const bobURL = "https://remote.example/users/bob"

// denyGuard はリモート取得を一切許可しないSSRFガード。ローカルの操作だけを検証する。
type denyGuard struct{}

func (denyGuard) NewSafeClient(timeout time.Duration, _ int64) *http.Client {
	return &http.Client{Timeout: timeout}
}
func (denyGuard) ValidateURL(string) error                    { return security.ErrBlockedTarget }
func (denyGuard) CheckResolved(context.Context, string) error { return security.ErrBlockedTarget }

// keyDirectory はbobの公開鍵だけを知っている受信側のアクターディレクトリ。
type keyDirectory struct {
	bob *model.Actor
}

func (d *keyDirectory) lookup(rawURL string) (*model.Actor, error) {
	if model.StripFragment(rawURL) != bobURL {
		return nil, model.NewActorNotFoundError(rawURL)
	}
	cp := *d.bob
	return &cp, nil
}

func (d *keyDirectory) ResolvePublicKey(_ context.Context, keyID string) (*model.Actor, error) {
	return d.lookup(keyID)
}

func (d *keyDirectory) RefreshPublicKey(_ context.Context, keyID string) (*model.Actor, bool, error) {
	a, err := d.lookup(keyID)
	return a, false, err
}

func (d *keyDirectory) ResolveRemoteActor(_ context.Context, actorURL string) (*model.Actor, error) {
	return d.lookup(actorURL)
}

func (d *keyDirectory) RefreshRemoteActor(_ context.Context, actorURL string) (*model.Actor, error) {
	return d.lookup(actorURL)
}

func (d *keyDirectory) ForgetRemoteActor(context.Context, string) error { return nil }

type server struct {
	router  http.Handler
	bobKey  *rsa.PrivateKey
	follows *memory.FollowRepo
}

func newServer(t *testing.T) *server {
	t.Helper()

	privPEM, pubPEM, err := httpsig.GenerateKeyPair(1024)
	if err != nil {
		t.Fatal(err)
	}
	bobKey, err := httpsig.ParsePrivateKey(privPEM)
	if err != nil {
		t.Fatal(err)
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	sealer, err := security.NewAgeKeySealer(identity.String())
	if err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	users := memory.NewUserRepo(&model.LocalUser{ID: "u1", Username: "alice", DisplayName: "Alice"})
	events := memory.NewEventRepo(&model.Event{ID: "ev-1", OwnerUsername: "alice", Title: "Meetup", Visibility: model.VisibilityPublic, StartTime: time.Now()})
	follows := memory.NewFollowRepo()
	builder := activity.NewBuilder(activity.NewURLs(testBaseURL))

	dir := actor.NewDirectory(users, memory.NewActorRepo(), sealer, denyGuard{}, actor.Options{
		BaseURL: testBaseURL,
		Domain:  "events.example.com",
		KeyBits: 1024,
		Logger:  logger,
	})
	keys := &keyDirectory{bob: &model.Actor{ActorURL: bobURL, InboxURL: bobURL + "/inbox", PublicKeyPEM: pubPEM, IsRemote: true}}
	proc := inbox.NewProcessor(inbox.Repositories{
		Users:        users,
		Events:       events,
		Follows:      follows,
		Processed:    memory.NewProcessedActivityRepo(),
		Interactions: memory.NewInteractionRepo(),
	}, keys, inbox.Options{
		BaseURL:    testBaseURL,
		MaxSkew:    time.Hour,
		AutoAccept: true,
		Logger:     logger,
	})

	router := NewRouter(&RouterDeps{
		Logger:      logger,
		Actors:      dir,
		Users:       users,
		Events:      events,
		Collections: collection.NewPager(users, follows, events, builder),
		Inbox:       proc,
		Builder:     builder,
	})
	return &server{router: router, bobKey: bobKey, follows: follows}
}

func (s *server) get(t *testing.T, target string, v any) int {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, testBaseURL+target, nil))
	if v != nil && w.Code == http.StatusOK {
		if err := json.NewDecoder(w.Body).Decode(v); err != nil {
			t.Fatalf("GET %s: %v", target, err)
		}
	}
	return w.Code
}

func (s *server) postSigned(t *testing.T, path string, act map[string]any) int {
	t.Helper()
	body, err := json.Marshal(act)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, testBaseURL+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", activity.ContentType)
	if err := httpsig.SignRequest(req, body, s.bobKey, bobURL+"#main-key", time.Now()); err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w.Code
}

func TestIntegration_WebFingerRoundTrip(t *testing.T) {
	s := newServer(t)

	var jrd activity.WebFinger
	q := url.Values{"resource": {"acct:alice@events.example.com"}}.Encode()
	if code := s.get(t, "/.well-known/webfinger?"+q, &jrd); code != http.StatusOK {
		t.Fatalf("webfinger status = %d", code)
	}

	var person activity.PersonDocument
	if code := s.get(t, "/users/alice", &person); code != http.StatusOK {
		t.Fatalf("actor status = %d", code)
	}
	if jrd.SelfLink() != person.ID {
		t.Errorf("selfリンク %q がアクターのid %q と一致しない", jrd.SelfLink(), person.ID)
	}
	if person.PublicKey.PublicKeyPEM == "" || person.PublicKey.ID != person.ID+"#main-key" {
		t.Errorf("publicKey = %+v", person.PublicKey)
	}
	if _, err := httpsig.ParsePublicKey(person.PublicKey.PublicKeyPEM); err != nil {
		t.Errorf("公開鍵を解析できない: %v", err)
	}

	// 2回目の取得でも鍵は変わらない
	var again activity.PersonDocument
	s.get(t, "/users/alice", &again)
	if again.PublicKey.PublicKeyPEM != person.PublicKey.PublicKeyPEM {
		t.Error("ローカルアクターの鍵は初回生成後に固定されるべき")
	}
}

func TestIntegration_FollowThenFollowersPage(t *testing.T) {
	s := newServer(t)
	follow := map[string]any{
		"@context": activity.ActivityStreamsContext,
		"id":       "https://remote.example/activities/follow-1",
		"type":     "Follow",
		"actor":    bobURL,
		"object":   testBaseURL + "/users/alice",
	}

	if code := s.postSigned(t, "/users/alice/inbox", follow); code != http.StatusAccepted {
		t.Fatalf("inbox status = %d, want 202", code)
	}
	// 同じidの再送も202で、副作用は1回だけ
	if code := s.postSigned(t, "/inbox", follow); code != http.StatusAccepted {
		t.Fatalf("再送 status = %d, want 202", code)
	}

	var page collection.OrderedCollectionPage
	if code := s.get(t, "/users/alice/followers?page=1", &page); code != http.StatusOK {
		t.Fatalf("followers status = %d", code)
	}
	if page.TotalItems != 1 || len(page.OrderedItems) != 1 || page.OrderedItems[0] != bobURL {
		t.Errorf("followers page = %+v", page)
	}
}

func TestIntegration_UnsignedFollowRejected(t *testing.T) {
	s := newServer(t)
	w := httptest.NewRecorder()
	body := `{"id":"https://remote.example/a/1","type":"Follow","actor":"` + bobURL + `","object":"` + testBaseURL + `/users/alice"}`
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, testBaseURL+"/users/alice/inbox", bytes.NewBufferString(body)))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if n, _ := s.follows.CountFollowers(context.Background(), testBaseURL+"/users/alice"); n != 0 {
		t.Errorf("署名なしのFollowでフォロワーが増えた: %d", n)
	}
}

func TestIntegration_EventObject(t *testing.T) {
	s := newServer(t)
	var obj activity.EventObject
	if code := s.get(t, "/events/ev-1", &obj); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if obj.Name != "Meetup" || obj.StartTime == "" {
		t.Errorf("obj = %+v", obj)
	}
}
