package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/fedcal/internal/activity"
	"github.com/hitoshi/fedcal/internal/collection"
	"github.com/hitoshi/fedcal/internal/inbox"
	"github.com/hitoshi/fedcal/internal/middleware"
	"github.com/hitoshi/fedcal/internal/model"
)

const testBaseURL = "https://events.example.com"

// --- モック ---

type mockActorService struct {
	webFingerFn    func(ctx context.Context, resource string) (*activity.WebFinger, error)
	resolveLocalFn func(ctx context.Context, username string) (*model.Actor, error)
}

func (m *mockActorService) WebFinger(ctx context.Context, resource string) (*activity.WebFinger, error) {
	return m.webFingerFn(ctx, resource)
}

func (m *mockActorService) ResolveLocalActor(ctx context.Context, username string) (*model.Actor, error) {
	return m.resolveLocalFn(ctx, username)
}

type mockUserFinder map[string]*model.LocalUser

func (m mockUserFinder) FindByUsername(_ context.Context, username string) (*model.LocalUser, error) {
	return m[username], nil
}

type mockEventFinder struct {
	findFn func(ctx context.Context, id string) (*model.Event, error)
}

func (m *mockEventFinder) FindByID(ctx context.Context, id string) (*model.Event, error) {
	return m.findFn(ctx, id)
}

type mockCollectionService struct {
	summaryFn func(ctx context.Context, username string, kind collection.Kind) (*collection.OrderedCollection, error)
	pageFn    func(ctx context.Context, username string, kind collection.Kind, page int) (*collection.OrderedCollectionPage, error)
}

func (m *mockCollectionService) Summary(ctx context.Context, username string, kind collection.Kind) (*collection.OrderedCollection, error) {
	return m.summaryFn(ctx, username, kind)
}

func (m *mockCollectionService) Page(ctx context.Context, username string, kind collection.Kind, page int) (*collection.OrderedCollectionPage, error) {
	return m.pageFn(ctx, username, kind, page)
}

type mockInboxService struct {
	processFn func(ctx context.Context, r *http.Request, body []byte, username string) (*inbox.Result, error)
}

func (m *mockInboxService) Process(ctx context.Context, r *http.Request, body []byte, username string) (*inbox.Result, error) {
	return m.processFn(ctx, r, body, username)
}

type mockHealthChecker struct{ err error }

func (m mockHealthChecker) PingContext(context.Context) error { return m.err }

// newTestDeps は全呼び出しを失敗させるモックで埋めたRouterDepsを返す。
// 各テストは必要な関数だけを差し替える。
func newTestDeps(t *testing.T) *RouterDeps {
	t.Helper()
	fail := func(string) error { return errors.New("unexpected call") }
	return &RouterDeps{
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Actors: &mockActorService{
			webFingerFn:    func(_ context.Context, r string) (*activity.WebFinger, error) { return nil, fail(r) },
			resolveLocalFn: func(_ context.Context, u string) (*model.Actor, error) { return nil, fail(u) },
		},
		Users:  mockUserFinder{},
		Events: &mockEventFinder{findFn: func(_ context.Context, id string) (*model.Event, error) { return nil, nil }},
		Collections: &mockCollectionService{
			summaryFn: func(context.Context, string, collection.Kind) (*collection.OrderedCollection, error) {
				return nil, errors.New("unexpected call")
			},
			pageFn: func(context.Context, string, collection.Kind, int) (*collection.OrderedCollectionPage, error) {
				return nil, errors.New("unexpected call")
			},
		},
		Inbox: &mockInboxService{processFn: func(context.Context, *http.Request, []byte, string) (*inbox.Result, error) {
			return nil, errors.New("unexpected call")
		}},
		Builder: activity.NewBuilder(activity.NewURLs(testBaseURL)),
	}
}

func serve(t *testing.T, deps *RouterDeps, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	w := httptest.NewRecorder()
	NewRouter(deps).ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("エラーボディの解析に失敗: %v", err)
	}
	return body
}

// --- WebFinger ---

func TestWebFinger(t *testing.T) {
	deps := newTestDeps(t)
	deps.Actors.(*mockActorService).webFingerFn = func(_ context.Context, resource string) (*activity.WebFinger, error) {
		switch resource {
		case "acct:alice@events.example.com":
			return deps.Builder.WebFingerFor("alice", "events.example.com"), nil
		case "":
			return nil, model.NewInvalidResourceError(resource)
		default:
			return nil, model.NewResourceNotFoundError(resource)
		}
	}

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"既知のユーザー", "?resource=acct:alice@events.example.com", http.StatusOK},
		{"resourceなし", "", http.StatusBadRequest},
		{"別ドメイン", "?resource=acct:alice@other.example", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, deps, http.MethodGet, "/.well-known/webfinger"+tt.query, nil)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.status == http.StatusOK && w.Header().Get("Content-Type") != jrdContentType {
				t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
			}
		})
	}
}

// --- Actor ---

func TestActor(t *testing.T) {
	deps := newTestDeps(t)
	deps.Users = mockUserFinder{"alice": {ID: "u1", Username: "alice", DisplayName: "Alice"}}
	deps.Actors.(*mockActorService).resolveLocalFn = func(_ context.Context, username string) (*model.Actor, error) {
		if username != "alice" {
			return nil, model.NewUserNotFoundError(username)
		}
		return &model.Actor{ActorURL: testBaseURL + "/users/alice", PublicKeyPEM: "PEM"}, nil
	}

	w := serve(t, deps, http.MethodGet, "/users/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != activity.ContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	var doc activity.PersonDocument
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc.Type != "Person" || doc.Inbox != testBaseURL+"/users/alice/inbox" || doc.PublicKey.PublicKeyPEM != "PEM" {
		t.Errorf("doc = %+v", doc)
	}

	w = serve(t, deps, http.MethodGet, "/users/nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("未登録ユーザーは404, got %d", w.Code)
	}
	if body := decodeError(t, w); body.Code != model.ErrCodeUserNotFound {
		t.Errorf("code = %s", body.Code)
	}
}

// --- Collections ---

func TestCollection_SummaryAndPage(t *testing.T) {
	deps := newTestDeps(t)
	var gotKind collection.Kind
	var gotPage int
	svc := deps.Collections.(*mockCollectionService)
	svc.summaryFn = func(_ context.Context, _ string, kind collection.Kind) (*collection.OrderedCollection, error) {
		gotKind = kind
		return &collection.OrderedCollection{Type: "OrderedCollection", TotalItems: 3}, nil
	}
	svc.pageFn = func(_ context.Context, _ string, kind collection.Kind, page int) (*collection.OrderedCollectionPage, error) {
		gotKind, gotPage = kind, page
		return &collection.OrderedCollectionPage{Type: "OrderedCollectionPage", OrderedItems: []any{}}, nil
	}

	w := serve(t, deps, http.MethodGet, "/users/alice/followers", nil)
	if w.Code != http.StatusOK || gotKind != collection.KindFollowers {
		t.Fatalf("status = %d kind = %s", w.Code, gotKind)
	}

	w = serve(t, deps, http.MethodGet, "/users/alice/outbox?page=2", nil)
	if w.Code != http.StatusOK || gotKind != collection.KindOutbox || gotPage != 2 {
		t.Fatalf("status = %d kind = %s page = %d", w.Code, gotKind, gotPage)
	}
}

func TestCollection_Errors(t *testing.T) {
	deps := newTestDeps(t)
	tests := []struct {
		target string
		status int
		code   string
	}{
		{"/users/alice/likes", http.StatusNotFound, model.ErrCodeResourceNotFound},
		{"/users/alice/followers?page=0", http.StatusBadRequest, model.ErrCodeInvalidPage},
		{"/users/alice/following?page=x", http.StatusBadRequest, model.ErrCodeInvalidPage},
	}
	for _, tt := range tests {
		w := serve(t, deps, http.MethodGet, tt.target, nil)
		if w.Code != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.target, w.Code, tt.status)
			continue
		}
		if body := decodeError(t, w); body.Code != tt.code {
			t.Errorf("%s: code = %s, want %s", tt.target, body.Code, tt.code)
		}
	}
}

// --- Event ---

func TestEvent_OnlyFetchableLocalEvents(t *testing.T) {
	deps := newTestDeps(t)
	events := map[string]*model.Event{
		"pub":      {ID: "pub", OwnerUsername: "alice", Title: "Public", Visibility: model.VisibilityPublic},
		"unlisted": {ID: "unlisted", OwnerUsername: "alice", Visibility: model.VisibilityUnlisted},
		"private":  {ID: "private", OwnerUsername: "alice", Visibility: model.VisibilityPrivate},
		"follower": {ID: "follower", OwnerUsername: "alice", Visibility: model.VisibilityFollowers},
		"remote":   {ID: "remote", IsRemote: true, APID: "https://remote.example/e/1", Visibility: model.VisibilityPublic},
	}
	deps.Events = &mockEventFinder{findFn: func(_ context.Context, id string) (*model.Event, error) {
		return events[id], nil
	}}

	tests := []struct {
		id     string
		status int
	}{
		{"pub", http.StatusOK},
		{"unlisted", http.StatusOK},
		{"private", http.StatusNotFound},
		{"follower", http.StatusNotFound},
		{"remote", http.StatusNotFound},
		{"missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		w := serve(t, deps, http.MethodGet, "/events/"+tt.id, nil)
		if w.Code != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.id, w.Code, tt.status)
		}
	}

	w := serve(t, deps, http.MethodGet, "/events/pub", nil)
	var obj activity.EventObject
	if err := json.NewDecoder(w.Body).Decode(&obj); err != nil {
		t.Fatal(err)
	}
	if obj.Type != "Event" || obj.ID != testBaseURL+"/events/pub" || obj.AttributedTo != testBaseURL+"/users/alice" {
		t.Errorf("obj = %+v", obj)
	}
	if obj.Context != activity.ActivityStreamsContext {
		t.Errorf("@context = %v", obj.Context)
	}
}

// --- Inbox ---

func TestInbox_Accepted(t *testing.T) {
	deps := newTestDeps(t)
	var gotUser, gotBody string
	deps.Inbox = &mockInboxService{processFn: func(_ context.Context, _ *http.Request, body []byte, username string) (*inbox.Result, error) {
		gotUser, gotBody = username, string(body)
		return &inbox.Result{ActorURL: "https://remote.example/users/bob"}, nil
	}}

	w := serve(t, deps, http.MethodPost, "/users/alice/inbox", strings.NewReader(`{"type":"Follow"}`))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if gotUser != "alice" || gotBody != `{"type":"Follow"}` {
		t.Errorf("username = %q body = %q", gotUser, gotBody)
	}
	var res acceptedResponse
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil || res.Status != "accepted" {
		t.Errorf("body = %+v, err = %v", res, err)
	}

	w = serve(t, deps, http.MethodPost, "/inbox", strings.NewReader(`{}`))
	if w.Code != http.StatusAccepted || gotUser != "" {
		t.Errorf("共有inboxはusernameなしで処理する: status = %d user = %q", w.Code, gotUser)
	}
}

func TestInbox_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"署名なし", model.NewSignatureMissingError(), http.StatusUnauthorized},
		{"ダイジェスト不一致", model.NewDigestMismatchError(), http.StatusUnauthorized},
		{"不正なJSON", model.NewInvalidJSONError(), http.StatusBadRequest},
		{"未対応のアクティビティ", model.NewInvalidActivityError("Move"), http.StatusBadRequest},
		{"未登録ユーザー", model.NewUserNotFoundError("bob"), http.StatusNotFound},
		{"ラップされたAPIError", errors.Join(errors.New("ctx"), model.NewSignatureInvalidError("x")), http.StatusUnauthorized},
		{"内部エラー", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newTestDeps(t)
			deps.Inbox = &mockInboxService{processFn: func(context.Context, *http.Request, []byte, string) (*inbox.Result, error) {
				return nil, tt.err
			}}
			w := serve(t, deps, http.MethodPost, "/users/alice/inbox", strings.NewReader(`{}`))
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			body := decodeError(t, w)
			if tt.status == http.StatusInternalServerError && (body.Code != model.ErrCodeInternal || strings.Contains(body.Message, "db down")) {
				t.Errorf("内部エラーの詳細を返してはならない: %+v", body)
			}
		})
	}
}

func TestInbox_BodyTooLarge(t *testing.T) {
	deps := newTestDeps(t)
	deps.MaxBodyBytes = 16
	w := serve(t, deps, http.MethodPost, "/inbox", bytes.NewReader(bytes.Repeat([]byte("a"), 64)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestInbox_RateLimited(t *testing.T) {
	deps := newTestDeps(t)
	deps.RateLimiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{InboxRate: 1, InboxBurst: 1, CleanupInterval: time.Minute})
	t.Cleanup(deps.RateLimiter.Stop)
	deps.Inbox = &mockInboxService{processFn: func(context.Context, *http.Request, []byte, string) (*inbox.Result, error) {
		return &inbox.Result{}, nil
	}}
	router := NewRouter(deps)

	statuses := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader(`{}`)))
		statuses = append(statuses, w.Code)
	}
	if statuses[0] != http.StatusAccepted || statuses[1] != http.StatusTooManyRequests {
		t.Errorf("statuses = %v", statuses)
	}

	// 取得系はレート制限の対象外
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
}

// --- 運用エンドポイント ---

func TestHealth(t *testing.T) {
	deps := newTestDeps(t)
	deps.HealthChecker = mockHealthChecker{}
	if w := serve(t, deps, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}

	deps.HealthChecker = mockHealthChecker{err: errors.New("connection refused")}
	if w := serve(t, deps, http.MethodGet, "/health", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("DB到達不能なら503, got %d", w.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	deps := newTestDeps(t)
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "fedcal_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	deps.MetricsGatherer = reg

	w := serve(t, deps, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "fedcal_test_total 1") {
		t.Errorf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestUnknownRoute_JSONNotFound(t *testing.T) {
	w := serve(t, newTestDeps(t), http.MethodGet, "/nowhere", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeError(t, w); body.Code != model.ErrCodeResourceNotFound {
		t.Errorf("code = %s", body.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("セキュリティヘッダーが付与されていない")
	}
}
