package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/hitoshi/fedcal/internal/activity"
)

func TestLogBroadcaster_WritesStructuredLog(t *testing.T) {
	var buf bytes.Buffer
	b := NewLogBroadcaster(slog.New(slog.NewJSONHandler(&buf, nil)))

	b.Broadcast(context.Background(), Event{
		Kind:     KindLikeAdded,
		EventID:  "ev-1",
		ActorURL: "https://remote.example/users/bob",
		Scope:    activity.ScopePublic,
	})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("ログがJSONではない: %v (%s)", err, buf.String())
	}
	if entry["kind"] != string(KindLikeAdded) {
		t.Errorf("kind = %v", entry["kind"])
	}
	if entry["scope"] != "public" {
		t.Errorf("scope = %v", entry["scope"])
	}
	if entry["actor"] != "https://remote.example/users/bob" {
		t.Errorf("actor = %v", entry["actor"])
	}
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.Broadcast(context.Background(), Event{Kind: KindFollowRequested})
	r.Broadcast(context.Background(), Event{Kind: KindFollowAccepted})

	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[0] != KindFollowRequested || kinds[1] != KindFollowAccepted {
		t.Errorf("Kinds() = %v", kinds)
	}
	if len(r.Events()) != 2 {
		t.Errorf("Events() = %d件", len(r.Events()))
	}
}
