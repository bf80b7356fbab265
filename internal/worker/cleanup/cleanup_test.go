package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/fedcal/internal/model"
	"github.com/hitoshi/fedcal/internal/repository/memory"
)

// mockProcessed は処理済みアクティビティの削除を記録するモック。
type mockProcessed struct {
	called bool
	before time.Time
	count  int64
	err    error
}

func (m *mockProcessed) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	m.called = true
	m.before = before
	return m.count, m.err
}

// mockDeliveries は配送ジョブの削除を記録するモック。
type mockDeliveries struct {
	called bool
	before time.Time
	count  int64
	err    error
}

func (m *mockDeliveries) DeleteFinishedBefore(_ context.Context, before time.Time) (int64, error) {
	m.called = true
	m.before = before
	return m.count, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var fixedNow = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

func newJob(buf *bytes.Buffer, p *mockProcessed, d *mockDeliveries) *CleanupJob {
	job := NewCleanupJob(p, d, newTestLogger(buf))
	job.now = func() time.Time { return fixedNow }
	return job
}

// logEntry はログ出力からkeyを含む最初のJSON行を返す。
func logEntry(t *testing.T, buf *bytes.Buffer, key string) map[string]any {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if _, ok := entry[key]; ok {
			return entry
		}
	}
	t.Fatalf("ログに %s が記録されていない。ログ出力: %s", key, buf.String())
	return nil
}

func TestNewCleanupJob_SetsRetentionDays(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockProcessed{}, &mockDeliveries{}, newTestLogger(&buf))
	if job.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", job.RetentionDays)
	}
}

func TestCleanupJob_Run_UsesRetentionCutoff(t *testing.T) {
	tests := []struct {
		name string
		days int
		want time.Time
	}{
		{"デフォルト", 30, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"カスタム", 7, time.Date(2026, 3, 24, 12, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			p, d := &mockProcessed{}, &mockDeliveries{}
			job := newJob(&buf, p, d)
			job.RetentionDays = tt.days

			if _, err := job.Run(context.Background()); err != nil {
				t.Fatalf("Run() がエラーを返した: %v", err)
			}
			if !p.before.Equal(tt.want) || !d.before.Equal(tt.want) {
				t.Errorf("before = %v / %v, want %v", p.before, d.before, tt.want)
			}
		})
	}
}

func TestCleanupJob_Run_LogsDeletedCounts(t *testing.T) {
	var buf bytes.Buffer
	job := newJob(&buf, &mockProcessed{count: 42}, &mockDeliveries{count: 7})

	res, err := job.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.ProcessedActivities != 42 || res.Deliveries != 7 {
		t.Errorf("result = %+v", res)
	}

	entry := logEntry(t, &buf, "deleted_processed_activities")
	if entry["deleted_processed_activities"] != float64(42) || entry["deleted_deliveries"] != float64(7) {
		t.Errorf("entry = %v", entry)
	}
	if entry["retention_days"] != float64(30) {
		t.Errorf("retention_days = %v", entry["retention_days"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("ログに duration_ms が記録されていない")
	}
}

func TestCleanupJob_Run_PartialFailure(t *testing.T) {
	var buf bytes.Buffer
	p := &mockProcessed{err: sql.ErrConnDone}
	d := &mockDeliveries{count: 3}
	job := newJob(&buf, p, d)

	res, err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if !d.called || res.Deliveries != 3 {
		t.Errorf("片方の失敗でもう片方を止めない: called = %v, result = %+v", d.called, res)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

// TestCleanupJob_Run_MemoryRepos は実際のリポジトリで保持期間外だけが消えることを検証する。
func TestCleanupJob_Run_MemoryRepos(t *testing.T) {
	ctx := context.Background()
	processed := memory.NewProcessedActivityRepo()
	deliveries := memory.NewDeliveryRepo()

	old := &model.ProcessedActivity{ActivityID: "https://remote.example/a/old", ProcessedAt: time.Now().AddDate(0, 0, -40)}
	recent := &model.ProcessedActivity{ActivityID: "https://remote.example/a/new", ProcessedAt: time.Now()}
	for _, rec := range []*model.ProcessedActivity{old, recent} {
		if _, err := processed.Claim(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := deliveries.Enqueue(ctx, &model.Delivery{ActivityID: "a1", InboxURL: "https://remote.example/inbox"}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	job := NewCleanupJob(processed, deliveries, newTestLogger(&buf))

	// 2回実行しても結果は変わらない
	for i := 0; i < 2; i++ {
		if _, err := job.Run(ctx); err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
	}
	if _, ok := processed.Get(old.ActivityID); ok {
		t.Error("保持期間外の記録が残っている")
	}
	if _, ok := processed.Get(recent.ActivityID); !ok {
		t.Error("保持期間内の記録が削除された")
	}
	if len(deliveries.All()) != 1 {
		t.Error("再送待ちの配送は削除しない")
	}
}
