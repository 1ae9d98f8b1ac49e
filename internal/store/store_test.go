package store_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/callwarden/callwarden/internal/store"
	"github.com/callwarden/callwarden/internal/verdict"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if CALLWARDEN_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CALLWARDEN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CALLWARDEN_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [store.Store] with a clean schema and closes
// it when the test finishes.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS call_verdicts, call_records CASCADE`); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	s, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStore_CallLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Millisecond)

	if err := s.CreateCall(ctx, "call-1", "+15550100", started); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	rec, err := s.GetCall(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if !rec.Live() {
		t.Error("fresh call should be live")
	}
	if rec.PhoneNumber != "+15550100" {
		t.Errorf("PhoneNumber = %q", rec.PhoneNumber)
	}
	if !rec.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", rec.StartedAt, started)
	}

	ended := started.Add(3 * time.Minute)
	stats := store.CallStats{FramesSent: 900, FramesDropped: 12, Reconnects: 2}
	if err := s.FinishCall(ctx, "call-1", ended, "hangup", stats); err != nil {
		t.Fatalf("FinishCall: %v", err)
	}

	rec, err = s.GetCall(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetCall after finish: %v", err)
	}
	if rec.Live() {
		t.Error("finished call should not be live")
	}
	if rec.EndReason != "hangup" {
		t.Errorf("EndReason = %q", rec.EndReason)
	}
	if rec.FramesSent != 900 || rec.FramesDropped != 12 || rec.Reconnects != 2 {
		t.Errorf("stats = %+v", rec)
	}
}

func TestStore_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetCall(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetCall = %v, want ErrNotFound", err)
	}
	err := s.FinishCall(ctx, "missing", time.Now(), "hangup", store.CallStats{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("FinishCall = %v, want ErrNotFound", err)
	}
}

func TestStore_VerdictHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.CreateCall(ctx, "call-2", "", now); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	verdicts := []verdict.Verdict{
		{Label: verdict.LabelNotScam, Score: 2},
		{Label: verdict.LabelPossible, Score: 6},
		{Label: verdict.LabelDefinitely, Score: 9},
	}
	for i, v := range verdicts {
		if err := s.AddVerdict(ctx, "call-2", v, now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("AddVerdict %d: %v", i, err)
		}
	}

	history, err := s.ListVerdicts(ctx, "call-2")
	if err != nil {
		t.Fatalf("ListVerdicts: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	for i, v := range verdicts {
		if history[i].Label != v.Label || history[i].Score != v.Score {
			t.Errorf("history[%d] = %+v, want %+v", i, history[i], v)
		}
	}

	// The record mirrors the latest verdict.
	rec, err := s.GetCall(ctx, "call-2")
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if rec.LastLabel != verdict.LabelDefinitely || rec.LastScore != 9 {
		t.Errorf("last verdict = %q/%d", rec.LastLabel, rec.LastScore)
	}
}

func TestStore_ListRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"old", "mid", "new"} {
		if err := s.CreateCall(ctx, id, "", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("CreateCall %s: %v", id, err)
		}
	}

	records, err := s.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].ID != "new" || records[1].ID != "mid" {
		t.Errorf("order = [%s, %s], want [new, mid]", records[0].ID, records[1].ID)
	}
}
