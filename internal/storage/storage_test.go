package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/idhini/internal/approval"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *AuditStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func terminalRequest(id string, decidedAt time.Time) approval.Request {
	return approval.Request{
		ID:          id,
		ToolName:    "shell_exec",
		ArgsSummary: `{command="ls"}`,
		Status:      approval.StatusApproved,
		DecidedBy:   "console",
		RequestedAt: decidedAt.Add(-10 * time.Second),
		DecidedAt:   decidedAt,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("", testLogger()); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"apr-1", "apr-2", "apr-3"} {
		req := terminalRequest(id, base.Add(time.Duration(i)*time.Minute))
		if err := s.RecordDecision(ctx, req); err != nil {
			t.Fatalf("RecordDecision(%s): %v", id, err)
		}
	}

	recs, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len(recs) = %d, want 3", len(recs))
	}
	// Most recent first.
	if recs[0].ApprovalID != "apr-3" || recs[2].ApprovalID != "apr-1" {
		t.Errorf("order = %s, %s, %s", recs[0].ApprovalID, recs[1].ApprovalID, recs[2].ApprovalID)
	}
	if recs[0].ToolName != "shell_exec" || recs[0].Status != "approved" || recs[0].DecidedBy != "console" {
		t.Errorf("record fields = %+v", recs[0])
	}
}

func TestRecentLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		req := terminalRequest(string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))
		if err := s.RecordDecision(ctx, req); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Errorf("len(recs) = %d, want 2", len(recs))
	}
}

func TestDuplicateApprovalIDRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req := terminalRequest("apr-dup", time.Now().UTC())
	if err := s.RecordDecision(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordDecision(ctx, req); err == nil {
		t.Error("expected unique index violation for duplicate approval id")
	}
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := terminalRequest("apr-old", now.Add(-48*time.Hour))
	fresh := terminalRequest("apr-fresh", now)
	for _, req := range []approval.Request{old, fresh} {
		if err := s.RecordDecision(ctx, req); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	recs, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ApprovalID != "apr-fresh" {
		t.Errorf("surviving records = %+v", recs)
	}
}

func TestStartPrunerBadSchedule(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.StartPruner("not a schedule", time.Hour); err == nil {
		t.Error("expected error for malformed schedule")
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")
	ctx := context.Background()

	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RecordDecision(ctx, terminalRequest("apr-1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	recs, err := s2.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("len(recs) = %d after reopen, want 1", len(recs))
	}
}
