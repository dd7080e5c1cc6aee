package audit

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := openTestJournal(t)

	base := time.Unix(1_700_000_000, 0)
	clock := base
	j.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	if err := j.Record(KindLoginCompleted, "github", "octocat", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Record(KindTwoFactorFailed, "github", "octocat", "code mismatch"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Record(KindLogout, "", "octocat", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := j.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	// Newest first.
	if events[0].Kind != KindLogout || events[1].Kind != KindTwoFactorFailed {
		t.Fatalf("unexpected order: %s, %s", events[0].Kind, events[1].Kind)
	}
	if events[1].Detail != "code mismatch" {
		t.Fatalf("detail = %q", events[1].Detail)
	}
	if events[0].ID == events[1].ID {
		t.Fatal("expected distinct event ids")
	}
}

func TestPruneOlderThan(t *testing.T) {
	j := openTestJournal(t)

	now := time.Unix(1_700_000_000, 0)
	j.now = func() time.Time { return now.Add(-40 * 24 * time.Hour) }
	if err := j.Record(KindLoginCompleted, "gitee", "lee", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	j.now = func() time.Time { return now }
	if err := j.Record(KindLoginCompleted, "github", "octocat", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}

	pruned, err := j.PruneOlderThan(30 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
	events, err := j.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 || events[0].Username != "octocat" {
		t.Fatalf("unexpected surviving events: %+v", events)
	}
}

func TestNilJournalIsInert(t *testing.T) {
	var j *Journal
	if err := j.Record(KindLoginCompleted, "github", "octocat", ""); err != nil {
		t.Fatalf("nil Record: %v", err)
	}
	if events, err := j.Recent(5); err != nil || events != nil {
		t.Fatalf("nil Recent = %v, %v", events, err)
	}
	if n, err := j.PruneOlderThan(time.Hour); err != nil || n != 0 {
		t.Fatalf("nil Prune = %d, %v", n, err)
	}
}
