package cleanup

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// createRecording writes a recording file for id with the given mtime.
func createRecording(t *testing.T, dir, id string, mtime time.Time) string {
	t.Helper()
	name := recordingPrefix + id + ".mp4"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("frames"), 0644); err != nil {
		t.Fatalf("creating recording %s: %v", name, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("setting mtime on %s: %v", name, err)
	}
	return name
}

func TestSessionID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"testid-abc.mp4", "abc", true},
		{"testid-abc", "abc", true},
		{"testid-.mp4", "", false},
		{"other-abc.mp4", "", false},
	}
	for _, tt := range tests {
		id, ok := SessionID(tt.name)
		if id != tt.id || ok != tt.ok {
			t.Errorf("SessionID(%q) = %q, %v; want %q, %v", tt.name, id, ok, tt.id, tt.ok)
		}
	}
}

func TestPruneByAge_RemovesOldRecordings(t *testing.T) {
	dir := t.TempDir()

	now := time.Now()
	old := createRecording(t, dir, "old", now.AddDate(0, 0, -60))
	recent := createRecording(t, dir, "recent", now.AddDate(0, 0, -5))

	pruned, err := PruneByAge(dir, 30, nil, false)
	if err != nil {
		t.Fatalf("PruneByAge failed: %v", err)
	}

	if len(pruned) != 1 || pruned[0] != old {
		t.Errorf("expected pruned=[%s], got %v", old, pruned)
	}

	if _, err := os.Stat(filepath.Join(dir, old)); !os.IsNotExist(err) {
		t.Errorf("expected %s to be deleted", old)
	}
	if _, err := os.Stat(filepath.Join(dir, recent)); err != nil {
		t.Errorf("expected %s to still exist: %v", recent, err)
	}
}

func TestPruneByAge_DryRun(t *testing.T) {
	dir := t.TempDir()
	old := createRecording(t, dir, "old", time.Now().AddDate(0, 0, -60))

	pruned, err := PruneByAge(dir, 30, nil, true)
	if err != nil {
		t.Fatalf("PruneByAge dry-run failed: %v", err)
	}
	if len(pruned) != 1 || pruned[0] != old {
		t.Errorf("expected pruned=[%s], got %v", old, pruned)
	}
	if _, err := os.Stat(filepath.Join(dir, old)); err != nil {
		t.Errorf("expected %s to still exist in dry-run: %v", old, err)
	}
}

func TestPruneByAge_SkipsProtected(t *testing.T) {
	dir := t.TempDir()
	live := createRecording(t, dir, "live", time.Now().AddDate(0, 0, -60))

	protect := func(id string) bool { return id == "live" }
	pruned, err := PruneByAge(dir, 30, protect, false)
	if err != nil {
		t.Fatalf("PruneByAge failed: %v", err)
	}
	if len(pruned) != 0 {
		t.Errorf("expected nothing pruned, got %v", pruned)
	}
	if _, err := os.Stat(filepath.Join(dir, live)); err != nil {
		t.Errorf("expected %s to be kept: %v", live, err)
	}
}

func TestPruneByAge_SkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0644); err != nil {
		t.Fatalf("creating file: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "testid-dir"), 0755); err != nil {
		t.Fatalf("creating dir: %v", err)
	}
	old := time.Now().AddDate(0, 0, -60)
	_ = os.Chtimes(filepath.Join(dir, "notes.txt"), old, old)

	pruned, err := PruneByAge(dir, 1, nil, false)
	if err != nil {
		t.Fatalf("PruneByAge failed: %v", err)
	}
	if len(pruned) != 0 {
		t.Errorf("expected nothing pruned, got %v", pruned)
	}
}

func TestPruneByAge_NonexistentDir(t *testing.T) {
	pruned, err := PruneByAge("/nonexistent/path", 30, nil, false)
	if err != nil {
		t.Fatalf("expected nil error for nonexistent dir, got: %v", err)
	}
	if len(pruned) != 0 {
		t.Errorf("expected empty pruned list, got %v", pruned)
	}
}

func TestPruneKeepRecent_KeepsCorrectCount(t *testing.T) {
	dir := t.TempDir()

	now := time.Now()
	r1 := createRecording(t, dir, "zz", now.AddDate(0, 0, -4))
	r2 := createRecording(t, dir, "aa", now.AddDate(0, 0, -3))
	createRecording(t, dir, "mm", now.AddDate(0, 0, -2))
	createRecording(t, dir, "bb", now.AddDate(0, 0, -1))

	pruned, err := PruneKeepRecent(dir, 2, nil, false)
	if err != nil {
		t.Fatalf("PruneKeepRecent failed: %v", err)
	}
	if len(pruned) != 2 {
		t.Fatalf("expected 2 pruned, got %d: %v", len(pruned), pruned)
	}

	// Oldest by mtime, not by name.
	if pruned[0] != r1 || pruned[1] != r2 {
		t.Errorf("expected pruned=[%s, %s], got %v", r1, r2, pruned)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("expected 2 remaining recordings, got %d", len(entries))
	}
}

func TestPruneKeepRecent_KeepMoreThanExist(t *testing.T) {
	dir := t.TempDir()
	createRecording(t, dir, "one", time.Now().AddDate(0, 0, -1))

	pruned, err := PruneKeepRecent(dir, 5, nil, false)
	if err != nil {
		t.Fatalf("PruneKeepRecent failed: %v", err)
	}
	if len(pruned) != 0 {
		t.Errorf("expected nothing pruned, got %v", pruned)
	}
}

func TestPruneKeepRecent_DryRun(t *testing.T) {
	dir := t.TempDir()

	now := time.Now()
	r1 := createRecording(t, dir, "older", now.AddDate(0, 0, -3))
	createRecording(t, dir, "newer", now.AddDate(0, 0, -1))

	pruned, err := PruneKeepRecent(dir, 1, nil, true)
	if err != nil {
		t.Fatalf("PruneKeepRecent dry-run failed: %v", err)
	}
	if len(pruned) != 1 || pruned[0] != r1 {
		t.Errorf("expected pruned=[%s], got %v", r1, pruned)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("expected 2 recordings to remain in dry-run, got %d", len(entries))
	}
}

func TestList_OrdersByModTime(t *testing.T) {
	dir := t.TempDir()

	now := time.Now()
	createRecording(t, dir, "b", now.AddDate(0, 0, -1))
	createRecording(t, dir, "a", now.AddDate(0, 0, -2))

	recs, err := List(dir)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 2 || recs[0].SessionID != "a" || recs[1].SessionID != "b" {
		t.Errorf("unexpected order: %+v", recs)
	}
	if recs[0].Size != int64(len("frames")) {
		t.Errorf("expected size %d, got %d", len("frames"), recs[0].Size)
	}
}
