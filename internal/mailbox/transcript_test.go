package mailbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseEntry(t *testing.T) {
	line := "[2026-02-01T10:00:00] [@db_designer] architect(question): which engine?"
	e, err := ParseEntry(line)
	if err != nil {
		t.Fatal(err)
	}
	if e.Recipient != "db_designer" || e.Sender != "architect" || e.Type != "question" || e.Body != "which engine?" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if !e.Involves("architect") || e.Involves("backend") {
		t.Error("Involves mismatch")
	}
}

func TestParseEntryInvalid(t *testing.T) {
	for _, line := range []string{"", "garbage", "[2026-02-01T10:00:00] missing parts"} {
		if _, err := ParseEntry(line); err == nil {
			t.Errorf("expected error for %q", line)
		}
	}
}

func TestFormatEntryFlattensNewlines(t *testing.T) {
	m := Message{From: "a", To: "b", Type: Question, Subject: "s", Content: "line1\nline2"}
	got := FormatEntry(m, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	want := "[2026-01-01T00:00:00] [@b] a(question): s - line1 line2"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTranscriptTailAndTruncate(t *testing.T) {
	tr := NewTranscript(filepath.Join(t.TempDir(), "transcript.log"))
	for i := 0; i < 5; i++ {
		if err := tr.Append(New("a", "b", ProgressUpdate, "step")); err != nil {
			t.Fatal(err)
		}
	}
	tail, err := tr.Tail(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(tail))
	}
	if err := tr.Truncate(3); err != nil {
		t.Fatal(err)
	}
	all, _ := tr.Entries(nil)
	if len(all) != 3 {
		t.Errorf("expected 3 entries after truncate, got %d", len(all))
	}
}

func TestTranscriptMissingFile(t *testing.T) {
	tr := NewTranscript(filepath.Join(t.TempDir(), "none.log"))
	lines, err := tr.Involving("a")
	if err != nil || len(lines) != 0 {
		t.Errorf("expected empty result, got %v, %v", lines, err)
	}
}

func TestTranscriptFollow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.log")
	if err := os.WriteFile(path, []byte("[2026-01-01T00:00:00] [@b] a(question): old\n"), 0644); err != nil {
		t.Fatal(err)
	}
	tr := NewTranscript(path)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ch := tr.Follow(ctx, 20*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	if err := tr.Append(New("a", "b", Question, "new")); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-ch:
		if e.Body != "new" {
			t.Errorf("expected only the new entry, got %q", e.Body)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for entry")
	}
}
