package journal

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openMemory(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(MemoryPath, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	j := openMemory(t)

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := j.SessionStarted(ctx, SessionRecord{
		ID:         "s1",
		StartedAt:  started,
		State:      "recording",
		SampleRate: 16000,
		Channels:   1,
		Provider:   "openai",
		Dir:        "/tmp/voicedeck-s1",
	}); err != nil {
		t.Fatalf("SessionStarted failed: %v", err)
	}

	for i, status := range []string{"transcribed", "failed", "pending"} {
		if err := j.ChunkUpdated(ctx, ChunkRecord{
			SessionID: "s1",
			Index:     i,
			Duration:  600 * time.Second,
			Size:      19_200_044,
			Path:      "chunk.wav",
			Status:    "pending",
		}); err != nil {
			t.Fatalf("ChunkUpdated insert failed: %v", err)
		}
		if err := j.ChunkUpdated(ctx, ChunkRecord{
			SessionID: "s1",
			Index:     i,
			Duration:  600 * time.Second,
			Size:      19_200_044,
			Path:      "chunk.wav",
			Status:    status,
			Attempts:  i + 1,
		}); err != nil {
			t.Fatalf("ChunkUpdated update failed: %v", err)
		}
	}

	ended := started.Add(25 * time.Minute)
	if err := j.SessionFinished(ctx, "s1", Outcome{
		State:        "failed",
		EndedAt:      ended,
		ErrorKind:    "transcription_unavailable",
		ErrorChunk:   1,
		ErrorMessage: "HTTP error 503",
	}); err != nil {
		t.Fatalf("SessionFinished failed: %v", err)
	}

	rec, err := j.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if rec == nil {
		t.Fatal("Expected session record")
	}
	if rec.State != "failed" || rec.ErrorKind != "transcription_unavailable" {
		t.Errorf("Unexpected outcome %s/%s", rec.State, rec.ErrorKind)
	}
	if rec.ErrorChunk == nil || *rec.ErrorChunk != 1 {
		t.Errorf("Expected error chunk 1, got %v", rec.ErrorChunk)
	}
	if rec.EndedAt == nil || rec.EndedAt.Sub(ended).Abs() > time.Millisecond {
		t.Errorf("Expected ended at %s, got %v", ended, rec.EndedAt)
	}
	if !rec.StartedAt.Equal(started) {
		t.Errorf("Expected started at %s, got %s", started, rec.StartedAt)
	}
	if len(rec.Chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(rec.Chunks))
	}
	for i, want := range []string{"transcribed", "failed", "pending"} {
		c := rec.Chunks[i]
		if c.Index != i || c.Status != want || c.Attempts != i+1 {
			t.Errorf("Chunk %d: got index=%d status=%s attempts=%d", i, c.Index, c.Status, c.Attempts)
		}
		if c.Duration != 600*time.Second {
			t.Errorf("Chunk %d: expected 600s, got %s", i, c.Duration)
		}
	}
}

func TestSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	j := openMemory(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		if err := j.SessionStarted(ctx, SessionRecord{ID: id, StartedAt: base.Add(time.Duration(i) * time.Minute), State: "completed", SampleRate: 16000, Channels: 1}); err != nil {
			t.Fatalf("SessionStarted failed: %v", err)
		}
	}

	recs, err := j.Sessions(ctx, 2)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "c" || recs[1].ID != "b" {
		t.Errorf("Expected [c b], got %+v", recs)
	}
}

func TestDeleteAndMissing(t *testing.T) {
	ctx := context.Background()
	j := openMemory(t)

	if err := j.SessionStarted(ctx, SessionRecord{ID: "gone", StartedAt: time.Now(), State: "completed", SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("SessionStarted failed: %v", err)
	}
	if err := j.ChunkUpdated(ctx, ChunkRecord{SessionID: "gone", Index: 0, Status: "transcribed"}); err != nil {
		t.Fatalf("ChunkUpdated failed: %v", err)
	}
	if err := j.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	rec, err := j.Session(ctx, "gone")
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if rec != nil {
		t.Errorf("Expected nil record after delete, got %+v", rec)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.sqlite")
	j, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := j.SessionStarted(context.Background(), SessionRecord{ID: "x", StartedAt: time.Now(), State: "recording", SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("SessionStarted failed: %v", err)
	}
	j.Close()

	// Reopening sees the data and tolerates the existing schema.
	j, err = Open(path, testLogger())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer j.Close()
	rec, err := j.Session(context.Background(), "x")
	if err != nil || rec == nil {
		t.Fatalf("Expected persisted session, got %v / %v", rec, err)
	}
}

func TestNilJournal(t *testing.T) {
	var j *Journal
	ctx := context.Background()
	if err := j.SessionStarted(ctx, SessionRecord{ID: "x"}); err != nil {
		t.Errorf("Expected nil journal to discard writes, got %v", err)
	}
	if err := j.ChunkUpdated(ctx, ChunkRecord{}); err != nil {
		t.Errorf("Expected nil journal to discard writes, got %v", err)
	}
	if rec, err := j.Session(ctx, "x"); rec != nil || err != nil {
		t.Errorf("Expected nil result, got %v / %v", rec, err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
