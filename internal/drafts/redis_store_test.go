package drafts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"spanlab/api/internal/annotation"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func workingCopy(t *testing.T) annotation.Snapshot {
	t.Helper()
	doc := annotation.New("doc-1", "Mary works at Acme")
	for _, l := range annotation.DefaultLabels() {
		if _, err := doc.CreateLabel(l); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := doc.AddSpan(annotation.SpanInput{Start: 0, End: 4, Labels: []string{"PER"}}); err != nil {
		t.Fatal(err)
	}
	return doc.Snapshot()
}

func TestSaveAndLoad(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	snap := workingCopy(t)

	if _, err := store.Save(ctx, "avery", snap); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	draft, err := store.Load(ctx, "doc-1", "avery")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if draft.Contributor != "avery" || len(draft.Snapshot.Spans) != 1 || draft.Snapshot.Spans[0].Text != "Mary" {
		t.Fatalf("draft = %+v", draft)
	}
	if _, err := annotation.Restore(draft.Snapshot); err != nil {
		t.Fatalf("stored draft does not restore: %v", err)
	}
}

func TestDraftsAreIsolatedPerContributor(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	if _, err := store.Save(ctx, "avery", workingCopy(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, "doc-1", "blake"); !errors.Is(err, ErrNoDraft) {
		t.Fatalf("Load(other contributor) error = %v", err)
	}
}

func TestDraftExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()
	if _, err := store.Save(ctx, "avery", workingCopy(t)); err != nil {
		t.Fatal(err)
	}
	s.FastForward(2 * time.Hour)
	if _, err := store.Load(ctx, "doc-1", "avery"); !errors.Is(err, ErrNoDraft) {
		t.Fatalf("Load() after TTL error = %v, want ErrNoDraft", err)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	snap := workingCopy(t)
	for i := 0; i < historyLimit+5; i++ {
		if _, err := store.Save(ctx, "avery", snap); err != nil {
			t.Fatal(err)
		}
	}
	history, err := store.History(ctx, "doc-1", "avery")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != historyLimit || history[0].SpanCount != 1 {
		t.Fatalf("history = %d entries, first %+v", len(history), history[0])
	}
}

func TestDiscard(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	if _, err := store.Save(ctx, "avery", workingCopy(t)); err != nil {
		t.Fatal(err)
	}
	if err := store.Discard(ctx, "doc-1", "avery"); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if _, err := store.Load(ctx, "doc-1", "avery"); !errors.Is(err, ErrNoDraft) {
		t.Fatalf("Load() after discard error = %v", err)
	}
	if err := store.Discard(ctx, "doc-1", "nobody"); err != nil {
		t.Fatalf("Discard(missing) error = %v", err)
	}
}
