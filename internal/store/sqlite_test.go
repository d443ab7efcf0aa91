package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"spanlab/api/internal/annotation"
)

func openTestSQLite(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "spans.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := ApplyMigrations(ctx, db, SQLite, SQLiteMigrations()); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}
	return NewSQLiteStore(db)
}

func sampleSnapshot(t *testing.T) annotation.Snapshot {
	t.Helper()
	doc := annotation.New("doc-1", "John Smith works at Microsoft in Seattle.")
	for _, l := range annotation.DefaultLabels() {
		if _, err := doc.CreateLabel(l); err != nil {
			t.Fatal(err)
		}
	}
	per, err := doc.AddSpan(annotation.SpanInput{Start: 0, End: 10, Labels: []string{"PER"}, Contributor: "avery"})
	if err != nil {
		t.Fatal(err)
	}
	org, err := doc.AddSpan(annotation.SpanInput{Start: 20, End: 29, Labels: []string{"ORG", "MISC"}, Contributor: "avery"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := doc.Link(per.ID, org.ID); err != nil {
		t.Fatal(err)
	}
	return doc.Snapshot()
}

func TestDocumentLifecycle(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	created, err := s.CreateDocument(ctx, DocumentRecord{ID: "doc-1", Title: "News", Fingerprint: "fp-1", Text: "John Smith", CreatedBy: "avery"})
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if created.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}
	if _, err := s.CreateDocument(ctx, DocumentRecord{ID: "doc-2", Fingerprint: "fp-1", Text: "John Smith", CreatedBy: "blake"}); !errors.Is(err, ErrDuplicateDocument) {
		t.Fatalf("CreateDocument(duplicate text) error = %v", err)
	}

	got, err := s.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if got.Title != "News" || got.CreatedAt.Sub(created.CreatedAt).Abs() > time.Millisecond {
		t.Fatalf("GetDocument() = %+v", got)
	}
	if found, err := s.FindByFingerprint(ctx, "fp-1"); err != nil || found.ID != "doc-1" {
		t.Fatalf("FindByFingerprint() = %+v, %v", found, err)
	}
	if _, err := s.GetDocument(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetDocument(missing) error = %v", err)
	}

	docs, err := s.ListDocuments(ctx, 10, 0)
	if err != nil || len(docs) != 1 {
		t.Fatalf("ListDocuments() = %+v, %v", docs, err)
	}

	if err := s.DeleteDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}
	if err := s.DeleteDocument(ctx, "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteDocument(twice) error = %v", err)
	}
}

func TestSnapshots(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	snap := sampleSnapshot(t)
	if _, err := s.CreateDocument(ctx, DocumentRecord{ID: snap.DocumentID, Fingerprint: "fp", Text: snap.Text, CreatedBy: "avery"}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.SaveSnapshot(ctx, "avery", snap, "d1"); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	if _, err := s.SaveSnapshot(ctx, "avery", snap, "d2"); err != nil {
		t.Fatalf("SaveSnapshot() overwrite error = %v", err)
	}
	if _, err := s.SaveSnapshot(ctx, "", snap, "d2"); err != nil {
		t.Fatalf("SaveSnapshot(authoritative) error = %v", err)
	}

	rec, err := s.LoadSnapshot(ctx, snap.DocumentID, "avery")
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if rec.Digest != "d2" || rec.SpanCount != 2 || len(rec.Snapshot.Groups) != 1 {
		t.Fatalf("LoadSnapshot() = %+v", rec)
	}
	if _, err := annotation.Restore(rec.Snapshot); err != nil {
		t.Fatalf("stored snapshot does not restore: %v", err)
	}

	contribs, err := s.ListContributions(ctx, snap.DocumentID)
	if err != nil {
		t.Fatal(err)
	}
	if len(contribs) != 1 || contribs[0].Contributor != "avery" {
		t.Fatalf("ListContributions() = %+v", contribs)
	}

	var indexed int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM spans WHERE document_id=? AND labels LIKE '%MISC%'`, snap.DocumentID).Scan(&indexed); err != nil {
		t.Fatal(err)
	}
	if indexed != 1 {
		t.Fatalf("indexed spans with MISC = %d", indexed)
	}

	if _, err := s.LoadSnapshot(ctx, snap.DocumentID, "blake"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadSnapshot(missing) error = %v", err)
	}
}

func TestMergeLogIsAppendOnly(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	if _, err := s.CreateDocument(ctx, DocumentRecord{ID: "doc-1", Fingerprint: "fp", Text: "x", CreatedBy: "avery"}); err != nil {
		t.Fatal(err)
	}
	first, err := s.RecordMerge(ctx, MergeRecord{DocumentID: "doc-1", Actor: "rev", Contributors: []string{"avery", "blake"}, Digest: "abc"})
	if err != nil {
		t.Fatalf("RecordMerge() error = %v", err)
	}
	if _, err := s.RecordMerge(ctx, MergeRecord{DocumentID: "doc-1", Actor: "rev", Digest: "def",
		Conflicts: []MergeConflict{{SpanID: "spn_1", Kept: "blake", Dropped: "avery", Reason: "edit"}}}); err != nil {
		t.Fatal(err)
	}

	merges, err := s.ListMerges(ctx, "doc-1", 0)
	if err != nil {
		t.Fatalf("ListMerges() error = %v", err)
	}
	if len(merges) != 2 || merges[0].Digest != "def" || len(merges[0].Conflicts) != 1 || len(merges[1].Contributors) != 2 {
		t.Fatalf("ListMerges() = %+v", merges)
	}

	if _, err := s.DB().ExecContext(ctx, `UPDATE merge_log SET actor='mallory' WHERE id=?`, first.ID); err == nil {
		t.Fatal("expected UPDATE on merge_log to be blocked")
	}
}

func TestMembers(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	m, err := s.EnsureMember(ctx, "avery", "Avery")
	if err != nil {
		t.Fatalf("EnsureMember() error = %v", err)
	}
	if m.Role != "annotator" {
		t.Fatalf("default role = %q", m.Role)
	}
	if err := s.SetRole(ctx, "avery", "reviewer"); err != nil {
		t.Fatal(err)
	}
	again, err := s.EnsureMember(ctx, "avery", "Someone Else")
	if err != nil {
		t.Fatal(err)
	}
	if again.Role != "reviewer" || again.DisplayName != "Avery" {
		t.Fatalf("EnsureMember() overwrote member: %+v", again)
	}
	if err := s.SetRole(ctx, "nobody", "admin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetRole(missing) error = %v", err)
	}
}

func TestSQLiteMigrationsRoundTrip(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	if err := RollbackMigrations(ctx, s.DB(), SQLiteMigrations()); err != nil {
		t.Fatalf("RollbackMigrations() error = %v", err)
	}
	if err := ApplyMigrations(ctx, s.DB(), SQLite, SQLiteMigrations()); err != nil {
		t.Fatalf("ApplyMigrations() second pass error = %v", err)
	}
	if err := ApplyMigrations(ctx, s.DB(), SQLite, SQLiteMigrations()); err != nil {
		t.Fatalf("ApplyMigrations() is not idempotent: %v", err)
	}
}
