package versions

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"spanlab/api/internal/annotation"
	"spanlab/api/internal/merge"
)

func baseline(t *testing.T) *annotation.Document {
	t.Helper()
	doc := annotation.New("doc-1", "John Smith works at Microsoft in Seattle.")
	for _, l := range annotation.DefaultLabels() {
		if _, err := doc.CreateLabel(l); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := doc.AddSpan(annotation.SpanInput{Start: 0, End: 10, Labels: []string{"PER"}}); err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestContributionLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	doc := baseline(t)

	if err := svc.EnsureDocumentRepo(doc.Snapshot(), "Avery"); err != nil {
		t.Fatalf("EnsureDocumentRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}
	if err := svc.EnsureDocumentRepo(doc.Snapshot(), "Avery"); err != nil {
		t.Fatalf("EnsureDocumentRepo() second call error = %v", err)
	}

	working, err := annotation.Restore(doc.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	org, err := working.AddSpan(annotation.SpanInput{Start: 20, End: 29, Labels: []string{"ORG"}, Contributor: "avery"})
	if err != nil {
		t.Fatal(err)
	}
	commit, err := svc.CommitContribution("avery", working.Snapshot(), "Tag organisations")
	if err != nil {
		t.Fatalf("CommitContribution() error = %v", err)
	}
	if commit.Hash == "" || commit.Author != "avery" {
		t.Fatalf("commit = %+v", commit)
	}

	again, err := svc.CommitContribution("avery", working.Snapshot(), "No changes")
	if err != nil {
		t.Fatalf("CommitContribution(unchanged) error = %v", err)
	}
	if again.Hash != commit.Hash {
		t.Fatalf("unchanged commit moved head: %s -> %s", commit.Hash, again.Hash)
	}

	head, _, err := svc.Head("doc-1", BranchFor("avery"))
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if _, ok := head.Span(org.ID); !ok {
		t.Fatalf("head snapshot lost span %s", org.ID)
	}
	if _, err := annotation.Restore(head); err != nil {
		t.Fatalf("head snapshot does not restore: %v", err)
	}

	main, _, err := svc.Head("doc-1", "main")
	if err != nil {
		t.Fatal(err)
	}
	if len(main.Spans) != 1 {
		t.Fatalf("main changed by contribution: %d spans", len(main.Spans))
	}

	history, err := svc.History("doc-1", BranchFor("avery"), 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %+v", history)
	}

	at, err := svc.SnapshotAt("doc-1", history[1].Hash)
	if err != nil {
		t.Fatalf("SnapshotAt() error = %v", err)
	}
	changes := DiffSpans(at, head)
	if len(changes) != 1 || changes[0].Change != "added" || changes[0].SpanID != org.ID {
		t.Fatalf("DiffSpans() = %+v", changes)
	}
}

func TestMergedCommitOnMain(t *testing.T) {
	svc := New(t.TempDir())
	doc := baseline(t)
	if err := svc.EnsureDocumentRepo(doc.Snapshot(), "Avery"); err != nil {
		t.Fatal(err)
	}

	for i, who := range []string{"avery", "blake"} {
		w, err := annotation.Restore(doc.Snapshot())
		if err != nil {
			t.Fatal(err)
		}
		start := []int{20, 33}[i]
		end := []int{29, 40}[i]
		if _, err := w.AddSpan(annotation.SpanInput{Start: start, End: end, Labels: []string{"LOC"}, Contributor: who}); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.CommitContribution(who, w.Snapshot(), "work"); err != nil {
			t.Fatal(err)
		}
	}

	contribs, err := svc.Contributions("doc-1")
	if err != nil {
		t.Fatalf("Contributions() error = %v", err)
	}
	if len(contribs) != 2 {
		t.Fatalf("contributions = %v", contribs)
	}
	var inputs []merge.Contribution
	var names []string
	for who, snap := range contribs {
		inputs = append(inputs, merge.Contribution{Contributor: who, Snapshot: snap})
		names = append(names, who)
	}
	res, err := merge.Merge(merge.Options{}, inputs...)
	if err != nil {
		t.Fatal(err)
	}

	commit, err := svc.CommitMerged(res.Snapshot, "reviewer", "Merge contributions", names)
	if err != nil {
		t.Fatalf("CommitMerged() error = %v", err)
	}
	if !strings.Contains(commit.Message, "sources=contrib/avery,contrib/blake") {
		t.Fatalf("merge message = %q", commit.Message)
	}
	main, _, err := svc.Head("doc-1", "main")
	if err != nil {
		t.Fatal(err)
	}
	if len(main.Spans) != 3 {
		t.Fatalf("main spans = %d, want 3", len(main.Spans))
	}
	if err := svc.Tag("doc-1", commit.Hash, "gold-v1"); err != nil {
		t.Fatalf("Tag() error = %v", err)
	}
	if err := svc.Tag("doc-1", commit.Hash, "gold-v1"); err != nil {
		t.Fatalf("Tag() twice error = %v", err)
	}
}

func TestUnknownDocument(t *testing.T) {
	svc := New(t.TempDir())
	if _, _, err := svc.Head("missing", "main"); !errors.Is(err, ErrNoRepo) {
		t.Fatalf("Head() error = %v, want ErrNoRepo", err)
	}
}

func TestConcurrentContributions(t *testing.T) {
	svc := New(t.TempDir())
	doc := baseline(t)
	if err := svc.EnsureDocumentRepo(doc.Snapshot(), "Avery"); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := annotation.Restore(doc.Snapshot())
			if err != nil {
				errs <- err
				return
			}
			if _, err := w.AddSpan(annotation.SpanInput{Start: 33, End: 40, Labels: []string{"LOC"}}); err != nil {
				errs <- err
				return
			}
			if _, err := svc.CommitContribution(fmt.Sprintf("annotator-%d", i), w.Snapshot(), "work"); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent commit error = %v", err)
	}
	contribs, err := svc.Contributions("doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(contribs) != 8 {
		t.Fatalf("contributions = %d, want 8", len(contribs))
	}
}

func TestBranchFor(t *testing.T) {
	tests := map[string]string{
		"avery":             "contrib/avery",
		"Mary Jane":         "contrib/Mary-Jane",
		"ann@example.com":   "contrib/ann-example-com",
		"../../etc":         "contrib/etc",
		"":                  "contrib/user",
		"reviewer_2-backup": "contrib/reviewer_2-backup",
	}
	for in, want := range tests {
		if got := BranchFor(in); got != want {
			t.Errorf("BranchFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMissingBranch(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureDocumentRepo(baseline(t).Snapshot(), "Avery"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.History("doc-1", BranchFor("nobody"), 5); !errors.Is(err, ErrNoBranch) {
		t.Fatalf("History() error = %v, want ErrNoBranch", err)
	}
	if _, _, err := svc.Head("doc-1", BranchFor("nobody")); !errors.Is(err, ErrNoBranch) {
		t.Fatalf("Head() error = %v, want ErrNoBranch", err)
	}
}
