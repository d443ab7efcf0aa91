package merge

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"spanlab/api/internal/annotation"
)

const sample = "John Smith works at Microsoft in Seattle. So He left."

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct{ at time.Time }

func (c *clock) now() time.Time { return c.at }

func ids(owner string) func(string) string {
	n := 0
	return func(prefix string) string {
		n++
		return fmt.Sprintf("%s_%s%02d", prefix, owner, n)
	}
}

// baseSnapshot is the shared starting point: PER, ORG and LOC spans.
func baseSnapshot(t *testing.T) annotation.Snapshot {
	t.Helper()
	c := &clock{at: t0}
	d := annotation.New("doc-1", sample, annotation.WithClock(c.now), annotation.WithIDGenerator(ids("base")))
	for _, l := range annotation.DefaultLabels() {
		if _, err := d.CreateLabel(l); err != nil {
			t.Fatal(err)
		}
	}
	for _, r := range []struct {
		start, end int
		label      string
	}{{0, 10, "PER"}, {20, 29, "ORG"}, {33, 40, "LOC"}} {
		if _, err := d.AddSpan(annotation.SpanInput{Start: r.start, End: r.end, Labels: []string{r.label}}); err != nil {
			t.Fatal(err)
		}
	}
	return d.Snapshot()
}

type working struct {
	doc   *annotation.Document
	clock *clock
}

func checkout(t *testing.T, snap annotation.Snapshot, owner string, offset time.Duration) working {
	t.Helper()
	c := &clock{at: t0.Add(offset)}
	doc, err := annotation.Restore(snap, annotation.WithClock(c.now), annotation.WithIDGenerator(ids(owner)))
	if err != nil {
		t.Fatal(err)
	}
	return working{doc: doc, clock: c}
}

func (w working) contribution(owner string) Contribution {
	return Contribution{Contributor: owner, Snapshot: w.doc.Snapshot()}
}

func spanAt(t *testing.T, snap annotation.Snapshot, start, end int) annotation.Span {
	t.Helper()
	for _, s := range snap.Spans {
		if s.Start == start && s.End == end {
			return s
		}
	}
	t.Fatalf("no span at [%d,%d)", start, end)
	return annotation.Span{}
}

func TestMergeWithItselfIsUnchanged(t *testing.T) {
	tests := []struct {
		name  string
		build func(t *testing.T, w working, base annotation.Snapshot)
	}{
		{
			name: "linked spans",
			build: func(t *testing.T, w working, base annotation.Snapshot) {
				he, err := w.doc.AddSpan(annotation.SpanInput{Start: 45, End: 47, Labels: []string{"PER"}})
				if err != nil {
					t.Fatal(err)
				}
				// Link he first so the member order is not sorted by id.
				if _, err := w.doc.Link(he.ID, spanAt(t, base, 0, 10).ID); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "creation order gap after a delete",
			build: func(t *testing.T, w working, base annotation.Snapshot) {
				if err := w.doc.DeleteSpan(spanAt(t, base, 0, 10).ID, "alice"); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "creation order disagrees with timestamps",
			build: func(t *testing.T, w working, base annotation.Snapshot) {
				if _, err := w.doc.AddSpan(annotation.SpanInput{ID: "spn_b", Start: 45, End: 47, Labels: []string{"PER"}, CreatedAt: t0.Add(2 * time.Hour)}); err != nil {
					t.Fatal(err)
				}
				if _, err := w.doc.AddSpan(annotation.SpanInput{ID: "spn_a", Start: 45, End: 47, Labels: []string{"PER"}, CreatedAt: t0.Add(time.Hour)}); err != nil {
					t.Fatal(err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := baseSnapshot(t)
			w := checkout(t, base, "alice", time.Minute)
			tt.build(t, w, base)
			snap := w.doc.Snapshot()

			res, err := Merge(Options{}, Contribution{Contributor: "alice", Snapshot: snap}, Contribution{Contributor: "alice", Snapshot: snap})
			if err != nil {
				t.Fatalf("Merge() error = %v", err)
			}
			if len(res.Conflicts) != 0 {
				t.Fatalf("conflicts = %v", res.Conflicts)
			}
			if len(res.Snapshot.Spans) != len(snap.Spans) {
				t.Fatalf("spans = %d, want %d", len(res.Snapshot.Spans), len(snap.Spans))
			}
			for i := range snap.Spans {
				got, want := res.Snapshot.Spans[i], snap.Spans[i]
				if got.ID != want.ID || got.Seq != want.Seq {
					t.Fatalf("span %d = %s seq %d, want %s seq %d", i, got.ID, got.Seq, want.ID, want.Seq)
				}
			}
			if SnapshotDigest(res.Snapshot) != SnapshotDigest(snap) {
				t.Fatalf("self-merge changed the snapshot:\n got %+v\nwant %+v", res.Snapshot, snap)
			}
		})
	}
}

func TestMergeRenumbersCollidingSeq(t *testing.T) {
	base := baseSnapshot(t)
	alice := checkout(t, base, "alice", time.Minute)
	bob := checkout(t, base, "bob", 2*time.Minute)
	a, err := alice.doc.AddSpan(annotation.SpanInput{Start: 45, End: 47, Labels: []string{"PER"}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := bob.doc.AddSpan(annotation.SpanInput{Start: 45, End: 47, Labels: []string{"PER"}})
	if err != nil {
		t.Fatal(err)
	}
	if a.Seq != b.Seq {
		t.Fatalf("setup: seq %d and %d should collide", a.Seq, b.Seq)
	}

	res, err := Merge(Options{}, bob.contribution("bob"), alice.contribution("alice"))
	if err != nil {
		t.Fatal(err)
	}
	gotA, _ := res.Snapshot.Span(a.ID)
	gotB, _ := res.Snapshot.Span(b.ID)
	if gotA.Seq != a.Seq || gotB.Seq != a.Seq+1 {
		t.Fatalf("seq = %d, %d; want earlier span to keep %d", gotA.Seq, gotB.Seq, a.Seq)
	}
	for _, span := range base.Spans {
		got, _ := res.Snapshot.Span(span.ID)
		if got.Seq != span.Seq {
			t.Fatalf("span %s seq = %d, want %d", span.ID, got.Seq, span.Seq)
		}
	}
}

func TestMergeKeepsUnlinkAfterEarlierMerge(t *testing.T) {
	base := baseSnapshot(t)
	per := spanAt(t, base, 0, 10)
	org := spanAt(t, base, 20, 29)
	stale := checkout(t, base, "bob", 30*time.Second)
	alice := checkout(t, base, "alice", time.Minute)

	if _, err := alice.doc.Link(per.ID, org.ID); err != nil {
		t.Fatal(err)
	}
	first, err := Merge(Options{}, Contribution{Contributor: "", Snapshot: base}, alice.contribution("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Snapshot.Groups) != 1 {
		t.Fatalf("groups after link = %+v", first.Snapshot.Groups)
	}

	alice.clock.at = t0.Add(2 * time.Minute)
	if err := alice.doc.Unlink(org.ID); err != nil {
		t.Fatal(err)
	}
	second, err := Merge(Options{}, Contribution{Contributor: "", Snapshot: first.Snapshot}, alice.contribution("alice"), stale.contribution("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Snapshot.Groups) != 0 {
		t.Fatalf("unlink lost: groups = %+v", second.Snapshot.Groups)
	}
	if got, _ := second.Snapshot.Span(per.ID); got.GroupID != "" || !got.GroupedAt.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("PER span = %+v", got)
	}

	// A later link is newer than the unlink and takes effect again.
	alice.clock.at = t0.Add(3 * time.Minute)
	if _, err := alice.doc.Link(org.ID, per.ID); err != nil {
		t.Fatal(err)
	}
	third, err := Merge(Options{}, Contribution{Contributor: "", Snapshot: second.Snapshot}, alice.contribution("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if len(third.Snapshot.Groups) != 1 || len(third.Snapshot.Groups[0].Members) != 2 {
		t.Fatalf("relink lost: groups = %+v", third.Snapshot.Groups)
	}
}

func TestMergeLabelChanges(t *testing.T) {
	base := baseSnapshot(t)
	stale := checkout(t, base, "bob", 30*time.Second)
	alice := checkout(t, base, "alice", time.Minute)

	if _, err := alice.doc.DeleteLabel("MISC", annotation.DeleteReject); err != nil {
		t.Fatal(err)
	}
	display := "Human"
	if _, err := alice.doc.UpdateLabel("PER", annotation.LabelPatch{Display: &display}); err != nil {
		t.Fatal(err)
	}

	res, err := Merge(Options{}, Contribution{Contributor: "", Snapshot: base}, alice.contribution("alice"), stale.contribution("bob"))
	if err != nil {
		t.Fatal(err)
	}
	labels := map[string]annotation.Label{}
	for _, l := range res.Snapshot.Labels {
		labels[l.ID] = l
	}
	if _, ok := labels["MISC"]; ok {
		t.Fatalf("deleted label came back: %+v", res.Snapshot.Labels)
	}
	if labels["PER"].Display != "Human" {
		t.Fatalf("PER = %+v, want alice's newer definition", labels["PER"])
	}
	if len(res.Snapshot.LabelTombstones) != 1 || res.Snapshot.LabelTombstones[0].LabelID != "MISC" {
		t.Fatalf("label tombstones = %+v", res.Snapshot.LabelTombstones)
	}

	// A span that still carries the label keeps it registered.
	stale.clock.at = t0.Add(2 * time.Minute)
	if _, err := stale.doc.UpdateSpan(spanAt(t, base, 33, 40).ID, annotation.SpanPatch{Labels: []string{"MISC"}}); err != nil {
		t.Fatal(err)
	}
	res, err = Merge(Options{}, Contribution{Contributor: "", Snapshot: res.Snapshot}, stale.contribution("bob"))
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if !slices.ContainsFunc(res.Snapshot.Labels, func(l annotation.Label) bool { return l.ID == "MISC" }) {
		t.Fatalf("label in use was dropped: %+v", res.Snapshot.Labels)
	}
}

func TestMergeLastWriterWins(t *testing.T) {
	base := baseSnapshot(t)
	org := spanAt(t, base, 20, 29)
	alice := checkout(t, base, "alice", time.Minute)
	bob := checkout(t, base, "bob", 2*time.Minute)

	if _, err := alice.doc.UpdateSpan(org.ID, annotation.SpanPatch{Labels: []string{"MISC"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.doc.UpdateSpan(org.ID, annotation.SpanPatch{Labels: []string{"ORG", "MISC"}}); err != nil {
		t.Fatal(err)
	}

	res, err := Merge(Options{}, alice.contribution("alice"), bob.contribution("bob"))
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	got := spanAt(t, res.Snapshot, 20, 29)
	if !slices.Equal(got.Labels, []string{"ORG", "MISC"}) {
		t.Fatalf("labels = %v, want bob's edit", got.Labels)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts = %v", res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.SpanID != org.ID || c.Kept != "bob" || c.Dropped != "alice" || !errors.Is(c, annotation.ErrMergeConflict) {
		t.Fatalf("conflict = %+v", c)
	}
}

func TestMergeTieGoesToGreatestContributor(t *testing.T) {
	base := baseSnapshot(t)
	loc := spanAt(t, base, 33, 40)
	alice := checkout(t, base, "alice", time.Minute)
	bob := checkout(t, base, "bob", time.Minute)

	note := "city"
	if _, err := alice.doc.UpdateSpan(loc.ID, annotation.SpanPatch{Notes: &note}); err != nil {
		t.Fatal(err)
	}
	tier := annotation.ConfidenceLow
	if _, err := bob.doc.UpdateSpan(loc.ID, annotation.SpanPatch{Confidence: &tier}); err != nil {
		t.Fatal(err)
	}
	res, err := Merge(Options{}, bob.contribution("bob"), alice.contribution("alice"))
	if err != nil {
		t.Fatal(err)
	}
	got := spanAt(t, res.Snapshot, 33, 40)
	if got.Confidence != annotation.ConfidenceLow || got.Notes != "" {
		t.Fatalf("span = %+v, want bob's version", got)
	}
}

func TestMergeIsOrderIndependent(t *testing.T) {
	base := baseSnapshot(t)
	per := spanAt(t, base, 0, 10)
	org := spanAt(t, base, 20, 29)
	loc := spanAt(t, base, 33, 40)

	alice := checkout(t, base, "alice", time.Minute)
	bob := checkout(t, base, "bob", 2*time.Minute)
	carol := checkout(t, base, "carol", 3*time.Minute)

	if _, err := alice.doc.Link(per.ID, org.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.doc.Link(org.ID, loc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.doc.AddSpan(annotation.SpanInput{Start: 45, End: 47, Labels: []string{"PER"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := carol.doc.UpdateSpan(per.ID, annotation.SpanPatch{Labels: []string{"MISC"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.doc.UpdateSpan(per.ID, annotation.SpanPatch{Labels: []string{"PER", "MISC"}}); err != nil {
		t.Fatal(err)
	}

	a, b, c := alice.contribution("alice"), bob.contribution("bob"), carol.contribution("carol")
	first, err := Merge(Options{}, a, b, c)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	for _, order := range [][]Contribution{{c, b, a}, {b, a, c}, {c, a, b}} {
		again, err := Merge(Options{}, order...)
		if err != nil {
			t.Fatal(err)
		}
		if SnapshotDigest(again.Snapshot) != SnapshotDigest(first.Snapshot) {
			t.Fatalf("merge depends on input order:\n%+v\n%+v", first.Snapshot, again.Snapshot)
		}
	}

	// Links 1-2 and 2-3 from different contributors close into one group.
	if len(first.Snapshot.Groups) != 1 || len(first.Snapshot.Groups[0].Members) != 3 {
		t.Fatalf("groups = %+v", first.Snapshot.Groups)
	}
	if got := spanAt(t, first.Snapshot, 0, 10); !slices.Equal(got.Labels, []string{"MISC"}) {
		t.Fatalf("PER span labels = %v, want carol's later edit", got.Labels)
	}
	if len(first.Snapshot.Spans) != 4 {
		t.Fatalf("spans = %d, want 4", len(first.Snapshot.Spans))
	}
}

func TestMergeKeepsEqualContentWithDifferentIDs(t *testing.T) {
	base := baseSnapshot(t)
	alice := checkout(t, base, "alice", time.Minute)
	bob := checkout(t, base, "bob", time.Minute)
	for _, w := range []working{alice, bob} {
		if _, err := w.doc.AddSpan(annotation.SpanInput{Start: 45, End: 47, Labels: []string{"PER"}}); err != nil {
			t.Fatal(err)
		}
	}
	res, err := Merge(Options{}, alice.contribution("alice"), bob.contribution("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Snapshot.Spans) != 5 {
		t.Fatalf("spans = %d, want both independent spans kept", len(res.Snapshot.Spans))
	}
}

func TestMergeDeletes(t *testing.T) {
	base := baseSnapshot(t)
	org := spanAt(t, base, 20, 29)
	loc := spanAt(t, base, 33, 40)

	alice := checkout(t, base, "alice", time.Minute)
	bob := checkout(t, base, "bob", 2*time.Minute)

	// alice deletes ORG which nobody edited; bob edits LOC after alice deleted it.
	if err := alice.doc.DeleteSpan(org.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := alice.doc.DeleteSpan(loc.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	note := "keep"
	if _, err := bob.doc.UpdateSpan(loc.ID, annotation.SpanPatch{Notes: &note}); err != nil {
		t.Fatal(err)
	}

	res, err := Merge(Options{}, alice.contribution("alice"), bob.contribution("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Snapshot.Span(org.ID); ok {
		t.Fatal("deleted span resurrected")
	}
	kept, ok := res.Snapshot.Span(loc.ID)
	if !ok || kept.Notes != "keep" {
		t.Fatalf("newer edit lost to older delete: %+v", kept)
	}
	if len(res.Snapshot.Tombstones) != 1 || res.Snapshot.Tombstones[0].SpanID != org.ID {
		t.Fatalf("tombstones = %+v", res.Snapshot.Tombstones)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Reason != "delete" || res.Conflicts[0].Kept != "bob" {
		t.Fatalf("conflicts = %+v", res.Conflicts)
	}
}

func TestMergeMismatch(t *testing.T) {
	base := baseSnapshot(t)
	other := base.Clone()
	other.Text = "Different text entirely, long enough for the spans."
	_, err := Merge(Options{}, Contribution{Contributor: "a", Snapshot: base}, Contribution{Contributor: "b", Snapshot: other})
	if !errors.Is(err, annotation.ErrMergeMismatch) {
		t.Fatalf("Merge() error = %v, want ErrMergeMismatch", err)
	}
	if _, err := Merge(Options{}); !errors.Is(err, annotation.ErrInvalidInput) {
		t.Fatalf("Merge() with nothing error = %v", err)
	}
}

func TestMergeAuthoritativeLabels(t *testing.T) {
	base := baseSnapshot(t)
	_, err := Merge(Options{Labels: []annotation.Label{{ID: "PER", Display: "Person", Color: "#FF5733"}}},
		Contribution{Contributor: "a", Snapshot: base})
	if !errors.Is(err, annotation.ErrUnknownLabel) {
		t.Fatalf("Merge() error = %v, want ErrUnknownLabel", err)
	}
}
