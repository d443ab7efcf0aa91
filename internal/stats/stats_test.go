package stats

import (
	"testing"

	"spanlab/api/internal/annotation"
)

func sampleDoc(t *testing.T) *annotation.Document {
	t.Helper()
	d := annotation.New("doc-1", "John Smith works at Microsoft in Seattle. So He left.")
	for _, l := range annotation.DefaultLabels() {
		if _, err := d.CreateLabel(l); err != nil {
			t.Fatal(err)
		}
	}
	return d
}

func add(t *testing.T, d *annotation.Document, start, end int, label string) annotation.Span {
	t.Helper()
	span, err := d.AddSpan(annotation.SpanInput{Start: start, End: end, Labels: []string{label}, Contributor: "avery"})
	if err != nil {
		t.Fatal(err)
	}
	return span
}

func TestComputeSampleScenario(t *testing.T) {
	d := sampleDoc(t)
	per := add(t, d, 0, 10, "PER")
	add(t, d, 20, 29, "ORG")
	add(t, d, 33, 40, "LOC")

	sum := Compute(d.Snapshot(), Options{})
	if sum.TotalSpans != 3 || sum.Groups != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	for _, label := range []string{"PER", "ORG", "LOC"} {
		if sum.LabelCounts[label] != 1 {
			t.Fatalf("LabelCounts[%s] = %d, want 1", label, sum.LabelCounts[label])
		}
	}
	if sum.Completion != 3 {
		t.Fatalf("Completion = %v, want 3 with default expectation", sum.Completion)
	}
	if len(sum.UnusedLabels) != 1 || sum.UnusedLabels[0] != "MISC" {
		t.Fatalf("UnusedLabels = %v", sum.UnusedLabels)
	}

	he := add(t, d, 45, 47, "PER")
	if _, err := d.Link(per.ID, he.ID); err != nil {
		t.Fatal(err)
	}
	sum = Compute(d.Snapshot(), Options{ExpectedSpans: 8})
	if sum.Groups != 1 || sum.GroupSizes[2] != 1 || sum.LinkedSpans != 2 {
		t.Fatalf("group stats = %+v", sum)
	}
	if sum.Completion != 0.5 {
		t.Fatalf("Completion = %v, want 0.5", sum.Completion)
	}
	if sum.ContributorCounts["avery"] != 4 {
		t.Fatalf("ContributorCounts = %v", sum.ContributorCounts)
	}
}

func TestPairCounts(t *testing.T) {
	d := sampleDoc(t)
	add(t, d, 0, 29, "MISC")
	add(t, d, 0, 10, "PER")
	add(t, d, 20, 40, "ORG")

	sum := Compute(d.Snapshot(), Options{})
	if sum.NestedPairs != 1 || sum.OverlappingPairs != 1 {
		t.Fatalf("nested=%d overlapping=%d, want 1/1", sum.NestedPairs, sum.OverlappingPairs)
	}
}

func TestComputeDoesNotMutate(t *testing.T) {
	d := sampleDoc(t)
	add(t, d, 20, 40, "ORG")
	add(t, d, 0, 10, "PER")
	snap := d.Snapshot()
	snap.Spans[0], snap.Spans[1] = snap.Spans[1], snap.Spans[0]
	first := snap.Spans[0].ID

	Compute(snap, Options{})
	if snap.Spans[0].ID != first {
		t.Fatal("Compute reordered its input")
	}
}

func TestComputeCorpus(t *testing.T) {
	one := sampleDoc(t)
	add(t, one, 0, 10, "PER")
	two := sampleDoc(t)
	add(t, two, 0, 10, "PER")
	add(t, two, 20, 29, "ORG")

	corpus := ComputeCorpus([]annotation.Snapshot{one.Snapshot(), two.Snapshot()}, Options{ExpectedSpans: 2})
	if corpus.Documents != 2 || corpus.TotalSpans != 3 {
		t.Fatalf("corpus = %+v", corpus)
	}
	if corpus.LabelCounts["PER"] != 2 || corpus.Completed != 1 {
		t.Fatalf("corpus = %+v", corpus)
	}
	if len(corpus.AvailableLabel) != 4 {
		t.Fatalf("AvailableLabel = %v", corpus.AvailableLabel)
	}
}
