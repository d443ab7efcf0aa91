// Package stats derives read-only aggregates from annotation snapshots.
package stats

import (
	"sort"

	"spanlab/api/internal/annotation"
)

type Options struct {
	// ExpectedSpans is the externally supplied minimum for the completion
	// ratio. Zero or negative means 1.
	ExpectedSpans int
}

// Summary describes one document snapshot.
type Summary struct {
	DocumentID        string         `json:"documentId"`
	TotalSpans        int            `json:"totalSpans"`
	LabeledSpans      int            `json:"labeledSpans"`
	LabelCounts       map[string]int `json:"labelDistribution"`
	ClassCounts       map[string]int `json:"classificationDistribution"`
	ContributorCounts map[string]int `json:"contributorCounts"`
	Groups            int            `json:"entityGroups"`
	GroupSizes        map[int]int    `json:"groupSizeDistribution"`
	LinkedSpans       int            `json:"linkedSpans"`
	NestedPairs       int            `json:"nestedPairs"`
	OverlappingPairs  int            `json:"overlappingPairs"`
	Completion        float64        `json:"completionRatio"`
	UnusedLabels      []string       `json:"unusedLabels"`
}

// Compute aggregates snap. It never mutates its input.
func Compute(snap annotation.Snapshot, opts Options) Summary {
	sum := Summary{
		DocumentID:        snap.DocumentID,
		TotalSpans:        len(snap.Spans),
		LabelCounts:       make(map[string]int, len(snap.Labels)),
		ClassCounts:       make(map[string]int),
		ContributorCounts: make(map[string]int),
		Groups:            len(snap.Groups),
		GroupSizes:        make(map[int]int),
	}
	for _, label := range snap.Labels {
		sum.LabelCounts[label.ID] = 0
	}
	for _, span := range snap.Spans {
		if len(span.Labels) > 0 {
			sum.LabeledSpans++
		}
		for _, l := range span.Labels {
			sum.LabelCounts[l]++
		}
		if span.Classification != annotation.ClassificationNone {
			sum.ClassCounts[string(span.Classification)]++
		}
		if span.Contributor != "" {
			sum.ContributorCounts[span.Contributor]++
		}
	}
	for _, g := range snap.Groups {
		sum.GroupSizes[len(g.Members)]++
		sum.LinkedSpans += len(g.Members)
	}
	sum.NestedPairs, sum.OverlappingPairs = pairCounts(snap.Spans)
	sum.Completion = completion(sum.LabeledSpans, opts.ExpectedSpans)
	for _, label := range snap.Labels {
		if sum.LabelCounts[label.ID] == 0 {
			sum.UnusedLabels = append(sum.UnusedLabels, label.ID)
		}
	}
	return sum
}

func completion(labeled, expected int) float64 {
	if expected <= 0 {
		expected = 1
	}
	return float64(labeled) / float64(expected)
}

// pairCounts counts nested pairs and pairs that overlap without nesting.
// Spans must be sorted by start, as snapshots are.
func pairCounts(spans []annotation.Span) (nested, overlapping int) {
	sorted := spans
	if !sort.SliceIsSorted(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start }) {
		sorted = make([]annotation.Span, len(spans))
		copy(sorted, spans)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	}
	for i := range sorted {
		for j := i + 1; j < len(sorted) && sorted[j].Start < sorted[i].End; j++ {
			a, b := sorted[i], sorted[j]
			if a.Contains(b) || b.Contains(a) {
				nested++
			} else {
				overlapping++
			}
		}
	}
	return nested, overlapping
}

// Corpus aggregates several documents.
type Corpus struct {
	Documents      int            `json:"totalTasks"`
	TotalSpans     int            `json:"totalAnnotations"`
	LabelCounts    map[string]int `json:"labelDistribution"`
	Completed      int            `json:"completedTasks"`
	AvailableLabel []string       `json:"availableLabels"`
}

// ComputeCorpus folds per-document summaries into one report. A document is
// completed when its completion ratio reaches 1.
func ComputeCorpus(snaps []annotation.Snapshot, opts Options) Corpus {
	out := Corpus{LabelCounts: make(map[string]int)}
	seen := make(map[string]bool)
	for _, snap := range snaps {
		sum := Compute(snap, opts)
		out.Documents++
		out.TotalSpans += sum.TotalSpans
		for label, n := range sum.LabelCounts {
			out.LabelCounts[label] += n
		}
		if sum.Completion >= 1 {
			out.Completed++
		}
		for _, l := range snap.Labels {
			if !seen[l.ID] {
				seen[l.ID] = true
				out.AvailableLabel = append(out.AvailableLabel, l.ID)
			}
		}
	}
	return out
}
