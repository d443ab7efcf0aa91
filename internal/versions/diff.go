package versions

import (
	"sort"
	"strings"

	"spanlab/api/internal/annotation"
)

// SpanChange describes how one span differs between two snapshots.
type SpanChange struct {
	SpanID string `json:"spanId"`
	// Change is "added", "removed", "changed" or "regrouped".
	Change string `json:"change"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// DiffSpans compares two versions of the same document by span id.
func DiffSpans(from, to annotation.Snapshot) []SpanChange {
	before := make(map[string]annotation.Span, len(from.Spans))
	for _, s := range from.Spans {
		before[s.ID] = s
	}
	result := make([]SpanChange, 0)
	seen := map[string]bool{}
	for _, after := range to.Spans {
		seen[after.ID] = true
		prev, ok := before[after.ID]
		switch {
		case !ok:
			result = append(result, SpanChange{SpanID: after.ID, Change: "added", After: describe(after)})
		case !prev.SameContent(after):
			result = append(result, SpanChange{SpanID: after.ID, Change: "changed", Before: describe(prev), After: describe(after)})
		case prev.GroupID != after.GroupID:
			result = append(result, SpanChange{SpanID: after.ID, Change: "regrouped", Before: prev.GroupID, After: after.GroupID})
		}
	}
	for id, prev := range before {
		if !seen[id] {
			result = append(result, SpanChange{SpanID: id, Change: "removed", Before: describe(prev)})
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].SpanID < result[j].SpanID
	})
	return result
}

// HasChanges reports whether DiffSpans would return anything.
func HasChanges(from, to annotation.Snapshot) bool {
	return len(DiffSpans(from, to)) > 0
}

func describe(s annotation.Span) string {
	return s.Text + " [" + strings.Join(s.Labels, ",") + "]"
}
