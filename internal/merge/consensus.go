package merge

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"spanlab/api/internal/annotation"
)

// Strategy selects which agreements a consensus report keeps.
type Strategy string

const (
	// StrategyUnion keeps every annotation any contributor made.
	StrategyUnion Strategy = "union"
	// StrategyIntersection keeps annotations every contributor made.
	StrategyIntersection Strategy = "intersection"
	// StrategyMajority keeps annotations more than half of the contributors made.
	StrategyMajority Strategy = "majority"
)

// ParseStrategy accepts the strategy names, defaulting to union when empty.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyUnion:
		return StrategyUnion, nil
	case StrategyIntersection:
		return StrategyIntersection, nil
	case StrategyMajority:
		return StrategyMajority, nil
	}
	return "", &annotation.Error{Kind: annotation.ErrInvalidInput, Op: "consensus", Detail: fmt.Sprintf("unknown strategy %q", s)}
}

// Agreement is one (start, end, labels) annotation and who made it.
type Agreement struct {
	Start        int      `json:"start"`
	End          int      `json:"end"`
	Labels       []string `json:"labels"`
	Text         string   `json:"text"`
	Contributors []string `json:"contributors"`
	SpanIDs      []string `json:"spanIds"`
	// Ratio is the share of contributors that made the annotation.
	Ratio float64 `json:"ratio"`
}

// Consensus compares contributions by what they annotate, ignoring span ids.
// Spans match when their range and label set are equal.
func Consensus(strategy Strategy, contribs ...Contribution) ([]Agreement, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	people := map[string]bool{}
	for _, c := range contribs {
		people[c.Contributor] = true
	}
	total := len(people)
	if total == 0 {
		return nil, nil
	}

	byKey := map[string]*Agreement{}
	for _, c := range contribs {
		for _, span := range c.Snapshot.Spans {
			labels := slices.Clone(span.Labels)
			sort.Strings(labels)
			key := fmt.Sprintf("%d:%d:%s", span.Start, span.End, strings.Join(labels, "\x1f"))
			a, ok := byKey[key]
			if !ok {
				a = &Agreement{Start: span.Start, End: span.End, Labels: labels, Text: span.Text}
				byKey[key] = a
			}
			if !slices.Contains(a.Contributors, c.Contributor) {
				a.Contributors = append(a.Contributors, c.Contributor)
			}
			if !slices.Contains(a.SpanIDs, span.ID) {
				a.SpanIDs = append(a.SpanIDs, span.ID)
			}
		}
	}

	out := make([]Agreement, 0, len(byKey))
	for _, a := range byKey {
		n := len(a.Contributors)
		switch strategy {
		case StrategyIntersection:
			if n != total {
				continue
			}
		case StrategyMajority:
			if 2*n <= total {
				continue
			}
		}
		sort.Strings(a.Contributors)
		sort.Strings(a.SpanIDs)
		a.Ratio = float64(n) / float64(total)
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End < b.End
		}
		return strings.Join(a.Labels, ",") < strings.Join(b.Labels, ",")
	})
	return out, nil
}
