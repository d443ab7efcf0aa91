// Package merge combines annotation snapshots produced independently by
// several contributors on the same document.
//
// Policy, applied per span id:
//   - identical versions collapse into one;
//   - divergent versions resolve last-writer-wins on UpdatedAt, ties going to
//     the lexicographically greatest contributor and then the greatest content
//     digest; every losing version is reported as a Conflict;
//   - a tombstone newer than the winning version deletes the span.
//
// Spans with different ids are never merged with each other, even when their
// content is equal. Entity groups are the transitive closure of every input
// group, less memberships older than a later unlink of the same span. Labels
// resolve last-writer-wins per id against label tombstones. The result does
// not depend on the order of the inputs, and merging a snapshot with itself
// returns it unchanged.
package merge

import (
	"fmt"
	"sort"
	"time"

	"spanlab/api/internal/annotation"
)

// Contribution is one contributor's frozen view of a document.
type Contribution struct {
	Contributor string
	Snapshot    annotation.Snapshot
}

type Options struct {
	// Labels is the authoritative registry of the merged document. When nil
	// the registries of the inputs are unioned by label id.
	Labels []annotation.Label
}

// Conflict records one automatic resolution. It unwraps to
// annotation.ErrMergeConflict.
type Conflict struct {
	SpanID  string `json:"spanId"`
	Kept    string `json:"kept"`
	Dropped string `json:"dropped"`
	// Reason is "edit" when two versions diverged and "delete" when a
	// tombstone and an edit disagreed.
	Reason string `json:"reason"`
}

func (c Conflict) Error() string {
	return fmt.Sprintf("merge conflict on span %s (%s): kept %s, dropped %s", c.SpanID, c.Reason, c.Kept, c.Dropped)
}

func (c Conflict) Unwrap() error {
	return annotation.ErrMergeConflict
}

type Result struct {
	Snapshot  annotation.Snapshot `json:"snapshot"`
	Conflicts []Conflict          `json:"conflicts"`
}

type version struct {
	span        annotation.Span
	contributor string
	digest      string
}

// newer reports whether a wins over b.
func newer(a, b version) bool {
	if !a.span.UpdatedAt.Equal(b.span.UpdatedAt) {
		return a.span.UpdatedAt.After(b.span.UpdatedAt)
	}
	if a.contributor != b.contributor {
		return a.contributor > b.contributor
	}
	return a.digest > b.digest
}

type tomb struct {
	stone       annotation.Tombstone
	contributor string
}

// Merge combines contributions into one validated snapshot.
func Merge(opts Options, contribs ...Contribution) (Result, error) {
	const op = "merge"
	if len(contribs) == 0 {
		return Result{}, &annotation.Error{Kind: annotation.ErrInvalidInput, Op: op, Detail: "nothing to merge"}
	}
	ordered := make([]Contribution, len(contribs))
	copy(ordered, contribs)
	digests := make(map[int]string, len(ordered))
	for i := range ordered {
		digests[i] = SnapshotDigest(ordered[i].Snapshot)
	}
	idx := make([]int, len(ordered))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ca, cb := ordered[idx[a]], ordered[idx[b]]
		if ca.Contributor != cb.Contributor {
			return ca.Contributor < cb.Contributor
		}
		return digests[idx[a]] < digests[idx[b]]
	})
	sorted := make([]Contribution, len(idx))
	for i, j := range idx {
		sorted[i] = ordered[j]
	}

	base := sorted[0].Snapshot
	for _, c := range sorted[1:] {
		if c.Snapshot.DocumentID != base.DocumentID {
			return Result{}, &annotation.Error{Kind: annotation.ErrMergeMismatch, Op: op, ID: c.Snapshot.DocumentID,
				Detail: fmt.Sprintf("contribution of %s is for another document than %s", c.Contributor, base.DocumentID)}
		}
		if c.Snapshot.Text != base.Text {
			return Result{}, &annotation.Error{Kind: annotation.ErrMergeMismatch, Op: op, ID: base.DocumentID,
				Detail: fmt.Sprintf("contribution of %s has different text", c.Contributor)}
		}
	}

	winners, conflicts := resolveSpans(sorted)
	live, tombstones, deleteConflicts := applyTombstones(sorted, winners)
	conflicts = append(conflicts, deleteConflicts...)

	spans := orderSpans(sorted, live)
	groups := closeGroups(sorted, live)
	member := map[string]string{}
	for _, g := range groups {
		for _, id := range g.Members {
			member[id] = g.ID
		}
	}
	for i := range spans {
		spans[i].GroupID = member[spans[i].ID]
	}

	labels, labelTombstones := opts.Labels, []annotation.LabelTombstone(nil)
	if labels == nil {
		labels, labelTombstones = mergeLabels(sorted, spans)
	}

	merged := annotation.Snapshot{
		DocumentID: base.DocumentID,
		Text:       base.Text,
		Metadata:   base.Metadata.Clone(),
		Extra:      base.Extra.Clone(),
		Provenance: base.Provenance.Clone(),
		Labels:     labels,
		Spans:      spans,
		Groups:     groups,
		Tombstones: tombstones,
		CreatedAt:  base.CreatedAt,

		LabelTombstones: labelTombstones,
	}
	doc, err := annotation.Restore(merged)
	if err != nil {
		return Result{}, fmt.Errorf("merged snapshot is invalid: %w", err)
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].SpanID != conflicts[j].SpanID {
			return conflicts[i].SpanID < conflicts[j].SpanID
		}
		return conflicts[i].Dropped < conflicts[j].Dropped
	})
	return Result{Snapshot: doc.Snapshot(), Conflicts: conflicts}, nil
}

func resolveSpans(contribs []Contribution) (map[string]version, []Conflict) {
	versions := map[string][]version{}
	for _, c := range contribs {
		for _, span := range c.Snapshot.Spans {
			versions[span.ID] = append(versions[span.ID], version{span: span, contributor: c.Contributor, digest: SpanDigest(span)})
		}
	}
	winners := make(map[string]version, len(versions))
	var conflicts []Conflict
	for id, vs := range versions {
		best := vs[0]
		for _, v := range vs[1:] {
			if newer(v, best) {
				best = v
			}
		}
		winners[id] = best
		reported := map[string]bool{best.digest: true}
		for _, v := range vs {
			if reported[v.digest] {
				continue
			}
			reported[v.digest] = true
			conflicts = append(conflicts, Conflict{SpanID: id, Kept: best.contributor, Dropped: v.contributor, Reason: "edit"})
		}
	}
	return winners, conflicts
}

// applyTombstones drops spans whose latest deletion is newer than their
// winning edit and returns the merged tombstone list.
func applyTombstones(contribs []Contribution, winners map[string]version) (map[string]version, []annotation.Tombstone, []Conflict) {
	latest := map[string]tomb{}
	for _, c := range contribs {
		for _, t := range c.Snapshot.Tombstones {
			cur, ok := latest[t.SpanID]
			if !ok || t.DeletedAt.After(cur.stone.DeletedAt) ||
				(t.DeletedAt.Equal(cur.stone.DeletedAt) && c.Contributor > cur.contributor) {
				latest[t.SpanID] = tomb{stone: t, contributor: c.Contributor}
			}
		}
	}

	live := make(map[string]version, len(winners))
	var conflicts []Conflict
	for id, v := range winners {
		t, deleted := latest[id]
		if !deleted {
			live[id] = v
			continue
		}
		if t.stone.DeletedAt.After(v.span.UpdatedAt) {
			if v.span.UpdatedAt.After(v.span.CreatedAt) {
				conflicts = append(conflicts, Conflict{SpanID: id, Kept: t.contributor, Dropped: v.contributor, Reason: "delete"})
			}
			continue
		}
		conflicts = append(conflicts, Conflict{SpanID: id, Kept: v.contributor, Dropped: t.contributor, Reason: "delete"})
		live[id] = v
	}

	var tombstones []annotation.Tombstone
	for id, t := range latest {
		if _, ok := live[id]; !ok {
			tombstones = append(tombstones, t.stone)
		}
	}
	sort.Slice(tombstones, func(i, j int) bool { return tombstones[i].SpanID < tombstones[j].SpanID })
	return live, tombstones, conflicts
}

// orderSpans clones the live winners in creation order: input Seq first,
// then CreatedAt and id. A span keeps its Seq unless an earlier span already
// holds it; such spans are renumbered after the highest Seq in use. GroupedAt
// becomes the latest membership change any input saw.
func orderSpans(contribs []Contribution, live map[string]version) []annotation.Span {
	groupedAt := map[string]time.Time{}
	for _, c := range contribs {
		for _, span := range c.Snapshot.Spans {
			if span.GroupedAt.After(groupedAt[span.ID]) {
				groupedAt[span.ID] = span.GroupedAt
			}
		}
	}

	spans := make([]annotation.Span, 0, len(live))
	var top uint64
	for _, v := range live {
		span := v.span.Clone()
		span.GroupID = ""
		span.GroupedAt = groupedAt[span.ID]
		if span.Seq > top {
			top = span.Seq
		}
		spans = append(spans, span)
	}
	sort.Slice(spans, func(i, j int) bool {
		a, b := spans[i], spans[j]
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	taken := make(map[uint64]bool, len(spans))
	for i := range spans {
		if spans[i].Seq == 0 || taken[spans[i].Seq] {
			top++
			spans[i].Seq = top
		}
		taken[spans[i].Seq] = true
	}
	return spans
}

// closeGroups unions every input group over its members, then keeps the
// components with at least two live spans. A membership only counts when it is
// newer than the latest unlink of that span in any input, so an unlink made
// after a merge is not undone by the older links it replaced. A component
// takes the smallest contributing group id, the member order of that group
// and the name of the smallest named one.
func closeGroups(contribs []Contribution, live map[string]version) []annotation.EntityGroup {
	unlinked := map[string]time.Time{}
	for _, c := range contribs {
		for _, span := range c.Snapshot.Spans {
			if span.GroupID == "" && span.GroupedAt.After(unlinked[span.ID]) {
				unlinked[span.ID] = span.GroupedAt
			}
		}
	}

	parent := map[string]string{}
	var find func(string) string
	find = func(x string) string {
		p, ok := parent[x]
		if !ok {
			parent[x] = x
			return x
		}
		if p == x {
			return x
		}
		root := find(p)
		parent[x] = root
		return root
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	type source struct {
		id, name string
		members  []string
	}
	var sources []source
	for _, c := range contribs {
		joined := make(map[string]time.Time, len(c.Snapshot.Spans))
		for _, span := range c.Snapshot.Spans {
			joined[span.ID] = span.GroupedAt
		}
		for _, g := range c.Snapshot.Groups {
			var members []string
			for _, m := range g.Members {
				if at, ok := unlinked[m]; ok && !joined[m].After(at) {
					continue
				}
				members = append(members, m)
			}
			if len(members) == 0 {
				continue
			}
			for _, m := range members[1:] {
				union(members[0], m)
			}
			sources = append(sources, source{id: g.ID, name: g.Name, members: members})
		}
	}

	type component struct {
		id, name, nameFrom string
		order              []string
		members            []string
	}
	comps := map[string]*component{}
	for _, s := range sources {
		root := find(s.members[0])
		comp, ok := comps[root]
		if !ok || s.id < comp.id {
			if !ok {
				comp = &component{}
				comps[root] = comp
			}
			comp.id, comp.order = s.id, s.members
		}
		if s.name != "" && (comp.nameFrom == "" || s.id < comp.nameFrom) {
			comp.name, comp.nameFrom = s.name, s.id
		}
	}
	for id := range live {
		if _, linked := parent[id]; !linked {
			continue
		}
		if comp, ok := comps[find(id)]; ok {
			comp.members = append(comp.members, id)
		}
	}

	var groups []annotation.EntityGroup
	for _, comp := range comps {
		if len(comp.members) < 2 {
			continue
		}
		groups = append(groups, annotation.EntityGroup{ID: comp.id, Name: comp.name, Members: memberOrder(comp.order, comp.members)})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups
}

// memberOrder lists members in the order of the group whose id the component
// took, followed by the remaining members sorted by id.
func memberOrder(order, members []string) []string {
	in := make(map[string]bool, len(members))
	for _, m := range members {
		in[m] = true
	}
	out := make([]string, 0, len(members))
	for _, m := range order {
		if in[m] {
			out = append(out, m)
			delete(in, m)
		}
	}
	rest := make([]string, 0, len(in))
	for m := range in {
		rest = append(rest, m)
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// mergeLabels keeps, per label id, the most recently updated definition, in
// first-seen contributor order. A label whose latest removal is newer than
// that definition is dropped unless a merged span still carries it. A shortcut
// already bound by an earlier label is cleared.
func mergeLabels(contribs []Contribution, spans []annotation.Span) ([]annotation.Label, []annotation.LabelTombstone) {
	var order []string
	best := map[string]annotation.Label{}
	for _, c := range contribs {
		for _, l := range c.Snapshot.Labels {
			cur, seen := best[l.ID]
			if !seen {
				order = append(order, l.ID)
			}
			// Contributors arrive sorted, so on equal times the later one wins.
			if !seen || !l.UpdatedAt.Before(cur.UpdatedAt) {
				best[l.ID] = l
			}
		}
	}
	removed := map[string]annotation.LabelTombstone{}
	for _, c := range contribs {
		for _, t := range c.Snapshot.LabelTombstones {
			if cur, ok := removed[t.LabelID]; !ok || t.DeletedAt.After(cur.DeletedAt) {
				removed[t.LabelID] = t
			}
		}
	}
	used := map[string]bool{}
	for _, span := range spans {
		for _, l := range span.Labels {
			used[l] = true
		}
	}

	var labels []annotation.Label
	shortcuts := map[string]bool{}
	for _, id := range order {
		l := best[id]
		if t, ok := removed[id]; ok && t.DeletedAt.After(l.UpdatedAt) && !used[id] {
			continue
		}
		delete(removed, id)
		if l.Shortcut != "" {
			if shortcuts[l.Shortcut] {
				l.Shortcut = ""
			} else {
				shortcuts[l.Shortcut] = true
			}
		}
		labels = append(labels, l)
	}
	var tombstones []annotation.LabelTombstone
	for _, t := range removed {
		tombstones = append(tombstones, t)
	}
	sort.Slice(tombstones, func(i, j int) bool { return tombstones[i].LabelID < tombstones[j].LabelID })
	return labels, tombstones
}
