package annotation

import (
	"slices"
	"sort"
)

// Link places a and b in the same entity group. Identity is transitive: when
// both spans already belong to different groups the groups are merged and the
// group of a survives.
func (d *Document) Link(a, b string) (EntityGroup, error) {
	const op = "link"
	d.mu.Lock()
	defer d.mu.Unlock()

	sa, ok := d.spans[a]
	if !ok {
		return EntityGroup{}, newError(ErrNotFound, op, a, "span")
	}
	sb, ok := d.spans[b]
	if !ok {
		return EntityGroup{}, newError(ErrNotFound, op, b, "span")
	}
	if a == b {
		return EntityGroup{}, newError(ErrSameGroup, op, a, "cannot link a span to itself")
	}

	now := d.stamp()
	switch {
	case sa.GroupID == "" && sb.GroupID == "":
		g := &EntityGroup{ID: d.newID("grp"), Members: []string{a, b}}
		d.groups[g.ID] = g
		sa.GroupID, sb.GroupID = g.ID, g.ID
		sa.GroupedAt, sb.GroupedAt = now, now
		return g.Clone(), nil
	case sa.GroupID == sb.GroupID:
		return EntityGroup{}, newError(ErrSameGroup, op, sa.GroupID, "%s and %s are already linked", a, b)
	case sb.GroupID == "":
		g := d.groups[sa.GroupID]
		g.Members = append(g.Members, b)
		sb.GroupID, sb.GroupedAt = g.ID, now
		return g.Clone(), nil
	case sa.GroupID == "":
		g := d.groups[sb.GroupID]
		g.Members = append(g.Members, a)
		sa.GroupID, sa.GroupedAt = g.ID, now
		return g.Clone(), nil
	}

	keep, drop := d.groups[sa.GroupID], d.groups[sb.GroupID]
	for _, id := range drop.Members {
		d.spans[id].GroupID = keep.ID
		d.spans[id].GroupedAt = now
	}
	keep.Members = append(keep.Members, drop.Members...)
	if keep.Name == "" {
		keep.Name = drop.Name
	}
	delete(d.groups, drop.ID)
	return keep.Clone(), nil
}

// Unlink removes the span from its group. The other members stay grouped; a
// group left with fewer than two members is dissolved.
func (d *Document) Unlink(spanID string) error {
	const op = "unlink"
	d.mu.Lock()
	defer d.mu.Unlock()

	span, ok := d.spans[spanID]
	if !ok {
		return newError(ErrNotFound, op, spanID, "span")
	}
	if span.GroupID == "" {
		return newError(ErrNotFound, op, spanID, "span is not linked")
	}
	d.detach(span)
	return nil
}

// GroupOf returns the group of a span; ok is false when the span is unlinked.
func (d *Document) GroupOf(spanID string) (EntityGroup, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	span, ok := d.spans[spanID]
	if !ok {
		return EntityGroup{}, false, newError(ErrNotFound, "group_of", spanID, "span")
	}
	if span.GroupID == "" {
		return EntityGroup{}, false, nil
	}
	return d.groups[span.GroupID].Clone(), true, nil
}

// Groups returns every entity group ordered by id.
func (d *Document) Groups() []EntityGroup {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.groupsLocked()
}

// NameGroup sets the canonical name of a group.
func (d *Document) NameGroup(groupID, name string) (EntityGroup, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[groupID]
	if !ok {
		return EntityGroup{}, newError(ErrNotFound, "name_group", groupID, "group")
	}
	g.Name = name
	return g.Clone(), nil
}

// detach stamps GroupedAt on every span it ungroups so a merge can tell an
// unlink apart from a copy that never saw the link.
func (d *Document) detach(span *Span) {
	now := d.stamp()
	g := d.groups[span.GroupID]
	span.GroupID, span.GroupedAt = "", now
	if i := slices.Index(g.Members, span.ID); i >= 0 {
		g.Members = slices.Delete(g.Members, i, i+1)
	}
	if len(g.Members) < 2 {
		for _, id := range g.Members {
			d.spans[id].GroupID = ""
			d.spans[id].GroupedAt = now
		}
		delete(d.groups, g.ID)
	}
}

func (d *Document) groupsLocked() []EntityGroup {
	out := make([]EntityGroup, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Document) restoreGroup(g EntityGroup) error {
	const op = "restore"
	if g.ID == "" {
		return newError(ErrInvalidInput, op, "", "group without id")
	}
	if _, exists := d.groups[g.ID]; exists {
		return newError(ErrInvalidInput, op, g.ID, "duplicate group id")
	}
	if len(g.Members) < 2 {
		return newError(ErrInvalidInput, op, g.ID, "group needs at least two members, has %d", len(g.Members))
	}
	for _, id := range g.Members {
		span, ok := d.spans[id]
		if !ok {
			return newError(ErrNotFound, op, id, "group %s member", g.ID)
		}
		if span.GroupID != "" {
			return newError(ErrInvalidInput, op, id, "span is in groups %s and %s", span.GroupID, g.ID)
		}
	}
	restored := g.Clone()
	for _, id := range restored.Members {
		d.spans[id].GroupID = restored.ID
	}
	d.groups[restored.ID] = &restored
	return nil
}
