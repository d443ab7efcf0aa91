package annotation

import (
	"errors"
	"slices"
	"testing"
	"time"
)

func TestLinkIsTransitive(t *testing.T) {
	d := newSample(t)
	one := mustAdd(t, d, 0, 4, "PER")
	two := mustAdd(t, d, 5, 10, "PER")
	three := mustAdd(t, d, 45, 47, "PER")

	if _, err := d.Link(one.ID, two.ID); err != nil {
		t.Fatalf("Link(1,2) error = %v", err)
	}
	group, err := d.Link(two.ID, three.ID)
	if err != nil {
		t.Fatalf("Link(2,3) error = %v", err)
	}
	if len(group.Members) != 3 {
		t.Fatalf("members = %v, want 3", group.Members)
	}
	if len(d.Groups()) != 1 {
		t.Fatalf("Groups() = %v, want one group", d.Groups())
	}
	if _, err := d.Link(one.ID, three.ID); !errors.Is(err, ErrSameGroup) {
		t.Fatalf("Link(1,3) error = %v, want ErrSameGroup", err)
	}
	if _, err := d.Link(one.ID, one.ID); !errors.Is(err, ErrSameGroup) {
		t.Fatalf("Link(1,1) error = %v, want ErrSameGroup", err)
	}

	// Remaining members of a transitively formed group stay linked.
	if err := d.Unlink(two.ID); err != nil {
		t.Fatalf("Unlink(2) error = %v", err)
	}
	g1, ok, _ := d.GroupOf(one.ID)
	g3, ok3, _ := d.GroupOf(three.ID)
	if !ok || !ok3 || g1.ID != g3.ID || len(g1.Members) != 2 {
		t.Fatalf("after unlink: %v/%v %v/%v", g1, ok, g3, ok3)
	}
	if _, ok, _ := d.GroupOf(two.ID); ok {
		t.Fatal("unlinked span still grouped")
	}
	if err := d.Unlink(two.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Unlink(ungrouped) error = %v", err)
	}

	if err := d.Unlink(one.ID); err != nil {
		t.Fatal(err)
	}
	if len(d.Groups()) != 0 {
		t.Fatalf("group below two members survived: %v", d.Groups())
	}
	if _, ok, _ := d.GroupOf(three.ID); ok {
		t.Fatal("last member still grouped")
	}
}

func TestLinkMergesDistinctGroups(t *testing.T) {
	d := newSample(t)
	a := mustAdd(t, d, 0, 4, "PER")
	b := mustAdd(t, d, 5, 10, "PER")
	c := mustAdd(t, d, 20, 29, "ORG")
	e := mustAdd(t, d, 33, 40, "LOC")

	left, err := d.Link(a.ID, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	right, err := d.Link(c.ID, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.NameGroup(right.ID, "Acme"); err != nil {
		t.Fatal(err)
	}

	merged, err := d.Link(b.ID, e.ID)
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	if merged.ID != left.ID {
		t.Fatalf("surviving group = %s, want %s", merged.ID, left.ID)
	}
	if merged.Name != "Acme" {
		t.Fatalf("name = %q, want carried over", merged.Name)
	}
	for _, id := range []string{a.ID, b.ID, c.ID, e.ID} {
		if !slices.Contains(merged.Members, id) {
			t.Fatalf("member %s missing from %v", id, merged.Members)
		}
		got, _ := d.GetSpan(id)
		if got.GroupID != left.ID {
			t.Fatalf("span %s group = %s", id, got.GroupID)
		}
	}
	if _, err := d.NameGroup(right.ID, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("NameGroup(dropped) error = %v", err)
	}
}

func TestDeletingPartnerDissolvesGroup(t *testing.T) {
	d := newSample(t)
	per := mustAdd(t, d, 0, 10, "PER")
	he := mustAdd(t, d, 45, 47, "PER")
	if _, err := d.Link(per.ID, he.ID); err != nil {
		t.Fatal(err)
	}
	if err := d.DeleteSpan(he.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := d.GroupOf(per.ID); ok || err != nil {
		t.Fatalf("GroupOf() = %v, %v; want no group", ok, err)
	}
	if len(d.Groups()) != 0 {
		t.Fatal("group survived deletion")
	}
}

func TestLinkUnknownSpan(t *testing.T) {
	d := newSample(t)
	per := mustAdd(t, d, 0, 10, "PER")
	if _, err := d.Link(per.ID, "spn_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Link() error = %v", err)
	}
	if _, _, err := d.GroupOf("spn_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GroupOf() error = %v", err)
	}
}

func TestGroupMembershipChangesAreStamped(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	d := New("doc-1", sample, WithIDGenerator(seqIDs()), WithClock(func() time.Time { return at }))
	if _, err := d.CreateLabel(LabelInput{ID: "PER"}); err != nil {
		t.Fatal(err)
	}
	one := mustAdd(t, d, 0, 4, "PER")
	two := mustAdd(t, d, 5, 10, "PER")
	if !one.GroupedAt.IsZero() {
		t.Fatalf("unlinked span has GroupedAt %v", one.GroupedAt)
	}

	linkedAt := at.Add(time.Minute)
	at = linkedAt
	if _, err := d.Link(one.ID, two.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := d.GetSpan(two.ID)
	if !got.GroupedAt.Equal(linkedAt) {
		t.Fatalf("GroupedAt after link = %v, want %v", got.GroupedAt, linkedAt)
	}

	// Unlinking one of two dissolves the group and stamps both spans.
	at = at.Add(time.Minute)
	if err := d.Unlink(one.ID); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{one.ID, two.ID} {
		got, _ := d.GetSpan(id)
		if got.GroupID != "" || !got.GroupedAt.Equal(at) {
			t.Fatalf("span %s = group %q at %v, want ungrouped at %v", id, got.GroupID, got.GroupedAt, at)
		}
	}

	restored, err := Restore(d.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := restored.GetSpan(one.ID); !got.GroupedAt.Equal(at) {
		t.Fatalf("Restore dropped GroupedAt: %v", got.GroupedAt)
	}
}
