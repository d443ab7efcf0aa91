// Package annotation owns the span model of one document: its label registry,
// its possibly overlapping spans and the entity groups linking them.
package annotation

import (
	"bytes"
	"encoding/json"
	"slices"
	"sort"
	"time"
)

// Classification tags an identifier by privacy sensitivity.
type Classification string

const (
	ClassificationNone   Classification = ""
	ClassificationDirect Classification = "direct"
	ClassificationQuasi  Classification = "quasi"
	// ClassificationDefault is the explicit "not an identifier" tag used by ingestion files.
	ClassificationDefault Classification = "default"
)

func (c Classification) valid() bool {
	switch c {
	case ClassificationNone, ClassificationDirect, ClassificationQuasi, ClassificationDefault:
		return true
	}
	return false
}

// Confidence is the annotator's certainty tier for a span.
type Confidence string

const (
	ConfidenceUnset  Confidence = ""
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

func (c Confidence) valid() bool {
	switch c {
	case ConfidenceUnset, ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return true
	}
	return false
}

// Metadata is an open bag of fields the core never interprets. Values are kept
// as raw JSON so they survive an import/export cycle byte for byte.
type Metadata map[string]json.RawMessage

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}

// Equal compares two bags key by key on their raw bytes.
func (m Metadata) Equal(other Metadata) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		ov, ok := other[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

// Keys returns the bag keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Provenance maps canonical field names (see the Field constants in package codec)
// to the names used by the file a document was ingested from.
type Provenance map[string]string

// Clone returns a copy.
func (p Provenance) Clone() Provenance {
	if p == nil {
		return nil
	}
	out := make(Provenance, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

type Label struct {
	ID             string         `json:"id"`
	Display        string         `json:"display"`
	Color          string         `json:"color"`
	Shortcut       string         `json:"shortcut,omitempty"`
	Classification Classification `json:"classification,omitempty"`
	Category       string         `json:"category,omitempty"`
	Description    string         `json:"description,omitempty"`
	Example        string         `json:"example,omitempty"`
	// UpdatedAt is when the definition last changed; merges keep the newest.
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// Span is one labeled character range. Start and End are rune offsets into the
// document text, half open.
type Span struct {
	ID             string         `json:"id"`
	DocumentID     string         `json:"documentId"`
	Start          int            `json:"start"`
	End            int            `json:"end"`
	Labels         []string       `json:"labels"`
	Text           string         `json:"text"`
	GroupID        string         `json:"groupId,omitempty"`
	Confidence     Confidence     `json:"confidence,omitempty"`
	Classification Classification `json:"classification,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	Metadata       Metadata       `json:"metadata,omitempty"`
	Contributor    string         `json:"contributor,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	Seq            uint64         `json:"seq"`
	// GroupedAt is when the span last joined or left an entity group.
	GroupedAt time.Time `json:"groupedAt,omitzero"`
}

// Len is the span length in runes.
func (s Span) Len() int {
	return s.End - s.Start
}

// Overlaps reports whether the two ranges intersect.
func (s Span) Overlaps(other Span) bool {
	return s.Start < other.End && other.Start < s.End
}

// Contains reports whether other nests fully inside s.
func (s Span) Contains(other Span) bool {
	return s.Start <= other.Start && other.End <= s.End
}

// HasLabel reports whether the span carries label id.
func (s Span) HasLabel(id string) bool {
	return slices.Contains(s.Labels, id)
}

// SameContent compares every annotator-controlled field, ignoring identity,
// group membership, timestamps and creation order.
func (s Span) SameContent(other Span) bool {
	return s.Start == other.Start &&
		s.End == other.End &&
		slices.Equal(s.Labels, other.Labels) &&
		s.Text == other.Text &&
		s.Confidence == other.Confidence &&
		s.Classification == other.Classification &&
		s.Notes == other.Notes &&
		s.Metadata.Equal(other.Metadata)
}

// Clone returns a deep copy.
func (s Span) Clone() Span {
	s.Labels = slices.Clone(s.Labels)
	s.Metadata = s.Metadata.Clone()
	return s
}

type EntityGroup struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Members []string `json:"members"`
}

// Clone returns a deep copy.
func (g EntityGroup) Clone() EntityGroup {
	g.Members = slices.Clone(g.Members)
	return g
}

// Tombstone records the deletion of a span so a later merge can tell a delete
// apart from a span the other side never saw.
type Tombstone struct {
	SpanID      string    `json:"spanId"`
	Contributor string    `json:"contributor,omitempty"`
	DeletedAt   time.Time `json:"deletedAt"`
}

// LabelTombstone records the removal of a label id, by delete or rename.
type LabelTombstone struct {
	LabelID   string    `json:"labelId"`
	DeletedAt time.Time `json:"deletedAt"`
}

// Snapshot is a frozen, deep-copied view of a document. It shares no memory
// with the live document that produced it.
type Snapshot struct {
	DocumentID string        `json:"documentId"`
	Text       string        `json:"text"`
	Metadata   Metadata      `json:"metadata,omitempty"`
	Extra      Metadata      `json:"extra,omitempty"`
	Provenance Provenance    `json:"provenance,omitempty"`
	Labels     []Label       `json:"labels"`
	Spans      []Span        `json:"spans"`
	Groups     []EntityGroup `json:"groups"`
	Tombstones []Tombstone   `json:"tombstones,omitempty"`
	// LabelTombstones lists label ids removed from the registry.
	LabelTombstones []LabelTombstone `json:"labelTombstones,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Metadata = s.Metadata.Clone()
	out.Extra = s.Extra.Clone()
	out.Provenance = s.Provenance.Clone()
	out.Labels = slices.Clone(s.Labels)
	out.Spans = make([]Span, len(s.Spans))
	for i, span := range s.Spans {
		out.Spans[i] = span.Clone()
	}
	out.Groups = make([]EntityGroup, len(s.Groups))
	for i, g := range s.Groups {
		out.Groups[i] = g.Clone()
	}
	out.Tombstones = slices.Clone(s.Tombstones)
	out.LabelTombstones = slices.Clone(s.LabelTombstones)
	return out
}

// Span returns the span with the given id.
func (s Snapshot) Span(id string) (Span, bool) {
	for _, span := range s.Spans {
		if span.ID == id {
			return span, true
		}
	}
	return Span{}, false
}

// Group returns the group with the given id.
func (s Snapshot) Group(id string) (EntityGroup, bool) {
	for _, g := range s.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return EntityGroup{}, false
}

// DefaultLabels is the stock NER label set offered to new projects.
func DefaultLabels() []LabelInput {
	return []LabelInput{
		{ID: "PER", Display: "Person", Color: "#FF5733", Shortcut: "1", Category: "Person", Description: "Person names", Example: "John Smith, Mary Johnson"},
		{ID: "ORG", Display: "Organization", Color: "#FF8C00", Shortcut: "2", Category: "Organization", Description: "Organization names", Example: "Microsoft, Google, United Nations"},
		{ID: "LOC", Display: "Location", Color: "#FFD700", Shortcut: "3", Category: "Location", Description: "Location names", Example: "New York, Seoul, Mount Everest"},
		{ID: "MISC", Display: "Miscellaneous", Color: "#32CD32", Shortcut: "4", Category: "Miscellaneous", Description: "Other named entities", Example: "Nobel Prize, iPhone, Christmas"},
	}
}
