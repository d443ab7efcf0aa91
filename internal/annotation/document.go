package annotation

import (
	"sort"
	"sync"
	"time"

	"spanlab/api/internal/util"
)

// Document is one annotation unit: immutable text plus its label registry,
// span store and entity groups. All methods are safe for concurrent use;
// mutations are serialized per document and reads see a consistent state.
type Document struct {
	mu sync.RWMutex

	id         string
	text       string
	runes      []rune
	metadata   Metadata
	extra      Metadata
	provenance Provenance
	createdAt  time.Time

	labels   []Label
	labelIdx map[string]int

	spans      map[string]*Span
	order      []*Span
	groups     map[string]*EntityGroup
	tombstones map[string]Tombstone
	seq        uint64

	labelTombstones map[string]LabelTombstone

	now   func() time.Time
	newID func(prefix string) string
}

type Option func(*Document)

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Document) { d.now = now }
}

// WithIDGenerator replaces the span/group id generator.
func WithIDGenerator(fn func(prefix string) string) Option {
	return func(d *Document) { d.newID = fn }
}

// WithMetadata attaches ingestion metadata, kept verbatim.
func WithMetadata(m Metadata) Option {
	return func(d *Document) { d.metadata = m.Clone() }
}

// WithExtra attaches unrecognized top-level ingestion fields, kept verbatim.
func WithExtra(m Metadata) Option {
	return func(d *Document) { d.extra = m.Clone() }
}

// WithProvenance records the field names of the ingestion schema.
func WithProvenance(p Provenance) Option {
	return func(d *Document) { d.provenance = p.Clone() }
}

// New creates an empty document over text.
func New(id, text string, opts ...Option) *Document {
	d := &Document{
		id:         id,
		text:       text,
		runes:      []rune(text),
		labelIdx:   make(map[string]int),
		spans:      make(map[string]*Span),
		groups:     make(map[string]*EntityGroup),
		tombstones: make(map[string]Tombstone),
		now:        time.Now,
		newID:      util.NewID,

		labelTombstones: make(map[string]LabelTombstone),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.id == "" {
		d.id = d.newID("doc")
	}
	d.createdAt = d.now().UTC()
	return d
}

// Restore rebuilds a live document from a snapshot, re-validating every invariant.
func Restore(snap Snapshot, opts ...Option) (*Document, error) {
	const op = "restore"
	opts = append([]Option{WithMetadata(snap.Metadata), WithExtra(snap.Extra), WithProvenance(snap.Provenance)}, opts...)
	d := New(snap.DocumentID, snap.Text, opts...)
	if !snap.CreatedAt.IsZero() {
		d.createdAt = snap.CreatedAt
	}

	for _, label := range snap.Labels {
		if _, err := d.createLabel(op, LabelInput(label)); err != nil {
			return nil, err
		}
	}

	var maxSeq uint64
	for _, span := range snap.Spans {
		if span.Seq > maxSeq {
			maxSeq = span.Seq
		}
	}
	d.seq = maxSeq

	for _, span := range snap.Spans {
		input := SpanInput{
			ID:             span.ID,
			Start:          span.Start,
			End:            span.End,
			Labels:         span.Labels,
			Text:           span.Text,
			Confidence:     span.Confidence,
			Classification: span.Classification,
			Notes:          span.Notes,
			Metadata:       span.Metadata,
			Contributor:    span.Contributor,
			CreatedAt:      span.CreatedAt,
			UpdatedAt:      span.UpdatedAt,
		}
		created, err := d.addSpan(op, input)
		if err != nil {
			return nil, err
		}
		if span.Seq != 0 {
			d.reseq(created.ID, span.Seq)
		}
		d.spans[created.ID].GroupedAt = span.GroupedAt
	}

	for _, g := range snap.Groups {
		if err := d.restoreGroup(g); err != nil {
			return nil, err
		}
	}
	for _, span := range snap.Spans {
		if span.GroupID == "" {
			continue
		}
		if d.spans[span.ID].GroupID != span.GroupID {
			return nil, newError(ErrNotFound, op, span.GroupID, "span %s references a group that does not list it", span.ID)
		}
	}

	for _, t := range snap.Tombstones {
		if _, live := d.spans[t.SpanID]; live {
			continue
		}
		d.tombstones[t.SpanID] = t
	}
	for _, t := range snap.LabelTombstones {
		if _, live := d.labelIdx[t.LabelID]; live {
			continue
		}
		d.labelTombstones[t.LabelID] = t
	}
	return d, nil
}

func (d *Document) ID() string {
	return d.id
}

// Text returns the immutable document text.
func (d *Document) Text() string {
	return d.text
}

// Len returns the text length in runes.
func (d *Document) Len() int {
	return len(d.runes)
}

func (d *Document) Metadata() Metadata {
	return d.metadata.Clone()
}

func (d *Document) Provenance() Provenance {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.provenance.Clone()
}

// Snapshot returns a frozen deep copy of the whole document.
func (d *Document) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snap := Snapshot{
		DocumentID: d.id,
		Text:       d.text,
		Metadata:   d.metadata.Clone(),
		Extra:      d.extra.Clone(),
		Provenance: d.provenance.Clone(),
		Labels:     make([]Label, len(d.labels)),
		Spans:      make([]Span, 0, len(d.order)),
		Groups:     d.groupsLocked(),
		CreatedAt:  d.createdAt,
	}
	copy(snap.Labels, d.labels)
	for _, span := range d.order {
		snap.Spans = append(snap.Spans, span.Clone())
	}
	for _, t := range d.tombstones {
		snap.Tombstones = append(snap.Tombstones, t)
	}
	sort.Slice(snap.Tombstones, func(i, j int) bool {
		return snap.Tombstones[i].SpanID < snap.Tombstones[j].SpanID
	})
	for _, t := range d.labelTombstones {
		snap.LabelTombstones = append(snap.LabelTombstones, t)
	}
	sort.Slice(snap.LabelTombstones, func(i, j int) bool {
		return snap.LabelTombstones[i].LabelID < snap.LabelTombstones[j].LabelID
	})
	return snap
}

// reseq moves a span to a specific creation order slot; used by Restore only.
func (d *Document) reseq(id string, seq uint64) {
	span := d.spans[id]
	d.removeFromOrder(span)
	span.Seq = seq
	d.insertOrder(span)
}

func (d *Document) insertOrder(span *Span) {
	i := sort.Search(len(d.order), func(i int) bool {
		return spanLess(span, d.order[i])
	})
	d.order = append(d.order, nil)
	copy(d.order[i+1:], d.order[i:])
	d.order[i] = span
}

func (d *Document) removeFromOrder(span *Span) {
	for i, s := range d.order {
		if s == span {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

// spanLess orders by (start, end) ascending, then creation order.
func spanLess(a, b *Span) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	if a.End != b.End {
		return a.End < b.End
	}
	return a.Seq < b.Seq
}

func (d *Document) stamp() time.Time {
	return d.now().UTC()
}
