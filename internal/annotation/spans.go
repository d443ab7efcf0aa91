package annotation

import (
	"slices"
	"sort"
	"time"
)

// SpanInput describes a span to add. ID, timestamps and Text are optional;
// importers set them to preserve identity, otherwise they are generated.
// A non-empty Text must match the covered document text exactly.
type SpanInput struct {
	ID             string
	Start          int
	End            int
	Labels         []string
	Text           string
	Confidence     Confidence
	Classification Classification
	Notes          string
	Metadata       Metadata
	Contributor    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SpanPatch changes the non-nil fields of a span.
type SpanPatch struct {
	Start          *int
	End            *int
	Labels         []string
	Confidence     *Confidence
	Classification *Classification
	Notes          *string
	Metadata       Metadata
	Contributor    string
}

// SpanFilter narrows ListSpans. Zero values match everything.
type SpanFilter struct {
	Label          string
	Contributor    string
	Classification Classification
}

func (f SpanFilter) match(s *Span) bool {
	if f.Label != "" && !s.HasLabel(f.Label) {
		return false
	}
	if f.Contributor != "" && s.Contributor != f.Contributor {
		return false
	}
	if f.Classification != ClassificationNone && s.Classification != f.Classification {
		return false
	}
	return true
}

// AddSpan stores a new span. Overlapping and nested spans are allowed.
func (d *Document) AddSpan(input SpanInput) (Span, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addSpan("add_span", input)
}

func (d *Document) addSpan(op string, input SpanInput) (Span, error) {
	if err := d.checkRange(op, input.ID, input.Start, input.End); err != nil {
		return Span{}, err
	}
	labels, err := d.checkLabels(op, input.ID, input.Labels)
	if err != nil {
		return Span{}, err
	}
	if err := checkTiers(op, input.ID, input.Confidence, input.Classification); err != nil {
		return Span{}, err
	}
	covered := string(d.runes[input.Start:input.End])
	if input.Text != "" && input.Text != covered {
		return Span{}, newError(ErrInvalidRange, op, input.ID, "snippet %q does not match text %q at [%d,%d)", input.Text, covered, input.Start, input.End)
	}

	id := input.ID
	if id == "" {
		id = d.newID("spn")
	} else if _, exists := d.spans[id]; exists {
		return Span{}, newError(ErrDuplicateSpan, op, id, "span id already present")
	}

	now := d.stamp()
	created := input.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := input.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	d.seq++
	span := &Span{
		ID:             id,
		DocumentID:     d.id,
		Start:          input.Start,
		End:            input.End,
		Labels:         labels,
		Text:           covered,
		Confidence:     input.Confidence,
		Classification: input.Classification,
		Notes:          input.Notes,
		Metadata:       input.Metadata.Clone(),
		Contributor:    input.Contributor,
		CreatedAt:      created,
		UpdatedAt:      updated,
		Seq:            d.seq,
	}
	d.spans[id] = span
	d.insertOrder(span)
	delete(d.tombstones, id)
	return span.Clone(), nil
}

// UpdateSpan re-validates the span as a whole and applies the patch atomically.
func (d *Document) UpdateSpan(id string, patch SpanPatch) (Span, error) {
	const op = "update_span"
	d.mu.Lock()
	defer d.mu.Unlock()

	span, ok := d.spans[id]
	if !ok {
		return Span{}, newError(ErrNotFound, op, id, "span")
	}
	start, end := span.Start, span.End
	if patch.Start != nil {
		start = *patch.Start
	}
	if patch.End != nil {
		end = *patch.End
	}
	if err := d.checkRange(op, id, start, end); err != nil {
		return Span{}, err
	}
	labels := span.Labels
	if patch.Labels != nil {
		checked, err := d.checkLabels(op, id, patch.Labels)
		if err != nil {
			return Span{}, err
		}
		labels = checked
	}
	confidence, classification := span.Confidence, span.Classification
	if patch.Confidence != nil {
		confidence = *patch.Confidence
	}
	if patch.Classification != nil {
		classification = *patch.Classification
	}
	if err := checkTiers(op, id, confidence, classification); err != nil {
		return Span{}, err
	}

	moved := start != span.Start || end != span.End
	if moved {
		d.removeFromOrder(span)
	}
	span.Start, span.End = start, end
	span.Text = string(d.runes[start:end])
	span.Labels = slices.Clone(labels)
	span.Confidence = confidence
	span.Classification = classification
	if patch.Notes != nil {
		span.Notes = *patch.Notes
	}
	if patch.Metadata != nil {
		span.Metadata = patch.Metadata.Clone()
	}
	if patch.Contributor != "" {
		span.Contributor = patch.Contributor
	}
	span.UpdatedAt = d.stamp()
	if moved {
		d.insertOrder(span)
	}
	return span.Clone(), nil
}

// DeleteSpan removes the span and detaches it from its entity group. Deleting
// an absent span is an error so callers can detect stale state.
func (d *Document) DeleteSpan(id string, contributor string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.spans[id]; !ok {
		return newError(ErrNotFound, "delete_span", id, "span")
	}
	d.deleteSpan(id, contributor)
	return nil
}

func (d *Document) deleteSpan(id string, contributor string) {
	span := d.spans[id]
	if span.GroupID != "" {
		d.detach(span)
	}
	d.removeFromOrder(span)
	delete(d.spans, id)
	d.tombstones[id] = Tombstone{SpanID: id, Contributor: contributor, DeletedAt: d.stamp()}
}

func (d *Document) GetSpan(id string) (Span, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	span, ok := d.spans[id]
	if !ok {
		return Span{}, newError(ErrNotFound, "get_span", id, "span")
	}
	return span.Clone(), nil
}

// ListSpans returns matching spans ordered by (start, end), then creation order.
func (d *Document) ListSpans(filter SpanFilter) []Span {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Span, 0, len(d.order))
	for _, span := range d.order {
		if filter.match(span) {
			out = append(out, span.Clone())
		}
	}
	return out
}

// SpansOverlapping returns every span intersecting [start, end), in list order.
func (d *Document) SpansOverlapping(start, end int) ([]Span, error) {
	const op = "spans_overlapping"
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.checkRange(op, "", start, end); err != nil {
		return nil, err
	}
	// Spans starting at or after end cannot intersect; order is sorted by start.
	limit := sort.Search(len(d.order), func(i int) bool {
		return d.order[i].Start >= end
	})
	var out []Span
	for _, span := range d.order[:limit] {
		if span.End > start {
			out = append(out, span.Clone())
		}
	}
	return out, nil
}

// SpanCount returns the number of live spans.
func (d *Document) SpanCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.spans)
}

func (d *Document) checkRange(op, id string, start, end int) error {
	if start >= end {
		return newError(ErrInvalidRange, op, id, "start %d must be before end %d", start, end)
	}
	if start < 0 || end > len(d.runes) {
		return newError(ErrInvalidRange, op, id, "[%d,%d) outside text of length %d", start, end, len(d.runes))
	}
	return nil
}

// checkLabels verifies registration and collapses repeated ids, keeping first occurrence order.
func (d *Document) checkLabels(op, id string, labels []string) ([]string, error) {
	if len(labels) == 0 {
		return nil, newError(ErrNoLabels, op, id, "at least one label is required")
	}
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if _, ok := d.labelIdx[l]; !ok {
			return nil, newError(ErrUnknownLabel, op, id, "label %q is not registered", l)
		}
		if !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return out, nil
}

func checkTiers(op, id string, confidence Confidence, classification Classification) error {
	if !confidence.valid() {
		return newError(ErrInvalidInput, op, id, "unknown confidence %q", confidence)
	}
	if !classification.valid() {
		return newError(ErrInvalidInput, op, id, "unknown classification %q", classification)
	}
	return nil
}
