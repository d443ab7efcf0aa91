package annotation

import (
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

const defaultLabelColor = "#999999"

// LabelInput describes a label to register. An empty ID falls back to Display.
type LabelInput struct {
	ID             string         `json:"id"`
	Display        string         `json:"display"`
	Color          string         `json:"color"`
	Shortcut       string         `json:"shortcut,omitempty"`
	Classification Classification `json:"classification,omitempty"`
	Category       string         `json:"category,omitempty"`
	Description    string         `json:"description,omitempty"`
	Example        string         `json:"example,omitempty"`
	// UpdatedAt preserves a definition time on restore; zero means now.
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// LabelPatch changes the non-nil fields of a label.
type LabelPatch struct {
	ID             *string         `json:"id,omitempty"`
	Display        *string         `json:"display,omitempty"`
	Color          *string         `json:"color,omitempty"`
	Shortcut       *string         `json:"shortcut,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
	Category       *string         `json:"category,omitempty"`
	Description    *string         `json:"description,omitempty"`
	Example        *string         `json:"example,omitempty"`
}

// LabelDeletePolicy decides what happens to spans that still reference a deleted label.
type LabelDeletePolicy int

const (
	// DeleteReject refuses to delete a label that any span references.
	DeleteReject LabelDeletePolicy = iota
	// DeleteCascade deletes every span referencing the label.
	DeleteCascade
)

func (d *Document) CreateLabel(input LabelInput) (Label, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.createLabel("create_label", input)
}

func (d *Document) createLabel(op string, input LabelInput) (Label, error) {
	label := Label(input)
	label.ID = strings.TrimSpace(label.ID)
	label.Display = strings.TrimSpace(label.Display)
	if label.ID == "" {
		label.ID = label.Display
	}
	if label.Display == "" {
		label.Display = label.ID
	}
	if label.Color == "" {
		label.Color = defaultLabelColor
	}
	if label.UpdatedAt.IsZero() {
		label.UpdatedAt = d.stamp()
	}
	if err := validateLabel(op, label); err != nil {
		return Label{}, err
	}
	if _, exists := d.labelIdx[label.ID]; exists {
		return Label{}, newError(ErrDuplicateLabel, op, label.ID, "label id already registered")
	}
	if owner := d.shortcutOwner(label.Shortcut); owner != "" {
		return Label{}, newError(ErrDuplicateLabel, op, label.ID, "shortcut %q already bound to %s", label.Shortcut, owner)
	}
	delete(d.labelTombstones, label.ID)
	d.labelIdx[label.ID] = len(d.labels)
	d.labels = append(d.labels, label)
	return label, nil
}

// UpdateLabel applies patch to label id. Renaming the id rewrites every span
// that references it so no span is left pointing at a missing label.
func (d *Document) UpdateLabel(id string, patch LabelPatch) (Label, error) {
	const op = "update_label"
	d.mu.Lock()
	defer d.mu.Unlock()

	idx, ok := d.labelIdx[id]
	if !ok {
		return Label{}, newError(ErrNotFound, op, id, "label")
	}
	next := d.labels[idx]
	if patch.ID != nil {
		next.ID = strings.TrimSpace(*patch.ID)
	}
	if patch.Display != nil {
		next.Display = strings.TrimSpace(*patch.Display)
		if next.Display == "" {
			next.Display = next.ID
		}
	}
	if patch.Color != nil {
		next.Color = *patch.Color
	}
	if patch.Shortcut != nil {
		next.Shortcut = *patch.Shortcut
	}
	if patch.Classification != nil {
		next.Classification = *patch.Classification
	}
	if patch.Category != nil {
		next.Category = *patch.Category
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Example != nil {
		next.Example = *patch.Example
	}
	if err := validateLabel(op, next); err != nil {
		return Label{}, err
	}
	if next.ID != id {
		if _, exists := d.labelIdx[next.ID]; exists {
			return Label{}, newError(ErrDuplicateLabel, op, next.ID, "label id already registered")
		}
	}
	if owner := d.shortcutOwner(next.Shortcut); owner != "" && owner != id {
		return Label{}, newError(ErrDuplicateLabel, op, id, "shortcut %q already bound to %s", next.Shortcut, owner)
	}

	next.UpdatedAt = d.stamp()
	if next.ID != id {
		delete(d.labelIdx, id)
		d.labelIdx[next.ID] = idx
		delete(d.labelTombstones, next.ID)
		d.labelTombstones[id] = LabelTombstone{LabelID: id, DeletedAt: next.UpdatedAt}
		for _, span := range d.spans {
			for i, l := range span.Labels {
				if l == id {
					span.Labels[i] = next.ID
				}
			}
		}
	}
	d.labels[idx] = next
	return next, nil
}

// DeleteLabel removes a label. With DeleteReject a referenced label fails with
// ErrLabelInUse; with DeleteCascade the referencing spans are deleted and
// their ids returned.
func (d *Document) DeleteLabel(id string, policy LabelDeletePolicy) ([]string, error) {
	const op = "delete_label"
	d.mu.Lock()
	defer d.mu.Unlock()

	idx, ok := d.labelIdx[id]
	if !ok {
		return nil, newError(ErrNotFound, op, id, "label")
	}
	var referencing []string
	for _, span := range d.order {
		if span.HasLabel(id) {
			referencing = append(referencing, span.ID)
		}
	}
	if len(referencing) > 0 && policy != DeleteCascade {
		return nil, newError(ErrLabelInUse, op, id, "referenced by %d span(s)", len(referencing))
	}

	for _, spanID := range referencing {
		d.deleteSpan(spanID, "")
	}
	d.labels = append(d.labels[:idx], d.labels[idx+1:]...)
	delete(d.labelIdx, id)
	d.labelTombstones[id] = LabelTombstone{LabelID: id, DeletedAt: d.stamp()}
	for i := idx; i < len(d.labels); i++ {
		d.labelIdx[d.labels[i].ID] = i
	}
	return referencing, nil
}

// ListLabels returns labels in registration order.
func (d *Document) ListLabels() []Label {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.labels)
}

// Label returns a registered label.
func (d *Document) Label(id string) (Label, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	idx, ok := d.labelIdx[id]
	if !ok {
		return Label{}, false
	}
	return d.labels[idx], true
}

func (d *Document) shortcutOwner(shortcut string) string {
	if shortcut == "" {
		return ""
	}
	for _, l := range d.labels {
		if l.Shortcut == shortcut {
			return l.ID
		}
	}
	return ""
}

func validateLabel(op string, label Label) error {
	if label.ID == "" {
		return newError(ErrInvalidInput, op, "", "label id or display is required")
	}
	if !validColor(label.Color) {
		return newError(ErrInvalidInput, op, label.ID, "color %q must look like #RRGGBB", label.Color)
	}
	if label.Shortcut != "" && utf8.RuneCountInString(label.Shortcut) != 1 {
		return newError(ErrInvalidInput, op, label.ID, "shortcut %q must be a single character", label.Shortcut)
	}
	if !label.Classification.valid() {
		return newError(ErrInvalidInput, op, label.ID, "unknown classification %q", label.Classification)
	}
	return nil
}

func validColor(color string) bool {
	if len(color) != 7 || color[0] != '#' {
		return false
	}
	for _, c := range color[1:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
