// Package codec converts annotation snapshots to and from exchange formats:
// structured JSONL records, BIO/CoNLL token tags, Label Studio tasks and
// Label Studio label config XML.
package codec

import (
	"encoding/json"
	"fmt"

	"spanlab/api/internal/annotation"
	"spanlab/api/internal/util"
)

// Canonical field names. Provenance maps these to the names a source file used.
const (
	FieldDocumentID     = "document_id"
	FieldText           = "text"
	FieldEntities       = "entities"
	FieldMetadata       = "metadata"
	FieldGroups         = "entity_groups"
	FieldSpanID         = "span_id"
	FieldStart          = "start"
	FieldEnd            = "end"
	FieldLabels         = "labels"
	FieldSnippet        = "snippet"
	FieldGroup          = "group"
	FieldClassification = "classification"
	FieldConfidence     = "confidence"
	FieldNotes          = "notes"
	FieldContributor    = "contributor"
	FieldCreatedAt      = "created_at"
	FieldUpdatedAt      = "updated_at"

	// labelStyleKey records whether the label field held a bare string.
	labelStyleKey = "labels.style"
	styleString   = "string"
	styleArray    = "array"
)

// recordAliases are the accepted top-level names, first is the export default.
var recordAliases = map[string][]string{
	FieldDocumentID: {"id", "doc_id", "document_id", "task_id"},
	FieldText:       {"text"},
	FieldEntities:   {"entities", "spans"},
	FieldMetadata:   {"metadata"},
	FieldGroups:     {"entity_groups"},
}

// entityAliases are the accepted entity names, first is the export default.
var entityAliases = map[string][]string{
	FieldSpanID:         {"span_id", "id"},
	FieldStart:          {"start", "start_offset", "begin"},
	FieldEnd:            {"end", "end_offset"},
	FieldLabels:         {"entity_type", "labels", "label"},
	FieldSnippet:        {"span_text", "text"},
	FieldGroup:          {"entity_id", "entity_group"},
	FieldClassification: {"identifier_type", "classification"},
	FieldConfidence:     {"confidence"},
	FieldNotes:          {"notes"},
	FieldContributor:    {"annotator", "contributor"},
	FieldCreatedAt:      {"created_at"},
	FieldUpdatedAt:      {"updated_at"},
}

// take removes the first alias of field present in obj and records it in prov.
func take(obj map[string]json.RawMessage, aliases map[string][]string, field string, prov annotation.Provenance) (json.RawMessage, string, bool) {
	for _, name := range aliases[field] {
		raw, ok := obj[name]
		if !ok {
			continue
		}
		delete(obj, name)
		if _, seen := prov[field]; !seen {
			prov[field] = name
		}
		return raw, name, true
	}
	return nil, "", false
}

// nameFor returns the export name of field: the recorded alias, else the default.
func nameFor(prov annotation.Provenance, aliases map[string][]string, field string) string {
	if name, ok := prov[field]; ok {
		return name
	}
	return aliases[field][0]
}

// ImportOptions controls how imported records meet the label registry.
type ImportOptions struct {
	// Labels seeds the registry of every imported document.
	Labels []annotation.Label
	// AutoRegister creates unknown labels with default styling instead of
	// failing with ErrUnknownLabel.
	AutoRegister bool
	// NewID generates ids for spans without one. Defaults to util.NewID.
	NewID func(prefix string) string
	// DocumentOptions are passed through to annotation.Restore.
	DocumentOptions []annotation.Option
}

func (o ImportOptions) newID(prefix string) string {
	if o.NewID != nil {
		return o.NewID(prefix)
	}
	return util.NewID(prefix)
}

// registry tracks the labels an import has seen.
type registry struct {
	labels []annotation.Label
	known  map[string]bool
	auto   bool
}

func newRegistry(opts ImportOptions) *registry {
	r := &registry{auto: opts.AutoRegister, known: make(map[string]bool)}
	for _, l := range opts.Labels {
		r.labels = append(r.labels, l)
		r.known[l.ID] = true
	}
	return r
}

func (r *registry) use(op string, ids []string) error {
	for _, id := range ids {
		if r.known[id] {
			continue
		}
		if !r.auto {
			return &annotation.Error{Kind: annotation.ErrUnknownLabel, Op: op, ID: id, Detail: "label is not registered"}
		}
		r.known[id] = true
		r.labels = append(r.labels, annotation.Label{ID: id, Display: id})
	}
	return nil
}

func invalid(op, format string, args ...any) error {
	return &annotation.Error{Kind: annotation.ErrInvalidInput, Op: op, Detail: fmt.Sprintf(format, args...)}
}
