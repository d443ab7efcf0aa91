package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"spanlab/api/internal/annotation"
)

const maxRecordSize = 16 << 20

type groupName struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// spanDraft is an entity decoded far enough to know its group candidate.
type spanDraft struct {
	span     annotation.Span
	groupKey string
	groupRaw json.RawMessage
	groupAs  string
}

// DecodeJSONL reads one structured record per line. Blank lines are skipped;
// a malformed record fails the whole read with its line number.
func DecodeJSONL(r io.Reader, opts ImportOptions) ([]*annotation.Document, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	var docs []*annotation.Document
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		doc, err := DecodeRecord(raw, opts)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl: %w", err)
	}
	return docs, nil
}

// DecodeRecord builds a document from one structured record. Field names the
// record used are kept as provenance so EncodeRecord writes them back.
func DecodeRecord(data []byte, opts ImportOptions) (*annotation.Document, error) {
	const op = "decode_record"
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, invalid(op, "record is not a JSON object: %v", err)
	}
	prov := annotation.Provenance{}

	snap := annotation.Snapshot{Provenance: prov}
	if raw, _, ok := take(obj, recordAliases, FieldDocumentID, prov); ok {
		id, err := scalarString(raw)
		if err != nil {
			return nil, invalid(op, "document id: %v", err)
		}
		snap.DocumentID = id
	}
	raw, _, ok := take(obj, recordAliases, FieldText, prov)
	if !ok {
		return nil, invalid(op, "record has no text")
	}
	if err := json.Unmarshal(raw, &snap.Text); err != nil {
		return nil, invalid(op, "text must be a string")
	}

	if raw, name, ok := take(obj, recordAliases, FieldMetadata, prov); ok {
		if err := json.Unmarshal(raw, &snap.Metadata); err != nil || snap.Metadata == nil {
			// Not an object: keep it untouched as an extra field.
			snap.Metadata = nil
			delete(prov, FieldMetadata)
			obj[name] = raw
		}
	}

	names := map[string]string{}
	if raw, _, ok := take(obj, recordAliases, FieldGroups, prov); ok {
		var groups []groupName
		if err := json.Unmarshal(raw, &groups); err != nil {
			return nil, invalid(op, "entity_groups: %v", err)
		}
		for _, g := range groups {
			names[g.ID] = g.Name
		}
	}

	var entities []map[string]json.RawMessage
	if raw, _, ok := take(obj, recordAliases, FieldEntities, prov); ok {
		if err := json.Unmarshal(raw, &entities); err != nil {
			return nil, invalid(op, "entities must be an array of objects: %v", err)
		}
	}
	unpackShadowed(obj)
	if len(obj) > 0 {
		snap.Extra = annotation.Metadata(obj)
	}

	reg := newRegistry(opts)
	drafts := make([]spanDraft, 0, len(entities))
	members := map[string][]string{}
	var memberOrder []string
	for i, entity := range entities {
		draft, err := decodeEntity(entity, prov)
		if err != nil {
			return nil, fmt.Errorf("entity %d: %w", i, err)
		}
		if err := reg.use(op, draft.span.Labels); err != nil {
			return nil, fmt.Errorf("entity %d: %w", i, err)
		}
		if draft.span.ID == "" {
			draft.span.ID = opts.newID("spn")
		}
		draft.span.Seq = uint64(i + 1)
		if draft.groupKey != "" {
			if _, seen := members[draft.groupKey]; !seen {
				memberOrder = append(memberOrder, draft.groupKey)
			}
			members[draft.groupKey] = append(members[draft.groupKey], draft.span.ID)
		}
		drafts = append(drafts, draft)
	}

	for _, d := range drafts {
		span := d.span
		switch {
		case d.groupKey != "" && len(members[d.groupKey]) >= 2:
			span.GroupID = d.groupKey
		case d.groupRaw != nil:
			// A group of one cannot exist; the value survives as pass-through.
			if span.Metadata == nil {
				span.Metadata = annotation.Metadata{}
			}
			span.Metadata[d.groupAs] = d.groupRaw
		}
		snap.Spans = append(snap.Spans, span)
	}
	for _, key := range memberOrder {
		if len(members[key]) < 2 {
			continue
		}
		snap.Groups = append(snap.Groups, annotation.EntityGroup{ID: key, Name: names[key], Members: members[key]})
	}
	snap.Labels = reg.labels
	return annotation.Restore(snap, opts.DocumentOptions...)
}

func decodeEntity(entity map[string]json.RawMessage, prov annotation.Provenance) (spanDraft, error) {
	const op = "decode_entity"
	var d spanDraft
	s := &d.span

	if raw, _, ok := take(entity, entityAliases, FieldSpanID, prov); ok {
		id, err := scalarString(raw)
		if err != nil {
			return d, invalid(op, "span id: %v", err)
		}
		s.ID = id
	}
	raw, _, ok := take(entity, entityAliases, FieldStart, prov)
	if !ok {
		return d, invalid(op, "missing start offset")
	}
	if err := json.Unmarshal(raw, &s.Start); err != nil {
		return d, invalid(op, "start must be an integer")
	}
	raw, _, ok = take(entity, entityAliases, FieldEnd, prov)
	if !ok {
		return d, invalid(op, "missing end offset")
	}
	if err := json.Unmarshal(raw, &s.End); err != nil {
		return d, invalid(op, "end must be an integer")
	}

	if raw, _, ok := take(entity, entityAliases, FieldLabels, prov); ok {
		labels, style, err := decodeLabels(raw)
		if err != nil {
			return d, invalid(op, "labels: %v", err)
		}
		s.Labels = labels
		if _, seen := prov[labelStyleKey]; !seen {
			prov[labelStyleKey] = style
		}
	}
	if raw, _, ok := take(entity, entityAliases, FieldSnippet, prov); ok {
		if err := json.Unmarshal(raw, &s.Text); err != nil {
			return d, invalid(op, "snippet must be a string")
		}
	}
	if raw, name, ok := take(entity, entityAliases, FieldGroup, prov); ok {
		var key string
		if err := json.Unmarshal(raw, &key); err == nil && key != "" {
			d.groupKey = key
		}
		d.groupRaw, d.groupAs = raw, name
	}
	if raw, _, ok := take(entity, entityAliases, FieldClassification, prov); ok {
		var c string
		if err := json.Unmarshal(raw, &c); err != nil {
			return d, invalid(op, "classification must be a string")
		}
		s.Classification = annotation.Classification(c)
	}
	if raw, name, ok := take(entity, entityAliases, FieldConfidence, prov); ok {
		var tier annotation.Confidence
		if err := json.Unmarshal(raw, &tier); err != nil {
			tier = annotation.ConfidenceUnset
		}
		switch tier {
		case annotation.ConfidenceHigh, annotation.ConfidenceMedium, annotation.ConfidenceLow:
			s.Confidence = tier
		default:
			// Numeric or free-form scores are not tiers; keep them verbatim.
			entity[name] = raw
		}
	}
	if raw, _, ok := take(entity, entityAliases, FieldNotes, prov); ok {
		if err := json.Unmarshal(raw, &s.Notes); err != nil {
			return d, invalid(op, "notes must be a string")
		}
	}
	if raw, _, ok := take(entity, entityAliases, FieldContributor, prov); ok {
		if err := json.Unmarshal(raw, &s.Contributor); err != nil {
			return d, invalid(op, "contributor must be a string")
		}
	}
	var err error
	if s.CreatedAt, err = takeTime(entity, FieldCreatedAt, prov); err != nil {
		return d, invalid(op, "created_at: %v", err)
	}
	if s.UpdatedAt, err = takeTime(entity, FieldUpdatedAt, prov); err != nil {
		return d, invalid(op, "updated_at: %v", err)
	}
	unpackShadowed(entity)
	if len(entity) > 0 {
		s.Metadata = annotation.Metadata(entity)
	}
	return d, nil
}

func decodeLabels(raw json.RawMessage) ([]string, string, error) {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one == "" {
			return nil, styleString, nil
		}
		return []string{one}, styleString, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, "", fmt.Errorf("want a string or an array of strings")
	}
	return many, styleArray, nil
}

func takeTime(entity map[string]json.RawMessage, field string, prov annotation.Provenance) (time.Time, error) {
	raw, _, ok := take(entity, entityAliases, field, prov)
	if !ok {
		return time.Time{}, nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return time.Time{}, err
	}
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

// scalarString accepts a JSON string or number.
func scalarString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("want a string or number, got %s", raw)
	}
	return n.String(), nil
}

// EncodeJSONL writes one record per snapshot.
func EncodeJSONL(w io.Writer, snaps ...annotation.Snapshot) error {
	bw := bufio.NewWriter(w)
	for _, snap := range snaps {
		line, err := EncodeRecord(snap)
		if err != nil {
			return err
		}
		if _, err := bw.Write(line); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// EncodeRecord renders a snapshot with the field names it was imported with.
func EncodeRecord(snap annotation.Snapshot) ([]byte, error) {
	prov := snap.Provenance
	obj := map[string]any{}
	emitted := map[string]string{}
	put := func(field string, value any) {
		name := nameFor(prov, recordAliases, field)
		emitted[field] = name
		obj[name] = value
	}
	put(FieldDocumentID, snap.DocumentID)
	put(FieldText, snap.Text)
	if snap.Metadata != nil {
		put(FieldMetadata, snap.Metadata)
	} else if _, ok := prov[FieldMetadata]; ok {
		put(FieldMetadata, map[string]any{})
	}

	groupKeys := groupKeyCounts(snap.Spans)
	entities := make([]map[string]any, 0, len(snap.Spans))
	for _, span := range snap.Spans {
		entities = append(entities, encodeEntity(span, prov, groupKeys))
	}
	put(FieldEntities, entities)

	var named []groupName
	for _, g := range snap.Groups {
		if g.Name != "" {
			named = append(named, groupName{ID: g.ID, Name: g.Name})
		}
	}
	if len(named) > 0 {
		put(FieldGroups, named)
	}
	addPassThrough(obj, snap.Extra, func(key string, raw json.RawMessage) bool {
		return recordShadows(key, raw, emitted)
	})

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", snap.DocumentID, err)
	}
	return data, nil
}

func encodeEntity(span annotation.Span, prov annotation.Provenance, groupKeys map[string]int) map[string]any {
	m := make(map[string]any, len(span.Metadata)+12)
	emitted := map[string]string{}
	put := func(field string, value any) {
		name := nameFor(prov, entityAliases, field)
		emitted[field] = name
		m[name] = value
	}

	put(FieldSpanID, span.ID)
	put(FieldStart, span.Start)
	put(FieldEnd, span.End)
	if len(span.Labels) == 1 && prov[labelStyleKey] != styleArray {
		put(FieldLabels, span.Labels[0])
	} else {
		put(FieldLabels, span.Labels)
	}
	put(FieldSnippet, span.Text)
	if span.GroupID != "" {
		put(FieldGroup, span.GroupID)
	}
	if span.Classification != annotation.ClassificationNone {
		put(FieldClassification, span.Classification)
	}
	if span.Confidence != annotation.ConfidenceUnset {
		put(FieldConfidence, span.Confidence)
	}
	if span.Notes != "" {
		put(FieldNotes, span.Notes)
	}
	if span.Contributor != "" {
		put(FieldContributor, span.Contributor)
	}
	if !span.CreatedAt.IsZero() {
		put(FieldCreatedAt, span.CreatedAt.Format(time.RFC3339Nano))
	}
	if !span.UpdatedAt.IsZero() {
		put(FieldUpdatedAt, span.UpdatedAt.Format(time.RFC3339Nano))
	}
	addPassThrough(m, span.Metadata, func(key string, raw json.RawMessage) bool {
		return entityShadows(key, raw, span.Metadata, emitted, groupKeys)
	})
	return m
}

// shadowedKey holds pass-through keys that would otherwise be read back as a
// recognised field. Decoding unpacks it into metadata again.
const shadowedKey = "_passthrough"

// addPassThrough writes bag next to the emitted fields, nesting the keys
// shadows reports under shadowedKey.
func addPassThrough(out map[string]any, bag annotation.Metadata, shadows func(string, json.RawMessage) bool) {
	var nested annotation.Metadata
	for k, v := range bag {
		if k == shadowedKey || shadows(k, v) {
			if nested == nil {
				nested = annotation.Metadata{}
			}
			nested[k] = v
			continue
		}
		out[k] = v
	}
	if nested != nil {
		out[shadowedKey] = nested
	}
}

// unpackShadowed moves the keys nested by addPassThrough back into obj.
func unpackShadowed(obj map[string]json.RawMessage) {
	raw, ok := obj[shadowedKey]
	if !ok {
		return
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nested); err != nil || nested == nil {
		return
	}
	delete(obj, shadowedKey)
	for k, v := range nested {
		obj[k] = v
	}
}

// aliasOf finds the field key is an alias of and its position in the list.
func aliasOf(aliases map[string][]string, key string) (string, int, bool) {
	for field, names := range aliases {
		for i, name := range names {
			if name == key {
				return field, i, true
			}
		}
	}
	return "", 0, false
}

func aliasIndex(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return len(names)
}

// shadowsEmitted reports whether key would be taken for field although field
// was written under another name: decoding takes the first alias present.
// ok is false when field was not emitted at all.
func shadowsEmitted(aliases map[string][]string, field string, pos int, emitted map[string]string) (shadowed, ok bool) {
	name, ok := emitted[field]
	if !ok {
		return false, false
	}
	return pos <= aliasIndex(aliases[field], name), true
}

// recordShadows reports whether a top-level pass-through key would decode as
// a record field.
func recordShadows(key string, raw json.RawMessage, emitted map[string]string) bool {
	field, pos, ok := aliasOf(recordAliases, key)
	if !ok {
		return false
	}
	if shadowed, ok := shadowsEmitted(recordAliases, field, pos, emitted); ok {
		return shadowed
	}
	if field == FieldMetadata {
		// Decoding keeps a metadata value that is not an object as pass-through.
		var m map[string]json.RawMessage
		return json.Unmarshal(raw, &m) == nil && m != nil
	}
	return true
}

// entityShadows reports whether an entity pass-through key would decode as a
// span field.
func entityShadows(key string, raw json.RawMessage, bag annotation.Metadata, emitted map[string]string, groupKeys map[string]int) bool {
	field, pos, ok := aliasOf(entityAliases, key)
	if !ok {
		return false
	}
	if shadowed, ok := shadowsEmitted(entityAliases, field, pos, emitted); ok {
		return shadowed
	}
	for _, other := range entityAliases[field][:pos] {
		if _, present := bag[other]; present {
			// An earlier alias is nested too, so this one must follow it.
			return true
		}
	}
	switch field {
	case FieldConfidence:
		// Scores that are not tiers decode back to pass-through.
		var tier annotation.Confidence
		_ = json.Unmarshal(raw, &tier)
		return tier == annotation.ConfidenceHigh || tier == annotation.ConfidenceMedium || tier == annotation.ConfidenceLow
	case FieldGroup:
		// A group key no other span shares decodes back to pass-through.
		var k string
		if err := json.Unmarshal(raw, &k); err != nil || k == "" {
			return false
		}
		return groupKeys[k] > 1
	}
	return true
}

// groupKeyCounts counts, per group key, the entities a decoder would place in
// that group: linked spans plus unlinked spans carrying a group alias.
func groupKeyCounts(spans []annotation.Span) map[string]int {
	counts := map[string]int{}
	for _, span := range spans {
		if span.GroupID != "" {
			counts[span.GroupID]++
			continue
		}
		for _, name := range entityAliases[FieldGroup] {
			raw, ok := span.Metadata[name]
			if !ok {
				continue
			}
			var k string
			if json.Unmarshal(raw, &k) == nil && k != "" {
				counts[k]++
			}
			break
		}
	}
	return counts
}
