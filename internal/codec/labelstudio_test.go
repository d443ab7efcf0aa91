package codec

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"spanlab/api/internal/annotation"
)

func TestLabelStudioRoundTrip(t *testing.T) {
	snap := sampleSnapshot(t)
	task := EncodeLabelStudio(snap)
	if len(task.Annotations) != 4 || task.Annotations[0].Result[0].FromName != "label" {
		t.Fatalf("task = %+v", task)
	}
	data, err := json.Marshal(task)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"predictions":[]`) {
		t.Fatalf("predictions missing: %s", data)
	}

	doc, err := DecodeLabelStudio(data, ImportOptions{Labels: snap.Labels})
	if err != nil {
		t.Fatalf("DecodeLabelStudio() error = %v", err)
	}
	got := doc.Snapshot()
	if got.DocumentID != "doc-1" || len(got.Spans) != 4 {
		t.Fatalf("snapshot = %+v", got)
	}
	for i := range snap.Spans {
		if snap.Spans[i].ID != got.Spans[i].ID || !snap.Spans[i].SameContent(got.Spans[i]) {
			t.Fatalf("span %d = %+v", i, got.Spans[i])
		}
	}
}

func TestDecodeLabelStudioNumericIDs(t *testing.T) {
	input := `{"id": 42, "data": {"text": "Mary works at Acme"}, "annotations": [
		{"id": 7, "created_at": "2024-05-01T10:00:00.123456", "result": [
			{"id": "r1", "from_name": "label", "to_name": "text", "type": "labels", "value": {"start": 0, "end": 4, "text": "Mary", "labels": ["PER"]}},
			{"id": "c1", "from_name": "confidence", "to_name": "text", "type": "choices", "value": {"choices": ["High"]}}
		]}
	]}`
	doc, err := DecodeLabelStudio([]byte(input), ImportOptions{Labels: defaultLabels()})
	if err != nil {
		t.Fatalf("DecodeLabelStudio() error = %v", err)
	}
	if doc.ID() != "42" {
		t.Fatalf("ID() = %q", doc.ID())
	}
	spans := doc.ListSpans(annotation.SpanFilter{})
	if len(spans) != 1 || spans[0].ID != "r1" || spans[0].CreatedAt.Year() != 2024 {
		t.Fatalf("spans = %+v", spans)
	}
}

func TestDecodeLabelStudioRejectsBadRange(t *testing.T) {
	input := `{"id": 1, "data": {"text": "Mary"}, "annotations": [{"id": 1, "result": [
		{"type": "labels", "value": {"start": 2, "end": 9, "labels": ["PER"]}}]}]}`
	_, err := DecodeLabelStudio([]byte(input), ImportOptions{Labels: defaultLabels()})
	if !errors.Is(err, annotation.ErrInvalidRange) {
		t.Fatalf("error = %v, want ErrInvalidRange", err)
	}
}

func TestLabelConfig(t *testing.T) {
	labels := defaultLabels()
	config, err := RenderLabelConfig(labels, false)
	if err != nil {
		t.Fatalf("RenderLabelConfig() error = %v", err)
	}
	for _, want := range []string{`<Labels name="label" toName="text">`, `value="PER"`, `background="#FF5733"`, `hotkey="1"`, `<Text name="text" value="$text"></Text>`} {
		if !strings.Contains(config, want) {
			t.Fatalf("config missing %q:\n%s", want, config)
		}
	}

	parsed, err := ParseLabelConfig(config)
	if err != nil {
		t.Fatalf("ParseLabelConfig() error = %v", err)
	}
	if len(parsed) != len(labels) {
		t.Fatalf("parsed %d labels", len(parsed))
	}
	for i, l := range parsed {
		if l.ID != labels[i].ID || l.Color != labels[i].Color || l.Shortcut != labels[i].Shortcut {
			t.Fatalf("label %d = %+v", i, l)
		}
	}

	enhanced, err := RenderLabelConfig(labels, true)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`granularity="word"`, `<Choice value="High"></Choice>`, `name="filter"`} {
		if !strings.Contains(enhanced, want) {
			t.Fatalf("enhanced config missing %q", want)
		}
	}

	if _, err := ParseLabelConfig("<View><Text name=\"text\"/></View>"); !errors.Is(err, annotation.ErrInvalidInput) {
		t.Fatalf("ParseLabelConfig(no labels) error = %v", err)
	}
}
