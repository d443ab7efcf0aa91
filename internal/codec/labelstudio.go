package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"spanlab/api/internal/annotation"
)

// LSID is a Label Studio identifier, which may be a JSON number or string.
type LSID string

func (id *LSID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	s, err := scalarString(data)
	if err != nil {
		return err
	}
	*id = LSID(s)
	return nil
}

// LSTask is a Label Studio task with one annotation per span.
type LSTask struct {
	ID          LSID              `json:"id"`
	Data        LSData            `json:"data"`
	Annotations []LSAnnotation    `json:"annotations"`
	Predictions []json.RawMessage `json:"predictions"`
}

type LSData struct {
	Text string `json:"text"`
}

type LSAnnotation struct {
	ID          LSID       `json:"id"`
	CreatedAt   string     `json:"created_at,omitempty"`
	CompletedBy string     `json:"completed_by,omitempty"`
	Result      []LSResult `json:"result"`
}

type LSResult struct {
	ID       LSID    `json:"id,omitempty"`
	FromName string  `json:"from_name"`
	ToName   string  `json:"to_name"`
	Type     string  `json:"type"`
	Value    LSValue `json:"value"`
}

type LSValue struct {
	Start  int      `json:"start"`
	End    int      `json:"end"`
	Text   string   `json:"text"`
	Labels []string `json:"labels"`
}

// EncodeLabelStudio converts a snapshot to a Label Studio task.
func EncodeLabelStudio(snap annotation.Snapshot) LSTask {
	task := LSTask{
		ID:          LSID(snap.DocumentID),
		Data:        LSData{Text: snap.Text},
		Annotations: make([]LSAnnotation, 0, len(snap.Spans)),
		Predictions: []json.RawMessage{},
	}
	for _, span := range snap.Spans {
		task.Annotations = append(task.Annotations, LSAnnotation{
			ID:          LSID(span.ID),
			CreatedAt:   span.CreatedAt.Format(time.RFC3339Nano),
			CompletedBy: span.Contributor,
			Result: []LSResult{{
				ID:       LSID(span.ID),
				FromName: "label",
				ToName:   "text",
				Type:     "labels",
				Value:    LSValue{Start: span.Start, End: span.End, Text: span.Text, Labels: span.Labels},
			}},
		})
	}
	return task
}

// DecodeLabelStudio builds a document from a Label Studio task. Only results
// of type "labels" are read; every other result type is ignored.
func DecodeLabelStudio(data []byte, opts ImportOptions) (*annotation.Document, error) {
	const op = "decode_label_studio"
	var task LSTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, invalid(op, "task is not valid JSON: %v", err)
	}
	reg := newRegistry(opts)
	snap := annotation.Snapshot{DocumentID: string(task.ID), Text: task.Data.Text}
	seen := map[string]bool{}
	for _, ann := range task.Annotations {
		created, err := parseLSTime(ann.CreatedAt)
		if err != nil {
			return nil, invalid(op, "annotation %s created_at: %v", ann.ID, err)
		}
		for _, res := range ann.Result {
			if res.Type != "labels" {
				continue
			}
			if err := reg.use(op, res.Value.Labels); err != nil {
				return nil, err
			}
			id := string(res.ID)
			if id == "" || seen[id] {
				id = opts.newID("spn")
			}
			seen[id] = true
			snap.Spans = append(snap.Spans, annotation.Span{
				ID:          id,
				Start:       res.Value.Start,
				End:         res.Value.End,
				Text:        res.Value.Text,
				Labels:      res.Value.Labels,
				Contributor: ann.CompletedBy,
				CreatedAt:   created,
				Seq:         uint64(len(snap.Spans) + 1),
			})
		}
	}
	snap.Labels = reg.labels
	doc, err := annotation.Restore(snap, opts.DocumentOptions...)
	if err != nil {
		return nil, fmt.Errorf("label studio task %s: %w", task.ID, err)
	}
	return doc, nil
}

func parseLSTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", value)
}
