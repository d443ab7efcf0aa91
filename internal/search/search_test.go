package search

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"

	"spanlab/api/internal/annotation"
)

type fakeIndex struct {
	mu       sync.Mutex
	healthy  bool
	searchFn func(Query) ([]Result, int, error)
	docs     []DocumentRecord
	spans    map[string][]SpanRecord
	deleted  []string
}

func (f *fakeIndex) Search(q Query) ([]Result, int, error) { return f.searchFn(q) }
func (f *fakeIndex) Healthy() bool                         { return f.healthy }

func (f *fakeIndex) IndexDocument(doc DocumentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc)
	return nil
}

func (f *fakeIndex) ReplaceSpans(documentID string, spans []SpanRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spans == nil {
		f.spans = map[string][]SpanRecord{}
	}
	f.spans[documentID] = spans
	return nil
}

func (f *fakeIndex) DeleteDocument(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func snapshot(t *testing.T) annotation.Snapshot {
	t.Helper()
	doc := annotation.New("doc/1", "Mary works at Acme")
	for _, l := range annotation.DefaultLabels() {
		if _, err := doc.CreateLabel(l); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := doc.AddSpan(annotation.SpanInput{ID: "spn.1", Start: 0, End: 4, Labels: []string{"PER"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := doc.AddSpan(annotation.SpanInput{ID: "spn.2", Start: 14, End: 18, Labels: []string{"ORG", "MISC"}}); err != nil {
		t.Fatal(err)
	}
	return doc.Snapshot()
}

func TestSpanRecords(t *testing.T) {
	records := SpanRecords(snapshot(t))
	if len(records) != 2 {
		t.Fatalf("records = %+v", records)
	}
	if records[0].ID != "doc-1__spn-1" || records[0].SpanID != "spn.1" || records[0].DocumentID != "doc/1" {
		t.Fatalf("record = %+v", records[0])
	}
	if records[1].Text != "Acme" || len(records[1].Labels) != 2 {
		t.Fatalf("record = %+v", records[1])
	}
}

func TestServiceUsesPrimaryWhenHealthy(t *testing.T) {
	primary := &fakeIndex{healthy: true, searchFn: func(q Query) ([]Result, int, error) {
		return []Result{{Type: ResultSpan, ID: "spn.1"}}, 1, nil
	}}
	resp := NewService(primary, nil).Search(Query{Text: "mary"})
	if resp.Total != 1 || resp.Results[0].ID != "spn.1" || resp.Query != "mary" {
		t.Fatalf("Search() = %+v", resp)
	}
}

func TestServiceDegradesWithoutBackends(t *testing.T) {
	primary := &fakeIndex{healthy: true, searchFn: func(Query) ([]Result, int, error) {
		return nil, 0, errors.New("boom")
	}}
	for name, svc := range map[string]*Service{
		"failing primary": NewService(primary, nil),
		"nothing":         NewService(nil, nil),
		"unhealthy":       NewService(&fakeIndex{healthy: false}, nil),
	} {
		resp := svc.Search(Query{Text: "x"})
		if resp.Results == nil || len(resp.Results) != 0 {
			t.Fatalf("%s: Search() = %+v", name, resp)
		}
	}
}

func TestIndexSnapshot(t *testing.T) {
	primary := &fakeIndex{healthy: true}
	svc := NewService(primary, nil)
	svc.IndexSnapshot("News", "en", snapshot(t))
	svc.DeleteDocument("doc/0")
	svc.Wait()

	if len(primary.docs) != 1 || primary.docs[0].SpanCount != 2 || primary.docs[0].Title != "News" {
		t.Fatalf("indexed docs = %+v", primary.docs)
	}
	if len(primary.spans["doc/1"]) != 2 {
		t.Fatalf("indexed spans = %+v", primary.spans)
	}
	if len(primary.deleted) != 1 {
		t.Fatalf("deleted = %v", primary.deleted)
	}
}

func TestBuildRequests(t *testing.T) {
	all := buildRequests(Query{Text: "acme"})
	if len(all) != 2 || all[0].Limit != 20 {
		t.Fatalf("requests = %+v", all)
	}
	filtered := buildRequests(Query{Text: "acme", Label: "ORG", DocumentID: "doc-1"})
	if len(filtered) != 1 || filtered[0].IndexUID != idxSpans {
		t.Fatalf("filtered requests = %+v", filtered)
	}
	filters, ok := filtered[0].Filter.([]string)
	if !ok || len(filters) != 2 || filters[0] != `labels = "ORG"` {
		t.Fatalf("filters = %#v", filtered[0].Filter)
	}
	if got := buildRequests(Query{FilterType: ResultDocument, Label: "ORG"}); len(got) != 0 {
		t.Fatalf("document search with label filter = %+v", got)
	}
}

func TestHitToResult(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}
	hit := meili.Hit{
		"id":         raw("doc-1__spn-1"),
		"spanId":     raw("spn.1"),
		"documentId": raw("doc-1"),
		"text":       raw("Mary"),
		"labels":     raw([]string{"PER"}),
		"_formatted": raw(map[string]any{"text": "<mark>Mary</mark>", "start": 0}),
	}
	r := hitToResult(hit, ResultSpan)
	if r.ID != "spn.1" || r.DocumentID != "doc-1" || r.Snippet != "<mark>Mary</mark>" || len(r.Labels) != 1 {
		t.Fatalf("hitToResult() = %+v", r)
	}
}
