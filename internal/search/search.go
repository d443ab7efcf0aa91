package search

import (
	"strings"

	"spanlab/api/internal/annotation"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument ResultType = "document"
	ResultSpan     ResultType = "span"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	DocumentID string     `json:"documentId"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	Labels     []string   `json:"labels,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Label      string
	DocumentID string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Index is a Searcher that can also be written to.
type Index interface {
	Searcher
	IndexDocument(doc DocumentRecord) error
	ReplaceSpans(documentID string, spans []SpanRecord) error
	DeleteDocument(id string) error
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Language  string `json:"language"`
	Text      string `json:"text"`
	SpanCount int    `json:"spanCount"`
}

// SpanRecord is the data we index for one span of the authoritative snapshot.
type SpanRecord struct {
	// ID is unique across documents: "<document>__<span>".
	ID          string   `json:"id"`
	SpanID      string   `json:"spanId"`
	DocumentID  string   `json:"documentId"`
	Text        string   `json:"text"`
	Labels      []string `json:"labels"`
	GroupID     string   `json:"groupId"`
	Contributor string   `json:"contributor"`
	Start       int      `json:"start"`
	End         int      `json:"end"`
}

// SpanRecords flattens a snapshot into index records.
func SpanRecords(snap annotation.Snapshot) []SpanRecord {
	out := make([]SpanRecord, 0, len(snap.Spans))
	for _, span := range snap.Spans {
		out = append(out, SpanRecord{
			ID:          indexKey(snap.DocumentID, span.ID),
			SpanID:      span.ID,
			DocumentID:  snap.DocumentID,
			Text:        span.Text,
			Labels:      append([]string(nil), span.Labels...),
			GroupID:     span.GroupID,
			Contributor: span.Contributor,
			Start:       span.Start,
			End:         span.End,
		})
	}
	return out
}

// indexKey keeps only characters Meilisearch accepts in primary keys.
func indexKey(documentID, spanID string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			}
			return '-'
		}, s)
	}
	return clean(documentID) + "__" + clean(spanID)
}
