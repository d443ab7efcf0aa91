package search

import (
	"context"
	"log/slog"
	"sync"

	"spanlab/api/internal/annotation"
)

// Service is the facade that tries the primary index first and falls back to
// Postgres full text. Either side may be nil.
type Service struct {
	primary  Index
	fallback Searcher
	pgfts    *PgFTS
	pending  sync.WaitGroup
}

// NewService creates a search service. Pass a nil interface, not a typed nil
// pointer, for a missing primary.
func NewService(primary Index, pgfts *PgFTS) *Service {
	s := &Service{primary: primary, pgfts: pgfts}
	if pgfts != nil {
		s.fallback = pgfts
	}
	return s
}

// Search tries the primary index if healthy, otherwise falls back.
func (s *Service) Search(q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		slog.Warn("search: primary index error, falling back", "error", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		slog.Error("search: fallback error", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSnapshot pushes a document and its authoritative spans to the primary
// index in the background.
func (s *Service) IndexSnapshot(title, language string, snap annotation.Snapshot) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	doc := DocumentRecord{ID: snap.DocumentID, Title: title, Language: language, Text: snap.Text, SpanCount: len(snap.Spans)}
	spans := SpanRecords(snap)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.primary.IndexDocument(doc); err != nil {
			slog.Warn("search: index document", "document", doc.ID, "error", err)
			return
		}
		if err := s.primary.ReplaceSpans(doc.ID, spans); err != nil {
			slog.Warn("search: index spans", "document", doc.ID, "error", err)
		}
	}()
}

// DeleteDocument removes a document from the primary index in the background.
func (s *Service) DeleteDocument(id string) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.primary.DeleteDocument(id); err != nil {
			slog.Warn("search: delete document", "document", id, "error", err)
		}
	}()
}

// Wait blocks until background index writes have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

// ReindexAllFromPG pushes every stored document and span into the primary index.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.primary == nil || !s.primary.Healthy() || s.pgfts == nil {
		return
	}
	documents, spans, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		slog.Error("search: reindex load failed", "error", err)
		return
	}
	for _, doc := range documents {
		if err := s.primary.IndexDocument(doc); err != nil {
			slog.Warn("search: reindex document", "document", doc.ID, "error", err)
			continue
		}
		if err := s.primary.ReplaceSpans(doc.ID, spans[doc.ID]); err != nil {
			slog.Warn("search: reindex spans", "document", doc.ID, "error", err)
		}
	}
	slog.Info("search: reindex complete", "documents", len(documents))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
