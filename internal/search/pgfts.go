package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// It reads the documents and spans tables maintained by the snapshot store.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL across documents and spans ranked with ts_rank.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" && q.Label == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	argN := 2
	var subQueries []string

	if (q.FilterType == "" || q.FilterType == ResultDocument) && q.Label == "" && q.DocumentID == "" {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d.id, d.id AS document_id, d.title,
				ts_headline('simple', d.text, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS labels,
				ts_rank(d.fts, %s) AS rank
			FROM documents d
			WHERE d.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultSpan {
		var where []string
		if strings.TrimSpace(q.Text) != "" {
			where = append(where, "s.fts @@ "+tsQuery)
		}
		if q.Label != "" {
			where = append(where, fmt.Sprintf("(' ' || s.labels || ' ') LIKE $%d", argN))
			args = append(args, "% "+q.Label+" %")
			argN++
		}
		if q.DocumentID != "" {
			where = append(where, fmt.Sprintf("s.document_id = $%d", argN))
			args = append(args, q.DocumentID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'span'::text AS type, s.span_id, s.document_id, s.text AS title,
				s.text AS snippet,
				s.labels,
				ts_rank(s.fts, %s) AS rank
			FROM spans s
			WHERE %s`, tsQuery, strings.Join(where, " AND ")))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}
	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, document_id, title, snippet, labels
		FROM (%s) sub
		ORDER BY rank DESC, document_id, id
		LIMIT %d OFFSET %d`, union, limit, offset)

	ctx := context.Background()
	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ, labels string
		if err := rows.Scan(&typ, &r.ID, &r.DocumentID, &r.Title, &r.Snippet, &labels); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		r.Labels = strings.Fields(labels)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, map[string][]SpanRecord, error) {
	docRows, err := p.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.language, d.text, COUNT(s.span_id)
		FROM documents d
		LEFT JOIN spans s ON s.document_id = d.id
		GROUP BY d.id, d.title, d.language, d.text
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentRecord, 0)
	for docRows.Next() {
		var d DocumentRecord
		if err := docRows.Scan(&d.ID, &d.Title, &d.Language, &d.Text, &d.SpanCount); err != nil {
			return nil, nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	spanRows, err := p.db.QueryContext(ctx, `
		SELECT document_id, span_id, start_offset, end_offset, text, labels, group_id, contributor
		FROM spans
		ORDER BY document_id, start_offset, end_offset
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load spans: %w", err)
	}
	defer spanRows.Close()

	spans := map[string][]SpanRecord{}
	for spanRows.Next() {
		var s SpanRecord
		var labels string
		if err := spanRows.Scan(&s.DocumentID, &s.SpanID, &s.Start, &s.End, &s.Text, &labels, &s.GroupID, &s.Contributor); err != nil {
			return nil, nil, fmt.Errorf("scan span: %w", err)
		}
		s.ID = indexKey(s.DocumentID, s.SpanID)
		s.Labels = strings.Fields(labels)
		spans[s.DocumentID] = append(spans[s.DocumentID], s)
	}
	if err := spanRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate spans: %w", err)
	}
	return documents, spans, nil
}
