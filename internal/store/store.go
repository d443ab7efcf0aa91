package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"spanlab/api/internal/annotation"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateDocument = errors.New("document with the same text already exists")
)

// SQLStore persists documents, snapshots and the merge log. The same queries
// run against Postgres and SQLite; placeholders are rebound per dialect.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: Postgres, now: time.Now}
}

func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: SQLite, now: time.Now}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *SQLStore) stamp() time.Time {
	return s.now().UTC()
}

// CreateDocument inserts a document. Two documents may not share a text
// fingerprint.
func (s *SQLStore) CreateDocument(ctx context.Context, doc DocumentRecord) (DocumentRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("begin create document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, s.q(`SELECT id FROM documents WHERE fingerprint=?`), doc.Fingerprint).Scan(&existing)
	if err == nil {
		return DocumentRecord{}, fmt.Errorf("%w: %s", ErrDuplicateDocument, existing)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return DocumentRecord{}, fmt.Errorf("check fingerprint: %w", err)
	}

	now := s.stamp()
	doc.CreatedAt, doc.UpdatedAt = now, now
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO documents (id, title, language, fingerprint, text, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), doc.ID, doc.Title, doc.Language, doc.Fingerprint, doc.Text, doc.CreatedBy, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("insert document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return DocumentRecord{}, fmt.Errorf("commit create document: %w", err)
	}
	return doc, nil
}

const documentColumns = `id, title, language, fingerprint, text, created_by, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (DocumentRecord, error) {
	var doc DocumentRecord
	err := row.Scan(&doc.ID, &doc.Title, &doc.Language, &doc.Fingerprint, &doc.Text, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt)
	return doc, err
}

func (s *SQLStore) GetDocument(ctx context.Context, id string) (DocumentRecord, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx, s.q(`SELECT `+documentColumns+` FROM documents WHERE id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentRecord{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *SQLStore) FindByFingerprint(ctx context.Context, fingerprint string) (DocumentRecord, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx, s.q(`SELECT `+documentColumns+` FROM documents WHERE fingerprint=?`), fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentRecord{}, ErrNotFound
	}
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("find document by fingerprint: %w", err)
	}
	return doc, nil
}

func (s *SQLStore) ListDocuments(ctx context.Context, limit, offset int) ([]DocumentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+documentColumns+`
		FROM documents
		ORDER BY updated_at DESC, id
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentRecord, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// DeleteDocument removes the document with its snapshots, span index and merge log.
func (s *SQLStore) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, table := range []string{"merge_log", "spans", "snapshots"} {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE document_id=?`), id); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM documents WHERE id=?`), id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// SaveSnapshot upserts a contributor's snapshot. Saving the authoritative
// snapshot (contributor "") also rebuilds the span search rows.
func (s *SQLStore) SaveSnapshot(ctx context.Context, contributor string, snap annotation.Snapshot, digest string) (SnapshotRecord, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("begin save snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.stamp()
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO snapshots (document_id, contributor, digest, body, span_count, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (document_id, contributor)
		DO UPDATE SET digest=EXCLUDED.digest, body=EXCLUDED.body, span_count=EXCLUDED.span_count, saved_at=EXCLUDED.saved_at
	`), snap.DocumentID, contributor, digest, string(body), len(snap.Spans), now)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("save snapshot: %w", err)
	}

	if contributor == "" {
		if err := s.replaceSpans(ctx, tx, snap); err != nil {
			return SnapshotRecord{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE documents SET updated_at=? WHERE id=?`), now, snap.DocumentID); err != nil {
		return SnapshotRecord{}, fmt.Errorf("touch document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return SnapshotRecord{}, fmt.Errorf("commit save snapshot: %w", err)
	}
	return SnapshotRecord{
		DocumentID:  snap.DocumentID,
		Contributor: contributor,
		Digest:      digest,
		SpanCount:   len(snap.Spans),
		Snapshot:    snap,
		SavedAt:     now,
	}, nil
}

func (s *SQLStore) replaceSpans(ctx context.Context, tx *sql.Tx, snap annotation.Snapshot) error {
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM spans WHERE document_id=?`), snap.DocumentID); err != nil {
		return fmt.Errorf("clear spans: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, s.q(`
		INSERT INTO spans (document_id, span_id, start_offset, end_offset, text, labels, group_id, contributor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return fmt.Errorf("prepare span insert: %w", err)
	}
	defer stmt.Close()
	for _, span := range snap.Spans {
		if _, err := stmt.ExecContext(ctx, snap.DocumentID, span.ID, span.Start, span.End, span.Text,
			strings.Join(span.Labels, " "), span.GroupID, span.Contributor); err != nil {
			return fmt.Errorf("insert span %s: %w", span.ID, err)
		}
	}
	return nil
}

func (s *SQLStore) LoadSnapshot(ctx context.Context, documentID, contributor string) (SnapshotRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT document_id, contributor, digest, body, span_count, saved_at
		FROM snapshots
		WHERE document_id=? AND contributor=?
	`), documentID, contributor)
	rec, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotRecord{}, fmt.Errorf("snapshot %s/%s: %w", documentID, contributor, ErrNotFound)
	}
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("load snapshot: %w", err)
	}
	return rec, nil
}

// ListContributions returns every contributor working copy of a document.
func (s *SQLStore) ListContributions(ctx context.Context, documentID string) ([]SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT document_id, contributor, digest, body, span_count, saved_at
		FROM snapshots
		WHERE document_id=? AND contributor <> ''
		ORDER BY contributor
	`), documentID)
	if err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}
	defer rows.Close()

	items := make([]SnapshotRecord, 0)
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contributions: %w", err)
	}
	return items, nil
}

func scanSnapshot(row interface{ Scan(...any) error }) (SnapshotRecord, error) {
	var rec SnapshotRecord
	var body []byte
	if err := row.Scan(&rec.DocumentID, &rec.Contributor, &rec.Digest, &body, &rec.SpanCount, &rec.SavedAt); err != nil {
		return SnapshotRecord{}, err
	}
	if err := json.Unmarshal(body, &rec.Snapshot); err != nil {
		return SnapshotRecord{}, fmt.Errorf("decode snapshot body: %w", err)
	}
	return rec, nil
}

// RecordMerge appends to the merge log.
func (s *SQLStore) RecordMerge(ctx context.Context, rec MergeRecord) (MergeRecord, error) {
	contributors, err := json.Marshal(nonNilStrings(rec.Contributors))
	if err != nil {
		return MergeRecord{}, fmt.Errorf("marshal contributors: %w", err)
	}
	if rec.Conflicts == nil {
		rec.Conflicts = []MergeConflict{}
	}
	conflicts, err := json.Marshal(rec.Conflicts)
	if err != nil {
		return MergeRecord{}, fmt.Errorf("marshal conflicts: %w", err)
	}
	rec.CreatedAt = s.stamp()
	err = s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO merge_log (document_id, actor, contributors, conflicts, digest, commit_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), rec.DocumentID, rec.Actor, string(contributors), string(conflicts), rec.Digest, rec.CommitHash, rec.CreatedAt).Scan(&rec.ID)
	if err != nil {
		return MergeRecord{}, fmt.Errorf("record merge: %w", err)
	}
	return rec, nil
}

// ListMerges returns the merge log of a document, newest first.
func (s *SQLStore) ListMerges(ctx context.Context, documentID string, limit int) ([]MergeRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, document_id, actor, contributors, conflicts, digest, commit_hash, created_at
		FROM merge_log
		WHERE document_id=?
		ORDER BY id DESC
		LIMIT ?
	`), documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list merges: %w", err)
	}
	defer rows.Close()

	items := make([]MergeRecord, 0)
	for rows.Next() {
		var rec MergeRecord
		var contributors, conflicts []byte
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.Actor, &contributors, &conflicts, &rec.Digest, &rec.CommitHash, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan merge: %w", err)
		}
		if err := json.Unmarshal(contributors, &rec.Contributors); err != nil {
			return nil, fmt.Errorf("decode merge contributors: %w", err)
		}
		if err := json.Unmarshal(conflicts, &rec.Conflicts); err != nil {
			return nil, fmt.Errorf("decode merge conflicts: %w", err)
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate merges: %w", err)
	}
	return items, nil
}

// EnsureMember returns the member, creating it as an annotator on first sight.
func (s *SQLStore) EnsureMember(ctx context.Context, contributor, displayName string) (Member, error) {
	member, err := s.GetMember(ctx, contributor)
	if err == nil {
		return member, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Member{}, err
	}
	member = Member{Contributor: contributor, DisplayName: displayName, Role: "annotator", CreatedAt: s.stamp()}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO members (contributor, display_name, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (contributor) DO NOTHING
	`), member.Contributor, member.DisplayName, member.Role, member.CreatedAt)
	if err != nil {
		return Member{}, fmt.Errorf("insert member: %w", err)
	}
	return s.GetMember(ctx, contributor)
}

func (s *SQLStore) GetMember(ctx context.Context, contributor string) (Member, error) {
	var m Member
	err := s.db.QueryRowContext(ctx, s.q(`SELECT contributor, display_name, role, created_at FROM members WHERE contributor=?`), contributor).
		Scan(&m.Contributor, &m.DisplayName, &m.Role, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Member{}, fmt.Errorf("member %s: %w", contributor, ErrNotFound)
	}
	if err != nil {
		return Member{}, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

func (s *SQLStore) SetRole(ctx context.Context, contributor, role string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE members SET role=? WHERE contributor=?`), role, contributor)
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("member %s: %w", contributor, ErrNotFound)
	}
	return nil
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
