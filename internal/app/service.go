package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"spanlab/api/internal/annotation"
	"spanlab/api/internal/auth"
	"spanlab/api/internal/codec"
	"spanlab/api/internal/config"
	"spanlab/api/internal/drafts"
	"spanlab/api/internal/export"
	"spanlab/api/internal/merge"
	"spanlab/api/internal/rbac"
	"spanlab/api/internal/search"
	"spanlab/api/internal/stats"
	"spanlab/api/internal/store"
	"spanlab/api/internal/util"
	"spanlab/api/internal/versions"
)

type Session struct {
	Token       string
	Contributor string
	Name        string
	Role        string
	ExpiresAt   time.Time
}

type dataStore interface {
	Ping(context.Context) error
	CreateDocument(context.Context, store.DocumentRecord) (store.DocumentRecord, error)
	GetDocument(context.Context, string) (store.DocumentRecord, error)
	FindByFingerprint(context.Context, string) (store.DocumentRecord, error)
	ListDocuments(context.Context, int, int) ([]store.DocumentRecord, error)
	DeleteDocument(context.Context, string) error
	SaveSnapshot(context.Context, string, annotation.Snapshot, string) (store.SnapshotRecord, error)
	LoadSnapshot(context.Context, string, string) (store.SnapshotRecord, error)
	ListContributions(context.Context, string) ([]store.SnapshotRecord, error)
	RecordMerge(context.Context, store.MergeRecord) (store.MergeRecord, error)
	ListMerges(context.Context, string, int) ([]store.MergeRecord, error)
	EnsureMember(context.Context, string, string) (store.Member, error)
	GetMember(context.Context, string) (store.Member, error)
	SetRole(context.Context, string, string) error
}

type versionStore interface {
	EnsureDocumentRepo(annotation.Snapshot, string) error
	CommitContribution(string, annotation.Snapshot, string) (versions.CommitInfo, error)
	CommitMerged(annotation.Snapshot, string, string, []string) (versions.CommitInfo, error)
	SnapshotAt(string, string) (annotation.Snapshot, error)
	History(string, string, int) ([]versions.CommitInfo, error)
	Tag(string, string, string) error
	DeleteRepo(string) error
}

type draftStore interface {
	Save(context.Context, string, annotation.Snapshot) (drafts.Draft, error)
	Load(context.Context, string, string) (drafts.Draft, error)
	History(context.Context, string, string) ([]drafts.HistoryEntry, error)
	Discard(context.Context, string, string) error
}

// Dependencies are the adapters behind a Service. Drafts, Search and Export
// are optional.
type Dependencies struct {
	Store    dataStore
	Versions versionStore
	Drafts   draftStore
	Search   *search.Service
	Export   *export.Service
}

type Service struct {
	cfg       config.Config
	store     dataStore
	versions  versionStore
	drafts    draftStore
	search    *search.Service
	export    *export.Service
	workspace *Workspace
	metrics   *Metrics
	tokenTTL  time.Duration
}

func New(cfg config.Config, deps Dependencies) *Service {
	workspace := NewWorkspace()
	svc := &Service{
		cfg:       cfg,
		store:     deps.Store,
		versions:  deps.Versions,
		drafts:    deps.Drafts,
		search:    deps.Search,
		export:    deps.Export,
		workspace: workspace,
		metrics:   NewMetrics(workspace),
		tokenTTL:  12 * time.Hour,
	}
	if svc.search == nil {
		svc.search = search.NewService(nil, nil)
	}
	if svc.export == nil {
		svc.export = export.NewService(nil, 0)
	}
	return svc
}

func (s *Service) Metrics() *Metrics {
	return s.metrics
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Login registers name as a contributor on first use and issues a token.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	name = strings.TrimSpace(name)
	contributor := contributorID(name)
	if contributor == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	member, err := s.store.EnsureMember(ctx, contributor, name)
	if err != nil {
		return Session{}, err
	}
	expiresAt := time.Now().Add(s.tokenTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.NewClaims(member.Contributor, member.DisplayName, member.Role), s.tokenTTL)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:       token,
		Contributor: member.Contributor,
		Name:        member.DisplayName,
		Role:        member.Role,
		ExpiresAt:   expiresAt,
	}, nil
}

// SessionFromToken validates token and reads the current role from the
// member table, so role changes apply without reissuing tokens.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	member, err := s.store.EnsureMember(ctx, claims.Contributor(), claims.Name)
	if err != nil {
		return Session{}, err
	}
	session := Session{
		Token:       token,
		Contributor: member.Contributor,
		Name:        member.DisplayName,
		Role:        member.Role,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) SetRole(ctx context.Context, contributor, role string) (map[string]any, error) {
	normalized := rbac.Normalize(role)
	if string(normalized) != strings.TrimSpace(role) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown role", map[string]any{"role": role})
	}
	if err := s.store.SetRole(ctx, contributor, string(normalized)); err != nil {
		return nil, err
	}
	member, err := s.store.GetMember(ctx, contributor)
	if err != nil {
		return nil, err
	}
	return memberPayload(member), nil
}

// CreateDocumentInput starts a document from raw text. Labels defaults to the
// stock NER set.
type CreateDocumentInput struct {
	ID       string                  `json:"id"`
	Title    string                  `json:"title"`
	Language string                  `json:"language"`
	Text     string                  `json:"text"`
	Labels   []annotation.LabelInput `json:"labels"`
	Metadata annotation.Metadata     `json:"metadata"`
}

func (s *Service) CreateDocument(ctx context.Context, input CreateDocumentInput, actor string) (map[string]any, error) {
	if strings.TrimSpace(input.Text) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil)
	}
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = util.NewID("doc")
	}
	doc := annotation.New(id, input.Text, annotation.WithIDGenerator(util.NewID), annotation.WithMetadata(input.Metadata))
	labels := input.Labels
	if len(labels) == 0 {
		labels = annotation.DefaultLabels()
	}
	for _, label := range labels {
		if _, err := doc.CreateLabel(label); err != nil {
			return nil, err
		}
	}
	record, err := s.persistNew(ctx, input.Title, input.Language, doc.Snapshot(), actor)
	if err != nil {
		return nil, err
	}
	return documentPayload(record, doc.Snapshot()), nil
}

// ImportRequest describes an uploaded annotation file.
type ImportRequest struct {
	Format       string
	Title        string
	Language     string
	DocumentID   string
	AutoRegister bool
}

// ImportDocuments decodes an upload and creates one document per record.
// Records whose text is already stored are skipped and reported.
func (s *Service) ImportDocuments(ctx context.Context, req ImportRequest, data []byte, actor string) (map[string]any, error) {
	if int64(len(data)) > s.cfg.MaxImportBytes && s.cfg.MaxImportBytes > 0 {
		return nil, domainError(http.StatusRequestEntityTooLarge, "IMPORT_TOO_LARGE", "upload exceeds size limit", nil)
	}
	opts := codec.ImportOptions{
		Labels:          defaultLabelSet(),
		AutoRegister:    req.AutoRegister,
		NewID:           util.NewID,
		DocumentOptions: []annotation.Option{annotation.WithIDGenerator(util.NewID)},
	}
	var docs []*annotation.Document
	switch strings.ToLower(strings.TrimSpace(req.Format)) {
	case "", "jsonl":
		decoded, err := codec.DecodeJSONL(bytes.NewReader(data), opts)
		if err != nil {
			return nil, err
		}
		docs = decoded
	case "conll", "bio":
		id := req.DocumentID
		if id == "" {
			id = util.NewID("doc")
		}
		doc, err := codec.DecodeCoNLL(bytes.NewReader(data), codec.CoNLLOptions{ImportOptions: opts, DocumentID: id, Language: req.Language})
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	case "labelstudio":
		doc, err := codec.DecodeLabelStudio(data, opts)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "UNSUPPORTED_FORMAT", "unsupported import format", map[string]any{"format": req.Format})
	}

	imported := make([]map[string]any, 0, len(docs))
	skipped := make([]map[string]any, 0)
	for i, doc := range docs {
		snap := doc.Snapshot()
		title := req.Title
		if title == "" {
			title = snap.DocumentID
		} else if len(docs) > 1 {
			title = fmt.Sprintf("%s #%d", req.Title, i+1)
		}
		language := req.Language
		if language == "" {
			language = codec.LanguageOf(snap.Metadata)
		}
		record, err := s.persistNew(ctx, title, language, snap, actor)
		var dup *DomainError
		if errors.As(err, &dup) && dup.Code == "DUPLICATE_DOCUMENT" {
			skipped = append(skipped, map[string]any{"documentId": snap.DocumentID, "reason": "duplicate", "existing": dup.Details})
			continue
		}
		if err != nil {
			return nil, err
		}
		imported = append(imported, documentPayload(record, snap))
	}
	return map[string]any{"imported": imported, "skipped": skipped}, nil
}

func (s *Service) persistNew(ctx context.Context, title, language string, snap annotation.Snapshot, actor string) (store.DocumentRecord, error) {
	if !validDocumentID(snap.DocumentID) {
		return store.DocumentRecord{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "document id may only contain letters, digits, '.', '-' and '_'", map[string]any{"documentId": snap.DocumentID})
	}
	fingerprint := Fingerprint(snap.Text)
	if existing, err := s.store.FindByFingerprint(ctx, fingerprint); err == nil {
		return store.DocumentRecord{}, domainError(http.StatusConflict, "DUPLICATE_DOCUMENT", "A document with the same text already exists", map[string]any{"documentId": existing.ID, "title": existing.Title})
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.DocumentRecord{}, err
	}
	if strings.TrimSpace(title) == "" {
		title = "Untitled"
	}
	if language == "" {
		language = codec.LanguageOf(snap.Metadata)
	}
	record, err := s.store.CreateDocument(ctx, store.DocumentRecord{
		ID:          snap.DocumentID,
		Title:       title,
		Language:    language,
		Fingerprint: fingerprint,
		Text:        snap.Text,
		CreatedBy:   actor,
	})
	if err != nil {
		return store.DocumentRecord{}, err
	}
	if _, err := s.store.SaveSnapshot(ctx, "", snap, merge.SnapshotDigest(snap)); err != nil {
		s.rollbackCreate(ctx, record.ID, false)
		return store.DocumentRecord{}, err
	}
	if err := s.versions.EnsureDocumentRepo(snap, actor); err != nil {
		s.rollbackCreate(ctx, record.ID, true)
		return store.DocumentRecord{}, fmt.Errorf("init history: %w", err)
	}
	s.search.IndexSnapshot(record.Title, record.Language, snap)
	slog.Info("document created", "document", record.ID, "spans", len(snap.Spans), "actor", actor)
	return record, nil
}

// rollbackCreate removes a half-created document so its id and fingerprint
// can be used again. It runs even when ctx is already cancelled.
func (s *Service) rollbackCreate(ctx context.Context, documentID string, history bool) {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		slog.Error("document create rollback failed", "document", documentID, "error", err)
	}
	if history {
		if err := s.versions.DeleteRepo(documentID); err != nil {
			slog.Warn("history cleanup failed", "document", documentID, "error", err)
		}
	}
}

func (s *Service) ListDocuments(ctx context.Context, limit, offset int) ([]map[string]any, error) {
	records, err := s.store.ListDocuments(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(records))
	for _, record := range records {
		items = append(items, map[string]any{
			"id":        record.ID,
			"title":     record.Title,
			"language":  record.Language,
			"createdBy": record.CreatedBy,
			"createdAt": record.CreatedAt,
			"updatedAt": record.UpdatedAt,
		})
	}
	return items, nil
}

// GetDocument returns the document with the caller's working copy, or the
// authoritative snapshot when authoritative is set.
func (s *Service) GetDocument(ctx context.Context, documentID, contributor string, authoritative bool) (map[string]any, error) {
	record, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	snap, err := s.snapshotFor(ctx, documentID, contributor, authoritative)
	if err != nil {
		return nil, err
	}
	payload := documentPayload(record, snap)
	payload["authoritative"] = authoritative
	return payload, nil
}

func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	s.workspace.DropDocument(documentID)
	s.search.DeleteDocument(documentID)
	if err := s.versions.DeleteRepo(documentID); err != nil {
		slog.Warn("history cleanup failed", "document", documentID, "error", err)
	}
	return nil
}

// working returns the caller's live copy, loading it from the newest of
// draft, committed contribution and authoritative snapshot.
func (s *Service) working(ctx context.Context, documentID, contributor string) (*annotation.Document, error) {
	if doc, ok := s.workspace.Get(documentID, contributor); ok {
		return doc, nil
	}
	snap, err := s.latestFor(ctx, documentID, contributor)
	if err != nil {
		return nil, err
	}
	doc, err := annotation.Restore(snap, annotation.WithIDGenerator(util.NewID))
	if err != nil {
		return nil, fmt.Errorf("restore %s for %s: %w", documentID, contributor, err)
	}
	return s.workspace.Put(documentID, contributor, doc), nil
}

func (s *Service) latestFor(ctx context.Context, documentID, contributor string) (annotation.Snapshot, error) {
	if s.drafts != nil {
		draft, err := s.drafts.Load(ctx, documentID, contributor)
		if err == nil {
			return draft.Snapshot, nil
		}
		if !errors.Is(err, drafts.ErrNoDraft) {
			slog.Warn("draft load failed", "document", documentID, "contributor", contributor, "error", err)
		}
	}
	rec, err := s.store.LoadSnapshot(ctx, documentID, contributor)
	if err == nil {
		return rec.Snapshot, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return annotation.Snapshot{}, err
	}
	rec, err = s.store.LoadSnapshot(ctx, documentID, "")
	if err != nil {
		return annotation.Snapshot{}, err
	}
	return rec.Snapshot, nil
}

func (s *Service) snapshotFor(ctx context.Context, documentID, contributor string, authoritative bool) (annotation.Snapshot, error) {
	if authoritative {
		rec, err := s.store.LoadSnapshot(ctx, documentID, "")
		if err != nil {
			return annotation.Snapshot{}, err
		}
		return rec.Snapshot, nil
	}
	doc, err := s.working(ctx, documentID, contributor)
	if err != nil {
		return annotation.Snapshot{}, err
	}
	return doc.Snapshot(), nil
}

// edit runs fn against the caller's working copy and autosaves a draft when
// fn succeeds. Core errors leave the copy untouched.
func (s *Service) edit(ctx context.Context, documentID, contributor string, fn func(*annotation.Document) (any, error)) (any, error) {
	doc, err := s.working(ctx, documentID, contributor)
	if err != nil {
		return nil, err
	}
	result, err := fn(doc)
	if err != nil {
		return nil, err
	}
	if s.drafts != nil {
		if _, err := s.drafts.Save(ctx, contributor, doc.Snapshot()); err != nil {
			slog.Warn("draft autosave failed", "document", documentID, "contributor", contributor, "error", err)
		}
	}
	return result, nil
}

func (s *Service) ListLabels(ctx context.Context, documentID, contributor string) ([]annotation.Label, error) {
	doc, err := s.working(ctx, documentID, contributor)
	if err != nil {
		return nil, err
	}
	return doc.ListLabels(), nil
}

func (s *Service) CreateLabel(ctx context.Context, documentID, contributor string, input annotation.LabelInput) (any, error) {
	return s.edit(ctx, documentID, contributor, func(doc *annotation.Document) (any, error) {
		return doc.CreateLabel(input)
	})
}

func (s *Service) UpdateLabel(ctx context.Context, documentID, contributor, labelID string, patch annotation.LabelPatch) (any, error) {
	return s.edit(ctx, documentID, contributor, func(doc *annotation.Document) (any, error) {
		return doc.UpdateLabel(labelID, patch)
	})
}

func (s *Service) DeleteLabel(ctx context.Context, documentID, contributor, labelID string, cascade bool) (any, error) {
	policy := annotation.DeleteReject
	if cascade {
		policy = annotation.DeleteCascade
	}
	return s.edit(ctx, documentID, contributor, func(doc *annotation.Document) (any, error) {
		removed, err := doc.DeleteLabel(labelID, policy)
		if err != nil {
			return nil, err
		}
		return map[string]any{"deleted": labelID, "removedSpans": nonNilStrings(removed)}, nil
	})
}

// LabelConfig renders the caller's label registry as annotation tool XML.
func (s *Service) LabelConfig(ctx context.Context, documentID, contributor string, enhanced bool) (string, error) {
	doc, err := s.working(ctx, documentID, contributor)
	if err != nil {
		return "", err
	}
	return codec.RenderLabelConfig(doc.ListLabels(), enhanced)
}

// ImportLabelConfig registers every label of an XML config that the working
// copy does not know yet.
func (s *Service) ImportLabelConfig(ctx context.Context, documentID, contributor, config string) (any, error) {
	inputs, err := codec.ParseLabelConfig(config)
	if err != nil {
		return nil, err
	}
	return s.edit(ctx, documentID, contributor, func(doc *annotation.Document) (any, error) {
		created := make([]annotation.Label, 0, len(inputs))
		for _, input := range inputs {
			if _, ok := doc.Label(input.ID); ok {
				continue
			}
			label, err := doc.CreateLabel(input)
			if err != nil {
				return nil, err
			}
			created = append(created, label)
		}
		return map[string]any{"created": created, "labels": doc.ListLabels()}, nil
	})
}

type SpanRequest struct {
	ID             string                    `json:"id"`
	Start          int                       `json:"start"`
	End            int                       `json:"end"`
	Labels         []string                  `json:"labels"`
	Text           string                    `json:"text"`
	Confidence     annotation.Confidence     `json:"confidence"`
	Classification annotation.Classification `json:"classification"`
	Notes          string                    `json:"notes"`
	Metadata       annotation.Metadata       `json:"metadata"`
}

type SpanPatchRequest struct {
	Start          *int                       `json:"start"`
	End            *int                       `json:"end"`
	Labels         []string                   `json:"labels"`
	Confidence     *annotation.Confidence     `json:"confidence"`
	Classification *annotation.Classification `json:"classification"`
	Notes          *string                    `json:"notes"`
	Metadata       annotation.Metadata        `json:"metadata"`
}

func (s *Service) ListSpans(ctx context.Context, documentID, contributor string, filter annotation.SpanFilter) ([]annotation.Span, error) {
	doc, err := s.working(ctx, documentID, contributor)
	if err != nil {
		return nil, err
	}
	return doc.ListSpans(filter), nil
}

func (s *Service) GetSpan(ctx context.Context, documentID, contributor, spanID string) (annotation.Span, error) {
	doc, err := s.working(ctx, documentID, contributor)
	if err != nil {
		return annotation.Span{}, err
	}
	return doc.GetSpan(spanID)
}

func (s *Service) SpansOverlapping(ctx context.Context, documentID, contributor string, start, end int) ([]annotation.Span, error) {
	doc, err := s.working(ctx, documentID, contributor)
	if err != nil {
		return nil, err
	}
	return doc.SpansOverlapping(start, end)
}

func (s *Service) AddSpan(ctx context.Context, documentID, contributor string, req SpanRequest) (any, error) {
	return s.edit(ctx, documentID, contributor, func(doc *annotation.Document) (any, error) {
		return doc.AddSpan(annotation.SpanInput{
			ID:             req.ID,
			Start:          req.Start,
			End:            req.End,
			Labels:         req.Labels,
			Text:           req.Text,
			Confidence:     req.Confidence,
			Classification: req.Classification,
			Notes:          req.Notes,
			Metadata:       req.Metadata,
			Contributor:    contributor,
		})
	})
}

func (s *Service) UpdateSpan(ctx context.Context, documentID, contributor, spanID string, req SpanPatchRequest) (any, error) {
	return s.edit(ctx, documentID, contributor, func(doc *annotation.Document) (any, error) {
		return doc.UpdateSpan(spanID, annotation.SpanPatch{
			Start:          req.Start,
			End:            req.End,
			Labels:         req.Labels,
			Confidence:     req.Confidence,
			Classification: req.Classification,
			Notes:          req.Notes,
			Metadata:       req.Metadata,
			Contributor:    contributor,
		})
	})
}

func (s *Service) DeleteSpan(ctx context.Context, documentID, contributor, spanID string) error {
	_, err := s.edit(ctx, documentID, contributor, func(doc *annotation.Document) (any, error) {
		return nil, doc.DeleteSpan(spanID, contributor)
	})
	return err
}

func (s *Service) Link(ctx context.Context, documentID, contributor, a, b string) (any, error) {
	return s.edit(ctx, documentID, contributor, func(doc *annotation.Document) (any, error) {
		return doc.Link(a, b)
	})
}

func (s *Service) Unlink(ctx context.Context, documentID, contributor, spanID string) error {
	_, err := s.edit(ctx, documentID, contributor, func(doc *annotation.Document) (any, error) {
		return nil, doc.Unlink(spanID)
	})
	return err
}

func (s *Service) Groups(ctx context.Context, documentID, contributor string) ([]annotation.EntityGroup, error) {
	doc, err := s.working(ctx, documentID, contributor)
	if err != nil {
		return nil, err
	}
	return doc.Groups(), nil
}

func (s *Service) NameGroup(ctx context.Context, documentID, contributor, groupID, name string) (any, error) {
	return s.edit(ctx, documentID, contributor, func(doc *annotation.Document) (any, error) {
		return doc.NameGroup(groupID, name)
	})
}

func (s *Service) Stats(ctx context.Context, documentID, contributor string, authoritative bool, expected int) (stats.Summary, error) {
	snap, err := s.snapshotFor(ctx, documentID, contributor, authoritative)
	if err != nil {
		return stats.Summary{}, err
	}
	return stats.Compute(snap, stats.Options{ExpectedSpans: expected}), nil
}

// CorpusStats aggregates the authoritative snapshots of the listed documents.
func (s *Service) CorpusStats(ctx context.Context, limit int) (stats.Corpus, error) {
	records, err := s.store.ListDocuments(ctx, limit, 0)
	if err != nil {
		return stats.Corpus{}, err
	}
	snaps := make([]annotation.Snapshot, 0, len(records))
	for _, record := range records {
		rec, err := s.store.LoadSnapshot(ctx, record.ID, "")
		if err != nil {
			return stats.Corpus{}, err
		}
		snaps = append(snaps, rec.Snapshot)
	}
	return stats.ComputeCorpus(snaps, stats.Options{}), nil
}

// Commit freezes the caller's working copy onto their contribution branch and
// clears the draft.
func (s *Service) Commit(ctx context.Context, documentID, contributor, message string) (map[string]any, error) {
	doc, err := s.working(ctx, documentID, contributor)
	if err != nil {
		return nil, err
	}
	snap := doc.Snapshot()
	var before annotation.Snapshot
	if rec, err := s.store.LoadSnapshot(ctx, documentID, contributor); err == nil {
		before = rec.Snapshot
	} else if rec, err := s.store.LoadSnapshot(ctx, documentID, ""); err == nil {
		before = rec.Snapshot
	}
	if strings.TrimSpace(message) == "" {
		message = fmt.Sprintf("Update %s", documentID)
	}
	digest := merge.SnapshotDigest(snap)
	if _, err := s.store.SaveSnapshot(ctx, contributor, snap, digest); err != nil {
		return nil, err
	}
	commit, err := s.versions.CommitContribution(contributor, snap, message)
	if err != nil {
		return nil, fmt.Errorf("commit contribution: %w", err)
	}
	if s.drafts != nil {
		if err := s.drafts.Discard(ctx, documentID, contributor); err != nil {
			slog.Warn("draft discard failed", "document", documentID, "contributor", contributor, "error", err)
		}
	}
	return map[string]any{
		"commit":    commit,
		"digest":    digest,
		"branch":    versions.BranchFor(contributor),
		"spanCount": len(snap.Spans),
		"changes":   versions.DiffSpans(before, snap),
	}, nil
}

func (s *Service) contributions(ctx context.Context, documentID string, only []string) ([]merge.Contribution, error) {
	records, err := s.store.ListContributions(ctx, documentID)
	if err != nil {
		return nil, err
	}
	out := make([]merge.Contribution, 0, len(records))
	for _, rec := range records {
		if len(only) > 0 && !slices.Contains(only, rec.Contributor) {
			continue
		}
		out = append(out, merge.Contribution{Contributor: rec.Contributor, Snapshot: rec.Snapshot})
	}
	return out, nil
}

// Merge folds committed contributions into the authoritative snapshot. The
// current authoritative snapshot takes part as the empty contributor, so it
// loses every tie. Unlinks and label removals made in a working copy after an
// earlier merge win over the older state it carries, because membership
// changes and label removals are timestamped.
func (s *Service) Merge(ctx context.Context, documentID, actor string, only []string, message string) (map[string]any, error) {
	record, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	contribs, err := s.contributions(ctx, documentID, only)
	if err != nil {
		return nil, err
	}
	if len(contribs) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "NO_CONTRIBUTIONS", "No committed contributions to merge", nil)
	}
	current, err := s.store.LoadSnapshot(ctx, documentID, "")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(contribs))
	for _, c := range contribs {
		names = append(names, c.Contributor)
	}
	inputs := append([]merge.Contribution{{Contributor: "", Snapshot: current.Snapshot}}, contribs...)
	result, err := merge.Merge(merge.Options{}, inputs...)
	if err != nil {
		return nil, err
	}

	digest := merge.SnapshotDigest(result.Snapshot)
	if _, err := s.store.SaveSnapshot(ctx, "", result.Snapshot, digest); err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		message = fmt.Sprintf("Merge %d contributions", len(names))
	}
	commit, err := s.versions.CommitMerged(result.Snapshot, actor, message, names)
	if err != nil {
		return nil, fmt.Errorf("commit merge: %w", err)
	}
	conflicts := make([]store.MergeConflict, 0, len(result.Conflicts))
	for _, c := range result.Conflicts {
		conflicts = append(conflicts, store.MergeConflict{SpanID: c.SpanID, Kept: c.Kept, Dropped: c.Dropped, Reason: c.Reason})
	}
	logged, err := s.store.RecordMerge(ctx, store.MergeRecord{
		DocumentID:   documentID,
		Actor:        actor,
		Contributors: names,
		Conflicts:    conflicts,
		Digest:       digest,
		CommitHash:   commit.Hash,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.observeMerge(len(result.Conflicts))
	s.search.IndexSnapshot(record.Title, record.Language, result.Snapshot)
	slog.Info("merge committed", "document", documentID, "contributors", names, "conflicts", len(result.Conflicts), "actor", actor)

	return map[string]any{
		"mergeId":      logged.ID,
		"commit":       commit,
		"digest":       digest,
		"contributors": names,
		"conflicts":    nonNilConflicts(result.Conflicts),
		"spanCount":    len(result.Snapshot.Spans),
		"groupCount":   len(result.Snapshot.Groups),
	}, nil
}

func (s *Service) Consensus(ctx context.Context, documentID, strategy string) (map[string]any, error) {
	parsed, err := merge.ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}
	contribs, err := s.contributions(ctx, documentID, nil)
	if err != nil {
		return nil, err
	}
	agreements, err := merge.Consensus(parsed, contribs...)
	if err != nil {
		return nil, err
	}
	if agreements == nil {
		agreements = []merge.Agreement{}
	}
	return map[string]any{
		"strategy":     parsed,
		"contributors": len(contribs),
		"agreements":   agreements,
	}, nil
}

// History lists commits on the contributor branch (or main), the merge log
// and unsaved draft autosaves.
func (s *Service) History(ctx context.Context, documentID, contributor string, mainline bool) (map[string]any, error) {
	branch := versions.BranchFor(contributor)
	if mainline {
		branch = "main"
	}
	commits, err := s.versions.History(documentID, branch, 50)
	if err != nil && !errors.Is(err, versions.ErrNoBranch) {
		return nil, err
	}
	merges, err := s.store.ListMerges(ctx, documentID, 50)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"branch":  branch,
		"commits": nonNilCommits(commits),
		"merges":  merges,
		"drafts":  []drafts.HistoryEntry{},
	}
	if s.drafts != nil && !mainline {
		entries, err := s.drafts.History(ctx, documentID, contributor)
		if err != nil {
			slog.Warn("draft history failed", "document", documentID, "error", err)
		} else if entries != nil {
			payload["drafts"] = entries
		}
	}
	return payload, nil
}

func (s *Service) Compare(ctx context.Context, documentID, fromHash, toHash string) (map[string]any, error) {
	if fromHash == "" || toHash == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "from and to are required", nil)
	}
	from, err := s.versions.SnapshotAt(documentID, fromHash)
	if err != nil {
		return nil, err
	}
	to, err := s.versions.SnapshotAt(documentID, toHash)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"from":    fromHash,
		"to":      toHash,
		"changes": versions.DiffSpans(from, to),
	}, nil
}

func (s *Service) Tag(ctx context.Context, documentID, hash, name string) (map[string]any, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(hash) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "hash and name are required", nil)
	}
	if err := s.versions.Tag(documentID, hash, name); err != nil {
		return nil, err
	}
	return map[string]any{"tag": name, "hash": hash}, nil
}

// DiscardDraft throws away unsaved edits; the next access reloads the last
// committed copy.
func (s *Service) DiscardDraft(ctx context.Context, documentID, contributor string) error {
	s.workspace.Drop(documentID, contributor)
	if s.drafts == nil {
		return nil
	}
	return s.drafts.Discard(ctx, documentID, contributor)
}

// Export renders a snapshot and, when publish is set, uploads it for download.
func (s *Service) Export(ctx context.Context, documentID, contributor string, authoritative bool, req export.Request, publish bool) (*export.Result, error) {
	snap, err := s.snapshotFor(ctx, documentID, contributor, authoritative)
	if err != nil {
		return nil, err
	}
	if publish {
		return s.export.Publish(ctx, snap, req)
	}
	return s.export.Render(snap, req)
}

func (s *Service) Search(q search.Query) search.Response {
	return s.search.Search(q)
}

func contributorID(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '@':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	return b.String()
}

// validDocumentID keeps ids usable as path segments and repository names.
func validDocumentID(id string) bool {
	if id == "" || len(id) > 128 || strings.HasPrefix(id, ".") {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

func defaultLabelSet() []annotation.Label {
	inputs := annotation.DefaultLabels()
	labels := make([]annotation.Label, 0, len(inputs))
	for _, in := range inputs {
		labels = append(labels, annotation.Label(in))
	}
	return labels
}

func documentPayload(record store.DocumentRecord, snap annotation.Snapshot) map[string]any {
	return map[string]any{
		"document": map[string]any{
			"id":        record.ID,
			"title":     record.Title,
			"language":  record.Language,
			"createdBy": record.CreatedBy,
			"createdAt": record.CreatedAt,
			"updatedAt": record.UpdatedAt,
		},
		"snapshot": snap,
	}
}

func memberPayload(member store.Member) map[string]any {
	return map[string]any{
		"contributor": member.Contributor,
		"name":        member.DisplayName,
		"role":        member.Role,
	}
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func nonNilConflicts(in []merge.Conflict) []merge.Conflict {
	if in == nil {
		return []merge.Conflict{}
	}
	return in
}

func nonNilCommits(in []versions.CommitInfo) []versions.CommitInfo {
	if in == nil {
		return []versions.CommitInfo{}
	}
	return in
}
