package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"spanlab/api/internal/annotation"
	"spanlab/api/internal/auth"
	"spanlab/api/internal/codec"
	"spanlab/api/internal/export"
	"spanlab/api/internal/rbac"
	"spanlab/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	slog.Info("forbidden", "contributor", session.Contributor, "role", session.Role, "action", action, "path", r.URL.Path)
	s.service.metrics.observeFailure("FORBIDDEN")
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

// allow checks the session role and writes the 403 itself.
func (s *HTTPServer) allow(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) bool {
	if s.service.Can(session.Role, action) {
		return true
	}
	s.forbid(w, r, session, action)
	return false
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "error", err, "request_id", requestID(r.Context()))
	}
	s.service.metrics.observeFailure(code)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/metrics" {
		s.service.Metrics().Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "contributor": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "contributor": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "contributor": session.Contributor, "name": session.Name, "role": session.Role})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":       session.Token,
			"contributor": session.Contributor,
			"name":        session.Name,
			"role":        session.Role,
			"expiresAt":   session.ExpiresAt,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		query := r.URL.Query()
		limit, ok := queryInt(w, query.Get("limit"), "limit", 20)
		if !ok {
			return
		}
		offset, ok := queryInt(w, query.Get("offset"), "offset", 0)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, s.service.Search(search.Query{
			Text:       strings.TrimSpace(query.Get("q")),
			FilterType: search.ResultType(strings.TrimSpace(query.Get("type"))),
			Label:      strings.TrimSpace(query.Get("label")),
			DocumentID: strings.TrimSpace(query.Get("documentId")),
			Limit:      limit,
			Offset:     offset,
		}))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/stats" {
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		limit, ok := queryInt(w, r.URL.Query().Get("limit"), "limit", 500)
		if !ok {
			return
		}
		payload, err := s.service.CorpusStats(r.Context(), limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.URL.Path == "/api/documents" {
		s.handleDocumentCollection(w, r, session)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/documents/import" {
		s.handleImport(w, r, session)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "members" && parts[3] == "role" {
		s.handleMemberRole(w, r, session, parts[2])
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "documents" {
		s.handleDocument(w, r, session, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDocumentCollection(w http.ResponseWriter, r *http.Request, session Session) {
	switch r.Method {
	case http.MethodGet:
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		limit, ok := queryInt(w, r.URL.Query().Get("limit"), "limit", 50)
		if !ok {
			return
		}
		offset, ok := queryInt(w, r.URL.Query().Get("offset"), "offset", 0)
		if !ok {
			return
		}
		items, err := s.service.ListDocuments(r.Context(), limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list documents", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": items})
	case http.MethodPost:
		if !s.allow(w, r, session, rbac.ActionMerge) {
			return
		}
		var body CreateDocumentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateDocument(r.Context(), body, session.Contributor)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleImport(w http.ResponseWriter, r *http.Request, session Session) {
	if !s.allow(w, r, session, rbac.ActionMerge) {
		return
	}
	limit := s.service.cfg.MaxImportBytes
	if limit <= 0 {
		limit = 32 << 20
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "IMPORT_TOO_LARGE", "Upload exceeds size limit", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read upload", nil)
		return
	}
	query := r.URL.Query()
	payload, err := s.service.ImportDocuments(r.Context(), ImportRequest{
		Format:       query.Get("format"),
		Title:        query.Get("title"),
		Language:     query.Get("language"),
		DocumentID:   query.Get("documentId"),
		AutoRegister: queryBool(query.Get("autoRegister")),
	}, data, session.Contributor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	ctx := r.Context()
	query := r.URL.Query()
	authoritative := query.Get("scope") == "authoritative"

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			if !s.allow(w, r, session, rbac.ActionRead) {
				return
			}
			payload, err := s.service.GetDocument(ctx, documentID, session.Contributor, authoritative)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if !s.allow(w, r, session, rbac.ActionAdmin) {
				return
			}
			if err := s.service.DeleteDocument(ctx, documentID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch rest[0] {
	case "labels":
		s.handleLabels(w, r, session, documentID, rest[1:])
	case "label-config":
		s.handleLabelConfig(w, r, session, documentID)
	case "spans":
		s.handleSpans(w, r, session, documentID, rest[1:])
	case "links":
		s.handleLinks(w, r, session, documentID, rest[1:])
	case "groups":
		s.handleGroups(w, r, session, documentID, rest[1:])
	case "stats":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		expected, ok := queryInt(w, query.Get("expected"), "expected", 0)
		if !ok {
			return
		}
		payload, err := s.service.Stats(ctx, documentID, session.Contributor, authoritative, expected)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case "draft":
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.allow(w, r, session, rbac.ActionAnnotate) {
			return
		}
		if err := s.service.DiscardDraft(ctx, documentID, session.Contributor); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "commit":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.allow(w, r, session, rbac.ActionAnnotate) {
			return
		}
		var body struct {
			Message string `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.Commit(ctx, documentID, session.Contributor, body.Message)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case "merge":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.allow(w, r, session, rbac.ActionMerge) {
			return
		}
		var body struct {
			Contributors []string `json:"contributors"`
			Message      string   `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.Merge(ctx, documentID, session.Contributor, body.Contributors, body.Message)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case "consensus":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		strategy := query.Get("strategy")
		if strategy == "" {
			strategy = "majority"
		}
		payload, err := s.service.Consensus(ctx, documentID, strategy)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case "history":
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		payload, err := s.service.History(ctx, documentID, session.Contributor, query.Get("branch") == "main")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case "compare":
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		payload, err := s.service.Compare(ctx, documentID, query.Get("from"), query.Get("to"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case "tags":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.allow(w, r, session, rbac.ActionMerge) {
			return
		}
		var body struct {
			Hash string `json:"hash"`
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.Tag(ctx, documentID, body.Hash, body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case "export":
		s.handleExport(w, r, session, documentID)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleLabels(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	ctx := r.Context()
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			if !s.allow(w, r, session, rbac.ActionRead) {
				return
			}
			labels, err := s.service.ListLabels(ctx, documentID, session.Contributor)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"labels": labels})
		case http.MethodPost:
			if !s.allow(w, r, session, rbac.ActionManageLabels) {
				return
			}
			var body annotation.LabelInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			label, err := s.service.CreateLabel(ctx, documentID, session.Contributor, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, label)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	labelID := rest[0]
	if !s.allow(w, r, session, rbac.ActionManageLabels) {
		return
	}
	switch r.Method {
	case http.MethodPatch, http.MethodPut:
		var body annotation.LabelPatch
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		label, err := s.service.UpdateLabel(ctx, documentID, session.Contributor, labelID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, label)
	case http.MethodDelete:
		payload, err := s.service.DeleteLabel(ctx, documentID, session.Contributor, labelID, queryBool(r.URL.Query().Get("cascade")))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleLabelConfig(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		config, err := s.service.LabelConfig(ctx, documentID, session.Contributor, queryBool(r.URL.Query().Get("enhanced")))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, config)
	case http.MethodPut:
		if !s.allow(w, r, session, rbac.ActionManageLabels) {
			return
		}
		raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read label config", nil)
			return
		}
		payload, err := s.service.ImportLabelConfig(ctx, documentID, session.Contributor, string(raw))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSpans(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	ctx := r.Context()
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			if !s.allow(w, r, session, rbac.ActionRead) {
				return
			}
			query := r.URL.Query()
			if query.Has("start") || query.Has("end") {
				start, ok := queryInt(w, query.Get("start"), "start", 0)
				if !ok {
					return
				}
				end, ok := queryInt(w, query.Get("end"), "end", 0)
				if !ok {
					return
				}
				spans, err := s.service.SpansOverlapping(ctx, documentID, session.Contributor, start, end)
				if err != nil {
					s.fail(w, r, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"spans": spans})
				return
			}
			spans, err := s.service.ListSpans(ctx, documentID, session.Contributor, annotation.SpanFilter{
				Label:          query.Get("label"),
				Contributor:    query.Get("contributor"),
				Classification: annotation.Classification(query.Get("classification")),
			})
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"spans": spans})
		case http.MethodPost:
			if !s.allow(w, r, session, rbac.ActionAnnotate) {
				return
			}
			var body SpanRequest
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			span, err := s.service.AddSpan(ctx, documentID, session.Contributor, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, span)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	spanID := rest[0]
	switch r.Method {
	case http.MethodGet:
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		span, err := s.service.GetSpan(ctx, documentID, session.Contributor, spanID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, span)
	case http.MethodPatch, http.MethodPut:
		if !s.allow(w, r, session, rbac.ActionAnnotate) {
			return
		}
		var body SpanPatchRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		span, err := s.service.UpdateSpan(ctx, documentID, session.Contributor, spanID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, span)
	case http.MethodDelete:
		if !s.allow(w, r, session, rbac.ActionAnnotate) {
			return
		}
		if err := s.service.DeleteSpan(ctx, documentID, session.Contributor, spanID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleLinks(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	if !s.allow(w, r, session, rbac.ActionAnnotate) {
		return
	}
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			A string `json:"a"`
			B string `json:"b"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		group, err := s.service.Link(r.Context(), documentID, session.Contributor, body.A, body.B)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, group)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.Unlink(r.Context(), documentID, session.Contributor, rest[0]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleGroups(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		if !s.allow(w, r, session, rbac.ActionRead) {
			return
		}
		groups, err := s.service.Groups(r.Context(), documentID, session.Contributor)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
	case len(rest) == 1 && (r.Method == http.MethodPatch || r.Method == http.MethodPut):
		if !s.allow(w, r, session, rbac.ActionAnnotate) {
			return
		}
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		group, err := s.service.NameGroup(r.Context(), documentID, session.Contributor, rest[0], body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, group)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	if !s.allow(w, r, session, rbac.ActionRead) {
		return
	}
	query := r.URL.Query()
	format, err := export.ParseFormat(query.Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req := export.Request{
		Format:        format,
		RejectOverlap: queryBool(query.Get("rejectOverlap")),
		Enhanced:      queryBool(query.Get("enhanced")),
	}
	if query.Get("layers") == "per-label" {
		req.Layers = codec.LayerPerLabel
	}
	publish := r.Method == http.MethodPost || queryBool(query.Get("publish"))
	result, err := s.service.Export(r.Context(), documentID, session.Contributor, query.Get("scope") == "authoritative", req, publish)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if publish {
		writeJSON(w, http.StatusOK, map[string]any{
			"url":      result.URL,
			"key":      result.Key,
			"filename": result.Filename,
			"mimeType": result.MimeType,
			"digest":   result.Digest,
			"size":     len(result.Data),
		})
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		s.service.metrics.observeRequest(r.Method, routeLabel(splitPath(r.URL.Path)), writer.status, elapsed)
		slog.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(w http.ResponseWriter, raw, name string, fallback int) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be an integer", nil)
		return 0, false
	}
	return parsed, true
}

func queryBool(raw string) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && parsed
}
