package app

import (
	"errors"
	"fmt"
	"net/http"

	"spanlab/api/internal/annotation"
	"spanlab/api/internal/auth"
	"spanlab/api/internal/drafts"
	"spanlab/api/internal/export"
	"spanlab/api/internal/store"
	"spanlab/api/internal/versions"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// annotationErrors maps every core error kind to a response.
var annotationErrors = []struct {
	kind   error
	status int
	code   string
}{
	{annotation.ErrInvalidRange, http.StatusUnprocessableEntity, "INVALID_RANGE"},
	{annotation.ErrUnknownLabel, http.StatusUnprocessableEntity, "UNKNOWN_LABEL"},
	{annotation.ErrNoLabels, http.StatusUnprocessableEntity, "NO_LABELS"},
	{annotation.ErrInvalidInput, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{annotation.ErrUnsupportedOverlap, http.StatusUnprocessableEntity, "UNSUPPORTED_OVERLAP"},
	{annotation.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{annotation.ErrDuplicateLabel, http.StatusConflict, "DUPLICATE_LABEL"},
	{annotation.ErrDuplicateSpan, http.StatusConflict, "DUPLICATE_SPAN"},
	{annotation.ErrLabelInUse, http.StatusConflict, "LABEL_IN_USE"},
	{annotation.ErrSameGroup, http.StatusConflict, "SAME_GROUP"},
	{annotation.ErrMergeConflict, http.StatusConflict, "MERGE_CONFLICT"},
	{annotation.ErrMergeMismatch, http.StatusConflict, "MERGE_MISMATCH"},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var annErr *annotation.Error
	if errors.As(err, &annErr) {
		for _, m := range annotationErrors {
			if errors.Is(annErr, m.kind) {
				var detail any
				if annErr.ID != "" {
					detail = map[string]any{"op": annErr.Op, "id": annErr.ID}
				}
				return m.status, m.code, annErr.Error(), detail
			}
		}
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, versions.ErrNoRepo), errors.Is(err, drafts.ErrNoDraft):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrDuplicateDocument):
		return http.StatusConflict, "DUPLICATE_DOCUMENT", "Document already exists", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "UNSUPPORTED_FORMAT", err.Error(), nil
	case errors.Is(err, export.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "EXPORT_STORAGE_UNAVAILABLE", "Export storage not configured", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
