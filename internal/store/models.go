package store

import (
	"time"

	"spanlab/api/internal/annotation"
)

type DocumentRecord struct {
	ID          string
	Title       string
	Language    string
	Fingerprint string
	Text        string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SnapshotRecord is a stored document state. An empty Contributor marks the
// authoritative snapshot; other rows are contributor working copies.
type SnapshotRecord struct {
	DocumentID  string
	Contributor string
	Digest      string
	SpanCount   int
	Snapshot    annotation.Snapshot
	SavedAt     time.Time
}

type Member struct {
	Contributor string
	DisplayName string
	Role        string
	CreatedAt   time.Time
}

// MergeRecord is one append-only merge log entry.
type MergeRecord struct {
	ID           int64
	DocumentID   string
	Actor        string
	Contributors []string
	Conflicts    []MergeConflict
	Digest       string
	CommitHash   string
	CreatedAt    time.Time
}

type MergeConflict struct {
	SpanID  string `json:"spanId"`
	Kept    string `json:"kept"`
	Dropped string `json:"dropped"`
	Reason  string `json:"reason"`
}
