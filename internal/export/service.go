package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"spanlab/api/internal/annotation"
	"spanlab/api/internal/codec"
	"spanlab/api/internal/merge"
)

// ArtifactStore keeps rendered exports and hands out time-limited links.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	URL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Service provides snapshot export functionality
type Service struct {
	artifacts ArtifactStore
	urlTTL    time.Duration
}

// NewService creates a new export service. artifacts may be nil, in which
// case Render still works and Publish fails with ErrStorageUnavailable.
func NewService(artifacts ArtifactStore, urlTTL time.Duration) *Service {
	if urlTTL <= 0 {
		urlTTL = time.Hour
	}
	return &Service{artifacts: artifacts, urlTTL: urlTTL}
}

// Render encodes the snapshot in the requested format.
func (s *Service) Render(snap annotation.Snapshot, req Request) (*Result, error) {
	var (
		buf  bytes.Buffer
		ext  string
		mime string
	)
	switch req.Format {
	case FormatJSONL, "":
		if err := codec.EncodeJSONL(&buf, snap); err != nil {
			return nil, fmt.Errorf("encode jsonl: %w", err)
		}
		ext, mime = "jsonl", "application/x-ndjson"
	case FormatCoNLL:
		opts := codec.BIOOptions{Layers: req.Layers, RejectOverlap: req.RejectOverlap}
		if err := codec.EncodeCoNLL(&buf, snap, opts); err != nil {
			return nil, fmt.Errorf("encode conll: %w", err)
		}
		ext, mime = "conll", "text/plain; charset=utf-8"
	case FormatLabelStudio:
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode([]codec.LSTask{codec.EncodeLabelStudio(snap)}); err != nil {
			return nil, fmt.Errorf("encode label studio: %w", err)
		}
		ext, mime = "json", "application/json"
	case FormatLabelConfig:
		config, err := codec.RenderLabelConfig(snap.Labels, req.Enhanced)
		if err != nil {
			return nil, fmt.Errorf("render label config: %w", err)
		}
		buf.WriteString(config)
		ext, mime = "xml", "application/xml"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
	return &Result{
		Data:     buf.Bytes(),
		Filename: fmt.Sprintf("%s.%s", fileStem(snap.DocumentID, req.Format), ext),
		MimeType: mime,
		Digest:   merge.SnapshotDigest(snap),
	}, nil
}

// Publish renders the snapshot, uploads it and returns a presigned link.
// Identical snapshots map to the same object key.
func (s *Service) Publish(ctx context.Context, snap annotation.Snapshot, req Request) (*Result, error) {
	if s.artifacts == nil {
		return nil, ErrStorageUnavailable
	}
	res, err := s.Render(snap, req)
	if err != nil {
		return nil, err
	}
	res.Key = ObjectKey(snap.DocumentID, res.Digest, res.Filename)
	if err := s.artifacts.Put(ctx, res.Key, res.Data, res.MimeType); err != nil {
		return nil, fmt.Errorf("upload %s: %w", res.Key, err)
	}
	link, err := s.artifacts.URL(ctx, res.Key, s.urlTTL)
	if err != nil {
		return nil, fmt.Errorf("presign %s: %w", res.Key, err)
	}
	res.URL = link
	return res, nil
}

// ObjectKey is the storage key of an export artifact.
func ObjectKey(documentID, digest, filename string) string {
	short := digest
	if len(short) > 16 {
		short = short[:16]
	}
	return fmt.Sprintf("documents/%s/%s/%s", safeSegment(documentID), short, filename)
}

func fileStem(documentID string, format Format) string {
	stem := safeSegment(documentID)
	if format == FormatLabelConfig {
		stem += "-labels"
	}
	return stem
}

func safeSegment(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "document"
	}
	return out
}
