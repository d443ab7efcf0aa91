package merge

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"

	"spanlab/api/internal/annotation"
)

type spanContent struct {
	Start          int                       `json:"s"`
	End            int                       `json:"e"`
	Labels         []string                  `json:"l"`
	Text           string                    `json:"t"`
	Confidence     annotation.Confidence     `json:"c,omitempty"`
	Classification annotation.Classification `json:"k,omitempty"`
	Notes          string                    `json:"n,omitempty"`
	Metadata       annotation.Metadata       `json:"m,omitempty"`
}

// SpanDigest hashes the annotator-controlled fields of a span, so two spans
// with equal digests have the same content.
func SpanDigest(span annotation.Span) string {
	data, _ := json.Marshal(spanContent{
		Start:          span.Start,
		End:            span.End,
		Labels:         span.Labels,
		Text:           span.Text,
		Confidence:     span.Confidence,
		Classification: span.Classification,
		Notes:          span.Notes,
		Metadata:       span.Metadata,
	})
	return digest(data)
}

// SnapshotDigest hashes a whole snapshot. It orders inputs whose contributor
// ids collide and names stored versions.
func SnapshotDigest(snap annotation.Snapshot) string {
	data, _ := json.Marshal(snap)
	return digest(data)
}

func digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
