// Package export renders annotation snapshots into interchange formats and
// publishes them as downloadable artifacts.
package export

import (
	"errors"
	"fmt"
	"strings"

	"spanlab/api/internal/codec"
)

// Format represents the export output format
type Format string

const (
	FormatJSONL       Format = "jsonl"
	FormatCoNLL       Format = "conll"
	FormatLabelStudio Format = "labelstudio"
	FormatLabelConfig Format = "labelconfig"
)

// ParseFormat accepts a format name case-insensitively.
func ParseFormat(value string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(value))); f {
	case FormatJSONL, FormatCoNLL, FormatLabelStudio, FormatLabelConfig:
		return f, nil
	case "bio":
		return FormatCoNLL, nil
	case "":
		return FormatJSONL, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, value)
	}
}

// Request contains parameters for an export operation
type Request struct {
	Format Format
	// Layers selects the CoNLL tag columns.
	Layers codec.LayerMode
	// RejectOverlap fails CoNLL export on overlapping spans instead of flattening.
	RejectOverlap bool
	// Enhanced adds classification choices to a label config.
	Enhanced bool
}

// Result contains the export output. Key and URL are set once the artifact
// has been published.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	Digest   string
	Key      string
	URL      string
}

var (
	// ErrUnsupportedFormat indicates an unknown export format.
	ErrUnsupportedFormat = errors.New("export format unsupported")
	// ErrStorageUnavailable indicates no artifact store is configured.
	ErrStorageUnavailable = errors.New("export storage unavailable")
)
