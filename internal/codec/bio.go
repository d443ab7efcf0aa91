package codec

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"spanlab/api/internal/annotation"
)

// LayerMode picks which spans feed a tag column.
type LayerMode int

const (
	// LayerPrimary writes one column tagged with each span's first label.
	LayerPrimary LayerMode = iota
	// LayerPerLabel writes one column per registered label.
	LayerPerLabel
)

type BIOOptions struct {
	Layers LayerMode
	// RejectOverlap fails with ErrUnsupportedOverlap when spans of one layer
	// overlap instead of flattening them.
	RejectOverlap bool
	// Language overrides the language found in document metadata.
	Language string
}

// TaggedToken is a token with one tag per layer.
type TaggedToken struct {
	Token
	Tags []string
}

type layer struct {
	label string
	spans []annotation.Span
}

// TagTokens assigns BIO tags. Within a layer, a token covered by several spans
// takes the one with the earliest start, then the longest, then the lowest id.
// A B- tag starts whenever the chosen span changes between adjacent tokens.
func TagTokens(snap annotation.Snapshot, opts BIOOptions) ([]TaggedToken, []string, error) {
	lang := opts.Language
	if lang == "" {
		lang = LanguageOf(snap.Metadata)
	}
	tokens := Tokenize(snap.Text, lang)
	layers := buildLayers(snap, opts.Layers)

	names := make([]string, len(layers))
	out := make([]TaggedToken, len(tokens))
	for i, tok := range tokens {
		out[i] = TaggedToken{Token: tok, Tags: make([]string, len(layers))}
	}
	for li, l := range layers {
		names[li] = l.label
		if opts.RejectOverlap {
			if err := checkOverlap(l); err != nil {
				return nil, nil, err
			}
		}
		prev := ""
		for i, tok := range tokens {
			chosen, ok := pick(l.spans, tok)
			if !ok {
				out[i].Tags[li] = "O"
				prev = ""
				continue
			}
			tag := l.label
			if tag == "" {
				tag = chosen.Labels[0]
			}
			if chosen.ID != prev {
				out[i].Tags[li] = "B-" + tag
			} else {
				out[i].Tags[li] = "I-" + tag
			}
			prev = chosen.ID
		}
	}
	return out, names, nil
}

func buildLayers(snap annotation.Snapshot, mode LayerMode) []layer {
	if mode != LayerPerLabel {
		return []layer{{spans: snap.Spans}}
	}
	layers := make([]layer, 0, len(snap.Labels))
	for _, label := range snap.Labels {
		l := layer{label: label.ID}
		for _, span := range snap.Spans {
			if span.HasLabel(label.ID) {
				l.spans = append(l.spans, span)
			}
		}
		layers = append(layers, l)
	}
	return layers
}

func pick(spans []annotation.Span, tok Token) (annotation.Span, bool) {
	var best annotation.Span
	found := false
	for _, span := range spans {
		if span.Start >= tok.End || span.End <= tok.Start {
			continue
		}
		if !found || preferred(span, best) {
			best, found = span, true
		}
	}
	return best, found
}

func preferred(a, b annotation.Span) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	if a.Len() != b.Len() {
		return a.Len() > b.Len()
	}
	return a.ID < b.ID
}

func checkOverlap(l layer) error {
	for i := range l.spans {
		for j := i + 1; j < len(l.spans); j++ {
			if l.spans[i].Overlaps(l.spans[j]) {
				name := l.label
				if name == "" {
					name = "primary"
				}
				return &annotation.Error{
					Kind:   annotation.ErrUnsupportedOverlap,
					Op:     "encode_bio",
					ID:     l.spans[i].ID,
					Detail: fmt.Sprintf("overlaps %s in %s layer", l.spans[j].ID, name),
				}
			}
		}
	}
	return nil
}

// EncodeCoNLL writes token<TAB>tag lines. A newline in the source text becomes
// a blank line between sentences.
func EncodeCoNLL(w io.Writer, snap annotation.Snapshot, opts BIOOptions) error {
	tagged, _, err := TagTokens(snap, opts)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	for _, tok := range tagged {
		if tok.Break {
			if err := bw.WriteByte('\n'); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(bw, "%s\t%s\n", tok.Text, strings.Join(tok.Tags, "\t")); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// CoNLLOptions controls DecodeCoNLL.
type CoNLLOptions struct {
	ImportOptions
	DocumentID string
	// Language selects the token joiner: none for per-character scripts,
	// a space otherwise. It is stored as document metadata.
	Language string
}

type openSpan struct {
	label string
	first int
	last  int
}

// DecodeCoNLL rebuilds a document from token/tag lines. Tokens are joined with
// single spaces and sentences with newlines, so original spacing is not kept.
func DecodeCoNLL(r io.Reader, opts CoNLLOptions) (*annotation.Document, error) {
	const op = "decode_conll"
	joiner := " "
	if charLanguages[normalizeLanguage(opts.Language)] {
		joiner = ""
	}

	var (
		text    []rune
		tokens  []Token
		columns [][]string
		width   = -1
		pending = false
	)
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(raw) == "" {
			pending = len(tokens) > 0
			continue
		}
		fields := strings.Split(raw, "\t")
		if len(fields) == 1 {
			fields = strings.Fields(raw)
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: %w", line, invalid(op, "want token and tag, got %q", raw))
		}
		if width == -1 {
			width = len(fields) - 1
			columns = make([][]string, width)
		} else if len(fields)-1 != width {
			return nil, fmt.Errorf("line %d: %w", line, invalid(op, "want %d tag columns, got %d", width, len(fields)-1))
		}
		if len(tokens) > 0 {
			if pending {
				text = append(text, '\n')
			} else {
				text = append(text, []rune(joiner)...)
			}
		}
		pending = false
		word := []rune(fields[0])
		tokens = append(tokens, Token{Text: fields[0], Start: len(text), End: len(text) + len(word)})
		text = append(text, word...)
		for c := 0; c < width; c++ {
			columns[c] = append(columns[c], fields[c+1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read conll: %w", err)
	}

	reg := newRegistry(opts.ImportOptions)
	snap := annotation.Snapshot{DocumentID: opts.DocumentID, Text: string(text)}
	if opts.Language != "" {
		lang, _ := json.Marshal(opts.Language)
		snap.Metadata = annotation.Metadata{"language": lang}
	}
	for _, col := range columns {
		found, err := spansFromTags(col)
		if err != nil {
			return nil, err
		}
		for _, o := range found {
			if err := reg.use(op, []string{o.label}); err != nil {
				return nil, err
			}
			snap.Spans = append(snap.Spans, annotation.Span{
				ID:     opts.newID("spn"),
				Start:  tokens[o.first].Start,
				End:    tokens[o.last].End,
				Labels: []string{o.label},
				Seq:    uint64(len(snap.Spans) + 1),
			})
		}
	}
	snap.Labels = reg.labels
	return annotation.Restore(snap, opts.DocumentOptions...)
}

func spansFromTags(tags []string) ([]openSpan, error) {
	var out []openSpan
	var cur *openSpan
	closeCur := func() {
		if cur != nil {
			out = append(out, *cur)
			cur = nil
		}
	}
	for i, tag := range tags {
		switch {
		case tag == "O":
			closeCur()
		case strings.HasPrefix(tag, "B-") && len(tag) > 2:
			closeCur()
			cur = &openSpan{label: tag[2:], first: i, last: i}
		case strings.HasPrefix(tag, "I-") && len(tag) > 2:
			if cur != nil && cur.label == tag[2:] {
				cur.last = i
				continue
			}
			// IOB1 style: an I- tag without a matching B- opens a span.
			closeCur()
			cur = &openSpan{label: tag[2:], first: i, last: i}
		default:
			return nil, invalid("decode_conll", "token %d: unknown tag %q", i, tag)
		}
	}
	closeCur()
	return out, nil
}
