// Command spanctl converts, merges and inspects annotation files offline,
// without a running API server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"

	"spanlab/api/internal/annotation"
	"spanlab/api/internal/codec"
	"spanlab/api/internal/export"
	"spanlab/api/internal/logging"
	"spanlab/api/internal/merge"
	"spanlab/api/internal/stats"
	"spanlab/api/internal/util"
)

var CLI struct {
	LogLevel string `name:"log-level" default:"warn" help:"Log level (debug, info, warn, error)"`

	Convert   ConvertCmd   `cmd:"" help:"Convert an annotation file between formats"`
	Merge     MergeCmd     `cmd:"" help:"Merge contributor files into one snapshot"`
	Consensus ConsensusCmd `cmd:"" help:"Report inter-annotator agreement"`
	Stats     StatsCmd     `cmd:"" help:"Print annotation statistics"`
	Labels    LabelsGroup  `cmd:"" help:"Label config operations"`
}

type LabelsGroup struct {
	Render LabelsRenderCmd `cmd:"" help:"Render the label registry of a file as label config XML"`
	Parse  LabelsParseCmd  `cmd:"" help:"Parse label config XML into label definitions"`
}

// InputFlags are shared by every command that reads annotation files.
type InputFlags struct {
	From         string `short:"f" default:"jsonl" enum:"jsonl,conll,bio,labelstudio" help:"Input format"`
	AutoRegister bool   `name:"auto-register" help:"Register unknown labels instead of failing"`
	Language     string `help:"Language code for CoNLL input"`
}

func (f InputFlags) load(path string) ([]*annotation.Document, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	labels := annotation.DefaultLabels()
	registry := make([]annotation.Label, 0, len(labels))
	for _, l := range labels {
		registry = append(registry, annotation.Label(l))
	}
	opts := codec.ImportOptions{
		Labels:          registry,
		AutoRegister:    f.AutoRegister,
		NewID:           util.NewID,
		DocumentOptions: []annotation.Option{annotation.WithIDGenerator(util.NewID)},
	}
	switch f.From {
	case "conll", "bio":
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		doc, err := codec.DecodeCoNLL(bytes.NewReader(data), codec.CoNLLOptions{ImportOptions: opts, DocumentID: stem, Language: f.Language})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return []*annotation.Document{doc}, nil
	case "labelstudio":
		doc, err := codec.DecodeLabelStudio(data, opts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return []*annotation.Document{doc}, nil
	default:
		docs, err := codec.DecodeJSONL(bytes.NewReader(data), opts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return docs, nil
	}
}

type ConvertCmd struct {
	InputFlags `embed:""`

	Path          string `arg:"" help:"Input file, or - for stdin"`
	To            string `short:"t" default:"jsonl" help:"Output format (jsonl, conll, labelstudio, labelconfig)"`
	Out           string `short:"o" help:"Output file (default stdout)" type:"path"`
	PerLabel      bool   `name:"per-label" help:"Write one BIO column per label"`
	RejectOverlap bool   `name:"reject-overlap" help:"Fail on overlapping spans instead of flattening"`
	Enhanced      bool   `help:"Include hotkeys and colours in label config output"`
}

func (c *ConvertCmd) Run() error {
	docs, err := c.load(c.Path)
	if err != nil {
		return err
	}
	format, err := export.ParseFormat(c.To)
	if err != nil {
		return err
	}
	req := export.Request{Format: format, RejectOverlap: c.RejectOverlap, Enhanced: c.Enhanced}
	if c.PerLabel {
		req.Layers = codec.LayerPerLabel
	}

	var buf bytes.Buffer
	if format == export.FormatJSONL {
		if err := codec.EncodeJSONL(&buf, snapshots(docs)...); err != nil {
			return err
		}
	} else {
		renderer := export.NewService(nil, 0)
		for i, doc := range docs {
			result, err := renderer.Render(doc.Snapshot(), req)
			if err != nil {
				return fmt.Errorf("document %d: %w", i+1, err)
			}
			buf.Write(result.Data)
		}
	}
	slog.Info("converted", "documents", len(docs), "from", c.From, "to", format)
	return writeOutput(c.Out, buf.Bytes())
}

type MergeCmd struct {
	InputFlags `embed:""`

	Paths []string `arg:"" help:"Contributor files; the file name stem is the contributor id"`
	Out   string   `short:"o" help:"Output JSONL file (default stdout)" type:"path"`
}

func (c *MergeCmd) Run() error {
	contribs, err := c.contributions(c.Paths)
	if err != nil {
		return err
	}
	result, err := merge.Merge(merge.Options{}, contribs...)
	if err != nil {
		return err
	}
	for _, conflict := range result.Conflicts {
		slog.Warn("conflict resolved", "span", conflict.SpanID, "kept", conflict.Kept, "dropped", conflict.Dropped, "reason", conflict.Reason)
	}
	var buf bytes.Buffer
	if err := codec.EncodeJSONL(&buf, result.Snapshot); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "merged %d contributions: %d spans, %d conflicts\n", len(contribs), len(result.Snapshot.Spans), len(result.Conflicts))
	return writeOutput(c.Out, buf.Bytes())
}

// contributions loads one single-document file per contributor.
func (f InputFlags) contributions(paths []string) ([]merge.Contribution, error) {
	if len(paths) < 2 {
		return nil, fmt.Errorf("need at least two contributor files, got %d", len(paths))
	}
	out := make([]merge.Contribution, 0, len(paths))
	for _, path := range paths {
		docs, err := f.load(path)
		if err != nil {
			return nil, err
		}
		if len(docs) != 1 {
			return nil, fmt.Errorf("%s: expected one document, found %d", path, len(docs))
		}
		out = append(out, merge.Contribution{
			Contributor: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Snapshot:    docs[0].Snapshot(),
		})
	}
	return out, nil
}

type ConsensusCmd struct {
	InputFlags `embed:""`

	Paths    []string `arg:"" help:"Contributor files; the file name stem is the contributor id"`
	Strategy string   `short:"s" default:"union" enum:"union,intersection,majority" help:"Agreement strategy"`
}

func (c *ConsensusCmd) Run() error {
	strategy, err := merge.ParseStrategy(c.Strategy)
	if err != nil {
		return err
	}
	contribs, err := c.contributions(c.Paths)
	if err != nil {
		return err
	}
	agreements, err := merge.Consensus(strategy, contribs...)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"strategy": strategy, "contributors": len(contribs), "agreements": agreements})
}

type StatsCmd struct {
	InputFlags `embed:""`

	Path     string `arg:"" help:"Input file, or - for stdin"`
	Expected int    `help:"Expected span count per document for completion ratios"`
}

func (c *StatsCmd) Run() error {
	docs, err := c.load(c.Path)
	if err != nil {
		return err
	}
	opts := stats.Options{ExpectedSpans: c.Expected}
	if len(docs) == 1 {
		return printJSON(stats.Compute(docs[0].Snapshot(), opts))
	}
	return printJSON(stats.ComputeCorpus(snapshots(docs), opts))
}

type LabelsRenderCmd struct {
	InputFlags `embed:""`

	Path     string `arg:"" help:"Input file, or - for stdin"`
	Enhanced bool   `help:"Include hotkeys and colours"`
}

func (c *LabelsRenderCmd) Run() error {
	docs, err := c.load(c.Path)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("%s: no documents", c.Path)
	}
	config, err := codec.RenderLabelConfig(docs[0].ListLabels(), c.Enhanced)
	if err != nil {
		return err
	}
	_, err = io.WriteString(os.Stdout, config+"\n")
	return err
}

type LabelsParseCmd struct {
	Path string `arg:"" help:"Label config XML file, or - for stdin"`
}

func (c *LabelsParseCmd) Run() error {
	data, err := readInput(c.Path)
	if err != nil {
		return err
	}
	labels, err := codec.ParseLabelConfig(string(data))
	if err != nil {
		return err
	}
	return printJSON(labels)
}

func snapshots(docs []*annotation.Document) []annotation.Snapshot {
	out := make([]annotation.Snapshot, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Snapshot())
	}
	return out
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("spanctl"),
		kong.Description("Offline tools for span annotation files"),
		kong.UsageOnError(),
	)
	logging.Init(false, logging.ParseLevel(CLI.LogLevel))
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
