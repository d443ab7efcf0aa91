package codec

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"spanlab/api/internal/annotation"
)

type xmlView struct {
	XMLName xml.Name    `xml:"View"`
	Filter  *xmlFilter  `xml:"Filter,omitempty"`
	Labels  xmlLabels   `xml:"Labels"`
	Text    xmlText     `xml:"Text"`
	Choices *xmlChoices `xml:"Choices,omitempty"`
}

type xmlFilter struct {
	Name      string `xml:"name,attr"`
	ToName    string `xml:"toName,attr"`
	Hotkey    string `xml:"hotkey,attr"`
	MinLength string `xml:"minlength,attr"`
}

type xmlLabels struct {
	Name       string     `xml:"name,attr"`
	ToName     string     `xml:"toName,attr"`
	ShowInline string     `xml:"showInline,attr,omitempty"`
	Labels     []xmlLabel `xml:"Label"`
}

type xmlLabel struct {
	Value      string `xml:"value,attr"`
	Background string `xml:"background,attr"`
	Hotkey     string `xml:"hotkey,attr,omitempty"`
}

type xmlText struct {
	Name        string `xml:"name,attr"`
	Value       string `xml:"value,attr"`
	Granularity string `xml:"granularity,attr,omitempty"`
}

type xmlChoices struct {
	Name    string      `xml:"name,attr"`
	ToName  string      `xml:"toName,attr"`
	PerRgn  string      `xml:"perRegion,attr"`
	Choices []xmlChoice `xml:"Choice"`
}

type xmlChoice struct {
	Value string `xml:"value,attr"`
}

// RenderLabelConfig renders a Label Studio labeling config for labels. The
// enhanced variant adds a label filter, word granularity and a per-region
// confidence choice.
func RenderLabelConfig(labels []annotation.Label, enhanced bool) (string, error) {
	view := xmlView{
		Labels: xmlLabels{Name: "label", ToName: "text"},
		Text:   xmlText{Name: "text", Value: "$text"},
	}
	for _, l := range labels {
		view.Labels.Labels = append(view.Labels.Labels, xmlLabel{Value: l.ID, Background: l.Color, Hotkey: l.Shortcut})
	}
	if enhanced {
		view.Filter = &xmlFilter{Name: "filter", ToName: "label", Hotkey: "shift+f", MinLength: "1"}
		view.Labels.ShowInline = "false"
		view.Text.Granularity = "word"
		view.Choices = &xmlChoices{
			Name:    "confidence",
			ToName:  "text",
			PerRgn:  "true",
			Choices: []xmlChoice{{Value: "High"}, {Value: "Medium"}, {Value: "Low"}},
		}
	}
	out, err := xml.MarshalIndent(view, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render label config: %w", err)
	}
	return string(out), nil
}

var labelPath = xpath.MustCompile("//Labels/Label")

// ParseLabelConfig reads the labels of a Label Studio labeling config.
func ParseLabelConfig(config string) ([]annotation.LabelInput, error) {
	const op = "parse_label_config"
	doc, err := xmlquery.Parse(strings.NewReader(config))
	if err != nil {
		return nil, invalid(op, "parsing XML: %v", err)
	}
	nodes := xmlquery.QuerySelectorAll(doc, labelPath)
	if len(nodes) == 0 {
		return nil, invalid(op, "config declares no labels")
	}
	out := make([]annotation.LabelInput, 0, len(nodes))
	for _, n := range nodes {
		value := n.SelectAttr("value")
		if value == "" {
			return nil, invalid(op, "label without value attribute")
		}
		out = append(out, annotation.LabelInput{
			ID:       value,
			Display:  value,
			Color:    n.SelectAttr("background"),
			Shortcut: n.SelectAttr("hotkey"),
		})
	}
	return out, nil
}
