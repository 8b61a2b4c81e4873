package render

import (
	"bytes"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// Node is one rendered context item, the structural payload of the
// display surface.
type Node struct {
	ID         int64  `json:"id"`
	Input      string `json:"input,omitempty"`
	Output     string `json:"output,omitempty"`
	InputName  string `json:"input_name,omitempty"`
	OutputName string `json:"output_name,omitempty"`

	// Step marks intermediate agent steps.
	Step bool `json:"step,omitempty"`
}

// Body renders item text to HTML.
type Body struct {
	md goldmark.Markdown
}

// NewBody creates a body renderer with GitHub-flavored markdown.
func NewBody() *Body {
	return &Body{md: goldmark.New(goldmark.WithExtensions(extension.GFM))}
}

// HTML renders markdown text. On a conversion failure the text is returned
// escaped.
func (b *Body) HTML(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := b.md.Convert([]byte(text), &buf); err != nil {
		return "<p>" + html.EscapeString(text) + "</p>"
	}
	return buf.String()
}

// Node renders item. Input is shown verbatim, output as markdown.
func (b *Body) Node(item *models.CtxItem) Node {
	input := item.Input
	if input != "" {
		input = "<p>" + strings.ReplaceAll(html.EscapeString(input), "\n", "<br>") + "</p>"
	}
	return Node{
		ID:         item.ID,
		Input:      input,
		Output:     b.HTML(item.FinalOutput()),
		InputName:  item.InputName,
		OutputName: item.OutputName,
		Step:       item.ExtraBool(models.ExtraAgentStep),
	}
}
