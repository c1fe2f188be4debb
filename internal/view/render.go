package view

import (
	"bytes"
	"fmt"
	"html/template"
	"sync"

	"prosesync/internal/model"
)

const documentTemplate = `<div class="prosesync-doc">` +
	`{{range .Blocks}}{{open .}}{{range .Content}}{{run .}}{{end}}{{close .}}{{end}}` +
	`</div>`

var markTags = map[string]string{
	"strong": "strong",
	"em":     "em",
	"code":   "code",
}

func blockTag(b model.Block) string {
	switch b.Type {
	case model.BlockHeading:
		switch level := b.Attrs["level"]; level {
		case "1", "2", "3", "4", "5", "6":
			return "h" + level
		default:
			return "h1"
		}
	case "code_block":
		return "pre"
	case "blockquote":
		return "blockquote"
	default:
		return "p"
	}
}

func renderRun(run model.TextRun) template.HTML {
	out := template.HTMLEscapeString(run.Text)
	for i := len(run.Marks) - 1; i >= 0; i-- {
		mark := run.Marks[i]
		if tag, ok := markTags[mark]; ok {
			out = fmt.Sprintf("<%s>%s</%s>", tag, out, tag)
			continue
		}
		out = fmt.Sprintf(`<span class="mark-%s">%s</span>`, template.HTMLEscapeString(mark), out)
	}
	return template.HTML(out)
}

var documentHTML = template.Must(template.New("document").Funcs(template.FuncMap{
	"open": func(b model.Block) template.HTML {
		return template.HTML("<" + blockTag(b) + ">")
	},
	"close": func(b model.Block) template.HTML {
		return template.HTML("</" + blockTag(b) + ">")
	},
	"run": renderRun,
}).Parse(documentTemplate))

// RenderHTML renders doc as HTML. Block types without an HTML counterpart become paragraphs.
func RenderHTML(doc *model.Document) string {
	var buf bytes.Buffer
	if err := documentHTML.Execute(&buf, doc); err != nil {
		return ""
	}
	return buf.String()
}

// BufferContainer keeps the last rendered HTML in memory.
type BufferContainer struct {
	mutex   sync.Mutex
	html    string
	renders int
}

// NewBufferContainer creates an empty container.
func NewBufferContainer() *BufferContainer {
	return &BufferContainer{}
}

func (c *BufferContainer) Render(html string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.html = html
	c.renders++
	return nil
}

// HTML returns the last rendered HTML.
func (c *BufferContainer) HTML() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.html
}

// Renders returns how many times the container was rendered into.
func (c *BufferContainer) Renders() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.renders
}
