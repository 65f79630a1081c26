package export

import (
	"errors"
	"fmt"
	"strings"
	"vae_facile/portal/schema"
)

var ErrUnsupportedFormat = errors.New("unsupported export format, must be one of 'pdf', 'docx', 'txt'")

// Document is the rendering projection of a dossier: sections already sorted
// by position, plus the catalog answers to include in the appendix.
type Document struct {
	Title         string
	Description   string
	Candidate     string
	Certification string

	Sections []Section
	Answers  []Answer
}

type Section struct {
	Title   string
	Content string
}

// Answer pairs a catalog question with the candidate's response.
type Answer struct {
	Question string
	Answer   string
}

// FullText concatenates sections as "## {title}\n\n{content}" blocks.
func (d *Document) FullText() string {
	blocks := make([]string, 0, len(d.Sections))
	for _, section := range d.Sections {
		blocks = append(blocks, fmt.Sprintf("## %s\n\n%s", section.Title, section.Content))
	}
	return strings.Join(blocks, "\n\n")
}

// Render produces the document bytes for the requested format. The format is
// validated before any rendering work happens.
func Render(doc *Document, format string) ([]byte, error) {
	switch format {
	case schema.FormatPdf:
		return renderPdf(doc)
	case schema.FormatDocx:
		return renderDocx(doc)
	case schema.FormatTxt:
		return renderTxt(doc)
	default:
		return nil, fmt.Errorf("%w: got '%v'", ErrUnsupportedFormat, format)
	}
}
