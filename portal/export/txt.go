package export

import (
	"bytes"
	"fmt"
)

func renderTxt(doc *Document) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%s\n\n", doc.Title)
	if doc.Description != "" {
		fmt.Fprintf(&buf, "%s\n\n", doc.Description)
	}

	buf.WriteString(doc.FullText())

	if len(doc.Answers) > 0 {
		buf.WriteString("\n\n## Questionnaire\n")
		for _, answer := range doc.Answers {
			fmt.Fprintf(&buf, "\n%s\n%s\n", answer.Question, answer.Answer)
		}
	}

	return buf.Bytes(), nil
}
