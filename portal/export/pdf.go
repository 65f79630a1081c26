package export

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"
)

func renderPdf(doc *Document) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(doc.Title, true)
	pdf.SetAutoPageBreak(true, 15)

	// Core fonts are cp1252 only, translate accented characters.
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 20)
	pdf.MultiCell(0, 10, tr(doc.Title), "", "C", false)

	if doc.Candidate != "" {
		pdf.SetFont("Helvetica", "", 12)
		pdf.MultiCell(0, 7, tr(doc.Candidate), "", "C", false)
	}
	if doc.Certification != "" {
		pdf.SetFont("Helvetica", "I", 11)
		pdf.MultiCell(0, 6, tr(doc.Certification), "", "C", false)
	}
	pdf.Ln(8)

	if doc.Description != "" {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 5.5, tr(doc.Description), "", "L", false)
		pdf.Ln(4)
	}

	for _, section := range doc.Sections {
		pdf.SetFont("Helvetica", "B", 14)
		pdf.MultiCell(0, 8, tr(section.Title), "", "L", false)
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 5.5, tr(section.Content), "", "L", false)
		pdf.Ln(4)
	}

	if len(doc.Answers) > 0 {
		pdf.SetFont("Helvetica", "B", 14)
		pdf.MultiCell(0, 8, tr("Questionnaire"), "", "L", false)
		for _, answer := range doc.Answers {
			pdf.SetFont("Helvetica", "B", 11)
			pdf.MultiCell(0, 5.5, tr(answer.Question), "", "L", false)
			pdf.SetFont("Helvetica", "", 11)
			pdf.MultiCell(0, 5.5, tr(answer.Answer), "", "L", false)
			pdf.Ln(2)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("error rendering pdf document: %w", err)
	}

	return buf.Bytes(), nil
}
