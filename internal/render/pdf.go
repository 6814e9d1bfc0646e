// Package render writes job reports as PDF files.
package render

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

const (
	marginMM     = 20
	lineHeightMM = 5
	shortIDLen   = 8
)

// PDFRenderer writes <dir>/<mode>_report_<jobid8>.pdf.
type PDFRenderer struct {
	dir string
}

// NewPDFRenderer creates a renderer writing into dir, created on demand.
func NewPDFRenderer(dir string) *PDFRenderer {
	return &PDFRenderer{dir: dir}
}

// FileName returns the report file name for a job. Both recommend modes
// share the "recommend" prefix.
func FileName(mode types.Mode, id types.JobID) string {
	prefix := string(mode)
	if mode == types.ModeRecommendWithChart {
		prefix = string(types.ModeRecommend)
	}
	short := strings.ReplaceAll(string(id), "-", "")
	if len(short) > shortIDLen {
		short = short[:shortIDLen]
	}
	return fmt.Sprintf("%s_report_%s.pdf", prefix, short)
}

// Render lays out the title, an "Executive Summary" section and numbered
// items, and returns the written path.
func (r *PDFRenderer) Render(ctx context.Context, doc types.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetMargins(marginMM, marginMM, marginMM)
	pdf.SetTitle(doc.Title, true)
	pdf.SetCreator("ai-orchestrator", false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.MultiCell(0, 8, tr(doc.Title), "", "L", false)
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 6, "Executive Summary")
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 10)
	pdf.MultiCell(0, lineHeightMM, tr(doc.Body), "", "L", false)

	if len(doc.Items) > 0 {
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "B", 12)
		pdf.Cell(0, 6, "Recommendations")
		pdf.Ln(8)
		pdf.SetFont("Helvetica", "", 10)
		for i, item := range doc.Items {
			pdf.MultiCell(0, lineHeightMM, tr(fmt.Sprintf("%d. %s", i+1, item)), "", "L", false)
			pdf.Ln(1)
		}
	}

	// A cancelled job must not leave a half-written file behind.
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(r.dir, FileName(doc.Mode, doc.JobID))
	if err := pdf.OutputFileAndClose(path); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// Remove deletes a report written by Render. A missing file is not an error.
func (r *PDFRenderer) Remove(ctx context.Context, fileRef string) error {
	if err := os.Remove(fileRef); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
