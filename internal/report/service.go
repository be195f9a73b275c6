// Package report renders finalized artefacts into PDF portfolio entries.
package report

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/signintech/gopdf"
	"go.uber.org/zap"

	"portfolio-agent/internal/artefact"
	"portfolio-agent/internal/catalog"
)

// Service turns a FINAL artefact into the PDF the export action hands back
// to the caller.
type Service struct {
	catalog   *catalog.Catalog
	fontPaths []string
	logger    *zap.Logger
}

func NewService(cat *catalog.Catalog, logger *zap.Logger) *Service {
	return &Service{
		catalog: cat,
		// Common DejaVuSans locations across distros.
		fontPaths: []string{
			"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
		},
		logger: logger,
	}
}

// Export renders the artefact as a PDF. Section order follows the template.
func (s *Service) Export(ctx context.Context, a *artefact.Artefact) ([]byte, error) {
	spec := s.catalog.Specialty(a.SpecialtyID)
	if spec == nil {
		return nil, fmt.Errorf("unknown specialty %q", a.SpecialtyID)
	}
	tmpl := spec.Template(a.TemplateID)
	if tmpl == nil {
		return nil, fmt.Errorf("artefact %s references unknown template %q", a.ID, a.TemplateID)
	}
	entryType := spec.EntryType(a.EntryTypeCode)
	entryLabel := a.EntryTypeCode
	if entryType != nil {
		entryLabel = entryType.Label
	}

	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	var fontErr error
	fontLoaded := false
	for _, path := range s.fontPaths {
		if err := pdf.AddTTFFont("DejaVu", path); err == nil {
			fontLoaded = true
			break
		} else {
			fontErr = err
		}
	}
	if !fontLoaded {
		return nil, fmt.Errorf("failed to load font for PDF, ensure ttf-dejavu is installed: %w", fontErr)
	}

	if err := pdf.SetFont("DejaVu", "", 20); err != nil {
		return nil, err
	}
	pdf.Cell(nil, "Portfolio Entry")
	pdf.Br(30)

	if err := pdf.SetFont("DejaVu", "", 12); err != nil {
		return nil, err
	}
	pdf.Cell(nil, fmt.Sprintf("Date: %s", time.Now().Format("02.01.2006 15:04")))
	pdf.Br(15)
	pdf.Cell(nil, fmt.Sprintf("Specialty: %s", spec.Name))
	pdf.Br(15)
	pdf.Cell(nil, fmt.Sprintf("Entry type: %s", entryLabel))
	pdf.Br(15)
	pdf.Cell(nil, fmt.Sprintf("Completeness: %.0f%%", a.Completeness*100))
	pdf.Br(25)

	for _, sec := range tmpl.Sections {
		content := a.Sections[sec.ID]
		if content == "" {
			continue
		}

		if err := pdf.SetFont("DejaVu", "", 14); err != nil {
			return nil, err
		}
		pdf.Cell(nil, sec.Label)
		pdf.Br(15)

		if err := pdf.SetFont("DejaVu", "", 11); err != nil {
			return nil, err
		}
		lines, _ := pdf.SplitText(content, 500)
		for _, l := range lines {
			pdf.Cell(nil, l)
			pdf.Br(12)
		}
		pdf.Br(10)
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}

	s.logger.Info("artefact exported",
		zap.String("artefact_id", a.ID.String()),
		zap.Int("pdf_bytes", buf.Len()))
	return buf.Bytes(), nil
}
