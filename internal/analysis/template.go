package analysis

import (
	"strings"

	"portfolio-agent/internal/catalog"
)

// ScoreResult is the completeness assessment of a draft against its template.
type ScoreResult struct {
	// Completeness is the sum of weights of populated sections, in [0,1].
	Completeness float64 `json:"completeness"`
	// MissingRequired lists required sections with no content, in
	// template-declaration order. This order decides which follow-up
	// question is asked next.
	MissingRequired []string `json:"missing_required"`
}

// TemplateEngine scores artefact content against weighted templates. Weight
// validity (sum to 1.0) is enforced at catalog load, so scoring trusts the
// template.
type TemplateEngine struct{}

func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{}
}

// Score computes completeness and the ordered missing-required list for the
// given section contents. A section counts toward completeness only when its
// content is non-empty after trimming; this applies to optional sections too.
func (e *TemplateEngine) Score(tmpl *catalog.ArtefactTemplate, content map[string]string) ScoreResult {
	res := ScoreResult{MissingRequired: []string{}}
	for _, sec := range tmpl.Sections {
		if strings.TrimSpace(content[sec.ID]) != "" {
			res.Completeness += sec.Weight
			continue
		}
		if sec.Required {
			res.MissingRequired = append(res.MissingRequired, sec.ID)
		}
	}
	if res.Completeness > 1.0 {
		res.Completeness = 1.0
	}
	return res
}

// NextQuestion returns the first section from missing (which is already in
// template order) that carries an extraction question. Sections whose ids are
// in answered are skipped: an already-answered question is never re-asked,
// even if the recorded answer was later judged insufficient. Returns nil when
// no missing section is askable.
func (e *TemplateEngine) NextQuestion(tmpl *catalog.ArtefactTemplate, missing []string, answered map[string]bool) *catalog.TemplateSection {
	for _, id := range missing {
		if answered[id] {
			continue
		}
		sec := tmpl.Section(id)
		if sec != nil && sec.Question != nil {
			return sec
		}
	}
	return nil
}
