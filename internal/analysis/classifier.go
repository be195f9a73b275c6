package analysis

import (
	"sort"
	"strings"

	"portfolio-agent/internal/catalog"
)

// Candidate is one ranked entry-type suggestion for a transcript.
type Candidate struct {
	EntryTypeCode string  `json:"entry_type_code"`
	Label         string  `json:"label"`
	Confidence    float64 `json:"confidence"`
}

// Classifier ranks a specialty's entry types against a transcript by
// signal-phrase matching. It is deliberately deterministic: no model call,
// just case-insensitive phrase counting.
type Classifier struct{}

func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify returns entry-type candidates ranked by descending confidence.
// Ties keep the entry types' declaration order in the specialty config. An
// empty slice (never an error) means no signal matched; the caller decides
// how to handle an unclassified transcript.
func (c *Classifier) Classify(transcript string, spec *catalog.SpecialtyConfig) []Candidate {
	haystack := strings.ToLower(transcript)

	type scored struct {
		cand Candidate
		hits int
		pos  int
	}
	var matched []scored

	for i, et := range spec.EntryTypes {
		hits := 0
		for _, phrase := range et.SignalPhrases {
			p := strings.ToLower(strings.TrimSpace(phrase))
			if p == "" {
				continue
			}
			hits += strings.Count(haystack, p)
		}
		if hits == 0 {
			continue
		}
		matched = append(matched, scored{
			cand: Candidate{
				EntryTypeCode: et.Code,
				Label:         et.Label,
				Confidence:    confidence(hits),
			},
			hits: hits,
			pos:  i,
		})
	}

	sort.SliceStable(matched, func(a, b int) bool {
		if matched[a].hits != matched[b].hits {
			return matched[a].hits > matched[b].hits
		}
		return matched[a].pos < matched[b].pos
	})

	out := make([]Candidate, len(matched))
	for i, m := range matched {
		out[i] = m.cand
	}
	return out
}

// confidence maps a raw hit count onto (0,1), rising with density and
// saturating so that a handful of matches already reads as confident.
func confidence(hits int) float64 {
	return float64(hits) / (float64(hits) + 2.0)
}
