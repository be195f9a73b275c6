package catalog

// WeightTolerance is the allowed deviation of a template's summed section
// weights from 1.0 before the config is rejected at load time.
const WeightTolerance = 1e-6

// TemplateSection is one weighted section of an artefact template.
// Question is optional: a nil Question means the section is never asked as a
// follow-up and must be filled from the transcript or by direct editing.
type TemplateSection struct {
	ID          string  `yaml:"id"`
	Label       string  `yaml:"label"`
	Required    bool    `yaml:"required"`
	Description string  `yaml:"description"`
	PromptHint  string  `yaml:"prompt_hint"`
	Question    *string `yaml:"question"`
	Weight      float64 `yaml:"weight"`
}

// WordCountRange is the target length of a generated artefact.
type WordCountRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// ArtefactTemplate is the schema of one entry type's artefact.
type ArtefactTemplate struct {
	ID        string            `yaml:"id"`
	Sections  []TemplateSection `yaml:"sections"`
	WordCount WordCountRange    `yaml:"word_count"`
}

// Section returns the section with the given id, or nil.
func (t *ArtefactTemplate) Section(id string) *TemplateSection {
	for i := range t.Sections {
		if t.Sections[i].ID == id {
			return &t.Sections[i]
		}
	}
	return nil
}

// EntryTypeDefinition is a category of training event within a specialty.
// MinFrequency is informational (curriculum guidance), not enforced here.
type EntryTypeDefinition struct {
	Code          string   `yaml:"code"`
	Label         string   `yaml:"label"`
	Description   string   `yaml:"description"`
	TemplateID    string   `yaml:"template"`
	SignalPhrases []string `yaml:"signal_phrases"`
	MinFrequency  int      `yaml:"min_frequency"`
}

// CapabilityDefinition is a curriculum capability. The optional domain fields
// encode a flat two-level hierarchy.
type CapabilityDefinition struct {
	Code        string `yaml:"code"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	DomainCode  string `yaml:"domain_code"`
	DomainName  string `yaml:"domain_name"`
}

// SpecialtyConfig is the full curriculum configuration for one specialty.
// Immutable after load; shared read-only across the process.
type SpecialtyConfig struct {
	ID           string                 `yaml:"id"`
	Name         string                 `yaml:"name"`
	EntryTypes   []EntryTypeDefinition  `yaml:"entry_types"`
	Templates    []ArtefactTemplate     `yaml:"templates"`
	Capabilities []CapabilityDefinition `yaml:"capabilities"`

	templatesByID map[string]*ArtefactTemplate
	entryByCode   map[string]*EntryTypeDefinition
}

// EntryType returns the entry type with the given code, or nil.
func (s *SpecialtyConfig) EntryType(code string) *EntryTypeDefinition {
	return s.entryByCode[code]
}

// Template returns the template with the given id, or nil.
func (s *SpecialtyConfig) Template(id string) *ArtefactTemplate {
	return s.templatesByID[id]
}

// TemplateForEntryType resolves an entry type code to its template, or nil.
func (s *SpecialtyConfig) TemplateForEntryType(code string) *ArtefactTemplate {
	et := s.entryByCode[code]
	if et == nil {
		return nil
	}
	return s.templatesByID[et.TemplateID]
}
