// Package catalog loads and serves per-specialty curriculum configuration:
// entry types, weighted artefact templates and capability lists. Configs are
// validated once at load and are read-only afterwards, so lookups need no
// locking.
package catalog

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Catalog is the read-only registry of loaded specialty configs.
type Catalog struct {
	specialties map[string]*SpecialtyConfig
}

// Load reads every *.yaml file in dir as a SpecialtyConfig. A single invalid
// file fails the whole load: a specialty with a broken template must not be
// served at all.
func Load(dir string, logger *zap.Logger) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading catalog dir %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	c := &Catalog{specialties: make(map[string]*SpecialtyConfig, len(paths))}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		cfg, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("catalog %s: %w", p, err)
		}
		if _, dup := c.specialties[cfg.ID]; dup {
			return nil, fmt.Errorf("catalog %s: duplicate specialty id %q", p, cfg.ID)
		}
		c.specialties[cfg.ID] = cfg
		logger.Info("specialty loaded",
			zap.String("specialty_id", cfg.ID),
			zap.Int("entry_types", len(cfg.EntryTypes)),
			zap.Int("templates", len(cfg.Templates)),
			zap.Int("capabilities", len(cfg.Capabilities)))
	}

	if len(c.specialties) == 0 {
		return nil, fmt.Errorf("catalog dir %s contains no specialty configs", dir)
	}
	return c, nil
}

// Parse unmarshals and validates a single specialty config.
func Parse(data []byte) (*SpecialtyConfig, error) {
	var cfg SpecialtyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling specialty: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Specialty returns the config for the given specialty id, or nil.
func (c *Catalog) Specialty(id string) *SpecialtyConfig {
	return c.specialties[id]
}

// SpecialtyIDs returns the loaded specialty ids in sorted order.
func (c *Catalog) SpecialtyIDs() []string {
	ids := make([]string, 0, len(c.specialties))
	for id := range c.specialties {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *SpecialtyConfig) validate() error {
	if s.ID == "" {
		return fmt.Errorf("specialty id is empty")
	}
	if len(s.EntryTypes) == 0 {
		return fmt.Errorf("specialty %q has no entry types", s.ID)
	}
	if len(s.Templates) == 0 {
		return fmt.Errorf("specialty %q has no templates", s.ID)
	}

	s.templatesByID = make(map[string]*ArtefactTemplate, len(s.Templates))
	for i := range s.Templates {
		t := &s.Templates[i]
		if t.ID == "" {
			return fmt.Errorf("specialty %q: template %d has empty id", s.ID, i)
		}
		if _, dup := s.templatesByID[t.ID]; dup {
			return fmt.Errorf("specialty %q: duplicate template id %q", s.ID, t.ID)
		}
		if err := t.validate(); err != nil {
			return fmt.Errorf("specialty %q: %w", s.ID, err)
		}
		s.templatesByID[t.ID] = t
	}

	s.entryByCode = make(map[string]*EntryTypeDefinition, len(s.EntryTypes))
	for i := range s.EntryTypes {
		et := &s.EntryTypes[i]
		if et.Code == "" {
			return fmt.Errorf("specialty %q: entry type %d has empty code", s.ID, i)
		}
		if _, dup := s.entryByCode[et.Code]; dup {
			return fmt.Errorf("specialty %q: duplicate entry type code %q", s.ID, et.Code)
		}
		if _, ok := s.templatesByID[et.TemplateID]; !ok {
			return fmt.Errorf("specialty %q: entry type %q references unknown template %q",
				s.ID, et.Code, et.TemplateID)
		}
		s.entryByCode[et.Code] = et
	}

	seenCaps := make(map[string]struct{}, len(s.Capabilities))
	for _, cd := range s.Capabilities {
		if cd.Code == "" {
			return fmt.Errorf("specialty %q: capability with empty code", s.ID)
		}
		if _, dup := seenCaps[cd.Code]; dup {
			return fmt.Errorf("specialty %q: duplicate capability code %q", s.ID, cd.Code)
		}
		seenCaps[cd.Code] = struct{}{}
	}
	return nil
}

func (t *ArtefactTemplate) validate() error {
	if len(t.Sections) == 0 {
		return fmt.Errorf("template %q has no sections", t.ID)
	}

	seen := make(map[string]struct{}, len(t.Sections))
	sum := 0.0
	for _, sec := range t.Sections {
		if sec.ID == "" {
			return fmt.Errorf("template %q: section with empty id", t.ID)
		}
		if _, dup := seen[sec.ID]; dup {
			return fmt.Errorf("template %q: duplicate section id %q", t.ID, sec.ID)
		}
		seen[sec.ID] = struct{}{}
		if sec.Weight <= 0 || sec.Weight > 1 {
			return fmt.Errorf("template %q: section %q weight %v out of (0,1]",
				t.ID, sec.ID, sec.Weight)
		}
		sum += sec.Weight
	}
	if math.Abs(sum-1.0) > WeightTolerance {
		return fmt.Errorf("template %q: section weights sum to %v, want 1.0", t.ID, sum)
	}
	return nil
}
