package catalog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"siteline/internal/domain"
)

// PhaseTypes is the fixed phase vocabulary, in workflow order.
var PhaseTypes = []string{"lead", "prospect", "approved", "execution", "second_supplement", "completion"}

// Roles is the responsible-role vocabulary line items may reference.
var Roles = []string{"sales", "office", "administration", "project_manager", "field_director", "supplement_coordinator"}

// KnownRole reports whether role is part of the vocabulary.
func KnownRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Catalog is the immutable Phases -> Sections -> LineItems hierarchy. It is
// built once from YAML, validated, and indexed; a malformed catalog fails at
// load time, never per request.
type Catalog struct {
	Kind   string
	Phases []domain.Phase

	sectionsByPhase map[string][]domain.Section
	itemsBySection  map[string][]domain.LineItem
	phaseByID       map[string]domain.Phase
	phaseByType     map[string]domain.Phase
	sectionByID     map[string]domain.Section
	itemByID        map[string]domain.LineItem
	ordered         []domain.LineItem
}

type yamlItem struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	ResponsibleRole string `yaml:"responsible_role"`
	AlertLeadDays   int    `yaml:"alert_lead_days"`
}

type yamlSection struct {
	ID    string     `yaml:"id"`
	Name  string     `yaml:"name"`
	Items []yamlItem `yaml:"items"`
}

type yamlPhase struct {
	ID       string        `yaml:"id"`
	Type     string        `yaml:"type"`
	Name     string        `yaml:"name"`
	Sections []yamlSection `yaml:"sections"`
}

type yamlCatalog struct {
	Kind   string      `yaml:"kind"`
	Phases []yamlPhase `yaml:"phases"`
}

// FromYAML parses and validates a catalog definition. List position defines
// the order within each level.
func FromYAML(data []byte) (*Catalog, error) {
	var raw yamlCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	return build(raw)
}

// FromFile reads a catalog YAML file.
func FromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func build(raw yamlCatalog) (*Catalog, error) {
	if raw.Kind == "" {
		return nil, fmt.Errorf("catalog.kind is required")
	}
	if len(raw.Phases) == 0 {
		return nil, fmt.Errorf("catalog %s has no phases", raw.Kind)
	}
	c := &Catalog{
		Kind:            raw.Kind,
		sectionsByPhase: map[string][]domain.Section{},
		itemsBySection:  map[string][]domain.LineItem{},
		phaseByID:       map[string]domain.Phase{},
		phaseByType:     map[string]domain.Phase{},
		sectionByID:     map[string]domain.Section{},
		itemByID:        map[string]domain.LineItem{},
	}
	validTypes := map[string]bool{}
	for _, t := range PhaseTypes {
		validTypes[t] = true
	}
	validRoles := map[string]bool{}
	for _, r := range Roles {
		validRoles[r] = true
	}
	for pi, yp := range raw.Phases {
		if yp.ID == "" {
			return nil, fmt.Errorf("phase %d has no id", pi)
		}
		if !validTypes[yp.Type] {
			return nil, fmt.Errorf("phase %s has unknown type %q", yp.ID, yp.Type)
		}
		if _, dup := c.phaseByID[yp.ID]; dup {
			return nil, fmt.Errorf("duplicate phase id %s", yp.ID)
		}
		if _, dup := c.phaseByType[yp.Type]; dup {
			return nil, fmt.Errorf("duplicate phase type %s", yp.Type)
		}
		if len(yp.Sections) == 0 {
			return nil, fmt.Errorf("phase %s has no sections", yp.ID)
		}
		p := domain.Phase{ID: yp.ID, Type: yp.Type, Name: yp.Name, Order: pi + 1}
		c.Phases = append(c.Phases, p)
		c.phaseByID[p.ID] = p
		c.phaseByType[p.Type] = p
		for si, ys := range yp.Sections {
			if ys.ID == "" {
				return nil, fmt.Errorf("phase %s section %d has no id", yp.ID, si)
			}
			if _, dup := c.sectionByID[ys.ID]; dup {
				return nil, fmt.Errorf("duplicate section id %s", ys.ID)
			}
			if len(ys.Items) == 0 {
				return nil, fmt.Errorf("section %s has no items", ys.ID)
			}
			s := domain.Section{ID: ys.ID, PhaseID: p.ID, Name: ys.Name, Order: si + 1}
			c.sectionByID[s.ID] = s
			c.sectionsByPhase[p.ID] = append(c.sectionsByPhase[p.ID], s)
			for ii, yi := range ys.Items {
				if yi.ID == "" {
					return nil, fmt.Errorf("section %s item %d has no id", ys.ID, ii)
				}
				if _, dup := c.itemByID[yi.ID]; dup {
					return nil, fmt.Errorf("duplicate line item id %s", yi.ID)
				}
				if !validRoles[yi.ResponsibleRole] {
					return nil, fmt.Errorf("line item %s has unknown responsible role %q", yi.ID, yi.ResponsibleRole)
				}
				if yi.AlertLeadDays < 0 {
					return nil, fmt.Errorf("line item %s has negative alert lead days", yi.ID)
				}
				it := domain.LineItem{
					ID:              yi.ID,
					SectionID:       s.ID,
					Name:            yi.Name,
					Order:           ii + 1,
					ResponsibleRole: yi.ResponsibleRole,
					AlertLeadDays:   yi.AlertLeadDays,
				}
				c.itemByID[it.ID] = it
				c.itemsBySection[s.ID] = append(c.itemsBySection[s.ID], it)
				c.ordered = append(c.ordered, it)
			}
		}
	}
	return c, nil
}

// Resolve walks phases, sections and line items in catalog order and returns
// the first line item not in the completed set, or a terminal position when
// everything is done. Pure and deterministic: it ignores trackers, alerts and
// any project status field.
func (c *Catalog) Resolve(completed map[string]bool) domain.Position {
	for _, p := range c.Phases {
		for _, s := range c.sectionsByPhase[p.ID] {
			for _, it := range c.itemsBySection[s.ID] {
				if !completed[it.ID] {
					phase, section, item := p, s, it
					return domain.Position{Phase: &phase, Section: &section, LineItem: &item}
				}
			}
		}
	}
	return domain.Position{Complete: true}
}

// Items returns every line item in the catalog's total order.
func (c *Catalog) Items() []domain.LineItem {
	out := make([]domain.LineItem, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// ItemsInPhase returns the ordered line items belonging to a phase type.
func (c *Catalog) ItemsInPhase(phaseType string) ([]domain.LineItem, error) {
	p, ok := c.phaseByType[phaseType]
	if !ok {
		return nil, fmt.Errorf("unknown phase type %q", phaseType)
	}
	var out []domain.LineItem
	for _, s := range c.sectionsByPhase[p.ID] {
		out = append(out, c.itemsBySection[s.ID]...)
	}
	return out, nil
}

func (c *Catalog) Item(id string) (domain.LineItem, bool) {
	it, ok := c.itemByID[id]
	return it, ok
}

func (c *Catalog) Section(id string) (domain.Section, bool) {
	s, ok := c.sectionByID[id]
	return s, ok
}

func (c *Catalog) Phase(id string) (domain.Phase, bool) {
	p, ok := c.phaseByID[id]
	return p, ok
}

func (c *Catalog) PhaseByType(phaseType string) (domain.Phase, bool) {
	p, ok := c.phaseByType[phaseType]
	return p, ok
}

// SectionsInPhase returns the ordered sections of a phase.
func (c *Catalog) SectionsInPhase(phaseID string) []domain.Section {
	out := make([]domain.Section, len(c.sectionsByPhase[phaseID]))
	copy(out, c.sectionsByPhase[phaseID])
	return out
}

// ItemsInSection returns the ordered items of a section.
func (c *Catalog) ItemsInSection(sectionID string) []domain.LineItem {
	out := make([]domain.LineItem, len(c.itemsBySection[sectionID]))
	copy(out, c.itemsBySection[sectionID])
	return out
}

// Owners resolves a line item's owning section and phase. It exists so
// callers never have to trust tracker pointers for the structural invariant.
func (c *Catalog) Owners(itemID string) (domain.Phase, domain.Section, error) {
	it, ok := c.itemByID[itemID]
	if !ok {
		return domain.Phase{}, domain.Section{}, fmt.Errorf("unknown line item %s", itemID)
	}
	s := c.sectionByID[it.SectionID]
	p := c.phaseByID[s.PhaseID]
	return p, s, nil
}

// MarshalYAML round-trips the catalog back to its YAML form, sorted by order.
func (c *Catalog) MarshalYAML() ([]byte, error) {
	raw := yamlCatalog{Kind: c.Kind}
	phases := make([]domain.Phase, len(c.Phases))
	copy(phases, c.Phases)
	sort.Slice(phases, func(i, j int) bool { return phases[i].Order < phases[j].Order })
	for _, p := range phases {
		yp := yamlPhase{ID: p.ID, Type: p.Type, Name: p.Name}
		for _, s := range c.sectionsByPhase[p.ID] {
			ys := yamlSection{ID: s.ID, Name: s.Name}
			for _, it := range c.itemsBySection[s.ID] {
				ys.Items = append(ys.Items, yamlItem{
					ID:              it.ID,
					Name:            it.Name,
					ResponsibleRole: it.ResponsibleRole,
					AlertLeadDays:   it.AlertLeadDays,
				})
			}
			yp.Sections = append(yp.Sections, ys)
		}
		raw.Phases = append(raw.Phases, yp)
	}
	return yaml.Marshal(raw)
}
