package mission

import (
	"fmt"
	"strings"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
)

// ThesisType selects the mission template
type ThesisType string

const (
	ThesisAccelerateGrowth      ThesisType = "accelerate-organic-growth"
	ThesisBuyAndBuild           ThesisType = "buy-and-build"
	ThesisDigitalTransformation ThesisType = "digital-transformation"
	ThesisCustom                ThesisType = "custom"
)

// Pillar is a weighted strand of the investment thesis
type Pillar struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Weight   float64  `json:"weight" yaml:"weight"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords"`
}

// Thesis is the claim a research run gathers evidence for
type Thesis struct {
	Company   string     `json:"company"`
	Statement string     `json:"statement"`
	Type      ThesisType `json:"type"`
	Pillars   []Pillar   `json:"pillars"`
}

// Clone returns a deep copy so a running research never sees caller mutations
func (t Thesis) Clone() Thesis {
	out := t
	out.Pillars = make([]Pillar, len(t.Pillars))
	for i, p := range t.Pillars {
		p.Keywords = append([]string(nil), p.Keywords...)
		out.Pillars[i] = p
	}
	return out
}

// Validate rejects structurally unusable theses
func (t Thesis) Validate() error {
	if strings.TrimSpace(t.Company) == "" {
		return taxonomy.Configuration("thesis.validate", "company is required")
	}
	if len(t.Pillars) == 0 {
		return taxonomy.Configuration("thesis.validate", "thesis for %s has no pillars", t.Company)
	}
	seen := make(map[string]bool, len(t.Pillars))
	for _, p := range t.Pillars {
		if p.ID == "" {
			return taxonomy.Configuration("thesis.validate", "pillar %q has no id", p.Name)
		}
		if seen[p.ID] {
			return taxonomy.Configuration("thesis.validate", "duplicate pillar %q", p.ID)
		}
		seen[p.ID] = true
		if p.Weight < 0 {
			return taxonomy.Configuration("thesis.validate", "pillar %q has negative weight", p.ID)
		}
	}
	return nil
}

// Pillar looks up a pillar by id
func (t Thesis) Pillar(id string) (Pillar, bool) {
	for _, p := range t.Pillars {
		if p.ID == id {
			return p, true
		}
	}
	return Pillar{}, false
}

// MeanWeight is the mean pillar weight, used for signals outside every pillar
func (t Thesis) MeanWeight() float64 {
	if len(t.Pillars) == 0 {
		return 0
	}
	var sum float64
	for _, p := range t.Pillars {
		sum += p.Weight
	}
	return sum / float64(len(t.Pillars))
}

// Segment reports the market segment hinted by the thesis ("enterprise", "smb" or "")
func (t Thesis) Segment() string {
	var enterprise, smb int
	check := func(s string) {
		s = strings.ToLower(s)
		for _, k := range enterpriseKeywords {
			if strings.Contains(s, k) {
				enterprise++
			}
		}
		for _, k := range smbKeywords {
			if strings.Contains(s, k) {
				smb++
			}
		}
	}
	check(t.Statement)
	for _, p := range t.Pillars {
		check(p.Name)
		for _, k := range p.Keywords {
			check(k)
		}
	}
	switch {
	case enterprise > smb:
		return "enterprise"
	case smb > enterprise:
		return "smb"
	}
	return ""
}

var (
	enterpriseKeywords = []string{"enterprise", "fortune 500", "large company", "corporate"}
	smbKeywords        = []string{"small business", "startup", "smb", "small team", "self-serve"}
)

// Criticality ranks how much a signal matters to the thesis
type Criticality string

const (
	Critical Criticality = "critical"
	High     Criticality = "high"
	Medium   Criticality = "medium"
	Low      Criticality = "low"
)

// Weight is the criticality weight used by weighted coverage
func (c Criticality) Weight() float64 {
	switch c {
	case Critical:
		return 4
	case High:
		return 3
	case Medium:
		return 2
	default:
		return 1
	}
}

// Valid reports whether c is a known criticality
func (c Criticality) Valid() bool {
	switch c {
	case Critical, High, Medium, Low:
		return true
	}
	return false
}

// SignalExpectation is one row of the expected evidence matrix
type SignalExpectation struct {
	ID          string      `json:"id" yaml:"id"`
	Pillar      string      `json:"pillar" yaml:"pillar"`
	Category    string      `json:"category" yaml:"category"`
	Criticality Criticality `json:"criticality" yaml:"criticality"`
	SourceHints []string    `json:"source_hints,omitempty" yaml:"source_hints"`
	Keywords    []string    `json:"keywords,omitempty" yaml:"keywords"`
	Query       string      `json:"query,omitempty" yaml:"query"`
	MaxAgeDays  int         `json:"max_age_days,omitempty" yaml:"max_age_days"`
}

// QueryFor renders the signal query for company
func (s SignalExpectation) QueryFor(company string) string {
	q := s.Query
	if q == "" {
		q = "{company} " + strings.ReplaceAll(s.ID, "_", " ")
	}
	return strings.TrimSpace(strings.ReplaceAll(q, "{company}", company))
}

// Matrix is the expected evidence matrix of one mission type
type Matrix struct {
	Type        ThesisType          `json:"type"`
	MinCoverage float64             `json:"min_coverage"`
	Signals     []SignalExpectation `json:"signals"`
}

// Signal looks up an expectation by id
func (m Matrix) Signal(id string) (SignalExpectation, bool) {
	for _, s := range m.Signals {
		if s.ID == id {
			return s, true
		}
	}
	return SignalExpectation{}, false
}

// Validate rejects empty or malformed matrices
func (m Matrix) Validate() error {
	if len(m.Signals) == 0 {
		return taxonomy.Configuration("matrix.validate", "matrix %q has no signals", m.Type)
	}
	seen := make(map[string]bool, len(m.Signals))
	for _, s := range m.Signals {
		if s.ID == "" {
			return taxonomy.Configuration("matrix.validate", "signal without id in %q", m.Type)
		}
		if seen[s.ID] {
			return taxonomy.Configuration("matrix.validate", "duplicate signal %q", s.ID)
		}
		seen[s.ID] = true
		if !s.Criticality.Valid() {
			return taxonomy.Configuration("matrix.validate", "signal %q has invalid criticality %q", s.ID, s.Criticality)
		}
	}
	if m.MinCoverage < 0 || m.MinCoverage > 1 {
		return taxonomy.Configuration("matrix.validate", "min coverage %.2f out of range", m.MinCoverage)
	}
	return nil
}

// Template is a mission template: default pillars, the evidence matrix and the
// category to tool table
type Template struct {
	Type           ThesisType            `json:"type" yaml:"type"`
	Name           string                `json:"name" yaml:"name"`
	Description    string                `json:"description,omitempty" yaml:"description"`
	MinCoverage    float64               `json:"min_coverage" yaml:"min_coverage"`
	QueryContext   string                `json:"query_context,omitempty" yaml:"query_context"`
	DefaultPillars []Pillar              `json:"default_pillars,omitempty" yaml:"default_pillars"`
	Signals        []SignalExpectation   `json:"signals" yaml:"signals"`
	Tools          map[string]ToolBundle `json:"tools,omitempty" yaml:"tools"`
}

// Matrix returns the expected evidence matrix of the template
func (t *Template) Matrix() Matrix {
	return Matrix{
		Type:        t.Type,
		MinCoverage: t.MinCoverage,
		Signals:     append([]SignalExpectation(nil), t.Signals...),
	}
}

// ToolsFor returns the tool bundle for a signal category, falling back to web search
func (t *Template) ToolsFor(category string) ToolBundle {
	if b, ok := t.Tools[category]; ok && b.Primary != "" {
		return b
	}
	return ToolBundle{Primary: ToolWebSearch, Fallbacks: []Tool{ToolHTMLCollector}}
}

// Validate checks the template and its matrix
func (t *Template) Validate() error {
	if t == nil {
		return taxonomy.Configuration("template.validate", "template is nil")
	}
	if err := t.Matrix().Validate(); err != nil {
		return err
	}
	for cat, b := range t.Tools {
		if !b.Primary.Known() {
			return taxonomy.Configuration("template.validate", "category %q uses unknown tool %q", cat, b.Primary)
		}
		for _, f := range b.Fallbacks {
			if !f.Known() {
				return taxonomy.Configuration("template.validate", "category %q uses unknown fallback tool %q", cat, f)
			}
		}
	}
	return nil
}

// ThesisFor builds a thesis for company using the template's default pillars
func (t *Template) ThesisFor(company, statement string) Thesis {
	th := Thesis{Company: company, Statement: statement, Type: t.Type, Pillars: t.DefaultPillars}
	return th.Clone()
}

func (t *Template) String() string {
	return fmt.Sprintf("%s (%d signals)", t.Type, len(t.Signals))
}
