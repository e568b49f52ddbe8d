package router

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/mission"
)

//go:embed collections.yaml
var bundledCollections []byte

const (
	// MinConfidence is the cutoff below which a routing decision is discarded
	MinConfidence = 0.3
	// DefaultConfidence is attached to the catch-all decision
	DefaultConfidence = 0.1

	maxDecisions    = 3
	keywordSaturate = 3.0
	overlapWeight   = 0.5
	hintBonus       = 0.35
	categoryBonus   = 0.15
)

// Collection is a class of sources the router can send a query to
type Collection struct {
	Name        string       `yaml:"name"`
	Tool        mission.Tool `yaml:"tool"`
	Keywords    []string     `yaml:"keywords"`
	SourceHints []string     `yaml:"source_hints"`
	Categories  []string     `yaml:"categories"`
	Sites       []string     `yaml:"sites"`
	QuerySuffix string       `yaml:"query_suffix"`
	RecencyDays int          `yaml:"recency_days"`
	Credibility float64      `yaml:"credibility"`
	MaxResults  int          `yaml:"max_results"`
	Boost       float64      `yaml:"boost"`
}

// Registry is the static collection catalogue
type Registry struct {
	Default     string       `yaml:"default"`
	Collections []Collection `yaml:"collections"`
}

func (r Registry) lookup(name string) (Collection, bool) {
	for _, c := range r.Collections {
		if c.Name == name {
			return c, true
		}
	}
	return Collection{}, false
}

// Context carries what the router knows about the signal being researched
type Context struct {
	Company      string
	Signal       string
	Category     string
	Keywords     []string
	SourceHints  []string
	QueryContext string
}

// Decision is one routed, reformulated query
type Decision struct {
	Collection  string       `json:"collection"`
	Tool        mission.Tool `json:"tool"`
	Query       string       `json:"query"`
	Confidence  float64      `json:"confidence"`
	Credibility float64      `json:"credibility"`
	MaxResults  int          `json:"max_results"`
	RecencyDays int          `json:"recency_days,omitempty"`
	Fallbacks   []string     `json:"fallbacks,omitempty"`
}

// Router maps queries to source collections. It has no side effects.
type Router struct {
	registry Registry
}

// LoadRegistry decodes a collection registry
func LoadRegistry(r io.Reader) (Registry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var reg Registry
	if err := dec.Decode(&reg); err != nil {
		return Registry{}, fmt.Errorf("decode collections: %w", err)
	}
	for i := range reg.Collections {
		if reg.Collections[i].Boost <= 0 {
			reg.Collections[i].Boost = 1
		}
		if reg.Collections[i].Tool == "" {
			reg.Collections[i].Tool = mission.ToolWebSearch
		}
	}
	return reg, nil
}

// New returns a router over the bundled collection registry
func New() (*Router, error) {
	reg, err := LoadRegistry(bytes.NewReader(bundledCollections))
	if err != nil {
		return nil, err
	}
	return NewWithRegistry(reg), nil
}

// NewWithRegistry returns a router over reg
func NewWithRegistry(reg Registry) *Router {
	return &Router{registry: reg}
}

// Route scores every collection for query and returns the decisions above
// MinConfidence, best first. It never fails: when nothing qualifies it returns
// a single decision to the default collection.
func (r *Router) Route(query string, rc Context) (out []Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			out = []Decision{r.defaultDecision(query)}
		}
	}()

	text := strings.ToLower(query + " " + strings.Join(rc.Keywords, " "))
	var decisions []Decision
	for _, c := range r.registry.Collections {
		if c.Name == r.registry.Default || len(c.Keywords) == 0 {
			continue
		}
		conf := score(c, text, rc)
		if conf < MinConfidence {
			continue
		}
		decisions = append(decisions, Decision{
			Collection:  c.Name,
			Tool:        c.Tool,
			Query:       reformulate(query, rc.QueryContext, c),
			Confidence:  conf,
			Credibility: c.Credibility,
			MaxResults:  c.MaxResults,
			RecencyDays: c.RecencyDays,
		})
	}
	if len(decisions) == 0 {
		return []Decision{r.defaultDecision(query)}
	}

	sort.SliceStable(decisions, func(i, j int) bool {
		if decisions[i].Confidence != decisions[j].Confidence {
			return decisions[i].Confidence > decisions[j].Confidence
		}
		return decisions[i].Collection < decisions[j].Collection
	})
	if len(decisions) > maxDecisions {
		decisions = decisions[:maxDecisions]
	}
	for i := range decisions {
		for _, d := range decisions[i+1:] {
			decisions[i].Fallbacks = append(decisions[i].Fallbacks, d.Collection)
		}
	}
	return decisions
}

func (r *Router) defaultDecision(query string) Decision {
	d := Decision{
		Collection:  r.registry.Default,
		Tool:        mission.ToolWebSearch,
		Query:       strings.TrimSpace(query),
		Confidence:  DefaultConfidence,
		Credibility: 0.5,
		MaxResults:  10,
	}
	if d.Collection == "" {
		d.Collection = "general_web"
	}
	if c, ok := r.registry.lookup(d.Collection); ok {
		d.Tool = c.Tool
		if c.Credibility > 0 {
			d.Credibility = c.Credibility
		}
		if c.MaxResults > 0 {
			d.MaxResults = c.MaxResults
		}
	}
	return d
}

func score(c Collection, text string, rc Context) float64 {
	hits := 0
	for _, k := range c.Keywords {
		if strings.Contains(text, strings.ToLower(k)) {
			hits++
		}
	}
	overlap := float64(hits) / keywordSaturate
	if overlap > 1 {
		overlap = 1
	}
	conf := overlapWeight * overlap
	if intersects(c.SourceHints, rc.SourceHints) {
		conf += hintBonus
	}
	if rc.Category != "" && contains(c.Categories, rc.Category) {
		conf += categoryBonus
	}
	conf *= c.Boost
	switch {
	case conf < 0:
		return 0
	case conf > 1:
		return 1
	}
	return conf
}

func reformulate(query, queryContext string, c Collection) string {
	parts := []string{strings.TrimSpace(query)}
	if queryContext != "" {
		parts = append(parts, queryContext)
	}
	if c.QuerySuffix != "" {
		parts = append(parts, c.QuerySuffix)
	}
	if len(c.Sites) > 0 {
		sites := make([]string, len(c.Sites))
		for i, s := range c.Sites {
			sites[i] = "site:" + s
		}
		parts = append(parts, "("+strings.Join(sites, " OR ")+")")
	}
	return strings.Join(parts, " ")
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
