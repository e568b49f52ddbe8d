package planner

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/mission"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
)

// ErrNoARGs is returned when planning produces nothing to research
var ErrNoARGs = errors.New("plan has no atomic research goals")

// ImplicitPillarID collects template signals whose pillar the thesis does not name
const ImplicitPillarID = "_implicit"

const (
	// CallsPerSignal is the call demand of one signal at mean pillar weight
	CallsPerSignal = 6
	// TokensPerCall estimates the token cost of one provider call
	TokensPerCall = 1500
)

// Budget caps calls and tokens. Zero fields are uncapped.
type Budget struct {
	Calls  int `json:"calls"`
	Tokens int `json:"tokens"`
}

// ARG is an atomic research goal: one pillar, one signal category
type ARG struct {
	ID          string                      `json:"id"`
	PillarID    string                      `json:"pillar_id"`
	Category    string                      `json:"category"`
	Signals     []mission.SignalExpectation `json:"signals"`
	Tools       mission.ToolBundle          `json:"tools"`
	CallBudget  int                         `json:"call_budget"`
	TokenBudget int                         `json:"token_budget"`
	Priority    int                         `json:"priority"`
	MicroAgent  bool                        `json:"micro_agent,omitempty"`
}

// SignalIDs lists the ids of the ARG's signals
func (a ARG) SignalIDs() []string {
	out := make([]string, len(a.Signals))
	for i, s := range a.Signals {
		out[i] = s.ID
	}
	return out
}

// Plan is the full decomposition of a thesis
type Plan struct {
	ARGs          []ARG  `json:"args"`
	Total         Budget `json:"total"`
	Ceiling       Budget `json:"ceiling"`
	Scaled        bool   `json:"scaled"`
	OverCommitted bool   `json:"over_committed"`
}

// Planner decomposes a thesis into ARGs
type Planner struct {
	logger *zap.Logger
}

// New creates a planner
func New(logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{logger: logger}
}

type group struct {
	pillar  string
	cat     string
	signals []mission.SignalExpectation
}

// Plan builds one ARG per (pillar, signal category) of the template. Structurally
// invalid input is a configuration error and is never retried.
func (p *Planner) Plan(thesis mission.Thesis, tpl *mission.Template, ceiling Budget) (*Plan, error) {
	if err := thesis.Validate(); err != nil {
		return nil, err
	}
	if tpl == nil {
		return nil, taxonomy.Configuration("planner.plan", "mission template is required")
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}

	weights := make(map[string]float64, len(thesis.Pillars)+1)
	var sum float64
	for _, pl := range thesis.Pillars {
		weights[pl.ID] = pl.Weight
		sum += pl.Weight
	}
	if sum == 0 {
		for id := range weights {
			weights[id] = 1
		}
	}
	mean := thesis.MeanWeight()
	if mean == 0 {
		mean = 1
	}

	var groups []*group
	index := make(map[string]*group)
	implicit := 0
	for _, sig := range tpl.Signals {
		pillar := sig.Pillar
		if _, ok := weights[pillar]; !ok {
			pillar = ImplicitPillarID
			implicit++
		}
		key := pillar + "\x00" + sig.Category
		g, ok := index[key]
		if !ok {
			g = &group{pillar: pillar, cat: sig.Category}
			index[key] = g
			groups = append(groups, g)
		}
		g.signals = append(g.signals, sig)
	}
	if implicit > 0 {
		weights[ImplicitPillarID] = mean
		p.logger.Info("Signals attached to implicit pillar",
			zap.Int("signals", implicit),
			zap.Float64("weight", mean),
		)
	}
	if len(groups) == 0 {
		return nil, taxonomy.Wrap(ErrNoARGs, taxonomy.KindConfiguration, "planner.plan")
	}

	rank := pillarRanks(weights)
	plan := &Plan{Ceiling: ceiling}
	demand := make([]float64, len(groups))
	var totalDemand float64
	for i, g := range groups {
		d := math.Ceil(float64(CallsPerSignal*len(g.signals)) * weights[g.pillar] / mean)
		if d < 1 {
			d = 1
		}
		demand[i] = d
		totalDemand += d

		plan.ARGs = append(plan.ARGs, ARG{
			ID:       argID(g.pillar, g.cat),
			PillarID: g.pillar,
			Category: g.cat,
			Signals:  g.signals,
			Tools:    tpl.ToolsFor(g.cat),
			Priority: (len(rank) - rank[g.pillar]) * int(maxCriticality(g.signals)),
		})
	}

	factor := 1.0
	if ceiling.Calls > 0 && totalDemand > float64(ceiling.Calls) {
		factor = float64(ceiling.Calls) / totalDemand
		plan.Scaled = true
	}
	for i := range plan.ARGs {
		calls := int(math.Floor(demand[i] * factor))
		if calls < 1 {
			calls = 1
		}
		plan.ARGs[i].CallBudget = calls
		plan.ARGs[i].TokenBudget = calls * TokensPerCall
		plan.Total.Calls += calls
	}
	if ceiling.Tokens > 0 {
		tokens := plan.Total.Calls * TokensPerCall
		if tokens > ceiling.Tokens {
			tf := float64(ceiling.Tokens) / float64(tokens)
			for i := range plan.ARGs {
				t := int(math.Floor(float64(plan.ARGs[i].TokenBudget) * tf))
				if t < 1 {
					t = 1
				}
				plan.ARGs[i].TokenBudget = t
			}
			plan.Scaled = true
		}
	}
	for _, a := range plan.ARGs {
		plan.Total.Tokens += a.TokenBudget
	}
	plan.OverCommitted = ceiling.Calls > 0 && plan.Total.Calls > ceiling.Calls

	sort.SliceStable(plan.ARGs, func(i, j int) bool { return plan.ARGs[i].Priority > plan.ARGs[j].Priority })

	p.logger.Info("Research plan built",
		zap.String("company", thesis.Company),
		zap.String("thesis_type", string(tpl.Type)),
		zap.Int("args", len(plan.ARGs)),
		zap.Int("total_calls", plan.Total.Calls),
		zap.Int("ceiling_calls", ceiling.Calls),
		zap.Bool("scaled", plan.Scaled),
	)
	return plan, nil
}

// pillarRanks ranks pillars by weight, 0 being the heaviest
func pillarRanks(weights map[string]float64) map[string]int {
	ids := make([]string, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if weights[ids[i]] != weights[ids[j]] {
			return weights[ids[i]] > weights[ids[j]]
		}
		return ids[i] < ids[j]
	})
	out := make(map[string]int, len(ids))
	for i, id := range ids {
		out[id] = i
	}
	return out
}

func maxCriticality(signals []mission.SignalExpectation) float64 {
	var m float64
	for _, s := range signals {
		if w := s.Criticality.Weight(); w > m {
			m = w
		}
	}
	return m
}

func argID(pillar, category string) string {
	return fmt.Sprintf("arg-%s-%s", pillar, category)
}
