package gaps

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/agent"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/metrics"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/mission"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/planner"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
)

// Type classifies a gap
type Type string

const (
	TypeMissing       Type = "missing"
	TypeContradictory Type = "contradictory"
	TypeOutdated      Type = "outdated"
	TypeInsufficient  Type = "insufficient"
)

// rank orders gap types when choosing which gaps to chase first
func (t Type) rank() int {
	switch t {
	case TypeMissing:
		return 0
	case TypeContradictory:
		return 1
	case TypeOutdated:
		return 2
	}
	return 3
}

const (
	DefaultConfidenceFloor = 0.5
	DefaultMaxMicroAgents  = 5
	DefaultMicroCallBudget = 4

	// partialCredit is the weighted coverage of a found signal that still has a gap
	partialCredit = 0.5
)

// Options tunes one analysis cycle
type Options struct {
	MinCoverage     float64 // overrides the matrix minimum when positive
	ConfidenceFloor float64
	MaxMicroAgents  int
	MicroCallBudget int
	Cycle           int
	Tools           func(category string) mission.ToolBundle
	Now             time.Time
}

func (o Options) withDefaults(m mission.Matrix) Options {
	if o.MinCoverage <= 0 {
		o.MinCoverage = m.MinCoverage
	}
	if o.ConfidenceFloor <= 0 {
		o.ConfidenceFloor = DefaultConfidenceFloor
	}
	if o.MaxMicroAgents <= 0 {
		o.MaxMicroAgents = DefaultMaxMicroAgents
	}
	if o.MicroCallBudget <= 0 {
		o.MicroCallBudget = DefaultMicroCallBudget
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	return o
}

// SignalCoverage is the merged view of one expected signal across all results
type SignalCoverage struct {
	Signal        string              `json:"signal"`
	Criticality   mission.Criticality `json:"criticality"`
	Found         bool                `json:"found"`
	Confidence    float64             `json:"confidence"`
	Contradictory bool                `json:"contradictory"`
	Heuristic     bool                `json:"heuristic"`
	Newest        *time.Time          `json:"newest,omitempty"`
	Credit        float64             `json:"credit"`
}

// MicroAgentSpec is a follow-up job for one critical gap
type MicroAgentSpec struct {
	ID         string                    `json:"id"`
	Signal     mission.SignalExpectation `json:"signal"`
	GapType    Type                      `json:"gap_type"`
	Tools      mission.ToolBundle        `json:"tools"`
	CallBudget int                       `json:"call_budget"`
	Priority   int                       `json:"priority"`
}

// ARG turns the micro-agent into a single-signal research goal
func (m MicroAgentSpec) ARG() planner.ARG {
	return planner.ARG{
		ID:          m.ID,
		PillarID:    m.Signal.Pillar,
		Category:    m.Signal.Category,
		Signals:     []mission.SignalExpectation{m.Signal},
		Tools:       m.Tools,
		CallBudget:  m.CallBudget,
		TokenBudget: m.CallBudget * planner.TokensPerCall,
		Priority:    m.Priority,
		MicroAgent:  true,
	}
}

// Gap is one shortfall against the expected evidence matrix
type Gap struct {
	Signal      string              `json:"signal"`
	Type        Type                `json:"type"`
	Criticality mission.Criticality `json:"criticality"`
	Confidence  float64             `json:"confidence"`
	Reason      string              `json:"reason"`
	MicroAgents []MicroAgentSpec    `json:"micro_agents,omitempty"`
}

// Analysis is the outcome of one gap cycle
type Analysis struct {
	Coverage         map[string]SignalCoverage `json:"coverage"`
	Gaps             []Gap                     `json:"gaps"`
	MicroAgents      []MicroAgentSpec          `json:"micro_agents"`
	WeightedCoverage float64                   `json:"weighted_coverage"`
	MinCoverage      float64                   `json:"min_coverage"`
	MeetsThreshold   bool                      `json:"meets_threshold"`
	Suppressed       int                       `json:"suppressed"`
}

// Critical lists the gaps on critical signals
func (a *Analysis) Critical() []Gap {
	var out []Gap
	for _, g := range a.Gaps {
		if g.Criticality == mission.Critical {
			out = append(out, g)
		}
	}
	return out
}

// Analyzer compares section results with the expected evidence matrix
type Analyzer struct {
	logger *zap.Logger
}

// New creates an analyzer
func New(logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{logger: logger}
}

// Analyze classifies every expected signal. A signal counts as covered only when
// some result explicitly lists it as found.
func (a *Analyzer) Analyze(matrix mission.Matrix, results []*agent.SectionResult, opts Options) (*Analysis, error) {
	if len(matrix.Signals) == 0 {
		return nil, taxonomy.Configuration("gaps.analyze", "expected evidence matrix %q is empty", matrix.Type)
	}
	opts = opts.withDefaults(matrix)

	out := &Analysis{
		Coverage:    make(map[string]SignalCoverage, len(matrix.Signals)),
		MinCoverage: opts.MinCoverage,
	}
	var weighted, total float64
	criticalMissing := false
	for _, sig := range matrix.Signals {
		cov := merge(sig, results)
		gap, ok := classify(sig, cov, opts)
		switch {
		case !cov.Found:
			cov.Credit = 0
		case ok:
			cov.Credit = partialCredit
		default:
			cov.Credit = 1
		}
		if ok {
			out.Gaps = append(out.Gaps, gap)
			metrics.GapsDetected.WithLabelValues(string(gap.Type), string(gap.Criticality)).Inc()
			if gap.Type == TypeMissing && sig.Criticality == mission.Critical {
				criticalMissing = true
			}
		}
		out.Coverage[sig.ID] = cov
		w := sig.Criticality.Weight()
		weighted += w * cov.Credit
		total += w
	}
	if total > 0 {
		out.WeightedCoverage = weighted / total
	}
	// the minimum must be exceeded; full coverage is the only way to meet a minimum of 1
	exceeds := out.WeightedCoverage > opts.MinCoverage || out.WeightedCoverage >= 1
	out.MeetsThreshold = exceeds && !criticalMissing

	sort.SliceStable(out.Gaps, func(i, j int) bool {
		ci, cj := out.Gaps[i].Criticality.Weight(), out.Gaps[j].Criticality.Weight()
		if ci != cj {
			return ci > cj
		}
		return out.Gaps[i].Type.rank() < out.Gaps[j].Type.rank()
	})
	a.spawn(out, matrix, opts)

	a.logger.Info("Gap analysis complete",
		zap.Int("cycle", opts.Cycle),
		zap.Int("signals", len(matrix.Signals)),
		zap.Int("gaps", len(out.Gaps)),
		zap.Int("micro_agents", len(out.MicroAgents)),
		zap.Int("suppressed", out.Suppressed),
		zap.Float64("weighted_coverage", out.WeightedCoverage),
		zap.Bool("meets_threshold", out.MeetsThreshold),
	)
	return out, nil
}

// spawn emits micro-agents for critical gaps, most urgent first, up to the cap
func (a *Analyzer) spawn(out *Analysis, matrix mission.Matrix, opts Options) {
	for i := range out.Gaps {
		g := &out.Gaps[i]
		if g.Criticality != mission.Critical {
			continue
		}
		if len(out.MicroAgents) >= opts.MaxMicroAgents {
			out.Suppressed++
			continue
		}
		sig, _ := matrix.Signal(g.Signal)
		tools := mission.ToolBundle{Primary: mission.ToolWebSearch}
		if opts.Tools != nil {
			tools = opts.Tools(sig.Category)
		}
		spec := MicroAgentSpec{
			ID:         fmt.Sprintf("micro-%s-c%d", sig.ID, opts.Cycle),
			Signal:     sig,
			GapType:    g.Type,
			Tools:      tools,
			CallBudget: opts.MicroCallBudget,
			Priority:   int(sig.Criticality.Weight())*10 - g.Type.rank(),
		}
		g.MicroAgents = append(g.MicroAgents, spec)
		out.MicroAgents = append(out.MicroAgents, spec)
		metrics.MicroAgentsSpawned.Inc()
	}
}

// merge folds every result that mentions the signal into one coverage record
func merge(sig mission.SignalExpectation, results []*agent.SectionResult) SignalCoverage {
	cov := SignalCoverage{Signal: sig.ID, Criticality: sig.Criticality, Heuristic: true}
	for _, r := range results {
		if r == nil || !r.Found(sig.ID) {
			continue
		}
		cov.Found = true
		st := r.Signals[sig.ID]
		if st.Confidence > cov.Confidence {
			cov.Confidence = st.Confidence
		}
		if st.Contradictory {
			cov.Contradictory = true
		}
		if !st.Heuristic {
			cov.Heuristic = false
		}
		if st.Newest != nil && (cov.Newest == nil || st.Newest.After(*cov.Newest)) {
			t := *st.Newest
			cov.Newest = &t
		}
	}
	if !cov.Found {
		cov.Heuristic = false
	}
	return cov
}

func classify(sig mission.SignalExpectation, cov SignalCoverage, opts Options) (Gap, bool) {
	g := Gap{Signal: sig.ID, Criticality: sig.Criticality, Confidence: cov.Confidence}
	switch {
	case !cov.Found:
		g.Type = TypeMissing
		g.Reason = "no result reported the signal as found"
	case cov.Contradictory:
		g.Type = TypeContradictory
		g.Reason = "independent sources disagree"
	case sig.MaxAgeDays > 0 && cov.Newest != nil && opts.Now.Sub(*cov.Newest) > time.Duration(sig.MaxAgeDays)*24*time.Hour:
		g.Type = TypeOutdated
		g.Reason = fmt.Sprintf("newest evidence is older than %d days", sig.MaxAgeDays)
	case cov.Heuristic:
		g.Type = TypeInsufficient
		g.Reason = "only heuristic evidence"
	case cov.Confidence < opts.ConfidenceFloor:
		g.Type = TypeInsufficient
		g.Reason = fmt.Sprintf("confidence %.2f below floor %.2f", cov.Confidence, opts.ConfidenceFloor)
	default:
		return Gap{}, false
	}
	return g, true
}
