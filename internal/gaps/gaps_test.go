package gaps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/agent"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/mission"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func matrix() mission.Matrix {
	return mission.Matrix{
		Type:        mission.ThesisCustom,
		MinCoverage: 0.7,
		Signals: []mission.SignalExpectation{
			{ID: "market_size", Pillar: "market", Category: "market", Criticality: mission.Critical},
			{ID: "funding_history", Pillar: "growth", Category: "financial", Criticality: mission.High, MaxAgeDays: 365},
			{ID: "tech_scalability", Pillar: "product", Category: "technical", Criticality: mission.Critical},
			{ID: "engineering_velocity", Pillar: "product", Category: "developer", Criticality: mission.Low},
		},
	}
}

func found(signals map[string]agent.SignalStat) *agent.SectionResult {
	r := &agent.SectionResult{Signals: signals}
	for id, st := range signals {
		if st.Items > 0 {
			r.FoundSignals = append(r.FoundSignals, id)
		}
	}
	return r
}

func strong() agent.SignalStat {
	t := now.Add(-24 * time.Hour)
	return agent.SignalStat{Items: 3, Confidence: 0.9, Newest: &t}
}

func allCovered() []*agent.SectionResult {
	return []*agent.SectionResult{
		found(map[string]agent.SignalStat{"market_size": strong(), "funding_history": strong()}),
		found(map[string]agent.SignalStat{"tech_scalability": strong(), "engineering_velocity": strong()}),
	}
}

func TestFullCoverageMeetsThresholdWithNoGaps(t *testing.T) {
	a, err := New(zaptest.NewLogger(t)).Analyze(matrix(), allCovered(), Options{Now: now})
	require.NoError(t, err)
	assert.True(t, a.MeetsThreshold)
	assert.Empty(t, a.Gaps)
	assert.Empty(t, a.MicroAgents)
	assert.Equal(t, 1.0, a.WeightedCoverage)
}

func TestCoverageMustExceedMinimum(t *testing.T) {
	m := mission.Matrix{
		Type:        mission.ThesisCustom,
		MinCoverage: 0.5,
		Signals: []mission.SignalExpectation{
			{ID: "market_size", Category: "market", Criticality: mission.Low},
			{ID: "market_trends", Category: "market", Criticality: mission.Low},
		},
	}
	half := []*agent.SectionResult{found(map[string]agent.SignalStat{"market_size": strong()})}

	a, err := New(zaptest.NewLogger(t)).Analyze(m, half, Options{Now: now})
	require.NoError(t, err)
	assert.Equal(t, 0.5, a.WeightedCoverage)
	assert.False(t, a.MeetsThreshold, "coverage equal to the minimum does not exceed it")

	a, err = New(zaptest.NewLogger(t)).Analyze(m, half, Options{Now: now, MinCoverage: 0.49})
	require.NoError(t, err)
	assert.True(t, a.MeetsThreshold)

	m.MinCoverage = 1
	both := []*agent.SectionResult{found(map[string]agent.SignalStat{"market_size": strong(), "market_trends": strong()})}
	a, err = New(zaptest.NewLogger(t)).Analyze(m, both, Options{Now: now})
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.WeightedCoverage)
	assert.True(t, a.MeetsThreshold, "full coverage meets a minimum of 1")
}

func TestMissingCriticalSignalFailsThreshold(t *testing.T) {
	results := allCovered()
	delete(results[0].Signals, "market_size")
	results[0].FoundSignals = []string{"funding_history"}

	a, err := New(zaptest.NewLogger(t)).Analyze(matrix(), results, Options{Now: now})
	require.NoError(t, err)
	assert.False(t, a.MeetsThreshold)
	require.Len(t, a.Gaps, 1)
	assert.Equal(t, TypeMissing, a.Gaps[0].Type)
	require.Len(t, a.MicroAgents, 1)

	spec := a.MicroAgents[0]
	assert.Equal(t, "market_size", spec.Signal.ID)
	arg := spec.ARG()
	assert.True(t, arg.MicroAgent)
	assert.Equal(t, []string{"market_size"}, arg.SignalIDs())
	assert.Equal(t, DefaultMicroCallBudget, arg.CallBudget)
}

func TestStatsWithoutFoundListDoNotCount(t *testing.T) {
	results := allCovered()
	results[1].FoundSignals = []string{"engineering_velocity"}

	a, err := New(zaptest.NewLogger(t)).Analyze(matrix(), results, Options{Now: now})
	require.NoError(t, err)
	assert.False(t, a.Coverage["tech_scalability"].Found)
	assert.False(t, a.MeetsThreshold)
}

func TestClassification(t *testing.T) {
	old := now.AddDate(-2, 0, 0)
	results := []*agent.SectionResult{found(map[string]agent.SignalStat{
		"market_size":          {Items: 2, Confidence: 0.6, Contradictory: true},
		"funding_history":      {Items: 1, Confidence: 0.9, Newest: &old},
		"tech_scalability":     {Items: 1, Confidence: 0.3},
		"engineering_velocity": {Items: 1, Confidence: 0.35, Heuristic: true},
	})}

	a, err := New(zaptest.NewLogger(t)).Analyze(matrix(), results, Options{Now: now})
	require.NoError(t, err)

	types := map[string]Type{}
	for _, g := range a.Gaps {
		types[g.Signal] = g.Type
	}
	assert.Equal(t, map[string]Type{
		"market_size":          TypeContradictory,
		"funding_history":      TypeOutdated,
		"tech_scalability":     TypeInsufficient,
		"engineering_velocity": TypeInsufficient,
	}, types)

	assert.Len(t, a.MicroAgents, 2, "only critical gaps spawn micro-agents")
	assert.Equal(t, TypeContradictory, a.MicroAgents[0].GapType)
	assert.InDelta(t, 0.5, a.WeightedCoverage, 1e-9, "found signals with gaps earn half credit")
	assert.False(t, a.MeetsThreshold)
	assert.Len(t, a.Critical(), 2)
}

func TestMicroAgentSpawnIsCapped(t *testing.T) {
	m := mission.Matrix{Type: mission.ThesisCustom, MinCoverage: 0.5}
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		m.Signals = append(m.Signals, mission.SignalExpectation{ID: id, Category: "market", Criticality: mission.Critical})
	}
	a, err := New(zaptest.NewLogger(t)).Analyze(m, nil, Options{
		Now:   now,
		Cycle: 2,
		Tools: func(string) mission.ToolBundle { return mission.ToolBundle{Primary: mission.ToolFinancialCollector} },
	})
	require.NoError(t, err)
	assert.Len(t, a.Gaps, 7)
	assert.Len(t, a.MicroAgents, DefaultMaxMicroAgents)
	assert.Equal(t, 2, a.Suppressed)
	assert.Equal(t, "micro-a-c2", a.MicroAgents[0].ID)
	assert.Equal(t, mission.ToolFinancialCollector, a.MicroAgents[0].Tools.Primary)
	assert.Zero(t, a.WeightedCoverage)
}

func TestEmptyMatrixIsConfigurationError(t *testing.T) {
	_, err := New(zaptest.NewLogger(t)).Analyze(mission.Matrix{}, nil, Options{})
	assert.True(t, taxonomy.IsFatal(err))
}
