package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/evidence"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/mission"
)

func item(id, signal, origin string, cred float64) evidence.Evidence {
	return evidence.Evidence{
		ID:      id,
		Signals: []string{signal},
		Content: id,
		Source:  evidence.Source{Origin: origin, Credibility: cred},
	}
}

func withValue(e evidence.Evidence, v float64) evidence.Evidence {
	e.Claim.Value = &v
	return e
}

func withPolarity(e evidence.Evidence, p evidence.Polarity) evidence.Evidence {
	e.Claim.Polarity = p
	return e
}

func TestSigmoidIsCenteredAndBounded(t *testing.T) {
	assert.InDelta(t, 0.5, Sigmoid(SigmoidMidpoint), 1e-12)
	assert.Greater(t, Sigmoid(2), 0.99)
	assert.Less(t, Sigmoid(-2), 0.01)
	assert.True(t, Sigmoid(100) <= 1)
	assert.True(t, Sigmoid(-100) >= 0)
}

func TestRawScoreWeights(t *testing.T) {
	assert.InDelta(t, 0.7, RawScore(1, 1, 0, 1), 1e-12)
	assert.InDelta(t, -0.3, RawScore(0, 0, 1, 0), 1e-12)
	assert.InDelta(t, 0.4+0.15-0.05, RawScore(1, 0.5, 0, 0.5), 1e-12)
}

func TestAssessComputesFromEvidence(t *testing.T) {
	signals := []mission.SignalExpectation{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	items := []evidence.Evidence{
		item("1", "a", "x.example", 0.8),
		item("2", "a", "y.example", 0.6),
		item("3", "b", "x.example", 0.4),
		item("4", "zzz", "x.example", 0.1),
	}
	a := Assess(signals, items, 1)

	assert.InDelta(t, 0.5, a.Coverage, 1e-12)
	assert.InDelta(t, 0.6, a.Quality, 1e-12, "unrelated items are ignored")
	assert.Zero(t, a.ContradictionRatio)
	assert.InDelta(t, Sigmoid(RawScore(0.5, 0.6, 0, 1)), a.Confidence, 1e-12)

	assert.Equal(t, 2, a.Signals["a"].Items)
	assert.InDelta(t, 1-0.2*0.4, a.Signals["a"].Confidence, 1e-12)
	assert.Zero(t, a.Signals["c"].Items)
}

func TestContradictionHalvesSignalConfidence(t *testing.T) {
	signals := []mission.SignalExpectation{{ID: "a"}}
	items := []evidence.Evidence{
		withPolarity(item("1", "a", "x.example", 0.8), evidence.PolarityPositive),
		withPolarity(item("2", "a", "y.example", 0.8), evidence.PolarityNegative),
	}
	a := Assess(signals, items, 1)
	assert.True(t, a.Signals["a"].Contradictory)
	assert.InDelta(t, (1-0.2*0.2)/2, a.Signals["a"].Confidence, 1e-12)
	assert.Equal(t, 1.0, a.ContradictionRatio)
}

func TestContradictoryRequiresIndependentOrigins(t *testing.T) {
	same := []evidence.Evidence{
		withPolarity(item("1", "a", "x.example", 0.8), evidence.PolarityPositive),
		withPolarity(item("2", "a", "x.example", 0.8), evidence.PolarityNegative),
	}
	assert.False(t, Contradictory(same))

	near := []evidence.Evidence{
		withValue(item("1", "a", "x.example", 0.8), 100),
		withValue(item("2", "a", "y.example", 0.8), 110),
	}
	assert.False(t, Contradictory(near), "spread within a quarter of the median")

	far := []evidence.Evidence{
		withValue(item("1", "a", "x.example", 0.8), 100),
		withValue(item("2", "a", "y.example", 0.8), 200),
	}
	assert.True(t, Contradictory(far))

	oneOrigin := []evidence.Evidence{
		withValue(item("1", "a", "x.example", 0.8), 100),
		withValue(item("2", "a", "x.example", 0.8), 500),
	}
	assert.False(t, Contradictory(oneOrigin))
}

func TestFormulateVariesOnReattempt(t *testing.T) {
	thesis := mission.Thesis{Company: "Acme", Statement: "Acme serves enterprise buyers"}
	sig := mission.SignalExpectation{ID: "market_size", Keywords: []string{"TAM", "SAM"}}

	first := formulate(thesis, sig, 0)
	second := formulate(thesis, sig, 1)
	assert.Contains(t, first, "Acme market size")
	assert.NotEqual(t, first, second)
	assert.Contains(t, second, "TAM")
}
