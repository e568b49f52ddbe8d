package agent

import (
	"math"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/evidence"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/mission"
)

// Confidence model constants
const (
	WeightCoverage      = 0.4
	WeightQuality       = 0.3
	WeightContradiction = 0.2
	WeightNoveltyDecay  = 0.1

	SigmoidGain     = 10.0
	SigmoidMidpoint = 0.35

	// NumericSpread is the relative spread around the median beyond which
	// numeric claims from independent origins contradict each other
	NumericSpread = 0.25
)

// SignalStat summarizes the evidence behind one expected signal
type SignalStat struct {
	Items         int        `json:"items"`
	Confidence    float64    `json:"confidence"`
	Contradictory bool       `json:"contradictory"`
	Heuristic     bool       `json:"heuristic,omitempty"`
	Newest        *time.Time `json:"newest,omitempty"`
}

// Assessment is one REFLECT computation
type Assessment struct {
	Coverage           float64
	Quality            float64
	ContradictionRatio float64
	Novelty            float64
	Raw                float64
	Confidence         float64
	Signals            map[string]SignalStat
}

// Sigmoid is the logistic function centered on SigmoidMidpoint
func Sigmoid(raw float64) float64 {
	return 1 / (1 + math.Exp(-SigmoidGain*(raw-SigmoidMidpoint)))
}

// RawScore combines the reflection inputs before the sigmoid
func RawScore(coverage, quality, contradictionRatio, novelty float64) float64 {
	return WeightCoverage*coverage +
		WeightQuality*quality -
		WeightContradiction*contradictionRatio -
		WeightNoveltyDecay*(1-novelty)
}

// Assess recomputes every reflection input from the evidence. It never reads
// cached agent state.
func Assess(signals []mission.SignalExpectation, items []evidence.Evidence, novelty float64) Assessment {
	a := Assessment{Novelty: clamp01(novelty), Signals: make(map[string]SignalStat, len(signals))}
	if len(signals) == 0 {
		return a
	}

	var found, contradictory int
	var creds []float64
	for _, sig := range signals {
		var mine []evidence.Evidence
		for _, e := range items {
			if e.Has(sig.ID) {
				mine = append(mine, e)
			}
		}
		st := signalStat(mine)
		a.Signals[sig.ID] = st
		if st.Items > 0 {
			found++
		}
		if st.Contradictory {
			contradictory++
		}
	}
	seen := make(map[string]bool, len(items))
	for _, e := range items {
		if seen[e.ID] || !relevant(e, signals) {
			continue
		}
		seen[e.ID] = true
		creds = append(creds, e.Source.Credibility)
	}

	a.Coverage = float64(found) / float64(len(signals))
	if len(creds) > 0 {
		if m, err := stats.Mean(creds); err == nil {
			a.Quality = clamp01(m)
		}
	}
	a.ContradictionRatio = float64(contradictory) / float64(len(signals))
	a.Raw = RawScore(a.Coverage, a.Quality, a.ContradictionRatio, a.Novelty)
	a.Confidence = Sigmoid(a.Raw)
	return a
}

// signalStat is the noisy-or of item credibilities, halved when contradictory
func signalStat(items []evidence.Evidence) SignalStat {
	st := SignalStat{Items: len(items)}
	if len(items) == 0 {
		return st
	}
	miss := 1.0
	allHeuristic := true
	for _, e := range items {
		miss *= 1 - clamp01(e.Source.Credibility)
		if !e.IsHeuristic() {
			allHeuristic = false
		}
		ts := e.Extraction.Timestamp
		if e.Source.PublishedAt != nil {
			ts = *e.Source.PublishedAt
		}
		if !ts.IsZero() && (st.Newest == nil || ts.After(*st.Newest)) {
			t := ts
			st.Newest = &t
		}
	}
	st.Confidence = 1 - miss
	st.Heuristic = allHeuristic
	st.Contradictory = Contradictory(items)
	if st.Contradictory {
		st.Confidence /= 2
	}
	return st
}

// Contradictory reports conflicting claims from independent origins: opposite
// polarities, or numeric values whose spread exceeds NumericSpread of the median.
func Contradictory(items []evidence.Evidence) bool {
	polarity := make(map[evidence.Polarity]map[string]bool)
	values := make(map[string]float64)
	for _, e := range items {
		origin := e.Source.Origin
		if p := e.Claim.Polarity; p != evidence.PolarityNone {
			if polarity[p] == nil {
				polarity[p] = make(map[string]bool)
			}
			polarity[p][origin] = true
		}
		if e.Claim.Value != nil {
			if _, ok := values[origin]; !ok {
				values[origin] = *e.Claim.Value
			}
		}
	}

	for pos := range polarity[evidence.PolarityPositive] {
		for neg := range polarity[evidence.PolarityNegative] {
			if pos != neg {
				return true
			}
		}
	}

	if len(values) < 2 {
		return false
	}
	data := make(stats.Float64Data, 0, len(values))
	for _, v := range values {
		data = append(data, v)
	}
	median, err := data.Median()
	if err != nil {
		return false
	}
	lo, _ := data.Min()
	hi, _ := data.Max()
	if median == 0 {
		return hi != lo
	}
	return hi-lo > NumericSpread*math.Abs(median)
}

func relevant(e evidence.Evidence, signals []mission.SignalExpectation) bool {
	for _, s := range signals {
		if e.Has(s.ID) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
