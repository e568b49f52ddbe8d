package evidence

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestQualityRanksDepthAndFit(t *testing.T) {
	q := NewQualityScorer()
	keywords := []string{"market size", "tam"}

	thin := item("Acme is a company.", "blog.example", "market_size")
	deep := item(strings.Repeat("The market size for logistics software reached a $4B TAM in 2025. ", 40), "gartner.com", "market_size")
	deep.Citation = &Citation{URL: "https://gartner.com/research/technical/logistics"}

	thinQ := q.Assess(thin, keywords)
	deepQ := q.Assess(deep, keywords)

	assert.Greater(t, deepQ.Score, thinQ.Score)
	assert.Equal(t, QualityThin, thinQ.Category)
	assert.Equal(t, QualityInDepth, deepQ.Category)
	assert.ElementsMatch(t, []string{"market size", "tam"}, deepQ.Matched)
	assert.Empty(t, thinQ.Matched)
	for _, s := range []float64{thinQ.Score, deepQ.Score} {
		assert.True(t, s >= 0.1 && s <= 0.95)
	}
}

func TestScoreBlendsCredibilityAndTags(t *testing.T) {
	q := NewQualityScorer()
	thin := item("Acme is a company.", "blog.example", "market_size")
	thin.Source.Credibility = 0.9
	bad := item("content", "a.com", "market_size")
	bad.Source.Credibility = 1.5

	out := q.Score([]Evidence{thin, bad}, map[string][]string{"market_size": {"market size"}})
	require.Len(t, out, 2)

	assert.Less(t, out[0].Source.Credibility, 0.9, "thin content costs credibility")
	assert.Contains(t, out[0].Tags, TagQualityPrefix+QualityThin)
	assert.Empty(t, thin.Tags, "inputs are not mutated")
	assert.Equal(t, 1.5, out[1].Source.Credibility)

	res := NewStore("run-1", zaptest.NewLogger(t)).Ingest(context.Background(), out)
	assert.Len(t, res.Accepted, 1)
	assert.Len(t, res.Invalid, 1)
}
