package fallback

import (
	"regexp"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/evidence"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/mission"
)

func corpusItem(id, content string, cred float64) evidence.Evidence {
	return evidence.Evidence{
		ID:      id,
		Signals: []string{"market_size"},
		Content: content,
		Source:  evidence.Source{Type: evidence.SourceWeb, Origin: "news.example", Credibility: cred},
	}
}

func TestApplyMatchesSignalsAndDiscountsCredibility(t *testing.T) {
	e := New(zaptest.NewLogger(t))
	res := e.Apply(Request{
		RunID: "run",
		ARGID: "arg-1",
		Signals: []mission.SignalExpectation{
			{ID: "funding_history", Category: "financial", Keywords: []string{"investors"}},
			{ID: "customer_satisfaction", Category: "customer", Keywords: []string{"rating", "review"}},
		},
		Corpus: []evidence.Evidence{
			corpusItem("e1", "Acme builds tools. Acme raised $20M in a Series B led by Example Ventures.", 0.9),
			corpusItem("e2", "Acme has a 4.7 rating on review sites.", 0.6),
		},
	})

	require.Len(t, res.Findings, 2)
	assert.Equal(t, 2, res.Matched())
	require.Len(t, res.Evidence, 2)

	funding := res.Evidence[0]
	assert.Equal(t, []string{"funding_history"}, funding.Signals)
	assert.Equal(t, MaxCredibility, funding.Source.Credibility, "0.9 * 0.5 is capped at 0.4")
	assert.True(t, funding.IsHeuristic())
	assert.Equal(t, evidence.SourceHeuristic, funding.Source.Type)
	assert.Contains(t, funding.Content, "raised $20M")
	require.NotNil(t, funding.Claim.Value)
	assert.Equal(t, 20e6, *funding.Claim.Value)
	assert.Equal(t, "arg-1", funding.ARGID)

	assert.InDelta(t, 0.3, res.Evidence[1].Source.Credibility, 1e-9)
	assert.Equal(t, []string{"e2"}, res.Findings[1].SourceIDs)
}

func TestApplyReportsUnverifiedSignals(t *testing.T) {
	e := New(zaptest.NewLogger(t))
	res := e.Apply(Request{
		Signals: []mission.SignalExpectation{{ID: "security_compliance", Keywords: []string{"soc 2"}}},
	})
	require.Len(t, res.Findings, 1)
	assert.Equal(t, StatusUnverified, res.Findings[0].Status)
	assert.Empty(t, res.Evidence)
}

func TestApplyIgnoresHeuristicCorpus(t *testing.T) {
	e := New(zaptest.NewLogger(t))
	prior := corpusItem("h1", "Acme is SOC 2 certified", 0.4)
	prior.Tags = []string{evidence.TagHeuristic}
	res := e.Apply(Request{
		Signals: []mission.SignalExpectation{{ID: "security_compliance", Keywords: []string{"soc 2"}}},
		Corpus:  []evidence.Evidence{prior},
	})
	assert.Equal(t, 0, res.Matched())
}

func TestDerivedContentDiffersFromSource(t *testing.T) {
	e := New(zaptest.NewLogger(t))
	src := corpusItem("e1", "Acme is SOC 2 certified", 0.8)
	res := e.Apply(Request{
		Signals: []mission.SignalExpectation{{ID: "security_compliance", Keywords: []string{"SOC 2"}}},
		Corpus:  []evidence.Evidence{src},
	})
	require.Len(t, res.Evidence, 1)
	assert.NotEqual(t, src.ContentHash(), res.Evidence[0].ContentHash())
}

func TestSnippetKeepsMultiByteTextValid(t *testing.T) {
	// 279 ASCII bytes put the 280 byte cut inside the first "€"
	content := "market size " + strings.Repeat("a", 267) + strings.Repeat("€", 10)
	s := matchSentence(content, regexp.MustCompile(`market size`))
	require.NotEmpty(t, s)
	assert.True(t, utf8.ValidString(s))
	assert.LessOrEqual(t, len(s), maxSnippet)
	assert.Equal(t, 279, len(s))

	assert.Equal(t, "日本", truncate("日本語", 7))
	assert.Equal(t, "short", truncate("short", maxSnippet))
}

func TestExtractAmount(t *testing.T) {
	v := extractAmount("ARR reached $1.5B last year")
	require.NotNil(t, v)
	assert.Equal(t, 1.5e9, *v)
	assert.Nil(t, extractAmount("no money here"))
}
