package evidence

import (
	"strings"
)

// Quality categories
const (
	QualityInDepth  = "in_depth"
	QualityRelevant = "relevant"
	QualityThin     = "thin"
)

// TagQualityPrefix prefixes the quality category tag added by Score
const TagQualityPrefix = "quality:"

// Quality is the assessed quality of one item
type Quality struct {
	Score    float64  `json:"score"`
	Category string   `json:"category"`
	Matched  []string `json:"matched,omitempty"`
}

// QualityScorer rates evidence by depth of content, source indicators and fit
// with the keywords of the signals it claims to support
type QualityScorer struct {
	indicators    []string
	authoritative []string
	// weight is the share of the final credibility taken from quality
	weight float64
}

// NewQualityScorer returns a scorer with the default indicator lists
func NewQualityScorer() *QualityScorer {
	return &QualityScorer{
		indicators: []string{
			"api", "docs", "documentation", "technical", "architecture",
			"security", "integration", "developer", "engineering",
		},
		authoritative: []string{
			".gov", ".edu", "sec.gov", "gartner.com", "forrester.com",
			"crunchbase.com", "github.com", "reuters.com", "bloomberg.com",
		},
		weight: 0.3,
	}
}

// Assess scores e between 0.1 and 0.95
func (q *QualityScorer) Assess(e Evidence, keywords []string) Quality {
	score := 0.4
	content := strings.ToLower(e.Content)

	switch n := len(e.Content); {
	case n > 5000:
		score += 0.25
	case n > 2000:
		score += 0.15
	case n > 500:
		score += 0.05
	}

	var matched []string
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(content, k) && !contains(matched, k) {
			matched = append(matched, k)
		}
	}
	if len(keywords) > 0 {
		if len(matched) == 0 {
			score -= 0.1
		} else {
			score += 0.2 * float64(len(matched)) / float64(len(keywords))
		}
	}

	origin := strings.ToLower(e.Source.Origin)
	link := ""
	if e.Citation != nil {
		link = strings.ToLower(e.Citation.URL)
	}
	for _, ind := range q.indicators {
		if strings.Contains(link, ind) {
			score += 0.02
		}
	}
	for _, a := range q.authoritative {
		if strings.HasSuffix(origin, a) || strings.Contains(link, a) {
			score += 0.1
			break
		}
	}
	if strings.HasPrefix(link, "https://") {
		score += 0.02
	}

	score = min(max(score, 0.1), 0.95)
	return Quality{Score: score, Category: category(score), Matched: matched}
}

// Score returns copies of items with credibility blended with their quality
// score and a quality category tag. keywords maps signal ids to their keywords.
// Invalid items pass through untouched so ingestion still rejects them.
func (q *QualityScorer) Score(items []Evidence, keywords map[string][]string) []Evidence {
	out := make([]Evidence, 0, len(items))
	for _, e := range items {
		if e.Validate() != nil {
			out = append(out, e)
			continue
		}
		var kws []string
		for _, sig := range e.Signals {
			kws = append(kws, keywords[sig]...)
		}
		qa := q.Assess(e, kws)
		e.Source.Credibility = min(max((1-q.weight)*e.Source.Credibility+q.weight*qa.Score, 0), 1)
		e.Tags = append(append([]string(nil), e.Tags...), TagQualityPrefix+qa.Category)
		out = append(out, e)
	}
	return out
}

func category(score float64) string {
	switch {
	case score >= 0.7:
		return QualityInDepth
	case score >= 0.45:
		return QualityRelevant
	}
	return QualityThin
}
