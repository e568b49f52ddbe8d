package fallback

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/evidence"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/mission"
)

const (
	// CredibilityDiscount is applied to the credibility of the source item
	CredibilityDiscount = 0.5
	// MaxCredibility caps heuristic evidence
	MaxCredibility = 0.4

	maxSnippet = 280
)

// Finding statuses
const (
	StatusMatched    = "matched"
	StatusUnverified = "unverified"
)

// Finding is the heuristic verdict for one expected signal
type Finding struct {
	Signal     string   `json:"signal"`
	Status     string   `json:"status"`
	Snippet    string   `json:"snippet,omitempty"`
	SourceIDs  []string `json:"source_ids,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Result is what a fallback pass produced
type Result struct {
	Evidence []evidence.Evidence `json:"evidence"`
	Findings []Finding           `json:"findings"`
}

// Matched counts matched findings
func (r Result) Matched() int {
	n := 0
	for _, f := range r.Findings {
		if f.Status == StatusMatched {
			n++
		}
	}
	return n
}

// Request is the context of a fallback pass
type Request struct {
	RunID    string
	ARGID    string
	PillarID string
	Signals  []mission.SignalExpectation
	Corpus   []evidence.Evidence
}

// Discovery terms for funding and revenue style signals
const (
	fundingTerms = `raised|funding|series [a-f]\b|seed round|valuation`
	revenueTerms = `revenue|arr\b|recurring revenue|annual run rate`
)

var (
	moneyPattern  = regexp.MustCompile(`(?i)\$\s?(\d+(?:\.\d+)?)\s?(k|m|b|thousand|million|billion)?\b`)
	sentenceSplit = regexp.MustCompile(`[.!?]+\s+|\n+`)
)

// Engine derives low-credibility evidence from what a run already holds when
// every provider for an ARG has failed.
type Engine struct {
	logger *zap.Logger
	now    func() time.Time
}

// New creates a fallback engine
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger, now: time.Now}
}

// Apply matches each expected signal against the corpus. It always returns one
// finding per signal, so the result is never empty for a non-empty request.
func (e *Engine) Apply(req Request) Result {
	var res Result
	for _, sig := range req.Signals {
		pattern := signalPattern(sig)
		finding := Finding{Signal: sig.ID, Status: StatusUnverified}

		for _, item := range req.Corpus {
			if item.IsHeuristic() || pattern == nil {
				continue
			}
			sentence := matchSentence(item.Content, pattern)
			if sentence == "" {
				continue
			}
			cred := item.Source.Credibility * CredibilityDiscount
			if cred > MaxCredibility {
				cred = MaxCredibility
			}
			derived := evidence.Evidence{
				ARGID:    req.ARGID,
				PillarID: req.PillarID,
				Signals:  []string{sig.ID},
				Source: evidence.Source{
					Type:        evidence.SourceHeuristic,
					Origin:      item.Source.Origin,
					Credibility: cred,
					PublishedAt: item.Source.PublishedAt,
				},
				Content:    "[heuristic:" + sig.ID + "] " + sentence,
				Claim:      evidence.Claim{Value: extractAmount(sentence)},
				Extraction: evidence.Extraction{Timestamp: e.now(), Method: evidence.MethodHeuristic},
				Citation:   item.Citation,
				Tags:       []string{evidence.TagHeuristic},
			}
			res.Evidence = append(res.Evidence, derived)
			finding.Status = StatusMatched
			finding.SourceIDs = append(finding.SourceIDs, item.ID)
			if finding.Snippet == "" {
				finding.Snippet = sentence
			}
			if cred > finding.Confidence {
				finding.Confidence = cred
			}
		}
		res.Findings = append(res.Findings, finding)
	}

	e.logger.Info("Heuristic fallback applied",
		zap.String("run_id", req.RunID),
		zap.String("arg_id", req.ARGID),
		zap.Int("signals", len(req.Signals)),
		zap.Int("matched", res.Matched()),
		zap.Int("evidence", len(res.Evidence)),
	)
	return res
}

// signalPattern builds a case-insensitive matcher from the signal keywords,
// adding the funding and revenue discovery patterns for financial signals.
func signalPattern(sig mission.SignalExpectation) *regexp.Regexp {
	terms := make([]string, 0, len(sig.Keywords)+1)
	for _, k := range sig.Keywords {
		k = strings.TrimSpace(k)
		if k != "" {
			terms = append(terms, regexp.QuoteMeta(strings.ToLower(k)))
		}
	}
	if sig.Category == "financial" {
		terms = append(terms, fundingTerms, revenueTerms)
	}
	if len(terms) == 0 {
		terms = append(terms, regexp.QuoteMeta(strings.ReplaceAll(sig.ID, "_", " ")))
	}
	re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(terms, "|") + `)`)
	if err != nil {
		return nil
	}
	return re
}

func matchSentence(content string, re *regexp.Regexp) string {
	for _, s := range sentenceSplit.Split(content, -1) {
		s = strings.TrimSpace(s)
		if s != "" && re.MatchString(s) {
			return truncate(s, maxSnippet)
		}
	}
	return ""
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// extractAmount parses the first money amount in s into dollars
func extractAmount(s string) *float64 {
	m := moneyPattern.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	switch strings.ToLower(m[2]) {
	case "k", "thousand":
		v *= 1e3
	case "m", "million":
		v *= 1e6
	case "b", "billion":
		v *= 1e9
	}
	return &v
}
