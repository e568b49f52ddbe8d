package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
)

// Source types
const (
	SourceWeb       = "web"
	SourceDocument  = "document"
	SourceReview    = "review"
	SourceFinancial = "financial"
	SourceCode      = "code"
	SourceSecurity  = "security"
	SourceCapture   = "capture"
	SourceHeuristic = "heuristic"
)

// Extraction methods
const (
	MethodSearch    = "search"
	MethodDocument  = "document"
	MethodCapture   = "capture"
	MethodHeuristic = "heuristic"
)

// TagHeuristic marks evidence produced by the heuristic fallback
const TagHeuristic = "heuristic"

// Polarity is the direction of a boolean claim
type Polarity string

const (
	PolarityNone     Polarity = ""
	PolarityPositive Polarity = "positive"
	PolarityNegative Polarity = "negative"
)

// Source describes where an item came from
type Source struct {
	Type        string     `json:"type"`
	Origin      string     `json:"origin"`
	Credibility float64    `json:"credibility"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Claim is the structured assertion an item makes about its signals
type Claim struct {
	Polarity Polarity `json:"polarity,omitempty"`
	Value    *float64 `json:"value,omitempty"`
}

// Extraction records when and how an item was produced
type Extraction struct {
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
}

// Citation points at the original document
type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Evidence is one append-only research finding
type Evidence struct {
	ID         string     `json:"id"`
	ARGID      string     `json:"arg_id,omitempty"`
	PillarID   string     `json:"pillar_id,omitempty"`
	Signals    []string   `json:"signals"`
	Source     Source     `json:"source"`
	Content    string     `json:"content"`
	Claim      Claim      `json:"claim,omitempty"`
	Extraction Extraction `json:"extraction"`
	Citation   *Citation  `json:"citation,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
}

// ContentHash identifies an item by its normalized content and origin
func (e Evidence) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(normalize(e.Content)))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(e.Source.Origin))))
	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks an item before ingestion. Failures are validation-kind.
func (e Evidence) Validate() error {
	switch {
	case strings.TrimSpace(e.Content) == "":
		return taxonomy.Validation("evidence.validate", errors.New("empty content"))
	case len(e.Signals) == 0:
		return taxonomy.Validation("evidence.validate", errors.New("no signals"))
	case e.Source.Credibility < 0 || e.Source.Credibility > 1:
		return taxonomy.Validation("evidence.validate", errors.New("credibility out of range"))
	}
	return nil
}

// Has reports whether the item supports signal
func (e Evidence) Has(signal string) bool {
	for _, s := range e.Signals {
		if s == signal {
			return true
		}
	}
	return false
}

// IsHeuristic reports whether the item came from the heuristic fallback
func (e Evidence) IsHeuristic() bool {
	if e.Extraction.Method == MethodHeuristic {
		return true
	}
	for _, t := range e.Tags {
		if t == TagHeuristic {
			return true
		}
	}
	return false
}

// Age is the age of the item at now, by publication date when known
func (e Evidence) Age(now time.Time) time.Duration {
	if e.Source.PublishedAt != nil {
		return now.Sub(*e.Source.PublishedAt)
	}
	return now.Sub(e.Extraction.Timestamp)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
