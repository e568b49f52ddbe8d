package archive

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/evidence"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/gaps"
)

// JSONB is a json document column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	}
	return fmt.Errorf("cannot scan %T into JSONB", value)
}

// StringList is a list stored as a json array
type StringList []string

// Value implements the driver.Valuer interface
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (s *StringList) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]string)(s))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(s))
	}
	return fmt.Errorf("cannot scan %T into StringList", value)
}

// RunRecord is the archived summary of a research run
type RunRecord struct {
	RunID            string     `db:"run_id" json:"run_id"`
	Company          string     `db:"company" json:"company"`
	ThesisType       string     `db:"thesis_type" json:"thesis_type"`
	Status           string     `db:"status" json:"status"`
	Degraded         bool       `db:"degraded" json:"degraded"`
	WeightedCoverage float64    `db:"weighted_coverage" json:"weighted_coverage"`
	EvidenceCount    int        `db:"evidence_count" json:"evidence_count"`
	StartedAt        time.Time  `db:"started_at" json:"started_at"`
	FinishedAt       *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	Summary          JSONB      `db:"summary" json:"summary,omitempty"`
}

// EvidenceRow is one archived evidence item
type EvidenceRow struct {
	ID          string     `db:"id" json:"id"`
	RunID       string     `db:"run_id" json:"run_id"`
	ARGID       string     `db:"arg_id" json:"arg_id,omitempty"`
	PillarID    string     `db:"pillar_id" json:"pillar_id,omitempty"`
	Signals     StringList `db:"signals" json:"signals"`
	SourceType  string     `db:"source_type" json:"source_type"`
	Origin      string     `db:"origin" json:"origin"`
	Credibility float64    `db:"credibility" json:"credibility"`
	Content     string     `db:"content" json:"content"`
	ContentHash string     `db:"content_hash" json:"content_hash"`
	Method      string     `db:"method" json:"method"`
	CitationURL string     `db:"citation_url" json:"citation_url,omitempty"`
	Tags        StringList `db:"tags" json:"tags,omitempty"`
	ExtractedAt time.Time  `db:"extracted_at" json:"extracted_at"`
}

// EvidenceRowFrom flattens an evidence item for storage
func EvidenceRowFrom(runID string, e evidence.Evidence) EvidenceRow {
	row := EvidenceRow{
		ID:          e.ID,
		RunID:       runID,
		ARGID:       e.ARGID,
		PillarID:    e.PillarID,
		Signals:     StringList(e.Signals),
		SourceType:  e.Source.Type,
		Origin:      e.Source.Origin,
		Credibility: e.Source.Credibility,
		Content:     e.Content,
		ContentHash: e.ContentHash(),
		Method:      e.Extraction.Method,
		Tags:        StringList(e.Tags),
		ExtractedAt: e.Extraction.Timestamp,
	}
	if e.Citation != nil {
		row.CitationURL = e.Citation.URL
	}
	return row
}

// GapRow is one archived gap
type GapRow struct {
	RunID       string    `db:"run_id"`
	Cycle       int       `db:"cycle"`
	Signal      string    `db:"signal"`
	GapType     string    `db:"gap_type"`
	Criticality string    `db:"criticality"`
	Confidence  float64   `db:"confidence"`
	Reason      string    `db:"reason"`
	MicroAgents int       `db:"micro_agents"`
	CreatedAt   time.Time `db:"created_at"`
}

// GapRowFrom flattens a gap for storage
func GapRowFrom(runID string, cycle int, g gaps.Gap, at time.Time) GapRow {
	return GapRow{
		RunID:       runID,
		Cycle:       cycle,
		Signal:      g.Signal,
		GapType:     string(g.Type),
		Criticality: string(g.Criticality),
		Confidence:  g.Confidence,
		Reason:      g.Reason,
		MicroAgents: len(g.MicroAgents),
		CreatedAt:   at,
	}
}
