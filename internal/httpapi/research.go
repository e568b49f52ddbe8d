package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/evidence"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/mission"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/orchestrator"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/planner"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
)

type researchRequest struct {
	Company      string           `json:"company"`
	Statement    string           `json:"statement,omitempty"`
	ThesisType   string           `json:"thesis_type"`
	Pillars      []mission.Pillar `json:"pillars,omitempty"`
	CallCeiling  int              `json:"call_ceiling,omitempty"`
	TokenCeiling int              `json:"token_ceiling,omitempty"`
	Deadline     string           `json:"deadline,omitempty"` // Go duration, e.g. "10m"
}

func (req researchRequest) toRequest() (orchestrator.Request, error) {
	out := orchestrator.Request{
		Thesis: mission.Thesis{
			Company:   strings.TrimSpace(req.Company),
			Statement: req.Statement,
			Type:      mission.ThesisType(req.ThesisType),
			Pillars:   req.Pillars,
		},
		Ceiling: planner.Budget{Calls: req.CallCeiling, Tokens: req.TokenCeiling},
	}
	if out.Thesis.Company == "" {
		return out, errors.New("company is required")
	}
	if req.ThesisType == "" {
		return out, errors.New("thesis_type is required")
	}
	if req.Deadline != "" {
		d, err := time.ParseDuration(req.Deadline)
		if err != nil || d <= 0 {
			return out, errors.New("deadline must be a positive duration")
		}
		out.Deadline = d
	}
	return out, nil
}

// handleResearch runs one research request to completion.
// POST /v1/research
func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	var body researchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.deps.Orchestrator.RunResearch(r.Context(), req)
	if err != nil {
		if taxonomy.IsFatal(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Research run failed", zap.String("company", req.Thesis.Company), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "research run failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type ingestResponse struct {
	RunID      string   `json:"run_id"`
	Accepted   int      `json:"accepted"`
	Merged     int      `json:"merged"`
	Duplicates int      `json:"duplicates"`
	Invalid    []string `json:"invalid,omitempty"`
}

// handleIngest accepts one evidence item or an array from capture tooling.
// POST /v1/runs/{runID}/evidence
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	var items []evidence.Evidence
	if err := json.Unmarshal(raw, &items); err != nil {
		var single evidence.Evidence
		if err := json.Unmarshal(raw, &single); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		items = []evidence.Evidence{single}
	}
	for i := range items {
		if items[i].Extraction.Method == "" {
			items[i].Extraction.Method = evidence.MethodCapture
		}
		if items[i].Source.Type == "" {
			items[i].Source.Type = evidence.SourceCapture
		}
	}

	res, err := s.deps.Orchestrator.IngestEvidence(r.Context(), runID, items)
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunNotActive) {
			writeError(w, http.StatusNotFound, "run is not active")
			return
		}
		s.logger.Warn("Evidence ingestion failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "ingestion failed")
		return
	}
	out := ingestResponse{RunID: runID, Accepted: len(res.Accepted), Merged: len(res.Merged), Duplicates: res.Duplicates}
	for _, e := range res.Invalid {
		out.Invalid = append(out.Invalid, e.Error())
	}
	writeJSON(w, http.StatusAccepted, out)
}
