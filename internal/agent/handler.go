package agent

import (
	"context"
	"fmt"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/evidence"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/providers"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/queue"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
)

// ProviderCall is the payload of a research job
type ProviderCall struct {
	Provider string            `json:"provider"`
	Request  providers.Request `json:"request"`
}

// ProviderHandler executes research jobs against the registered providers. It is
// installed on every queue that carries provider calls.
func ProviderHandler(reg *providers.Registry) queue.Handler {
	return func(ctx context.Context, job *queue.Job) (interface{}, error) {
		call, ok := job.Payload.(ProviderCall)
		if !ok {
			return nil, taxonomy.Validation("agent.provider_call", fmt.Errorf("unexpected payload %T", job.Payload))
		}
		p, ok := reg.For(call.Request.Tool)
		if !ok {
			return nil, taxonomy.Configuration("agent.provider_call", "no provider for tool %q", call.Request.Tool)
		}
		return p.Search(ctx, call.Request)
	}
}

// QualityJob is the payload of a quality evaluation job. Keywords maps signal
// ids to the keywords used to judge topical fit.
type QualityJob struct {
	Store    *evidence.Store
	Items    []evidence.Evidence
	Keywords map[string][]string
}

// QualityHandler scores evidence and ingests it into the job's store. It is
// installed on the quality evaluation queue and returns an evidence.IngestResult.
func QualityHandler(scorer *evidence.QualityScorer) queue.Handler {
	if scorer == nil {
		scorer = evidence.NewQualityScorer()
	}
	return func(ctx context.Context, job *queue.Job) (interface{}, error) {
		qj, ok := job.Payload.(QualityJob)
		if !ok || qj.Store == nil {
			return nil, taxonomy.Validation("agent.quality", fmt.Errorf("unexpected payload %T", job.Payload))
		}
		return qj.Store.Ingest(ctx, scorer.Score(qj.Items, qj.Keywords)), nil
	}
}
