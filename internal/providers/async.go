package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
)

// Async job states reported by the remote service
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

type submitResponse struct {
	JobID string `json:"job_id"`
}

type pollResponse struct {
	Status  string `json:"status"`
	Results []Hit  `json:"results"`
	Error   string `json:"error,omitempty"`
}

// DefaultAsyncMaxWait bounds polling when no max wait is configured. It stays
// below the agent's default act timeout so a stuck job surfaces as a provider
// timeout rather than a cancelled batch.
const DefaultAsyncMaxWait = 90 * time.Second

// AsyncProvider submits long-running research jobs and polls them on a fixed
// interval until completion or MaxWait, after which it gives up with a
// network-class timeout.
type AsyncProvider struct {
	name         string
	endpoint     string
	apiKey       string
	client       *http.Client
	pollInterval time.Duration
	maxWait      time.Duration
	logger       *zap.Logger
}

// NewAsyncProvider creates an async provider rooted at endpoint
func NewAsyncProvider(name, endpoint, apiKey string, pollInterval, maxWait time.Duration, logger *zap.Logger) *AsyncProvider {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if maxWait <= 0 {
		maxWait = DefaultAsyncMaxWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncProvider{
		name:         name,
		endpoint:     strings.TrimRight(endpoint, "/"),
		apiKey:       apiKey,
		client:       &http.Client{Timeout: 30 * time.Second},
		pollInterval: pollInterval,
		maxWait:      maxWait,
		logger:       logger,
	}
}

func (p *AsyncProvider) Name() string { return p.name }

// Search submits req and waits for the job to finish
func (p *AsyncProvider) Search(ctx context.Context, req Request) ([]Hit, error) {
	op := p.name + ".submit"
	var sub submitResponse
	if err := doJSON(ctx, p.client, http.MethodPost, p.endpoint+"/jobs", p.apiKey, op, req, &sub); err != nil {
		return nil, err
	}
	if sub.JobID == "" {
		return nil, taxonomy.Validation(op, fmt.Errorf("submit returned no job id"))
	}

	deadline := time.NewTimer(p.maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	pollURL := p.endpoint + "/jobs/" + url.PathEscape(sub.JobID)
	polls := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, &taxonomy.Error{
				Kind:    taxonomy.KindNetwork,
				Op:      p.name + ".poll",
				Message: fmt.Sprintf("job %s not finished after %s (%d polls): timeout", sub.JobID, p.maxWait, polls),
			}
		case <-ticker.C:
		}

		polls++
		var st pollResponse
		if err := doJSON(ctx, p.client, http.MethodGet, pollURL, p.apiKey, p.name+".poll", nil, &st); err != nil {
			return nil, err
		}
		switch st.Status {
		case JobCompleted:
			p.logger.Debug("Async research job completed",
				zap.String("provider", p.name),
				zap.String("job_id", sub.JobID),
				zap.Int("polls", polls),
				zap.Int("hits", len(st.Results)),
			)
			return st.Results, nil
		case JobFailed:
			return nil, taxonomy.New(taxonomy.Classify(fmt.Errorf("%s", st.Error)), p.name+".poll", "job "+sub.JobID+" failed: "+st.Error)
		case JobPending, JobRunning, "":
		default:
			return nil, taxonomy.Validation(p.name+".poll", fmt.Errorf("unexpected job status %q", st.Status))
		}
	}
}
