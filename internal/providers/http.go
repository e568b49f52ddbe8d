package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/tracing"
)

const maxResponseBytes = 4 << 20

type searchResponse struct {
	Results []Hit `json:"results"`
}

// HTTPProvider calls a synchronous JSON search endpoint
type HTTPProvider struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPProvider creates a provider posting requests to endpoint
func NewHTTPProvider(name, endpoint, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProvider{
		name:     name,
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

func (p *HTTPProvider) Name() string { return p.name }

// Search posts req and decodes the results
func (p *HTTPProvider) Search(ctx context.Context, req Request) ([]Hit, error) {
	op := p.name + ".search"
	var out searchResponse
	if err := doJSON(ctx, p.client, http.MethodPost, p.endpoint, p.apiKey, op, req, &out); err != nil {
		return nil, err
	}
	p.logger.Debug("Provider search completed",
		zap.String("provider", p.name),
		zap.String("tool", string(req.Tool)),
		zap.Int("hits", len(out.Results)),
	)
	return out.Results, nil
}

// doJSON performs one JSON round trip and classifies every failure
func doJSON(ctx context.Context, client *http.Client, method, url, apiKey, op string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return taxonomy.Validation(op, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(buf)
	}

	ctx, span := tracing.StartHTTPSpan(ctx, method, url)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return taxonomy.Wrap(err, taxonomy.KindConfiguration, op)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.Canceled) {
			return err
		}
		return taxonomy.Wrap(err, taxonomy.KindNetwork, op)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return taxonomy.Wrap(err, taxonomy.KindNetwork, op)
	}
	if err := classifyStatus(op, resp, data); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return taxonomy.Validation(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
