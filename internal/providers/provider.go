package providers

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/mission"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
)

// Request is a routed research call
type Request struct {
	Tool        mission.Tool `json:"tool"`
	Collection  string       `json:"collection,omitempty"`
	Query       string       `json:"query"`
	Signal      string       `json:"signal,omitempty"`
	MaxResults  int          `json:"max_results,omitempty"`
	RecencyDays int          `json:"recency_days,omitempty"`
}

// Hit is one raw result returned by a provider
type Hit struct {
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Snippet     string     `json:"snippet"`
	Content     string     `json:"content,omitempty"`
	Origin      string     `json:"origin,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Score       float64    `json:"score,omitempty"`
	Value       *float64   `json:"value,omitempty"`
	Polarity    string     `json:"polarity,omitempty"`
}

// Text is the best available body of the hit
func (h Hit) Text() string {
	if strings.TrimSpace(h.Content) != "" {
		return h.Content
	}
	return h.Snippet
}

// Provider executes research calls against one external service
type Provider interface {
	Name() string
	Search(ctx context.Context, req Request) ([]Hit, error)
}

// Func adapts a function to Provider
type Func struct {
	ID string
	Fn func(ctx context.Context, req Request) ([]Hit, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Search(ctx context.Context, req Request) ([]Hit, error) { return f.Fn(ctx, req) }

// Registry maps tools to the provider serving them
type Registry struct {
	mu    sync.RWMutex
	tools map[mission.Tool]Provider
}

// NewRegistry creates an empty provider registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[mission.Tool]Provider)}
}

// Register serves tools with p
func (r *Registry) Register(p Provider, tools ...mission.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		r.tools[t] = p
	}
}

// For returns the provider serving tool
func (r *Registry) For(tool mission.Tool) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.tools[tool]
	return p, ok
}

// Tools lists the tools that have a provider
func (r *Registry) Tools() []mission.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mission.Tool, 0, len(r.tools))
	for t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Config describes one configured provider
type Config struct {
	Name         string        `mapstructure:"name"`
	Kind         string        `mapstructure:"kind"` // http | async
	Endpoint     string        `mapstructure:"endpoint"`
	APIKey       string        `mapstructure:"api_key"`
	APIKeyEnv    string        `mapstructure:"api_key_env"`
	Tools        []string      `mapstructure:"tools"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
}

// EffectiveMaxWait is how long an async provider polls before giving up, zero
// for synchronous kinds
func (c Config) EffectiveMaxWait() time.Duration {
	if !strings.EqualFold(c.Kind, "async") {
		return 0
	}
	if c.MaxWait <= 0 {
		return DefaultAsyncMaxWait
	}
	return c.MaxWait
}

// Build constructs providers from configuration and registers them by tool
func Build(cfgs []Config, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := NewRegistry()
	for _, c := range cfgs {
		if c.Name == "" || c.Endpoint == "" {
			return nil, taxonomy.Configuration("providers.build", "provider requires name and endpoint")
		}
		key := c.APIKey
		if key == "" && c.APIKeyEnv != "" {
			key = os.Getenv(c.APIKeyEnv)
		}
		var p Provider
		switch strings.ToLower(c.Kind) {
		case "", "http":
			p = NewHTTPProvider(c.Name, c.Endpoint, key, c.Timeout, logger)
		case "async":
			p = NewAsyncProvider(c.Name, c.Endpoint, key, c.PollInterval, c.MaxWait, logger)
		default:
			return nil, taxonomy.Configuration("providers.build", "provider %s has unknown kind %q", c.Name, c.Kind)
		}
		tools := make([]mission.Tool, 0, len(c.Tools))
		for _, t := range c.Tools {
			tool := mission.Tool(t)
			if !tool.Known() {
				return nil, taxonomy.Configuration("providers.build", "provider %s lists unknown tool %q", c.Name, t)
			}
			tools = append(tools, tool)
		}
		if len(tools) == 0 {
			tools = []mission.Tool{mission.ToolWebSearch}
		}
		reg.Register(p, tools...)
		logger.Info("Registered research provider",
			zap.String("provider", c.Name),
			zap.String("kind", c.Kind),
			zap.Strings("tools", c.Tools),
		)
	}
	return reg, nil
}

// classifyStatus maps an HTTP status to an error kind. 2xx returns nil.
func classifyStatus(op string, resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return taxonomy.New(taxonomy.KindConfiguration, op, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		e := taxonomy.New(taxonomy.KindRateLimit, op, msg)
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return e
	case resp.StatusCode >= 500:
		return taxonomy.New(taxonomy.KindNetwork, op, msg)
	default:
		return taxonomy.New(taxonomy.KindValidation, op, msg)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
