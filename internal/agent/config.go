package agent

import (
	"time"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
)

// Config tunes the section agent loop
type Config struct {
	Tau                 float64       `mapstructure:"tau" json:"tau"`
	Epsilon             float64       `mapstructure:"epsilon" json:"epsilon"`
	MaxDepth            int           `mapstructure:"max_depth" json:"max_depth"`
	QueriesPerIteration int           `mapstructure:"queries_per_iteration" json:"queries_per_iteration"`
	ActTimeout          time.Duration `mapstructure:"act_timeout" json:"act_timeout"`
}

// DefaultConfig returns the defaults used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Tau:                 0.88,
		Epsilon:             0.02,
		MaxDepth:            5,
		QueriesPerIteration: 4,
		ActTimeout:          2 * time.Minute,
	}
}

// Validate rejects settings the loop cannot terminate under
func (c Config) Validate() error {
	switch {
	case c.Tau <= 0 || c.Tau > 1:
		return taxonomy.Configuration("agent.config", "tau %.3f must be in (0,1]", c.Tau)
	case c.Epsilon < 0 || c.Epsilon >= 1:
		return taxonomy.Configuration("agent.config", "epsilon %.3f must be in [0,1)", c.Epsilon)
	case c.MaxDepth < 1:
		return taxonomy.Configuration("agent.config", "max depth must be at least 1")
	case c.QueriesPerIteration < 1:
		return taxonomy.Configuration("agent.config", "queries per iteration must be at least 1")
	case c.ActTimeout <= 0:
		return taxonomy.Configuration("agent.config", "act timeout must be positive")
	}
	return nil
}
