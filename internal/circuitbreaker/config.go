package circuitbreaker

import (
	"strings"
	"time"
)

// Settings is the configuration-file view of breaker thresholds
type Settings struct {
	FailureThreshold uint32                   `mapstructure:"failure_threshold"`
	Window           time.Duration            `mapstructure:"window"`
	Cooldown         time.Duration            `mapstructure:"cooldown"`
	Overrides        map[string]OverrideValue `mapstructure:"overrides"`
}

// OverrideValue tunes a single dependency. Zero fields inherit the defaults.
type OverrideValue struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// ConfigFor returns the breaker config for a dependency name
func (s Settings) ConfigFor(name string) Config {
	cfg := DefaultConfig()
	if s.FailureThreshold > 0 {
		cfg.FailureThreshold = s.FailureThreshold
	}
	if s.Window > 0 {
		cfg.Window = s.Window
	}
	if s.Cooldown > 0 {
		cfg.Cooldown = s.Cooldown
	}
	if o, ok := s.Overrides[strings.ToLower(strings.TrimSpace(name))]; ok {
		if o.FailureThreshold > 0 {
			cfg.FailureThreshold = o.FailureThreshold
		}
		if o.Window > 0 {
			cfg.Window = o.Window
		}
		if o.Cooldown > 0 {
			cfg.Cooldown = o.Cooldown
		}
	}
	return cfg
}
