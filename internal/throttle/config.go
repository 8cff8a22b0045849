package throttle

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule caps one message type for one user: at most Max accepted messages per
// Window, with an optional minimum spacing between accepted messages.
type Rule struct {
	Max        int `yaml:"max"`
	WindowMs   int `yaml:"window_ms"`
	CoalesceMs int `yaml:"coalesce_ms"`
}

// FloodRule configures the observability-only flood detector. Exceeding it
// logs one warning per window and never drops anything.
type FloodRule struct {
	Max      int `yaml:"max"`
	WindowMs int `yaml:"window_ms"`
}

type Config struct {
	Rules map[string]Rule      `yaml:"rules"`
	Flood map[string]FloodRule `yaml:"flood"`
}

// DefaultConfig matches the shipped configs/throttle.yaml.
func DefaultConfig() Config {
	return Config{
		Rules: map[string]Rule{
			"camera":   {Max: 1, WindowMs: 60, CoalesceMs: 60},
			"chat":     {Max: 3, WindowMs: 1000},
			"viewport": {Max: 1, WindowMs: 100, CoalesceMs: 100},
		},
		Flood: map[string]FloodRule{
			"camera": {Max: 20, WindowMs: 2000},
		},
	}
}

func LoadConfig(path string) (Config, error) {
	var c Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("throttle.yaml: %w", err)
	}
	for typ, r := range c.Rules {
		if r.Max <= 0 || r.WindowMs <= 0 {
			return c, fmt.Errorf("throttle.yaml: rule %q needs positive max and window_ms", typ)
		}
	}
	return c, nil
}
