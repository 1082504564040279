// Package fallback resolves a record from an ordered chain of candidate
// sources and scores the quality of whatever the chain produced.
package fallback

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Policy governs the outcome when every source in a chain fails.
type Policy string

const (
	PolicySkip            Policy = "skip"
	PolicyPlaceholder     Policy = "placeholder"
	PolicyFail            Policy = "fail"
	PolicyContinueDegrade Policy = "continue-degraded"
)

func (p Policy) valid() bool {
	switch p {
	case PolicySkip, PolicyPlaceholder, PolicyFail, PolicyContinueDegrade:
		return true
	}
	return false
}

// Config is the top-level fallback configuration.
type Config struct {
	Defaults DefaultConfig          `yaml:"defaults"`
	Sources  map[string]SourceDef   `yaml:"sources"`
	Chains   map[string]ChainConfig `yaml:"chains"`
}

// DefaultConfig holds global scoring defaults.
type DefaultConfig struct {
	FirstFallbackPenalty int `yaml:"first_fallback_penalty"`
	LaterFallbackPenalty int `yaml:"later_fallback_penalty"`
	DegradedPenalty      int `yaml:"degraded_penalty"`
	MinSampleSize        int `yaml:"min_sample_size"`
}

// SourceDef declares a source that chains may reference.
type SourceDef struct {
	Description string `yaml:"description"`
}

// ChainConfig is one ordered fallback chain.
type ChainConfig struct {
	Sources       []SourceStep `yaml:"sources"`
	OnAllFail     Policy       `yaml:"on_all_fail"`
	MinSampleSize int          `yaml:"min_sample_size,omitempty"`
}

// SourceStep is one position in a chain. Penalty is the deduction for
// having to fall past the previous step to reach this one; zero means
// use the positional default.
type SourceStep struct {
	Name    string `yaml:"name"`
	Penalty int    `yaml:"penalty,omitempty"`
}

// LoadConfig reads fallback config from a YAML file and validates it
// eagerly. A malformed chain is a startup failure, not a runtime one.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fallback: read config %s", path)
	}

	// The YAML has a top-level "fallback" key
	var wrapper struct {
		Fallback Config `yaml:"fallback"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "fallback: parse config")
	}

	cfg := &wrapper.Fallback
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Defaults.FirstFallbackPenalty == 0 {
		c.Defaults.FirstFallbackPenalty = 15
	}
	if c.Defaults.LaterFallbackPenalty == 0 {
		c.Defaults.LaterFallbackPenalty = 20
	}
	if c.Defaults.DegradedPenalty == 0 {
		c.Defaults.DegradedPenalty = 30
	}
	for key, ch := range c.Chains {
		if ch.MinSampleSize == 0 {
			ch.MinSampleSize = c.Defaults.MinSampleSize
		}
		c.Chains[key] = ch
	}
}

// Validate checks cross-references and policies across every chain.
func (c *Config) Validate() error {
	for name, ch := range c.Chains {
		if len(ch.Sources) == 0 {
			return eris.Errorf("fallback: chain %q has no sources", name)
		}
		if !ch.OnAllFail.valid() {
			return eris.Errorf("fallback: chain %q has invalid on_all_fail %q", name, ch.OnAllFail)
		}
		seen := make(map[string]bool, len(ch.Sources))
		for _, step := range ch.Sources {
			if step.Name == "" {
				return eris.Errorf("fallback: chain %q has an unnamed source", name)
			}
			if _, ok := c.Sources[step.Name]; !ok {
				return eris.Errorf("fallback: chain %q references undefined source %q", name, step.Name)
			}
			if seen[step.Name] {
				return eris.Errorf("fallback: chain %q lists source %q twice", name, step.Name)
			}
			seen[step.Name] = true
			if step.Penalty < 0 {
				return eris.Errorf("fallback: chain %q source %q has negative penalty", name, step.Name)
			}
		}
	}
	return nil
}

// Chain returns the named chain configuration.
func (c *Config) Chain(name string) (ChainConfig, bool) {
	ch, ok := c.Chains[name]
	return ch, ok
}

// stepPenalty returns the deduction for winning at position idx, where
// idx 0 is the primary source and carries no penalty.
func (c *Config) stepPenalty(ch ChainConfig, idx int) int {
	if idx <= 0 {
		return 0
	}
	if p := ch.Sources[idx].Penalty; p > 0 {
		return p
	}
	if idx == 1 {
		return c.Defaults.FirstFallbackPenalty
	}
	return c.Defaults.LaterFallbackPenalty
}
