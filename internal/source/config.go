package source

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/deadonfilm/enrich-cli/internal/model"
)

// RegistryConfig reorders, disables, and tunes sources. Sources listed run
// first in the listed order; unlisted sources follow in their built-in order.
type RegistryConfig struct {
	Sources []Override `yaml:"sources"`
}

// Override tunes one source. Zero values keep the built-in descriptor.
type Override struct {
	Type         model.SourceType `yaml:"type"`
	Enabled      *bool            `yaml:"enabled,omitempty"`
	MinDelayMs   int              `yaml:"min_delay_ms,omitempty"`
	TimeoutSecs  int              `yaml:"timeout_secs,omitempty"`
	CostPerQuery *float64         `yaml:"cost_per_query,omitempty"`
	Tier         string           `yaml:"tier,omitempty"`
}

// LoadRegistryConfig reads a registry file. The YAML has a top-level
// "registry" key.
func LoadRegistryConfig(path string) (*RegistryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read registry config %s", path)
	}

	var wrapper struct {
		Registry RegistryConfig `yaml:"registry"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "source: parse registry config")
	}

	seen := make(map[model.SourceType]bool)
	for _, o := range wrapper.Registry.Sources {
		if o.Type == "" {
			return nil, eris.New("source: registry config: entry without type")
		}
		if seen[o.Type] {
			return nil, eris.Errorf("source: registry config: %q listed twice", o.Type)
		}
		seen[o.Type] = true
		if o.Tier != "" {
			if _, err := model.ParseReliabilityTier(o.Tier); err != nil {
				return nil, eris.Wrapf(err, "source: registry config: %s", o.Type)
			}
		}
	}
	return &wrapper.Registry, nil
}

// ApplyConfig orders and tunes performers, wraps each, and registers the
// result. A nil config registers everything in the given order.
func ApplyConfig(performers []Performer, cfg *RegistryConfig) (*Registry, error) {
	byType := make(map[model.SourceType]Performer, len(performers))
	for _, p := range performers {
		byType[p.Descriptor().Type] = p
	}

	var ordered []Performer
	used := make(map[model.SourceType]bool)
	if cfg != nil {
		for _, o := range cfg.Sources {
			p, ok := byType[o.Type]
			if !ok {
				return nil, eris.Errorf("source: registry config names unknown source %q", o.Type)
			}
			used[o.Type] = true
			if o.Enabled != nil && !*o.Enabled {
				continue
			}
			ordered = append(ordered, withOverride(p, o))
		}
	}
	for _, p := range performers {
		if !used[p.Descriptor().Type] {
			ordered = append(ordered, p)
		}
	}

	reg := NewRegistry()
	for _, p := range ordered {
		if err := reg.Register(Wrap(p)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

type overridden struct {
	Performer
	desc model.SourceDescriptor
}

func (o *overridden) Descriptor() model.SourceDescriptor { return o.desc }

func withOverride(p Performer, o Override) Performer {
	desc := p.Descriptor()
	changed := false
	if o.MinDelayMs > 0 {
		desc.MinDelay = time.Duration(o.MinDelayMs) * time.Millisecond
		changed = true
	}
	if o.TimeoutSecs > 0 {
		desc.Timeout = time.Duration(o.TimeoutSecs) * time.Second
		changed = true
	}
	if o.CostPerQuery != nil {
		desc.EstimatedCostPerQuery = *o.CostPerQuery
		desc.IsFree = *o.CostPerQuery == 0
		changed = true
	}
	if o.Tier != "" {
		if t, err := model.ParseReliabilityTier(o.Tier); err == nil {
			desc.ReliabilityTier = t
			changed = true
		}
	}
	if !changed {
		return p
	}
	return &overridden{Performer: p, desc: desc}
}
