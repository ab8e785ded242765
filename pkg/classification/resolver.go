package classification

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule maps a set of resource types to a classification level.
// Rules are evaluated in declaration order; first match wins.
type Rule struct {
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description,omitempty"`
	ResourceTypes []string `yaml:"resource_types"`
	Level         Level    `yaml:"classification"`
}

// Matches reports whether the rule covers the given resource type.
func (r Rule) Matches(resourceType string) bool {
	for _, rt := range r.ResourceTypes {
		if rt == resourceType {
			return true
		}
	}
	return false
}

// Context carries contextual hints that can raise a classification.
type Context struct {
	// Uncertain marks data whose provenance or accuracy is unverified.
	Uncertain bool
	// ExternalSource marks data returned by an external legacy system.
	ExternalSource bool
}

// Config is the parsed classification rules file.
type Config struct {
	Rules   []Rule `yaml:"rules"`
	Default Level  `yaml:"default_classification"`
	// UncertainEscalateTo is the level applied when context marks data
	// uncertain, if higher than the matched rule's level.
	UncertainEscalateTo Level `yaml:"uncertain_escalate_to,omitempty"`
	// ExternalSourceMinimum floors data sourced from external systems.
	ExternalSourceMinimum Level `yaml:"external_source_minimum,omitempty"`
}

// Resolver assigns classification levels from configured rules.
// Resolution is a pure function of (resource type, context); the
// resolver holds no mutable state after construction.
type Resolver struct {
	rules                 []Rule
	defaultLevel          Level
	uncertainEscalateTo   Level
	externalSourceMinimum Level
}

// NewResolver validates the config and builds a resolver.
// Fails closed: an unknown level anywhere in the config is a load error,
// and the default falls back to Sensitive when unset.
func NewResolver(cfg Config) (*Resolver, error) {
	def := cfg.Default
	if def == "" {
		def = Sensitive
	}
	if !def.Valid() {
		return nil, fmt.Errorf("classification: invalid default level %q", cfg.Default)
	}
	for _, r := range cfg.Rules {
		if !r.Level.Valid() {
			return nil, fmt.Errorf("classification: rule %q has invalid level %q", r.Name, r.Level)
		}
		if len(r.ResourceTypes) == 0 {
			return nil, fmt.Errorf("classification: rule %q matches no resource types", r.Name)
		}
	}
	if cfg.UncertainEscalateTo != "" && !cfg.UncertainEscalateTo.Valid() {
		return nil, fmt.Errorf("classification: invalid uncertain_escalate_to %q", cfg.UncertainEscalateTo)
	}
	if cfg.ExternalSourceMinimum != "" && !cfg.ExternalSourceMinimum.Valid() {
		return nil, fmt.Errorf("classification: invalid external_source_minimum %q", cfg.ExternalSourceMinimum)
	}
	return &Resolver{
		rules:                 cfg.Rules,
		defaultLevel:          def,
		uncertainEscalateTo:   cfg.UncertainEscalateTo,
		externalSourceMinimum: cfg.ExternalSourceMinimum,
	}, nil
}

// LoadConfig reads and parses a classification rules YAML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("classification: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("classification: parse config: %w", err)
	}
	return cfg, nil
}

// Resolve determines the level for a resource type under the given
// context. First matching rule wins; no match yields the default.
// Context overrides may only raise the result, never lower it.
func (r *Resolver) Resolve(resourceType string, ctx Context) Level {
	level := r.defaultLevel
	for _, rule := range r.rules {
		if rule.Matches(resourceType) {
			level = rule.Level
			break
		}
	}
	if ctx.Uncertain && r.uncertainEscalateTo != "" {
		level = Max(level, r.uncertainEscalateTo)
	}
	if ctx.ExternalSource && r.externalSourceMinimum != "" {
		level = Max(level, r.externalSourceMinimum)
	}
	return level
}

// DefaultLevel returns the fallback level used when no rule matches.
func (r *Resolver) DefaultLevel() Level {
	return r.defaultLevel
}
