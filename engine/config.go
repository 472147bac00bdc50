package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RoutingConfig bounds the router's loop budget (§4.3 step 4).
type RoutingConfig struct {
	MaxLoops *int `json:"max_loops,omitempty" yaml:"max_loops,omitempty"`
}

// EngineConfig is the ambient, run-wide tuning surface (§3 EngineContext:
// maxParallelism, failFast, debug). Parsing the check graph itself — the
// extends/imports-merged configuration document a deployment ships — is an
// external collaborator's job (§1 Non-goals); this struct only carries the
// knobs the engine core consults directly. Grounded on the teacher's
// RunConfigFile/RuntimePolicyConfig (internal/attractor/engine/config.go),
// which uses the same optional-pointer-field-over-yaml.v3 pattern.
type EngineConfig struct {
	MaxParallelism *int          `json:"max_parallelism,omitempty" yaml:"max_parallelism,omitempty"`
	FailFast       *bool         `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`
	Debug          *bool         `json:"debug,omitempty" yaml:"debug,omitempty"`
	DefaultTimeoutMS *int        `json:"default_timeout_ms,omitempty" yaml:"default_timeout_ms,omitempty"`
	GlobalFailIf   string        `json:"global_fail_if,omitempty" yaml:"global_fail_if,omitempty"`
	Routing        RoutingConfig `json:"routing,omitempty" yaml:"routing,omitempty"`
}

// LoadConfig reads and decodes an EngineConfig document from path.
func LoadConfig(path string) (EngineConfig, error) {
	var cfg EngineConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("engine: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("engine: parse config %s: %w", path, err)
	}
	return cfg, nil
}

const (
	defaultMaxParallelism  = 10
	defaultMaxLoops        = 10
	defaultTimeoutMS       = 600_000
)

func (c EngineConfig) maxParallelism() int {
	if c.MaxParallelism != nil && *c.MaxParallelism > 0 {
		return *c.MaxParallelism
	}
	return defaultMaxParallelism
}

func (c EngineConfig) failFast() bool {
	return c.FailFast != nil && *c.FailFast
}

func (c EngineConfig) debug() bool {
	return c.Debug != nil && *c.Debug
}

func (c EngineConfig) maxLoops() int {
	if c.Routing.MaxLoops != nil && *c.Routing.MaxLoops > 0 {
		return *c.Routing.MaxLoops
	}
	return defaultMaxLoops
}

func (c EngineConfig) defaultTimeoutMS() int {
	if c.DefaultTimeoutMS != nil && *c.DefaultTimeoutMS > 0 {
		return *c.DefaultTimeoutMS
	}
	return defaultTimeoutMS
}
