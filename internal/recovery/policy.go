package recovery

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haloapp/sentinel/internal/events"
)

// Built-in escalation thresholds. The policy file may override them; the
// defaults must stay in lockstep with the event bus constants.
const (
	DefaultEngineResetThreshold = 3
	DefaultAppRestartThreshold  = 5
	DefaultCooldown             = 30 * time.Second
	DefaultAttemptCap           = 3
)

// Duration wraps time.Duration for YAML round-tripping in "30s" form.
type Duration time.Duration

// Duration returns the wrapped value.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements custom YAML unmarshaling for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements custom YAML marshaling for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	if d == 0 {
		return "", nil
	}
	return time.Duration(d).String(), nil
}

// Policy holds the escalation thresholds and rate limits driving strategy
// selection and execution.
type Policy struct {
	// AgentCriticalThreshold is the consecutive agent-error count at which
	// events escalate to critical.
	AgentCriticalThreshold int `yaml:"agent_critical_threshold"`
	// EngineResetThreshold selects an engine reset for agent-scoped sources.
	EngineResetThreshold int `yaml:"engine_reset_threshold"`
	// AppRestartThreshold selects an app restart regardless of source.
	AppRestartThreshold int `yaml:"app_restart_threshold"`
	// Cooldown is the sliding window the attempt cap applies to.
	Cooldown Duration `yaml:"cooldown"`
	// AttemptCap bounds recovery executions inside one cooldown window.
	AttemptCap int `yaml:"attempt_cap"`
	// DecayWindow resets consecutive-error counters after quiet time.
	DecayWindow Duration `yaml:"decay_window"`
}

// DefaultPolicy returns the built-in thresholds.
func DefaultPolicy() Policy {
	return Policy{
		AgentCriticalThreshold: events.AgentCriticalThreshold,
		EngineResetThreshold:   DefaultEngineResetThreshold,
		AppRestartThreshold:    DefaultAppRestartThreshold,
		Cooldown:               Duration(DefaultCooldown),
		AttemptCap:             DefaultAttemptCap,
		DecayWindow:            Duration(events.DefaultDecayWindow),
	}
}

// LoadPolicy loads the escalation policy from a YAML file. A missing file
// yields the defaults; a present but malformed file is an error.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses a policy from YAML data. Omitted fields keep their
// defaults.
func ParsePolicy(data []byte) (Policy, error) {
	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy YAML: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, fmt.Errorf("validate policy: %w", err)
	}
	return policy, nil
}

// Validate checks that the policy is well-formed.
func (p Policy) Validate() error {
	if p.AgentCriticalThreshold < 1 {
		return fmt.Errorf("agent_critical_threshold must be at least 1")
	}
	if p.EngineResetThreshold < 1 {
		return fmt.Errorf("engine_reset_threshold must be at least 1")
	}
	if p.AppRestartThreshold <= p.EngineResetThreshold {
		return fmt.Errorf("app_restart_threshold %d must exceed engine_reset_threshold %d",
			p.AppRestartThreshold, p.EngineResetThreshold)
	}
	if p.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive")
	}
	if p.AttemptCap < 1 {
		return fmt.Errorf("attempt_cap must be at least 1")
	}
	if p.DecayWindow <= 0 {
		return fmt.Errorf("decay_window must be positive")
	}
	return nil
}
