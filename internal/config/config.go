package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Execution strategy names accepted in a play's 'strategy' field.
const (
	StrategyLinear     = "linear"
	StrategyFree       = "free"
	StrategyHostPinned = "host_pinned"
)

// Playbook represents the top-level structure of a fleetforge playbook YAML file.
type Playbook struct {
	Name          string                 `yaml:"name,omitempty"`
	SchemaVersion string                 `yaml:"schemaVersion"`
	Vars          map[string]interface{} `yaml:"vars,omitempty"`
	Plays         []Play                 `yaml:"plays"`
	// FilePath is an internal field for storing the source file path for context
	// in logging and error messages. It is not parsed from the YAML.
	FilePath string `yaml:"-"`
}

// Play binds a host pattern to an ordered list of tasks and the handlers
// those tasks may notify.
type Play struct {
	Name              string                 `yaml:"name,omitempty"`
	Hosts             string                 `yaml:"hosts"`
	Vars              map[string]interface{} `yaml:"vars,omitempty"`
	Strategy          string                 `yaml:"strategy,omitempty"`
	Serial            *SerialSpec            `yaml:"serial,omitempty"`
	MaxFailPercentage *float64               `yaml:"max_fail_percentage,omitempty"`
	Order             string                 `yaml:"order,omitempty"`
	Forks             int                    `yaml:"forks,omitempty"`
	CheckMode         *bool                  `yaml:"check_mode,omitempty"`
	DiffMode          *bool                  `yaml:"diff_mode,omitempty"`
	Tasks             []Task                 `yaml:"tasks"`
	Handlers          []Handler              `yaml:"handlers,omitempty"`
}

// Task represents a single unit of work dispatched to every targeted host.
type Task struct {
	Name         string                 `yaml:"name,omitempty"`
	Module       string                 `yaml:"module"`
	Params       map[string]interface{} `yaml:"params,omitempty"`
	Vars         map[string]interface{} `yaml:"vars,omitempty"`
	Register     string                 `yaml:"register,omitempty"`
	When         string                 `yaml:"when,omitempty"`
	ChangedWhen  string                 `yaml:"changed_when,omitempty"`
	FailedWhen   string                 `yaml:"failed_when,omitempty"`
	Loop         interface{}            `yaml:"loop,omitempty"`
	LoopControl  *LoopControlConfig     `yaml:"loop_control,omitempty"`
	Retry        *RetryConfig           `yaml:"retry,omitempty"`
	Timeout      string                 `yaml:"timeout,omitempty"`
	Notify       []string               `yaml:"notify,omitempty"`
	RunOnce      bool                   `yaml:"run_once,omitempty"`
	DelegateTo   string                 `yaml:"delegate_to,omitempty"`
	Throttle     int                    `yaml:"throttle,omitempty"`
	IgnoreErrors bool                   `yaml:"ignore_errors,omitempty"`
	Tags         []string               `yaml:"tags,omitempty"`
	DependsOn    []string               `yaml:"depends_on,omitempty"`
	// InternalID is a unique identifier assigned by the engine during loading.
	// It is used for all internal referencing (stats keys, dependency graph).
	InternalID string `yaml:"-"`
}

// Handler is a task that only runs when notified, at flush points. A handler
// answers to its name and to any of its listen topics.
type Handler struct {
	Task   `yaml:",inline"`
	Listen []string `yaml:"listen,omitempty"`
}

// RespondsTo reports whether the handler is addressed by the given
// notification target.
func (h *Handler) RespondsTo(target string) bool {
	if h.Name == target {
		return true
	}
	for _, topic := range h.Listen {
		if topic == target {
			return true
		}
	}
	return false
}

// LoopControlConfig specifies how loops defined by the 'loop' directive are executed.
type LoopControlConfig struct {
	LoopVar string `yaml:"loop_var,omitempty"`
}

// RetryConfig defines the parameters for retrying a task's module execution
// on the same host after a failure.
type RetryConfig struct {
	Attempts int    `yaml:"attempts,omitempty"`
	Delay    string `yaml:"delay,omitempty"`
	MaxDelay string `yaml:"max_delay,omitempty"`
}

// SerialBatch is one element of a serial specification: either a fixed host
// count or a percentage of the play's targeted hosts.
type SerialBatch struct {
	Count   int
	Percent float64
}

// SerialSpec controls rolling-batch execution. It accepts three YAML forms:
// a plain integer (repeating fixed batches), a percentage string such as
// "30%" (repeating percentage batches), or a list of either (progressive
// batches, the last element repeating until the hosts are exhausted).
type SerialSpec struct {
	Batches []SerialBatch
}

// UnmarshalYAML implements yaml.Unmarshaler for the three accepted forms.
func (s *SerialSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		batch, err := parseSerialScalar(node.Value)
		if err != nil {
			return err
		}
		s.Batches = []SerialBatch{batch}
		return nil
	case yaml.SequenceNode:
		if len(node.Content) == 0 {
			return fmt.Errorf("serial list cannot be empty")
		}
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("serial list elements must be integers or percentage strings")
			}
			batch, err := parseSerialScalar(item.Value)
			if err != nil {
				return err
			}
			s.Batches = append(s.Batches, batch)
		}
		return nil
	default:
		return fmt.Errorf("serial must be an integer, a percentage string, or a list of those")
	}
}

func parseSerialScalar(value string) (SerialBatch, error) {
	if strings.HasSuffix(value, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(value, "%"), 64)
		if err != nil {
			return SerialBatch{}, fmt.Errorf("invalid serial percentage '%s'", value)
		}
		return SerialBatch{Percent: pct}, nil
	}
	count, err := strconv.Atoi(value)
	if err != nil {
		return SerialBatch{}, fmt.Errorf("invalid serial value '%s'", value)
	}
	return SerialBatch{Count: count}, nil
}

// GetStrategy returns the configured execution strategy or the default (linear).
func (p *Play) GetStrategy() string {
	if p.Strategy != "" {
		return p.Strategy
	}
	return StrategyLinear
}

// GetOrder returns the configured host ordering or the default (inventory order).
func (p *Play) GetOrder() string {
	if p.Order != "" {
		return p.Order
	}
	return "inventory"
}

// GetForks returns the play's fork override, or the given engine default when unset.
func (p *Play) GetForks(engineDefault int) int {
	if p.Forks > 0 {
		return p.Forks
	}
	return engineDefault
}

// GetMaxFailPercentage returns the configured batch abort threshold, or 100
// (never abort on partial failure) when unset.
func (p *Play) GetMaxFailPercentage() float64 {
	if p.MaxFailPercentage != nil {
		return *p.MaxFailPercentage
	}
	return 100.0
}

// GetLoopVar returns the configured loop variable name or the default ("item").
func (t *Task) GetLoopVar() string {
	if t.LoopControl != nil && t.LoopControl.LoopVar != "" {
		return t.LoopControl.LoopVar
	}
	return "item"
}

// GetRetryAttempts returns the configured number of attempts or the default (1).
func (t *Task) GetRetryAttempts() int {
	if t.Retry != nil && t.Retry.Attempts >= 1 {
		return t.Retry.Attempts
	}
	return 1
}

// GetRetryDelay returns the configured base retry delay duration or the default (1 second).
func (t *Task) GetRetryDelay() time.Duration {
	delayStr := "1s"
	if t.Retry != nil && t.Retry.Delay != "" {
		delayStr = t.Retry.Delay
	}
	duration, err := time.ParseDuration(delayStr)
	if err != nil || duration <= 0 {
		return 1 * time.Second
	}
	return duration
}

// GetRetryMaxDelay returns the configured maximum retry delay duration, or 0 if unset/invalid.
func (t *Task) GetRetryMaxDelay() time.Duration {
	if t.Retry != nil && t.Retry.MaxDelay != "" {
		duration, err := time.ParseDuration(t.Retry.MaxDelay)
		if err != nil || duration < 0 {
			return 0
		}
		return duration
	}
	return 0
}

// GetTimeout returns the configured task-specific timeout duration, or the
// given engine default if unset/invalid.
func (t *Task) GetTimeout(engineDefault time.Duration) time.Duration {
	if t.Timeout == "" {
		return engineDefault
	}
	duration, err := time.ParseDuration(t.Timeout)
	if err != nil || duration <= 0 {
		return engineDefault
	}
	return duration
}
