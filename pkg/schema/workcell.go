package schema

import (
	"fmt"
	"time"
)

// WorkcellDefinition is the static description of a workcell.
type WorkcellDefinition struct {
	Name        string            `json:"name" yaml:"name"`
	WorkcellID  string            `json:"workcell_id" yaml:"workcell_id"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       map[string]string `json:"nodes" yaml:"nodes"`
	Config      WorkcellConfig    `json:"config" yaml:"config"`
}

// WorkcellConfig tunes the manager processes of one workcell.
type WorkcellConfig struct {
	SchedulerUpdateInterval time.Duration `json:"scheduler_update_interval" yaml:"scheduler_update_interval"`
	NodeUpdateInterval      time.Duration `json:"node_update_interval" yaml:"node_update_interval"`
	ColdStartDelay          time.Duration `json:"cold_start_delay,omitempty" yaml:"cold_start_delay,omitempty"`

	StepPollInterval    time.Duration `json:"step_poll_interval,omitempty" yaml:"step_poll_interval,omitempty"`
	StepPollBackoff     string        `json:"step_poll_backoff,omitempty" yaml:"step_poll_backoff,omitempty"`
	StepPollMaxInterval time.Duration `json:"step_poll_max_interval,omitempty" yaml:"step_poll_max_interval,omitempty"`
	// StepTimeout bounds the wall-clock time of a single dispatched step. Required.
	StepTimeout time.Duration `json:"step_timeout" yaml:"step_timeout"`
	// ReadinessTimeout fails a workflow that waited this long for its node. Zero disables it.
	ReadinessTimeout time.Duration `json:"readiness_timeout,omitempty" yaml:"readiness_timeout,omitempty"`
	// ResendUnknownActions resends a step when its node has no record of the
	// action id. When false the step fails instead.
	ResendUnknownActions bool `json:"resend_unknown_actions,omitempty" yaml:"resend_unknown_actions,omitempty"`

	MaxConcurrentSteps int    `json:"max_concurrent_steps,omitempty" yaml:"max_concurrent_steps,omitempty"`
	DataDirectory      string `json:"data_directory,omitempty" yaml:"data_directory,omitempty"`
	ResourceManagerURL string `json:"resource_manager_url,omitempty" yaml:"resource_manager_url,omitempty"`

	RedisHost     string `json:"redis_host,omitempty" yaml:"redis_host,omitempty"`
	RedisPort     int    `json:"redis_port,omitempty" yaml:"redis_port,omitempty"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`

	AutoStart   bool `json:"auto_start" yaml:"auto_start"`
	ClearOnBoot bool `json:"clear_workflows,omitempty" yaml:"clear_workflows,omitempty"`
}

// Defaults used when a workcell config leaves a field empty.
const (
	DefaultSchedulerUpdateInterval = 2 * time.Second
	DefaultNodeUpdateInterval      = 1 * time.Second
	DefaultStepPollInterval        = 5 * time.Second
	DefaultMaxConcurrentSteps      = 10
	DefaultRedisPort               = 6379
)

// ApplyDefaults fills zero-valued fields that have a sensible default.
// StepTimeout has none and is left untouched.
func (c *WorkcellConfig) ApplyDefaults() {
	if c.SchedulerUpdateInterval <= 0 {
		c.SchedulerUpdateInterval = DefaultSchedulerUpdateInterval
	}
	if c.NodeUpdateInterval <= 0 {
		c.NodeUpdateInterval = DefaultNodeUpdateInterval
	}
	if c.StepPollInterval <= 0 {
		c.StepPollInterval = DefaultStepPollInterval
	}
	if c.StepPollBackoff == "" {
		c.StepPollBackoff = "constant"
	}
	if c.MaxConcurrentSteps <= 0 {
		c.MaxConcurrentSteps = DefaultMaxConcurrentSteps
	}
	if c.RedisHost == "" {
		c.RedisHost = "localhost"
	}
	if c.RedisPort == 0 {
		c.RedisPort = DefaultRedisPort
	}
}

// Validate checks the constraints between config fields.
func (c *WorkcellConfig) Validate() error {
	if c.StepTimeout <= 0 {
		return NewError(ErrCodeValidation, "config.step_timeout is required and must be positive")
	}
	if c.NodeUpdateInterval > c.SchedulerUpdateInterval {
		return NewErrorf(ErrCodeValidation,
			"config.node_update_interval (%s) must not exceed config.scheduler_update_interval (%s)",
			c.NodeUpdateInterval, c.SchedulerUpdateInterval)
	}
	switch c.StepPollBackoff {
	case "", "constant", "linear", "exponential":
	default:
		return NewErrorf(ErrCodeValidation, "config.step_poll_backoff %q must be constant, linear or exponential", c.StepPollBackoff)
	}
	if c.StepPollMaxInterval > 0 && c.StepPollMaxInterval < c.StepPollInterval {
		return NewError(ErrCodeValidation, "config.step_poll_max_interval must not be below config.step_poll_interval")
	}
	return nil
}

// RedisAddr returns host:port for the configured Redis server.
func (c *WorkcellConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// Validate checks the workcell definition as a whole.
func (w *WorkcellDefinition) Validate() error {
	if w.Name == "" {
		return NewError(ErrCodeValidation, "workcell name is required")
	}
	for name, url := range w.Nodes {
		if url == "" {
			return NewErrorf(ErrCodeValidation, "node %q has no url", name)
		}
	}
	return w.Config.Validate()
}
