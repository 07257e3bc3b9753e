package retry

import (
	"fmt"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/devicelab/test-tools/pkg/api"
	"github.com/devicelab/test-tools/pkg/util/gzip"
)

// Config is the retry planner configuration.
// A nil Enabled inherits the default (enabled).
type Config struct {
	Enabled *bool `json:"enabled,omitempty"`
	// MaxRetries bounds total retry attempts per test failure. Defaults
	// to 3.
	MaxRetries int `json:"max_retries,omitempty"`
	// BaseDelay seeds fixed and exponential delays. Defaults to 1s.
	BaseDelay time.Duration `json:"base_delay,omitempty"`
	// BackoffMultiplier defaults to 2.
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
	// MaxDelay caps any computed delay. Defaults to 30s.
	MaxDelay time.Duration `json:"max_delay,omitempty"`
	// NonRetryable categories never produce a plan. Defaults to assertion
	// and crash: those failures reproduce deterministically, so retrying
	// burns device time for nothing.
	NonRetryable []api.FailureCategory `json:"non_retryable,omitempty"`
	// LearnedSuccessThreshold is the success rate a learned strategy needs
	// before it preempts the static category menu. Defaults to 0.7.
	LearnedSuccessThreshold float64 `json:"learned_success_threshold,omitempty"`
	// MinLearningDataPoints is the sample count a learned strategy needs
	// before it is trusted. Defaults to 5.
	MinLearningDataPoints int `json:"min_learning_data_points,omitempty"`
}

// WithDefaults returns the config with unset fields defaulted.
func (c Config) WithDefaults() Config {
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.NonRetryable == nil {
		c.NonRetryable = []api.FailureCategory{api.FailureAssertion, api.FailureCrash}
	}
	if c.LearnedSuccessThreshold == 0 {
		c.LearnedSuccessThreshold = 0.7
	}
	if c.MinLearningDataPoints == 0 {
		c.MinLearningDataPoints = 5
	}
	return c
}

// Validate checks if the config is valid.
func (c Config) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.BaseDelay < 0 {
		return fmt.Errorf("base_delay must not be negative, got %s", c.BaseDelay)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1, got %f", c.BackoffMultiplier)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max_delay must not be lower than base_delay: %s < %s", c.MaxDelay, c.BaseDelay)
	}
	if c.LearnedSuccessThreshold < 0 || c.LearnedSuccessThreshold > 1 {
		return fmt.Errorf("learned_success_threshold must be in [0, 1], got %f", c.LearnedSuccessThreshold)
	}
	return nil
}

func (c Config) isNonRetryable(category api.FailureCategory) bool {
	for _, nonRetryable := range c.NonRetryable {
		if category == nonRetryable {
			return true
		}
	}
	return false
}

// LoadConfig loads config from a file.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}
	data, err := gzip.ReadFileMaybeGZIP(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file %q: %w", configPath, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the config %q: %w", string(data), err)
	}
	*config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
