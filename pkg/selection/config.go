package selection

import (
	"fmt"

	"sigs.k8s.io/yaml"

	"github.com/devicelab/test-tools/pkg/util/gzip"
)

// SelectionStrategy controls how the affected-test set is augmented.
type SelectionStrategy string

const (
	// StrategyAffectedOnly selects only tests covering changed files, even
	// in the face of critical impacts.
	StrategyAffectedOnly SelectionStrategy = "affected_only"
	// StrategyAffectedPlusHighRisk additionally selects tests under
	// high-risk directories.
	StrategyAffectedPlusHighRisk SelectionStrategy = "affected_plus_high_risk"
	// StrategyAffectedPlusFlaky additionally selects known-flaky tests.
	StrategyAffectedPlusFlaky SelectionStrategy = "affected_plus_flaky"
	// StrategyBalanced applies both augmentations.
	StrategyBalanced SelectionStrategy = "balanced"
)

// Fixed priorities for augmented selections and the scoring bonuses.
const (
	highRiskAugmentPriority = 0.4
	flakyAugmentPriority    = 0.35

	basePriority          = 0.5
	highRiskPathBonus     = 0.2
	recentFailureBonusCap = 0.3
	perRecentFailureBonus = 0.1
	failureRateBonus      = 0.2
	failureRateThreshold  = 0.3
	recentFailureWindow   = 5
)

// Config is the selector configuration.
type Config struct {
	// Strategy defaults to balanced.
	Strategy SelectionStrategy `json:"strategy,omitempty"`
	// FullTestThreshold is the changed-file count at which the whole suite
	// runs regardless of graph analysis. Defaults to 25.
	FullTestThreshold int `json:"full_test_threshold,omitempty"`
	// MinPriority filters out selections below this priority. Defaults to
	// 0.1.
	MinPriority float64 `json:"min_priority,omitempty"`
	// MaxTests caps the selection to the top N by priority; 0 means
	// unlimited.
	MaxTests int `json:"max_tests,omitempty"`
	// FlakyPriorityMultiplier scales the priority of flaky tests so they
	// are not skipped when they cover changed code. Defaults to 1.2.
	FlakyPriorityMultiplier float64 `json:"flaky_priority_multiplier,omitempty"`
	// HighRiskDirs are test-path prefixes added by the high-risk
	// augmentation strategies.
	HighRiskDirs []string `json:"high_risk_dirs,omitempty"`
	// HighRiskPatterns are forwarded to the change analyzer.
	HighRiskPatterns []string `json:"high_risk_patterns,omitempty"`
}

// WithDefaults returns the config with unset fields defaulted.
func (c Config) WithDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyBalanced
	}
	if c.FullTestThreshold == 0 {
		c.FullTestThreshold = 25
	}
	if c.MinPriority == 0 {
		c.MinPriority = 0.1
	}
	if c.FlakyPriorityMultiplier == 0 {
		c.FlakyPriorityMultiplier = 1.2
	}
	if len(c.HighRiskDirs) == 0 {
		c.HighRiskDirs = []string{"tests/unit/", "tests/api/"}
	}
	return c
}

// Validate checks if the config is valid.
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategyAffectedOnly, StrategyAffectedPlusHighRisk, StrategyAffectedPlusFlaky, StrategyBalanced:
	default:
		return fmt.Errorf("unknown selection strategy: %q", c.Strategy)
	}
	if c.MinPriority < 0 || c.MinPriority > 1 {
		return fmt.Errorf("min_priority must be in [0, 1], got %f", c.MinPriority)
	}
	if c.MaxTests < 0 {
		return fmt.Errorf("max_tests must not be negative, got %d", c.MaxTests)
	}
	if c.FullTestThreshold < 1 {
		return fmt.Errorf("full_test_threshold must be at least 1, got %d", c.FullTestThreshold)
	}
	return nil
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
