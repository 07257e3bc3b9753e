package grouping

import (
	"fmt"

	"sigs.k8s.io/yaml"

	"github.com/devicelab/test-tools/pkg/util/gzip"
)

// Strategy selects how a test set is partitioned into parallel batches.
type Strategy string

const (
	// StrategyDurationBalanced greedily assigns the longest remaining test
	// to the least-loaded batch (LPT).
	StrategyDurationBalanced Strategy = "duration_balanced"
	// StrategyDurationClustered slices the duration-sorted test list into
	// contiguous chunks so similar-duration tests stay together.
	StrategyDurationClustered Strategy = "duration_clustered"
	// StrategyTagBased groups tests by their first tag, merging the
	// smallest groups until the worker count is respected.
	StrategyTagBased Strategy = "tag_based"
	// StrategyFlakyIsolated puts all flaky tests into one dedicated batch
	// so their failures cannot block bisection of stable batches.
	StrategyFlakyIsolated Strategy = "flaky_isolated"
	// StrategyHybrid isolates flaky tests, then routes predictable tests
	// through clustering and unpredictable ones through balancing.
	StrategyHybrid Strategy = "hybrid"
)

// Config is the optimizer configuration.
type Config struct {
	// TargetWorkers is the number of parallel workers batches are built
	// for. Defaults to 3.
	TargetWorkers int `json:"target_workers,omitempty"`
	// Strategy defaults to hybrid.
	Strategy Strategy `json:"strategy,omitempty"`
	// RespectPlatform splits every batch so that iOS-only, Android-only,
	// and platform-agnostic tests never share a batch.
	RespectPlatform bool `json:"respect_platform,omitempty"`
	// HybridVarianceSplit is the fraction of remaining workers the hybrid
	// strategy gives to low-variance tests. A heuristic default, not a
	// load-bearing invariant. Defaults to 0.5.
	HybridVarianceSplit float64 `json:"hybrid_variance_split,omitempty"`
	// VarianceRatioThreshold is the variance/mean ratio at or above which
	// the hybrid strategy treats a test as high-variance. Defaults to 0.5.
	VarianceRatioThreshold float64 `json:"variance_ratio_threshold,omitempty"`
}

// WithDefaults returns the config with unset fields defaulted.
func (c Config) WithDefaults() Config {
	if c.TargetWorkers == 0 {
		c.TargetWorkers = 3
	}
	if c.Strategy == "" {
		c.Strategy = StrategyHybrid
	}
	if c.HybridVarianceSplit == 0 {
		c.HybridVarianceSplit = 0.5
	}
	if c.VarianceRatioThreshold == 0 {
		c.VarianceRatioThreshold = 0.5
	}
	return c
}

// Validate checks if the config is valid.
func (c Config) Validate() error {
	if c.TargetWorkers < 1 {
		return fmt.Errorf("target_workers must be at least 1, got %d", c.TargetWorkers)
	}
	switch c.Strategy {
	case StrategyDurationBalanced, StrategyDurationClustered, StrategyTagBased, StrategyFlakyIsolated, StrategyHybrid:
	default:
		return fmt.Errorf("unknown grouping strategy: %q", c.Strategy)
	}
	if c.HybridVarianceSplit <= 0 || c.HybridVarianceSplit >= 1 {
		return fmt.Errorf("hybrid_variance_split must be in (0, 1), got %f", c.HybridVarianceSplit)
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
