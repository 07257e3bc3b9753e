package retry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devicelab/test-tools/pkg/api"
)

func TestConfigWithDefaults(t *testing.T) {
	config := Config{}.WithDefaults()
	if !*config.Enabled {
		t.Error("expected retries enabled by default")
	}
	if config.MaxRetries != 3 || config.BaseDelay != time.Second || config.MaxDelay != 30*time.Second {
		t.Errorf("unexpected defaults: %+v", config)
	}
	if !config.isNonRetryable(api.FailureAssertion) || !config.isNonRetryable(api.FailureCrash) {
		t.Error("expected assertion and crash to default to non-retryable")
	}
	if config.isNonRetryable(api.FailureTimeout) {
		t.Error("expected timeouts to be retryable by default")
	}
	if err := config.Validate(); err != nil {
		t.Errorf("expected the defaulted config to validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name   string
		config Config
	}{
		{name: "zero retries", config: Config{BackoffMultiplier: 2}},
		{name: "multiplier below one", config: Config{MaxRetries: 3, BackoffMultiplier: 0.5}},
		{name: "max delay below base delay", config: Config{MaxRetries: 3, BackoffMultiplier: 2, BaseDelay: time.Minute, MaxDelay: time.Second}},
		{name: "threshold out of range", config: Config{MaxRetries: 3, BackoffMultiplier: 2, LearnedSuccessThreshold: 1.5}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.config.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retry.yaml")
	raw := `max_retries: 5
non_retryable:
- assertion
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.MaxRetries != 5 {
		t.Errorf("expected 5 retries, got %d", config.MaxRetries)
	}
	if config.isNonRetryable(api.FailureCrash) {
		t.Error("expected the explicit non-retryable list to replace the default")
	}
}
