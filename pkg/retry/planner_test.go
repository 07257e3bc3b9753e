package retry

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/devicelab/test-tools/pkg/api"
)

func TestCreateRetryPlanValidation(t *testing.T) {
	planner := NewPlanner(Config{}, nil)

	if _, err := planner.CreateRetryPlan("", api.FailurePattern{Category: api.FailureTimeout}, 0); err == nil {
		t.Error("expected an error for an empty test case ID")
	}
	if _, err := planner.CreateRetryPlan("t1", api.FailurePattern{Category: api.FailureTimeout}, -1); err == nil {
		t.Error("expected an error for a negative attempt count")
	}
}

func TestCreateRetryPlanStops(t *testing.T) {
	disabled := false
	testCases := []struct {
		name           string
		config         Config
		category       api.FailureCategory
		currentAttempt int
	}{
		{name: "retries disabled", config: Config{Enabled: &disabled}, category: api.FailureTimeout},
		{name: "assertion is non-retryable", config: Config{}, category: api.FailureAssertion},
		{name: "crash is non-retryable", config: Config{}, category: api.FailureCrash},
		{name: "attempts exhausted", config: Config{MaxRetries: 3}, category: api.FailureTimeout, currentAttempt: 3},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			planner := NewPlanner(tc.config, nil)
			plan, err := planner.CreateRetryPlan("t1", api.FailurePattern{Category: tc.category}, tc.currentAttempt)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if plan != nil {
				t.Errorf("expected no plan, got %+v", plan)
			}
		})
	}
}

func TestCreateRetryPlanElementNotFound(t *testing.T) {
	planner := NewPlanner(Config{}, nil)
	pattern := api.FailurePattern{Category: api.FailureElementNotFound, ExtractedLocator: "#submit"}

	plan, err := planner.CreateRetryPlan("t1", pattern, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := &api.RetryPlan{
		TestCaseID: "t1",
		Category:   api.FailureElementNotFound,
		Attempts: []api.RetryAttempt{
			{Attempt: 1, Strategy: api.RetryImmediate, PreRetryAction: api.ActionWaitForLoad},
			{Attempt: 2, Strategy: api.RetryExponentialBackoff, Delay: 2 * time.Second, PreRetryAction: api.ActionWaitForLoad},
			{Attempt: 3, Strategy: api.RetryDifferentLocator, Delay: differentLocatorDelay, AlternateLocator: "#submit", PreRetryAction: api.ActionWaitForLoad},
		},
	}
	if diff := cmp.Diff(expected, plan); diff != "" {
		t.Errorf("plan differs from expected:\n%s", diff)
	}
}

func TestCreateRetryPlanTimeoutOverride(t *testing.T) {
	planner := NewPlanner(Config{}, nil)

	testCases := []struct {
		name     string
		pattern  api.FailurePattern
		expected time.Duration
	}{
		{
			name:     "doubles the extracted timeout",
			pattern:  api.FailurePattern{Category: api.FailureTimeout, ExtractedTimeout: 30 * time.Second},
			expected: time.Minute,
		},
		{
			name:     "defaults when no timeout was extracted",
			pattern:  api.FailurePattern{Category: api.FailureTimeout},
			expected: 2 * api.DefaultDuration,
		},
		{
			name:     "caps the override",
			pattern:  api.FailurePattern{Category: api.FailureTimeout, ExtractedTimeout: 10 * time.Minute},
			expected: 300 * time.Second,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := planner.CreateRetryPlan("t1", tc.pattern, 0)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			first := plan.Attempts[0]
			if first.Strategy != api.RetryLongerTimeout {
				t.Fatalf("expected a longer-timeout first attempt, got %s", first.Strategy)
			}
			if first.TimeoutOverride != tc.expected {
				t.Errorf("expected timeout override %v, got %v", tc.expected, first.TimeoutOverride)
			}
			if first.Delay != time.Second {
				t.Errorf("expected the base delay before the retry, got %v", first.Delay)
			}
		})
	}
}

func TestCreateRetryPlanBackoffProgression(t *testing.T) {
	planner := NewPlanner(Config{BaseDelay: time.Second, BackoffMultiplier: 2, MaxDelay: 3 * time.Second, MaxRetries: 4}, nil)
	pattern := api.FailurePattern{Category: api.FailureNetwork}

	// the backoff exponent follows the overall attempt index, so a plan
	// requested mid-sequence continues the progression
	plan, err := planner.CreateRetryPlan("t1", pattern, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Attempts) != 2 {
		t.Fatalf("expected 2 remaining attempts, got %d", len(plan.Attempts))
	}
	if plan.Attempts[0].Attempt != 3 {
		t.Errorf("expected the attempt numbering to continue at 3, got %d", plan.Attempts[0].Attempt)
	}
	if plan.Attempts[0].Delay != 3*time.Second {
		t.Errorf("expected the backoff delay capped at 3s, got %v", plan.Attempts[0].Delay)
	}
}

func TestCreateRetryPlanTruncatesMenuToRemainingAttempts(t *testing.T) {
	planner := NewPlanner(Config{}, nil)
	pattern := api.FailurePattern{Category: api.FailureElementNotFound}

	plan, err := planner.CreateRetryPlan("t1", pattern, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Attempts) != 1 {
		t.Fatalf("expected a single remaining attempt, got %d", len(plan.Attempts))
	}
	if plan.Attempts[0].Strategy != api.RetryImmediate {
		t.Errorf("expected the menu's first strategy, got %s", plan.Attempts[0].Strategy)
	}
}

func TestCreateRetryPlanUsesLearnedStrategy(t *testing.T) {
	planner := NewPlanner(Config{}, nil)
	pattern := api.FailurePattern{Category: api.FailureElementNotFound}

	for i := 0; i < 5; i++ {
		planner.RecordRetryResult("t1", api.FailureElementNotFound, api.RetryExponentialBackoff, true)
	}

	plan, err := planner.CreateRetryPlan("t1", pattern, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !plan.Learned {
		t.Fatal("expected the plan to be marked as learned")
	}
	if len(plan.Attempts) != 3 {
		t.Fatalf("expected the learned strategy replayed for all remaining attempts, got %d", len(plan.Attempts))
	}
	for _, attempt := range plan.Attempts {
		if attempt.Strategy != api.RetryExponentialBackoff {
			t.Errorf("attempt %d: expected the learned strategy, got %s", attempt.Attempt, attempt.Strategy)
		}
	}

	// a different test case is unaffected by t1's learning
	plan, err = planner.CreateRetryPlan("t2", pattern, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Learned {
		t.Error("expected no learned plan for a test without retry history")
	}
}

func TestCreateRetryPlanIgnoresUntrustedLearning(t *testing.T) {
	testCases := []struct {
		name   string
		record func(p *Planner)
	}{
		{
			name: "too few data points",
			record: func(p *Planner) {
				for i := 0; i < 4; i++ {
					p.RecordRetryResult("t1", api.FailureElementNotFound, api.RetryExponentialBackoff, true)
				}
			},
		},
		{
			name: "success rate below threshold",
			record: func(p *Planner) {
				for i := 0; i < 3; i++ {
					p.RecordRetryResult("t1", api.FailureElementNotFound, api.RetryExponentialBackoff, true)
				}
				for i := 0; i < 3; i++ {
					p.RecordRetryResult("t1", api.FailureElementNotFound, api.RetryExponentialBackoff, false)
				}
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			planner := NewPlanner(Config{}, nil)
			tc.record(planner)
			plan, err := planner.CreateRetryPlan("t1", api.FailurePattern{Category: api.FailureElementNotFound}, 0)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if plan.Learned {
				t.Error("expected the static menu while the learned strategy is untrusted")
			}
		})
	}
}
