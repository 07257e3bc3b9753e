// Package retry plans retries for classified test failures: which strategy
// to use, how long to wait, and what to fix before trying again, with
// per-test learning from recorded retry outcomes.
package retry

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devicelab/test-tools/pkg/api"
)

// Fixed settle delays for the strategies that change something instead of
// waiting it out.
const (
	differentLocatorDelay = 500 * time.Millisecond
	differentDeviceDelay  = 2 * time.Second

	// longerTimeoutCapFactor caps the timeout override at this multiple of
	// the configured max delay.
	longerTimeoutCapFactor = 10
)

// categoryMenus are the ordered per-category strategy menus; the first N
// entries are taken where N is the number of remaining attempts. Assertion
// and crash are absent: with the default config they never produce a plan,
// and even when configured retryable there is no strategy that helps.
var categoryMenus = map[api.FailureCategory][]api.RetryStrategyType{
	api.FailureElementNotFound: {api.RetryImmediate, api.RetryExponentialBackoff, api.RetryDifferentLocator},
	api.FailureTimeout:         {api.RetryLongerTimeout, api.RetryExponentialBackoff},
	api.FailureNetwork:         {api.RetryExponentialBackoff, api.RetryFixedDelay},
	// a refresh is the fix for staleness, not waiting
	api.FailureStaleElement:    {api.RetryImmediate},
	api.FailureNotInteractable: {api.RetryExponentialBackoff, api.RetryImmediate},
	api.FailureUnknown:         {api.RetryExponentialBackoff, api.RetryFixedDelay},
}

// preRetryActions map a failure category to the remedial step the runner
// performs before the retry.
var preRetryActions = map[api.FailureCategory]api.PreRetryAction{
	api.FailureStaleElement:    api.ActionWaitForLoad,
	api.FailureNotInteractable: api.ActionScrollIntoView,
	api.FailureElementNotFound: api.ActionWaitForLoad,
}

// Planner produces retry plans and learns which strategy works per test and
// failure category. It is safe for concurrent use.
type Planner struct {
	config  Config
	learned *LearnedStore
	logger  *logrus.Entry
}

// NewPlanner builds a planner with the given config.
func NewPlanner(config Config, logger *logrus.Entry) *Planner {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Planner{
		config:  config.WithDefaults(),
		learned: NewLearnedStore(),
		logger:  logger,
	}
}

// LearnedStrategies exposes the planner's learning store, e.g. for
// persistence.
func (p *Planner) LearnedStrategies() *LearnedStore {
	return p.learned
}

// CreateRetryPlan returns the ordered retry attempts for a classified
// failure, or nil when retrying is disabled, the category is configured
// non-retryable, or no attempts remain. A nil plan means stop retrying; it
// is a decision, not an error.
func (p *Planner) CreateRetryPlan(testCaseID string, pattern api.FailurePattern, currentAttempt int) (*api.RetryPlan, error) {
	if testCaseID == "" {
		return nil, fmt.Errorf("test case ID must not be empty")
	}
	if currentAttempt < 0 {
		return nil, fmt.Errorf("current attempt must not be negative, got %d", currentAttempt)
	}
	if err := p.config.Validate(); err != nil {
		return nil, err
	}

	if !*p.config.Enabled {
		return nil, nil
	}
	if p.config.isNonRetryable(pattern.Category) {
		return nil, nil
	}
	remaining := p.config.MaxRetries - currentAttempt
	if remaining <= 0 {
		return nil, nil
	}

	plan := &api.RetryPlan{TestCaseID: testCaseID, Category: pattern.Category}

	if learned := p.applicableLearnedStrategy(testCaseID, pattern.Category); learned != "" {
		// A trusted learned strategy preempts the category menu entirely
		// and is replayed for all remaining attempts.
		plan.Learned = true
		for i := 0; i < remaining; i++ {
			plan.Attempts = append(plan.Attempts, p.buildAttempt(learned, pattern, currentAttempt+i))
		}
		p.logger.WithField("testCase", testCaseID).WithField("category", pattern.Category).
			WithField("strategy", learned).Debug("using learned retry strategy")
		return plan, nil
	}

	menu := categoryMenus[pattern.Category]
	if len(menu) > remaining {
		menu = menu[:remaining]
	}
	if len(menu) == 0 {
		return nil, nil
	}
	for i, strategy := range menu {
		plan.Attempts = append(plan.Attempts, p.buildAttempt(strategy, pattern, currentAttempt+i))
	}
	return plan, nil
}

func (p *Planner) applicableLearnedStrategy(testCaseID string, category api.FailureCategory) api.RetryStrategyType {
	learned := p.learned.Get(testCaseID, category)
	if learned == nil || learned.SuccessfulStrategy == "" {
		return ""
	}
	if learned.SuccessRate < p.config.LearnedSuccessThreshold || learned.TotalAttempts < p.config.MinLearningDataPoints {
		return ""
	}
	return learned.SuccessfulStrategy
}

// buildAttempt computes the delay and modifiers for one retry. attemptIndex
// is the zero-based overall attempt number, which seeds the backoff
// exponent.
func (p *Planner) buildAttempt(strategy api.RetryStrategyType, pattern api.FailurePattern, attemptIndex int) api.RetryAttempt {
	attempt := api.RetryAttempt{
		Attempt:        attemptIndex + 1,
		Strategy:       strategy,
		PreRetryAction: preRetryActions[pattern.Category],
	}
	switch strategy {
	case api.RetryImmediate:
		attempt.Delay = 0
	case api.RetryFixedDelay:
		attempt.Delay = p.config.BaseDelay
	case api.RetryExponentialBackoff:
		delay := float64(p.config.BaseDelay) * math.Pow(p.config.BackoffMultiplier, float64(attemptIndex))
		if delay > float64(p.config.MaxDelay) {
			delay = float64(p.config.MaxDelay)
		}
		attempt.Delay = time.Duration(delay)
	case api.RetryLongerTimeout:
		attempt.Delay = p.config.BaseDelay
		previous := pattern.ExtractedTimeout
		if previous == 0 {
			previous = api.DefaultDuration
		}
		override := previous * 2
		if limit := p.config.MaxDelay * longerTimeoutCapFactor; override > limit {
			override = limit
		}
		attempt.TimeoutOverride = override
	case api.RetryDifferentLocator:
		attempt.Delay = differentLocatorDelay
		attempt.AlternateLocator = pattern.ExtractedLocator
	case api.RetryDifferentDevice:
		attempt.Delay = differentDeviceDelay
	}
	return attempt
}

// RecordRetryResult feeds one observed retry outcome back into the learning
// store.
func (p *Planner) RecordRetryResult(testCaseID string, category api.FailureCategory, strategy api.RetryStrategyType, success bool) {
	p.learned.Record(testCaseID, category, strategy, success)
}
