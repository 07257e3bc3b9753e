package api

import (
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// TestStatus is the terminal state of a single test execution.
type TestStatus string

const (
	StatusPassed  TestStatus = "passed"
	StatusFailed  TestStatus = "failed"
	StatusSkipped TestStatus = "skipped"
	StatusTimeout TestStatus = "timeout"
)

// Platform identifies the device platform a test is bound to. Tests without
// a platform requirement are agnostic and may run anywhere.
type Platform string

const (
	PlatformIOS      Platform = "ios"
	PlatformAndroid  Platform = "android"
	PlatformAgnostic Platform = ""
)

// Defaults used when a test has no usable execution history. The values are
// deliberately pessimistic so that unknown tests do not starve known ones.
const (
	DefaultDuration = 5 * time.Second
	DefaultVariance = 2 * time.Second

	// MinHistorySamples is the number of recorded executions below which a
	// test's statistics are not trusted.
	MinHistorySamples = 3

	// FlakyAlternationThreshold is the fraction of pass/fail flips in the
	// recent window at or above which a test is considered flaky.
	FlakyAlternationThreshold = 0.3

	// HistoryWindow bounds how many recent executions feed the rolling
	// statistics per test case.
	HistoryWindow = 50
)

// TestExecutionRecord is one historical run of a test case. Records are
// append-only; retention is the history store's concern, not the core's.
type TestExecutionRecord struct {
	TestCaseID string        `json:"test_case_id"`
	Duration   time.Duration `json:"duration"`
	Status     TestStatus    `json:"status"`
	Timestamp  time.Time     `json:"timestamp"`
	Platform   Platform      `json:"platform,omitempty"`
}

// TestMetadata is the per-test view the optimizer and selector work from,
// rebuilt from history on every call rather than persisted.
type TestMetadata struct {
	TestCaseID        string        `json:"test_case_id"`
	Name              string        `json:"name,omitempty"`
	Tags              []string      `json:"tags,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Variance          time.Duration `json:"variance"`
	IsFlaky           bool          `json:"is_flaky"`
	// HasHistory reports whether enough executions were recorded for the
	// duration estimate to be trusted.
	HasHistory bool     `json:"has_history"`
	Platform   Platform `json:"platform,omitempty"`
}

// TestBatch is a set of test cases intended to run together in one worker.
// Membership is unordered; the runner decides execution order within a batch.
type TestBatch struct {
	BatchIndex        int              `json:"batch_index"`
	TestCaseIDs       sets.Set[string] `json:"-"`
	Tests             []string         `json:"tests"`
	EstimatedDuration time.Duration    `json:"estimated_duration"`
	TestCount         int              `json:"test_count"`
	ContainsFlaky     bool             `json:"contains_flaky_tests"`
	Tags              sets.Set[string] `json:"-"`
	// Confidence is the fraction of member tests with sufficient history.
	Confidence float64  `json:"confidence"`
	Platform   Platform `json:"platform,omitempty"`
}

// ChangeType describes what happened to a changed file.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
)

// ChangedFile is one entry of a code-change event.
type ChangedFile struct {
	Path string     `json:"path"`
	Type ChangeType `json:"type"`
}

// ImpactLevel is a coarse classification of a changed file's blast radius.
type ImpactLevel string

const (
	ImpactLow      ImpactLevel = "low"
	ImpactMedium   ImpactLevel = "medium"
	ImpactHigh     ImpactLevel = "high"
	ImpactCritical ImpactLevel = "critical"
)

// Weight maps the impact level onto the additive priority scale used by the
// selector.
func (l ImpactLevel) Weight() float64 {
	switch l {
	case ImpactLow:
		return 0.1
	case ImpactMedium:
		return 0.25
	case ImpactHigh:
		return 0.5
	case ImpactCritical:
		return 0.8
	}
	return 0
}

// ChangeImpact is the analysis result for one changed file.
type ChangeImpact struct {
	File            ChangedFile `json:"file"`
	ImpactLevel     ImpactLevel `json:"impact_level"`
	ImportedBy      []string    `json:"imported_by,omitempty"`
	Imports         []string    `json:"imports,omitempty"`
	AffectedModules []string    `json:"affected_modules,omitempty"`
}

// DependencyNode is one file's edges in the dependency graph.
type DependencyNode struct {
	Imports    []string `json:"imports,omitempty"`
	ImportedBy []string `json:"imported_by,omitempty"`
}

// DependencyGraph maps a file path to its import relationships. It is
// provided by an external source and consumed read-only.
type DependencyGraph map[string]DependencyNode

// TestToSourceMapping links a test file to the source files it exercises.
type TestToSourceMapping struct {
	TestPath    string        `json:"test_path"`
	SourceFiles []string      `json:"source_files"`
	AvgDuration time.Duration `json:"avg_duration"`
	IsFlaky     bool          `json:"is_flaky"`
	FailureRate float64       `json:"failure_rate"`
	// CoverageConfidence indicates how reliable this mapping is believed
	// to be, with direct imports scoring higher than inferred links.
	CoverageConfidence float64 `json:"coverage_confidence"`
}

// SelectedTest is one test the selector decided must run, with the
// justification for a human reading the selection report.
type SelectedTest struct {
	TestPath          string        `json:"test_path"`
	Reason            string        `json:"reason"`
	Priority          float64       `json:"priority"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	IsFlaky           bool          `json:"is_flaky"`
	RelatedSources    []string      `json:"related_source_files,omitempty"`
	// TriggeredBy accumulates every changed file that caused this
	// selection. It never shrinks once the test is selected.
	TriggeredBy []string `json:"triggered_by"`
}

// FailureCategory buckets a test failure for retry planning.
type FailureCategory string

const (
	FailureElementNotFound FailureCategory = "element_not_found"
	FailureTimeout         FailureCategory = "timeout"
	FailureNetwork         FailureCategory = "network"
	FailureAssertion       FailureCategory = "assertion"
	FailureCrash           FailureCategory = "crash"
	FailureStaleElement    FailureCategory = "stale_element"
	FailureNotInteractable FailureCategory = "not_interactable"
	FailureUnknown         FailureCategory = "unknown"
)

// FailurePattern is the classification of one observed failure.
type FailurePattern struct {
	Category   FailureCategory `json:"category"`
	Confidence float64         `json:"confidence"`
	// ExtractedTimeout is the timeout parsed out of the failure message,
	// when the message carried one.
	ExtractedTimeout time.Duration `json:"extracted_timeout,omitempty"`
	// ExtractedLocator is the element locator parsed out of the failure
	// message, when the message carried one.
	ExtractedLocator string `json:"extracted_locator,omitempty"`
}

// RetryStrategyType selects how a retry attempt is spaced and modified.
type RetryStrategyType string

const (
	RetryImmediate          RetryStrategyType = "immediate"
	RetryFixedDelay         RetryStrategyType = "fixed_delay"
	RetryExponentialBackoff RetryStrategyType = "exponential_backoff"
	RetryLongerTimeout      RetryStrategyType = "longer_timeout"
	RetryDifferentLocator   RetryStrategyType = "different_locator"
	RetryDifferentDevice    RetryStrategyType = "different_device"
)

// PreRetryAction is a remedial step the runner performs before retrying.
type PreRetryAction string

const (
	ActionNone           PreRetryAction = ""
	ActionWaitForLoad    PreRetryAction = "wait_for_load"
	ActionScrollIntoView PreRetryAction = "scroll_into_view"
)

// RetryAttempt is one planned retry.
type RetryAttempt struct {
	Attempt          int               `json:"attempt"`
	Strategy         RetryStrategyType `json:"strategy"`
	Delay            time.Duration     `json:"delay"`
	TimeoutOverride  time.Duration     `json:"timeout_override,omitempty"`
	AlternateLocator string            `json:"alternate_locator,omitempty"`
	PreRetryAction   PreRetryAction    `json:"pre_retry_action,omitempty"`
}

// RetryPlan is the ordered list of retries the planner recommends for one
// failure. A nil plan means stop retrying, not an error.
type RetryPlan struct {
	TestCaseID string          `json:"test_case_id"`
	Category   FailureCategory `json:"category"`
	Attempts   []RetryAttempt  `json:"attempts"`
	// Learned reports whether the plan came from recorded outcomes rather
	// than the static category menu.
	Learned bool `json:"learned"`
}

// LearnedRetryStrategy is the recorded outcome history for one
// (test case, failure category) pair.
type LearnedRetryStrategy struct {
	TestCaseID         string            `json:"test_case_id"`
	Category           FailureCategory   `json:"category"`
	SuccessfulStrategy RetryStrategyType `json:"successful_strategy,omitempty"`
	SuccessRate        float64           `json:"success_rate"`
	TotalAttempts      int               `json:"total_attempts"`
	SuccessCount       int               `json:"success_count"`
	LastUpdated        time.Time         `json:"last_updated"`
}
