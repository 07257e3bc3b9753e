// Package history tracks test execution outcomes and derives the rolling
// statistics (duration estimates, variance, flakiness) that the optimizer,
// selector, and retry planner consume.
package history

import (
	"time"

	"github.com/montanaflynn/stats"

	"github.com/devicelab/test-tools/pkg/api"
)

// Reader is the read side of a history store. Implementations must tolerate
// unknown test case IDs by returning empty history rather than failing.
type Reader interface {
	// History returns the recorded executions for a test case, oldest first.
	History(testCaseID string) ([]api.TestExecutionRecord, error)
	// Metadata builds the derived per-test view from recorded history.
	Metadata(testCaseID string) (api.TestMetadata, error)
	// IsFlaky reports whether the recent history alternates beyond the
	// flakiness threshold.
	IsFlaky(testCaseID string) (bool, error)
}

// Writer is the feedback side of a history store, fed by the runner after
// each execution.
type Writer interface {
	Record(testCaseID string, duration time.Duration, status api.TestStatus, platform api.Platform)
}

// ComputeMetadata derives TestMetadata from a test's execution records. An
// empty record set yields the pessimistic defaults with HasHistory unset, so
// a missing history read degrades trust instead of failing the caller.
func ComputeMetadata(testCaseID string, records []api.TestExecutionRecord) api.TestMetadata {
	meta := api.TestMetadata{
		TestCaseID:        testCaseID,
		EstimatedDuration: api.DefaultDuration,
		Variance:          api.DefaultVariance,
	}
	if len(records) == 0 {
		return meta
	}

	durations := make([]float64, 0, len(records))
	for _, r := range records {
		if r.Status == api.StatusSkipped {
			continue
		}
		durations = append(durations, float64(r.Duration))
	}
	if mean, err := stats.Mean(durations); err == nil {
		meta.EstimatedDuration = time.Duration(mean)
	}
	if sd, err := stats.StandardDeviationSample(durations); err == nil {
		meta.Variance = time.Duration(sd)
	}

	meta.HasHistory = len(durations) >= api.MinHistorySamples
	meta.IsFlaky = AlternationRate(records) >= api.FlakyAlternationThreshold
	meta.Platform = dominantPlatform(records)
	return meta
}

// AlternationRate is the fraction of consecutive pass/fail flips in the
// record sequence. Skipped runs are ignored since they carry no signal.
func AlternationRate(records []api.TestExecutionRecord) float64 {
	var outcomes []bool
	for _, r := range records {
		switch r.Status {
		case api.StatusPassed:
			outcomes = append(outcomes, true)
		case api.StatusFailed, api.StatusTimeout:
			outcomes = append(outcomes, false)
		}
	}
	if len(outcomes) < 2 {
		return 0
	}
	flips := 0
	for i := 1; i < len(outcomes); i++ {
		if outcomes[i] != outcomes[i-1] {
			flips++
		}
	}
	return float64(flips) / float64(len(outcomes)-1)
}

// FailureRate is the fraction of non-skipped runs that failed or timed out.
func FailureRate(records []api.TestExecutionRecord) float64 {
	total, failed := 0, 0
	for _, r := range records {
		switch r.Status {
		case api.StatusPassed:
			total++
		case api.StatusFailed, api.StatusTimeout:
			total++
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// RecentFailures counts failures among the last n records.
func RecentFailures(records []api.TestExecutionRecord, n int) int {
	start := len(records) - n
	if start < 0 {
		start = 0
	}
	failures := 0
	for _, r := range records[start:] {
		if r.Status == api.StatusFailed || r.Status == api.StatusTimeout {
			failures++
		}
	}
	return failures
}

func dominantPlatform(records []api.TestExecutionRecord) api.Platform {
	counts := map[api.Platform]int{}
	for _, r := range records {
		if r.Platform != api.PlatformAgnostic {
			counts[r.Platform]++
		}
	}
	var best api.Platform
	bestCount := 0
	for p, c := range counts {
		if c > bestCount {
			best, bestCount = p, c
		}
	}
	return best
}
