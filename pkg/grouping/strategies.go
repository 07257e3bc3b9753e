package grouping

import (
	"sort"

	"github.com/devicelab/test-tools/pkg/api"
)

// partitioner is one batching algorithm. Implementations receive the test
// metadata in input order and the worker budget; they must place every test
// into exactly one batch and produce at most workers batches.
type partitioner interface {
	partition(tests []api.TestMetadata, workers int) []*api.TestBatch
}

// partitionerFor selects the algorithm for a strategy. Config validation
// guarantees the strategy is known by the time this runs.
func partitionerFor(config Config) partitioner {
	switch config.Strategy {
	case StrategyDurationBalanced:
		return durationBalanced{}
	case StrategyDurationClustered:
		return durationClustered{}
	case StrategyTagBased:
		return tagBased{}
	case StrategyFlakyIsolated:
		return flakyIsolated{}
	default:
		return hybrid{
			varianceSplit: config.HybridVarianceSplit,
			varianceRatio: config.VarianceRatioThreshold,
		}
	}
}

type durationBalanced struct{}

// partition implements the classic LPT heuristic: sort descending by
// estimated duration and put each test into the currently least-loaded
// batch. Ties break on batch index, and on test case ID within equal
// durations, so results are deterministic.
func (durationBalanced) partition(tests []api.TestMetadata, workers int) []*api.TestBatch {
	sorted := sortTests(tests, func(a, b api.TestMetadata) bool {
		return a.EstimatedDuration > b.EstimatedDuration
	})
	batches := newBatches(workers)
	for _, test := range sorted {
		leastLoaded(batches).Add(test)
	}
	return batches
}

type durationClustered struct{}

// partition sorts ascending by duration and slices the list into contiguous
// chunks, keeping similar-duration tests together so each batch's wall time
// has low internal variance.
func (durationClustered) partition(tests []api.TestMetadata, workers int) []*api.TestBatch {
	sorted := sortTests(tests, func(a, b api.TestMetadata) bool {
		return a.EstimatedDuration < b.EstimatedDuration
	})
	batches := newBatches(workers)
	chunkSize := (len(sorted) + workers - 1) / workers
	if chunkSize == 0 {
		chunkSize = 1
	}
	for i, test := range sorted {
		index := i / chunkSize
		if index >= workers {
			index = workers - 1
		}
		batches[index].Add(test)
	}
	return batches
}

const untaggedGroup = "untagged"

type tagBased struct{}

// partition buckets tests by their first tag, then iteratively merges the
// two smallest groups until the group count fits the worker budget.
func (tagBased) partition(tests []api.TestMetadata, workers int) []*api.TestBatch {
	groups := map[string][]api.TestMetadata{}
	for _, test := range tests {
		tag := untaggedGroup
		if len(test.Tags) > 0 {
			tag = test.Tags[0]
		}
		groups[tag] = append(groups[tag], test)
	}

	type group struct {
		name  string
		tests []api.TestMetadata
	}
	ordered := make([]group, 0, len(groups))
	for name, members := range groups {
		ordered = append(ordered, group{name: name, tests: members})
	}
	// sort for determinism
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].name < ordered[j].name })

	for len(ordered) > workers {
		// find the two smallest groups and merge them
		first, second := 0, 1
		if len(ordered[second].tests) < len(ordered[first].tests) {
			first, second = second, first
		}
		for i := 2; i < len(ordered); i++ {
			if len(ordered[i].tests) < len(ordered[first].tests) {
				second = first
				first = i
			} else if len(ordered[i].tests) < len(ordered[second].tests) {
				second = i
			}
		}
		if first > second {
			first, second = second, first
		}
		ordered[first].tests = append(ordered[first].tests, ordered[second].tests...)
		ordered = append(ordered[:second], ordered[second+1:]...)
	}

	batches := newBatches(len(ordered))
	for i, g := range ordered {
		for _, test := range g.tests {
			batches[i].Add(test)
		}
	}
	return batches
}

type flakyIsolated struct{}

// partition sends every flaky test to one dedicated batch and balances the
// stable remainder across the remaining workers.
func (flakyIsolated) partition(tests []api.TestMetadata, workers int) []*api.TestBatch {
	flaky, stable := splitFlaky(tests)
	if len(flaky) == 0 {
		return durationBalanced{}.partition(stable, workers)
	}

	flakyBatch := api.NewTestBatch(0)
	for _, test := range flaky {
		flakyBatch.Add(test)
	}

	// a single worker cannot isolate anything, everything shares its batch
	if workers == 1 {
		for _, test := range stable {
			flakyBatch.Add(test)
		}
		return []*api.TestBatch{flakyBatch}
	}
	batches := []*api.TestBatch{flakyBatch}
	return append(batches, durationBalanced{}.partition(stable, workers-1)...)
}

type hybrid struct {
	varianceSplit float64
	varianceRatio float64
}

// partition isolates flaky tests first, then routes the stable remainder by
// predictability: low-variance tests are clustered (stable batch wall time),
// high-variance tests are greedily balanced (they benefit from rebalancing).
func (h hybrid) partition(tests []api.TestMetadata, workers int) []*api.TestBatch {
	flaky, stable := splitFlaky(tests)

	// a single worker cannot isolate anything, everything shares its batch
	if workers == 1 {
		batch := api.NewTestBatch(0)
		for _, test := range tests {
			batch.Add(test)
		}
		return []*api.TestBatch{batch}
	}

	var batches []*api.TestBatch
	remaining := workers
	if len(flaky) > 0 {
		flakyBatch := api.NewTestBatch(0)
		for _, test := range flaky {
			flakyBatch.Add(test)
		}
		batches = append(batches, flakyBatch)
		remaining--
	}

	var lowVariance, highVariance []api.TestMetadata
	for _, test := range stable {
		if test.EstimatedDuration > 0 &&
			float64(test.Variance)/float64(test.EstimatedDuration) >= h.varianceRatio {
			highVariance = append(highVariance, test)
			continue
		}
		lowVariance = append(lowVariance, test)
	}

	switch {
	case len(highVariance) == 0:
		batches = append(batches, durationClustered{}.partition(lowVariance, remaining)...)
	case len(lowVariance) == 0:
		batches = append(batches, durationBalanced{}.partition(highVariance, remaining)...)
	case remaining < 2:
		// too few workers left to give each variance class its own batch
		batches = append(batches, durationBalanced{}.partition(stable, remaining)...)
	default:
		lowWorkers := int(float64(remaining) * h.varianceSplit)
		if lowWorkers < 1 {
			lowWorkers = 1
		}
		highWorkers := remaining - lowWorkers
		batches = append(batches, durationClustered{}.partition(lowVariance, lowWorkers)...)
		batches = append(batches, durationBalanced{}.partition(highVariance, highWorkers)...)
	}
	return batches
}

func splitFlaky(tests []api.TestMetadata) (flaky, stable []api.TestMetadata) {
	for _, test := range tests {
		if test.IsFlaky {
			flaky = append(flaky, test)
			continue
		}
		stable = append(stable, test)
	}
	return flaky, stable
}

func newBatches(n int) []*api.TestBatch {
	batches := make([]*api.TestBatch, n)
	for i := range batches {
		batches[i] = api.NewTestBatch(i)
	}
	return batches
}

func leastLoaded(batches []*api.TestBatch) *api.TestBatch {
	best := batches[0]
	for _, batch := range batches[1:] {
		if batch.EstimatedDuration < best.EstimatedDuration {
			best = batch
		}
	}
	return best
}

// sortTests returns a sorted copy, breaking duration ties on test case ID so
// partitioning is deterministic for a fixed input.
func sortTests(tests []api.TestMetadata, less func(a, b api.TestMetadata) bool) []api.TestMetadata {
	sorted := make([]api.TestMetadata, len(tests))
	copy(sorted, tests)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].EstimatedDuration == sorted[j].EstimatedDuration {
			return sorted[i].TestCaseID < sorted[j].TestCaseID
		}
		return less(sorted[i], sorted[j])
	})
	return sorted
}
