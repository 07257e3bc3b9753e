// Package grouping partitions a test set into near-balanced batches for
// parallel execution, using a selectable strategy informed by execution
// history.
package grouping

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devicelab/test-tools/pkg/api"
	"github.com/devicelab/test-tools/pkg/history"
)

// OptimizationMetrics describe the quality of a partition.
type OptimizationMetrics struct {
	// TotalEstimatedDuration is the serial wall time across all tests.
	TotalEstimatedDuration time.Duration `json:"total_estimated_duration"`
	// ParallelEstimatedDuration is the critical path: the largest single
	// batch duration.
	ParallelEstimatedDuration time.Duration `json:"parallel_estimated_duration"`
	// SpeedupFactor is total over parallel.
	SpeedupFactor float64 `json:"speedup_factor"`
	// LoadBalanceEfficiency is 1 − |max − mean| / mean, clamped to [0, 1];
	// a perfectly even split scores 1.0.
	LoadBalanceEfficiency float64 `json:"load_balance_efficiency"`
}

// OptimizationResult is a complete partition of the input test set.
type OptimizationResult struct {
	Batches  []api.TestBatch     `json:"batches"`
	Metrics  OptimizationMetrics `json:"metrics"`
	Strategy Strategy            `json:"strategy"`
}

// Optimizer partitions test sets. Construct one per host application; it is
// stateless between calls apart from the injected history reader.
type Optimizer struct {
	reader history.Reader
	config Config
	logger *logrus.Entry
}

// NewOptimizer builds an optimizer reading history through reader.
func NewOptimizer(reader history.Reader, config Config, logger *logrus.Entry) *Optimizer {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Optimizer{reader: reader, config: config.WithDefaults(), logger: logger}
}

// Optimize partitions the given test cases into batches for parallel
// execution. Every input ID lands in exactly one batch; batches that end up
// empty are dropped. Validation failures return before any history I/O.
func (o *Optimizer) Optimize(testCaseIDs []string) (*OptimizationResult, error) {
	if len(testCaseIDs) == 0 {
		return nil, fmt.Errorf("cannot optimize an empty test set")
	}
	if err := o.config.Validate(); err != nil {
		return nil, err
	}

	metadata := o.collectMetadata(testCaseIDs)
	tests := make([]api.TestMetadata, 0, len(metadata))
	for _, id := range testCaseIDs {
		tests = append(tests, metadata[id])
	}

	batches := partitionerFor(o.config).partition(tests, o.config.TargetWorkers)
	if o.config.RespectPlatform {
		batches = splitByPlatform(batches, metadata)
	}

	result := &OptimizationResult{Strategy: o.config.Strategy}
	index := 0
	for _, batch := range batches {
		if batch.TestCaseIDs.Len() == 0 {
			continue
		}
		batch.BatchIndex = index
		batch.Finalize(metadata)
		result.Batches = append(result.Batches, *batch)
		index++
	}
	result.Metrics = computeMetrics(result.Batches)

	o.logger.WithField("strategy", o.config.Strategy).
		WithField("tests", len(testCaseIDs)).
		WithField("batches", len(result.Batches)).
		WithField("speedup", fmt.Sprintf("%.2f", result.Metrics.SpeedupFactor)).
		Debug("optimized test grouping")
	return result, nil
}

// collectMetadata resolves per-test metadata, falling back to defaults when
// a history lookup fails. A single bad read never aborts the optimization.
func (o *Optimizer) collectMetadata(testCaseIDs []string) map[string]api.TestMetadata {
	metadata := make(map[string]api.TestMetadata, len(testCaseIDs))
	for _, id := range testCaseIDs {
		if _, seen := metadata[id]; seen {
			continue
		}
		meta, err := o.reader.Metadata(id)
		if err != nil {
			o.logger.WithError(err).WithField("testCase", id).Warn("history lookup failed, using defaults")
			meta = history.ComputeMetadata(id, nil)
		}
		metadata[id] = meta
	}
	return metadata
}

// splitByPlatform breaks every batch apart so that tests bound to different
// platforms never share a batch. Agnostic tests form their own group.
func splitByPlatform(batches []*api.TestBatch, metadata map[string]api.TestMetadata) []*api.TestBatch {
	var out []*api.TestBatch
	for _, batch := range batches {
		byPlatform := map[api.Platform]*api.TestBatch{}
		for id := range batch.TestCaseIDs {
			platform := metadata[id].Platform
			sub, ok := byPlatform[platform]
			if !ok {
				sub = api.NewTestBatch(len(out) + len(byPlatform))
				sub.Platform = platform
				byPlatform[platform] = sub
			}
			sub.Add(metadata[id])
		}
		// deterministic platform order
		for _, platform := range []api.Platform{api.PlatformAgnostic, api.PlatformAndroid, api.PlatformIOS} {
			if sub, ok := byPlatform[platform]; ok {
				out = append(out, sub)
			}
		}
	}
	return out
}

func computeMetrics(batches []api.TestBatch) OptimizationMetrics {
	metrics := OptimizationMetrics{}
	if len(batches) == 0 {
		return metrics
	}
	var max time.Duration
	for _, batch := range batches {
		metrics.TotalEstimatedDuration += batch.EstimatedDuration
		if batch.EstimatedDuration > max {
			max = batch.EstimatedDuration
		}
	}
	metrics.ParallelEstimatedDuration = max
	if max > 0 {
		metrics.SpeedupFactor = float64(metrics.TotalEstimatedDuration) / float64(max)
	}
	mean := float64(metrics.TotalEstimatedDuration) / float64(len(batches))
	if mean > 0 {
		efficiency := 1 - (float64(max)-mean)/mean
		if efficiency < 0 {
			efficiency = 0
		}
		if efficiency > 1 {
			efficiency = 1
		}
		metrics.LoadBalanceEfficiency = efficiency
	}
	return metrics
}
