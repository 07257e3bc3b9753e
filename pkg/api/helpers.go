package api

import (
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// NewTestBatch returns an empty batch with initialized member and tag sets.
func NewTestBatch(index int) *TestBatch {
	return &TestBatch{
		BatchIndex:  index,
		TestCaseIDs: sets.New[string](),
		Tags:        sets.New[string](),
	}
}

// Add inserts a test into the batch and folds its metadata into the batch
// aggregates.
func (b *TestBatch) Add(meta TestMetadata) {
	b.TestCaseIDs.Insert(meta.TestCaseID)
	b.EstimatedDuration += meta.EstimatedDuration
	if meta.IsFlaky {
		b.ContainsFlaky = true
	}
	b.Tags.Insert(meta.Tags...)
}

// Finalize recomputes the derived fields after membership settled: the sorted
// member list for serialization, the member count, and the confidence as the
// fraction of members with sufficient history.
func (b *TestBatch) Finalize(metadata map[string]TestMetadata) {
	b.Tests = sets.List(b.TestCaseIDs)
	b.TestCount = len(b.Tests)
	if b.TestCount == 0 {
		b.Confidence = 0
		return
	}
	withHistory := 0
	for id := range b.TestCaseIDs {
		if metadata[id].HasHistory {
			withHistory++
		}
	}
	b.Confidence = float64(withHistory) / float64(b.TestCount)
}

// IsTestPath reports whether a path looks like a test file. The heuristic
// covers the layouts produced by the supported frameworks.
func IsTestPath(path string) bool {
	base := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		base = path[i+1:]
	}
	if strings.HasPrefix(path, "tests/") || strings.Contains(path, "/tests/") ||
		strings.Contains(path, "/__tests__/") {
		return true
	}
	for _, marker := range []string{".test.", ".spec.", "_test."} {
		if strings.Contains(base, marker) {
			return true
		}
	}
	return false
}

// ModuleOf returns the coarse module a path belongs to, which is its first
// directory segment, or the path itself for top-level files.
func ModuleOf(path string) string {
	if i := strings.Index(path, "/"); i > 0 {
		return path[:i]
	}
	return path
}
