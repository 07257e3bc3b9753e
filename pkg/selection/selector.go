// Package selection decides which tests must run for a given code change by
// combining change-impact analysis, coverage mappings, and execution history.
package selection

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devicelab/test-tools/pkg/api"
	"github.com/devicelab/test-tools/pkg/changes"
	"github.com/devicelab/test-tools/pkg/coverage"
	"github.com/devicelab/test-tools/pkg/history"
)

// TestSelectionResult is the outcome of one selection request.
type TestSelectionResult struct {
	SelectedTests []api.SelectedTest `json:"selected_tests"`
	TotalTests    int                `json:"total_tests"`
	SelectedCount int                `json:"selected_count"`
	Reason        string             `json:"reason"`
	// Confidence reflects how much of the decision rested on resolved
	// mappings and impacts rather than fallbacks.
	Confidence        float64       `json:"confidence"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// Selector decides which tests to run for a change set. It serializes
// selection calls internally since the coverage index is rebuilt per call.
type Selector struct {
	mu       sync.Mutex
	graph    api.DependencyGraph
	analyzer *changes.Analyzer
	mapper   *coverage.Mapper
	reader   history.Reader
	config   Config
	logger   *logrus.Entry

	// volumes hold per-test execution counts, used to break ranking ties in
	// favor of frequently-run tests.
	volumes map[string]float64
}

// NewSelector builds a selector over a dependency graph snapshot, reading
// test history through reader.
func NewSelector(graph api.DependencyGraph, reader history.Reader, config Config, logger *logrus.Entry) *Selector {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	config = config.WithDefaults()
	analyzer := changes.NewAnalyzer(graph, &changes.Config{
		FullTestThreshold: config.FullTestThreshold,
		HighRiskPatterns:  config.HighRiskPatterns,
	}, logger)
	return &Selector{
		graph:    graph,
		analyzer: analyzer,
		mapper:   coverage.NewMapper(reader),
		reader:   reader,
		config:   config,
		logger:   logger,
	}
}

// candidate carries the raw (unclamped) score so that ordering stays stable
// even when several bonuses saturate the exposed [0, 1] priority.
type candidate struct {
	test     api.SelectedTest
	rawScore float64
}

// SelectTests computes the set of tests to run for the given changed files.
// Adding more changed files to a request can only grow the selection and
// each selected test's triggeredBy list, never shrink them.
func (s *Selector) SelectTests(changedFiles []api.ChangedFile) (*TestSelectionResult, error) {
	if len(changedFiles) == 0 {
		return nil, fmt.Errorf("cannot select tests for an empty change set")
	}
	if err := s.config.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// One graph scan per call; the index is rebuilt from the snapshot so
	// stale mappings cannot leak between requests.
	s.mapper.BuildMappings(s.graph)
	allTests := s.mapper.KnownTests()
	sort.Strings(allTests)

	impacts := s.analyzer.AnalyzeChanges(changedFiles)

	if reason, runAll := s.shouldRunAll(changedFiles, impacts); runAll {
		return s.selectAll(allTests, changedFiles, impacts, reason), nil
	}

	candidates := map[string]*candidate{}
	for _, impact := range impacts {
		for _, source := range s.analyzer.AffectedFiles(impact) {
			for _, mapping := range s.mapper.TestsForSource(source) {
				s.scoreCandidate(candidates, mapping, source, impact)
			}
		}
	}

	s.augment(candidates, allTests)

	result := &TestSelectionResult{
		TotalTests: len(allTests),
		Reason:     fmt.Sprintf("selected tests affected by %d changed files", len(changedFiles)),
		Confidence: s.confidence(candidates, impacts),
	}
	for _, c := range s.rank(candidates) {
		result.SelectedTests = append(result.SelectedTests, c.test)
		result.EstimatedDuration += c.test.EstimatedDuration
	}
	result.SelectedCount = len(result.SelectedTests)

	s.logger.WithField("changedFiles", len(changedFiles)).
		WithField("selected", result.SelectedCount).
		WithField("total", result.TotalTests).
		Debug("test selection finished")
	return result, nil
}

// shouldRunAll applies the safety valves: the changed-file threshold always
// wins, and a critical impact forces the full suite unless the strategy is
// explicitly affected-only.
func (s *Selector) shouldRunAll(changedFiles []api.ChangedFile, impacts []api.ChangeImpact) (string, bool) {
	if len(changedFiles) >= s.config.FullTestThreshold {
		return fmt.Sprintf("%d changed files exceed the full-test threshold of %d", len(changedFiles), s.config.FullTestThreshold), true
	}
	if s.config.Strategy == StrategyAffectedOnly {
		return "", false
	}
	for _, impact := range impacts {
		if impact.ImpactLevel == api.ImpactCritical {
			return fmt.Sprintf("critical impact on %s", impact.File.Path), true
		}
	}
	return "", false
}

func (s *Selector) selectAll(allTests []string, changedFiles []api.ChangedFile, impacts []api.ChangeImpact, reason string) *TestSelectionResult {
	triggeredBy := make([]string, 0, len(changedFiles))
	for _, file := range changedFiles {
		triggeredBy = append(triggeredBy, file.Path)
	}
	result := &TestSelectionResult{
		TotalTests:    len(allTests),
		SelectedCount: len(allTests),
		Reason:        reason,
		Confidence:    s.confidence(nil, impacts),
	}
	for _, testPath := range allTests {
		meta := s.metadataFor(testPath)
		result.SelectedTests = append(result.SelectedTests, api.SelectedTest{
			TestPath:          testPath,
			Reason:            reason,
			Priority:          1.0,
			EstimatedDuration: meta.EstimatedDuration,
			IsFlaky:           meta.IsFlaky,
			TriggeredBy:       triggeredBy,
		})
		result.EstimatedDuration += meta.EstimatedDuration
	}
	return result
}

// scoreCandidate folds one (test, source, impact) edge into the candidate
// set. The highest-priority computation wins, but triggeredBy accumulates
// every contributing changed file.
func (s *Selector) scoreCandidate(candidates map[string]*candidate, mapping api.TestToSourceMapping, source string, impact api.ChangeImpact) {
	raw := basePriority + impact.ImpactLevel.Weight()*mapping.CoverageConfidence
	if mapping.IsFlaky {
		raw *= s.config.FlakyPriorityMultiplier
	}
	if s.analyzer.IsHighRisk(source) {
		raw += highRiskPathBonus
	}
	raw += s.recentFailureBonus(mapping.TestPath)
	if mapping.FailureRate > failureRateThreshold {
		raw += failureRateBonus
	}

	c, ok := candidates[mapping.TestPath]
	if !ok {
		c = &candidate{test: api.SelectedTest{
			TestPath:          mapping.TestPath,
			EstimatedDuration: mapping.AvgDuration,
			IsFlaky:           mapping.IsFlaky,
			RelatedSources:    mapping.SourceFiles,
		}}
		candidates[mapping.TestPath] = c
	}
	if raw > c.rawScore {
		c.rawScore = raw
		c.test.Priority = clamp(raw)
		c.test.Reason = fmt.Sprintf("covers %s (impact: %s)", source, impact.ImpactLevel)
	}
	if !contains(c.test.TriggeredBy, impact.File.Path) {
		c.test.TriggeredBy = append(c.test.TriggeredBy, impact.File.Path)
	}
}

func (s *Selector) recentFailureBonus(testPath string) float64 {
	records, err := s.reader.History(testPath)
	if err != nil {
		return 0
	}
	bonus := perRecentFailureBonus * float64(history.RecentFailures(records, recentFailureWindow))
	if bonus > recentFailureBonusCap {
		bonus = recentFailureBonusCap
	}
	return bonus
}

// augment adds strategy-specific selections that are not justified by the
// change set itself: high-risk directory tests and known-flaky tests.
func (s *Selector) augment(candidates map[string]*candidate, allTests []string) {
	addHighRisk := s.config.Strategy == StrategyAffectedPlusHighRisk || s.config.Strategy == StrategyBalanced
	addFlaky := s.config.Strategy == StrategyAffectedPlusFlaky || s.config.Strategy == StrategyBalanced

	for _, testPath := range allTests {
		if _, selected := candidates[testPath]; selected {
			continue
		}
		if addHighRisk && s.underHighRiskDir(testPath) {
			meta := s.metadataFor(testPath)
			candidates[testPath] = &candidate{
				rawScore: highRiskAugmentPriority,
				test: api.SelectedTest{
					TestPath:          testPath,
					Reason:            "test under a high-risk path",
					Priority:          highRiskAugmentPriority,
					EstimatedDuration: meta.EstimatedDuration,
					IsFlaky:           meta.IsFlaky,
					TriggeredBy:       []string{},
				},
			}
			continue
		}
		if addFlaky {
			if flaky, err := s.reader.IsFlaky(testPath); err == nil && flaky {
				meta := s.metadataFor(testPath)
				candidates[testPath] = &candidate{
					rawScore: flakyAugmentPriority,
					test: api.SelectedTest{
						TestPath:          testPath,
						Reason:            "known flaky test",
						Priority:          flakyAugmentPriority,
						EstimatedDuration: meta.EstimatedDuration,
						IsFlaky:           true,
						TriggeredBy:       []string{},
					},
				}
			}
		}
	}
}

// SetTestVolumes installs per-test execution volumes, e.g. from Prometheus.
// Volumes only break ranking ties; they never change which tests qualify.
func (s *Selector) SetTestVolumes(volumes map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volumes = volumes
}

// rank applies the min-priority filter, orders by raw score so saturated
// priorities stay distinguishable, and applies the top-N cap. Equal scores
// fall back to execution volume, then path.
func (s *Selector) rank(candidates map[string]*candidate) []*candidate {
	ranked := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.test.Priority < s.config.MinPriority {
			continue
		}
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].rawScore == ranked[j].rawScore {
			if s.volumes[ranked[i].test.TestPath] != s.volumes[ranked[j].test.TestPath] {
				return s.volumes[ranked[i].test.TestPath] > s.volumes[ranked[j].test.TestPath]
			}
			return ranked[i].test.TestPath < ranked[j].test.TestPath
		}
		return ranked[i].rawScore > ranked[j].rawScore
	})
	if s.config.MaxTests > 0 && len(ranked) > s.config.MaxTests {
		ranked = ranked[:s.config.MaxTests]
	}
	return ranked
}

// confidence is 0.5 base, plus up to 0.3 for the fraction of selected tests
// with known source mappings, plus up to 0.2 for the fraction of impacts
// with resolved import data.
func (s *Selector) confidence(candidates map[string]*candidate, impacts []api.ChangeImpact) float64 {
	confidence := 0.5
	if len(candidates) > 0 {
		mapped := 0
		for testPath := range candidates {
			if s.mapper.HasMapping(testPath) {
				mapped++
			}
		}
		confidence += 0.3 * float64(mapped) / float64(len(candidates))
	}
	if len(impacts) > 0 {
		resolved := 0
		for _, impact := range impacts {
			if len(impact.Imports) > 0 || len(impact.ImportedBy) > 0 {
				resolved++
			}
		}
		confidence += 0.2 * float64(resolved) / float64(len(impacts))
	}
	return clamp(confidence)
}

func (s *Selector) underHighRiskDir(testPath string) bool {
	for _, dir := range s.config.HighRiskDirs {
		if strings.HasPrefix(testPath, dir) {
			return true
		}
	}
	return false
}

func (s *Selector) metadataFor(testPath string) api.TestMetadata {
	meta, err := s.reader.Metadata(testPath)
	if err != nil {
		return history.ComputeMetadata(testPath, nil)
	}
	return meta
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
