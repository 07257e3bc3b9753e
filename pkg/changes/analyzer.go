// Package changes classifies the blast radius of changed source files using
// a dependency graph snapshot provided by the host.
package changes

import (
	"strings"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/devicelab/test-tools/pkg/api"
)

// Importer-count thresholds for the impact classification. The level is
// monotonic in the size of the transitive importer set.
const (
	mediumImporterThreshold   = 3
	highImporterThreshold     = 10
	criticalImporterThreshold = 25

	// maxTransitiveDepth bounds the importer walk so that pathological
	// graphs (or cycles missed by the visited set) stay cheap.
	maxTransitiveDepth = 10
)

// defaultHighRiskPatterns match paths whose changes historically break far
// more than their importer count suggests.
var defaultHighRiskPatterns = []string{"/core/", "/types/", "/database/", "config.", "index."}

// Config holds the analyzer's tuning knobs.
type Config struct {
	// FullTestThreshold is the changed-file count at which the analyzer
	// recommends running the whole suite regardless of graph analysis.
	FullTestThreshold int `json:"full_test_threshold,omitempty"`
	// HighRiskPatterns override the built-in high-risk path fragments.
	HighRiskPatterns []string `json:"high_risk_patterns,omitempty"`
}

func (c *Config) withDefaults() Config {
	out := Config{FullTestThreshold: 25, HighRiskPatterns: defaultHighRiskPatterns}
	if c == nil {
		return out
	}
	if c.FullTestThreshold > 0 {
		out.FullTestThreshold = c.FullTestThreshold
	}
	if len(c.HighRiskPatterns) > 0 {
		out.HighRiskPatterns = c.HighRiskPatterns
	}
	return out
}

// Analyzer classifies changed files against a dependency graph snapshot.
type Analyzer struct {
	graph  api.DependencyGraph
	config Config
	logger *logrus.Entry
}

// NewAnalyzer builds an analyzer over the given graph snapshot. The graph is
// consumed read-only and may be shared between analyzers.
func NewAnalyzer(graph api.DependencyGraph, config *Config, logger *logrus.Entry) *Analyzer {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Analyzer{graph: graph, config: config.withDefaults(), logger: logger}
}

// AnalyzeChanges classifies every changed file's blast radius. Files absent
// from the graph get a low impact with no resolved edges rather than an
// error; the selector surfaces the degraded trust through its confidence.
func (a *Analyzer) AnalyzeChanges(changedFiles []api.ChangedFile) []api.ChangeImpact {
	impacts := make([]api.ChangeImpact, 0, len(changedFiles))
	for _, file := range changedFiles {
		impacts = append(impacts, a.analyzeFile(file))
	}
	return impacts
}

func (a *Analyzer) analyzeFile(file api.ChangedFile) api.ChangeImpact {
	node, known := a.graph[file.Path]
	if !known {
		a.logger.WithField("file", file.Path).Debug("changed file not present in dependency graph")
	}

	importers := a.TransitiveImporters(file.Path)
	impact := api.ChangeImpact{
		File:        file,
		ImpactLevel: a.classify(file.Path, importers.Len()),
		ImportedBy:  sets.List(importers),
		Imports:     append([]string{}, node.Imports...),
	}

	modules := sets.New[string](api.ModuleOf(file.Path))
	for importer := range importers {
		modules.Insert(api.ModuleOf(importer))
	}
	impact.AffectedModules = sets.List(modules)
	return impact
}

// TransitiveImporters walks the importedBy edges from a path, depth-bounded
// and tolerant of cycles.
func (a *Analyzer) TransitiveImporters(path string) sets.Set[string] {
	result := sets.New[string]()
	a.walkImporters(path, result, 0)
	result.Delete(path)
	return result
}

func (a *Analyzer) walkImporters(path string, visited sets.Set[string], depth int) {
	if depth >= maxTransitiveDepth {
		return
	}
	for _, importer := range a.graph[path].ImportedBy {
		if visited.Has(importer) {
			continue
		}
		visited.Insert(importer)
		a.walkImporters(importer, visited, depth+1)
	}
}

func (a *Analyzer) classify(path string, importerCount int) api.ImpactLevel {
	level := api.ImpactLow
	switch {
	case importerCount >= criticalImporterThreshold:
		level = api.ImpactCritical
	case importerCount >= highImporterThreshold:
		level = api.ImpactHigh
	case importerCount >= mediumImporterThreshold:
		level = api.ImpactMedium
	}

	// High-risk paths and test files get bumped one level: their importer
	// count understates how much they can break.
	if a.IsHighRisk(path) || api.IsTestPath(path) {
		level = bump(level)
	}
	return level
}

// IsHighRisk reports whether the path matches a high-risk pattern.
func (a *Analyzer) IsHighRisk(path string) bool {
	for _, pattern := range a.config.HighRiskPatterns {
		if strings.Contains(path, pattern) {
			return true
		}
	}
	return false
}

func bump(level api.ImpactLevel) api.ImpactLevel {
	switch level {
	case api.ImpactLow:
		return api.ImpactMedium
	case api.ImpactMedium:
		return api.ImpactHigh
	default:
		return api.ImpactCritical
	}
}

// ShouldRunAllTests is the safety valve: large change sets and critical
// impacts force a full-suite run so a broad refactor cannot slip through an
// under-selected test set.
func (a *Analyzer) ShouldRunAllTests(impacts []api.ChangeImpact) bool {
	if len(impacts) >= a.config.FullTestThreshold {
		return true
	}
	for _, impact := range impacts {
		if impact.ImpactLevel == api.ImpactCritical {
			return true
		}
	}
	return false
}

// AffectedFiles returns the changed files plus every transitive importer,
// deduplicated and sorted, which is the candidate set for coverage lookups.
func (a *Analyzer) AffectedFiles(impacts ...api.ChangeImpact) []string {
	affected := sets.New[string]()
	for _, impact := range impacts {
		affected.Insert(impact.File.Path)
		affected.Insert(impact.ImportedBy...)
	}
	return sets.List(affected)
}
