// Package coverage maintains the test→source index the selector queries to
// find which tests exercise a changed file.
package coverage

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/devicelab/test-tools/pkg/api"
	"github.com/devicelab/test-tools/pkg/history"
)

// Confidence assigned to a mapping depending on how it was established.
// Direct imports are the strongest signal; a shared top-level module is a
// weak fallback for tests with no resolvable imports.
const (
	directImportConfidence = 0.9
	transitiveConfidence   = 0.6
	sameModuleConfidence   = 0.4
)

// Mapper indexes which tests cover which source files. Build it once per
// selection call from the current graph snapshot.
type Mapper struct {
	// testToSources maps a test path to the source files it reaches, with
	// the confidence of each edge.
	testToSources map[string]map[string]float64
	// sourceToTests is the inverted index consumed by TestsForSource.
	sourceToTests map[string]sets.Set[string]

	reader history.Reader
}

// NewMapper returns an empty mapper reading history through reader. A nil
// reader is allowed; mappings then carry default statistics.
func NewMapper(reader history.Reader) *Mapper {
	return &Mapper{
		testToSources: map[string]map[string]float64{},
		sourceToTests: map[string]sets.Set[string]{},
		reader:        reader,
	}
}

// BuildMappings populates the indexes from a dependency graph snapshot. It
// may be called again with a fresh snapshot; the previous index is replaced.
func (m *Mapper) BuildMappings(graph api.DependencyGraph) {
	m.testToSources = map[string]map[string]float64{}
	m.sourceToTests = map[string]sets.Set[string]{}

	for path, node := range graph {
		if !api.IsTestPath(path) {
			continue
		}
		edges := map[string]float64{}
		// Direct imports of the test file.
		for _, imported := range node.Imports {
			if api.IsTestPath(imported) {
				continue
			}
			edges[imported] = directImportConfidence
		}
		// One hop further: what the direct imports pull in.
		for _, imported := range node.Imports {
			for _, transitive := range graph[imported].Imports {
				if api.IsTestPath(transitive) {
					continue
				}
				if _, direct := edges[transitive]; !direct {
					edges[transitive] = transitiveConfidence
				}
			}
		}
		// Fallback for tests with no resolvable imports: associate them
		// with sources in the same top-level module.
		if len(edges) == 0 {
			module := api.ModuleOf(path)
			for candidate := range graph {
				if candidate != path && !api.IsTestPath(candidate) && api.ModuleOf(candidate) == module {
					edges[candidate] = sameModuleConfidence
				}
			}
		}
		if len(edges) == 0 {
			continue
		}
		m.testToSources[path] = edges
		for source := range edges {
			if m.sourceToTests[source] == nil {
				m.sourceToTests[source] = sets.New[string]()
			}
			m.sourceToTests[source].Insert(path)
		}
	}
}

// TestsForSource returns every mapping whose test covers the given source
// file, annotated with the test's historical statistics.
func (m *Mapper) TestsForSource(path string) []api.TestToSourceMapping {
	tests, ok := m.sourceToTests[path]
	if !ok {
		return nil
	}
	mappings := make([]api.TestToSourceMapping, 0, tests.Len())
	for _, testPath := range sets.List(tests) {
		mappings = append(mappings, m.mappingFor(testPath, m.testToSources[testPath][path]))
	}
	return mappings
}

// KnownTests lists every test path present in the index.
func (m *Mapper) KnownTests() []string {
	out := make([]string, 0, len(m.testToSources))
	for testPath := range m.testToSources {
		out = append(out, testPath)
	}
	return out
}

// HasMapping reports whether the test has at least one indexed source edge.
func (m *Mapper) HasMapping(testPath string) bool {
	_, ok := m.testToSources[testPath]
	return ok
}

func (m *Mapper) mappingFor(testPath string, confidence float64) api.TestToSourceMapping {
	mapping := api.TestToSourceMapping{
		TestPath:           testPath,
		SourceFiles:        sortedKeys(m.testToSources[testPath]),
		AvgDuration:        api.DefaultDuration,
		CoverageConfidence: confidence,
	}
	if m.reader == nil {
		return mapping
	}
	records, err := m.reader.History(testPath)
	if err != nil {
		// Degraded history never fails a mapping; the defaults stand.
		return mapping
	}
	meta := history.ComputeMetadata(testPath, records)
	if meta.HasHistory {
		mapping.AvgDuration = meta.EstimatedDuration
	}
	mapping.IsFlaky = meta.IsFlaky
	mapping.FailureRate = history.FailureRate(records)
	return mapping
}

func sortedKeys(m map[string]float64) []string {
	s := sets.New[string]()
	for k := range m {
		s.Insert(k)
	}
	return sets.List(s)
}
