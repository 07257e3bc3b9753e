package coverage

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/devicelab/test-tools/pkg/api"
	"github.com/devicelab/test-tools/pkg/history"
)

func testGraph() api.DependencyGraph {
	return api.DependencyGraph{
		"tests/unit/math.test.ts": {Imports: []string{"src/util/math.ts"}},
		"src/util/math.ts":        {ImportedBy: []string{"tests/unit/math.test.ts"}, Imports: []string{"src/util/constants.ts"}},
		"src/util/constants.ts":   {ImportedBy: []string{"src/util/math.ts"}},
		"lib/helpers.test.ts":     {},
		"lib/render.ts":           {},
	}
}

func TestBuildMappingsConfidences(t *testing.T) {
	mapper := NewMapper(nil)
	mapper.BuildMappings(testGraph())

	testCases := []struct {
		name       string
		source     string
		test       string
		confidence float64
	}{
		{name: "direct import", source: "src/util/math.ts", test: "tests/unit/math.test.ts", confidence: 0.9},
		{name: "one hop transitive", source: "src/util/constants.ts", test: "tests/unit/math.test.ts", confidence: 0.6},
		{name: "same module fallback", source: "lib/render.ts", test: "lib/helpers.test.ts", confidence: 0.4},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mappings := mapper.TestsForSource(tc.source)
			if len(mappings) != 1 {
				t.Fatalf("expected 1 mapping for %s, got %d", tc.source, len(mappings))
			}
			if mappings[0].TestPath != tc.test {
				t.Errorf("expected test %s, got %s", tc.test, mappings[0].TestPath)
			}
			if mappings[0].CoverageConfidence != tc.confidence {
				t.Errorf("expected confidence %v, got %v", tc.confidence, mappings[0].CoverageConfidence)
			}
		})
	}
}

func TestTestsForSourceUnknownFile(t *testing.T) {
	mapper := NewMapper(nil)
	mapper.BuildMappings(testGraph())
	if mappings := mapper.TestsForSource("src/never/seen.ts"); mappings != nil {
		t.Errorf("expected no mappings for an unindexed source, got %v", mappings)
	}
}

func TestMappingsCarryHistoryStatistics(t *testing.T) {
	tracker := history.NewTracker(nil)
	statuses := []api.TestStatus{api.StatusPassed, api.StatusFailed, api.StatusPassed, api.StatusFailed}
	for _, status := range statuses {
		tracker.Record("tests/unit/math.test.ts", 8*time.Second, status, api.PlatformIOS)
	}

	mapper := NewMapper(tracker)
	mapper.BuildMappings(testGraph())

	mappings := mapper.TestsForSource("src/util/math.ts")
	if len(mappings) != 1 {
		t.Fatalf("expected 1 mapping, got %d", len(mappings))
	}
	mapping := mappings[0]
	if mapping.AvgDuration != 8*time.Second {
		t.Errorf("expected average duration from history, got %v", mapping.AvgDuration)
	}
	if !mapping.IsFlaky {
		t.Error("expected an alternating test to be marked flaky")
	}
	if mapping.FailureRate != 0.5 {
		t.Errorf("expected failure rate 0.5, got %v", mapping.FailureRate)
	}
	expectedSources := []string{"src/util/constants.ts", "src/util/math.ts"}
	if diff := cmp.Diff(expectedSources, mapping.SourceFiles); diff != "" {
		t.Errorf("source files differ from expected:\n%s", diff)
	}
}

func TestHasMappingAndKnownTests(t *testing.T) {
	mapper := NewMapper(nil)
	mapper.BuildMappings(testGraph())

	if !mapper.HasMapping("tests/unit/math.test.ts") {
		t.Error("expected an indexed test to have a mapping")
	}
	if mapper.HasMapping("src/util/math.ts") {
		t.Error("expected a source file to have no test mapping")
	}
	if got := len(mapper.KnownTests()); got != 2 {
		t.Errorf("expected 2 known tests, got %d", got)
	}
}
