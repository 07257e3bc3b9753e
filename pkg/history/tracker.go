package history

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devicelab/test-tools/pkg/api"
)

// Tracker is an in-memory, append-only history store. It is safe for
// concurrent use; the recent window per test case is bounded so that rolling
// statistics stay cheap to recompute.
type Tracker struct {
	mu      sync.RWMutex
	records map[string][]api.TestExecutionRecord
	window  int
	logger  *logrus.Entry

	now func() time.Time
}

// NewTracker returns an empty tracker keeping api.HistoryWindow records per
// test case.
func NewTracker(logger *logrus.Entry) *Tracker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{
		records: map[string][]api.TestExecutionRecord{},
		window:  api.HistoryWindow,
		logger:  logger,
		now:     time.Now,
	}
}

// Record appends one execution outcome for a test case, trimming the stored
// history to the recent window.
func (t *Tracker) Record(testCaseID string, duration time.Duration, status api.TestStatus, platform api.Platform) {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := append(t.records[testCaseID], api.TestExecutionRecord{
		TestCaseID: testCaseID,
		Duration:   duration,
		Status:     status,
		Timestamp:  t.now(),
		Platform:   platform,
	})
	if len(records) > t.window {
		records = records[len(records)-t.window:]
	}
	t.records[testCaseID] = records
}

// History returns a copy of the recorded executions for a test case, oldest
// first. Unknown test cases yield an empty slice, never an error.
func (t *Tracker) History(testCaseID string) ([]api.TestExecutionRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	records := t.records[testCaseID]
	out := make([]api.TestExecutionRecord, len(records))
	copy(out, records)
	return out, nil
}

// Metadata builds the derived per-test view from the recorded history.
func (t *Tracker) Metadata(testCaseID string) (api.TestMetadata, error) {
	records, _ := t.History(testCaseID)
	return ComputeMetadata(testCaseID, records), nil
}

// IsFlaky reports whether the test's recent outcomes alternate beyond the
// flakiness threshold.
func (t *Tracker) IsFlaky(testCaseID string) (bool, error) {
	records, _ := t.History(testCaseID)
	return AlternationRate(records) >= api.FlakyAlternationThreshold, nil
}

// TestCaseIDs lists every test case with at least one recorded execution.
func (t *Tracker) TestCaseIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	return ids
}

func (t *Tracker) snapshot() map[string][]api.TestExecutionRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]api.TestExecutionRecord, len(t.records))
	for id, records := range t.records {
		cp := make([]api.TestExecutionRecord, len(records))
		copy(cp, records)
		out[id] = cp
	}
	return out
}

func (t *Tracker) replace(records map[string][]api.TestExecutionRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = records
}

var _ Reader = &Tracker{}
var _ Writer = &Tracker{}
