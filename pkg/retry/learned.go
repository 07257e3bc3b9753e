package retry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/devicelab/test-tools/pkg/api"
)

// strategyCounts tracks outcomes per strategy within one (test, category)
// record.
type strategyCounts struct {
	Total   int `json:"total"`
	Success int `json:"success"`
}

func (c strategyCounts) rate() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Success) / float64(c.Total)
}

// learnedRecord is the stored learning state for one (test, category) pair.
type learnedRecord struct {
	Learned     api.LearnedRetryStrategy                 `json:"learned"`
	PerStrategy map[api.RetryStrategyType]strategyCounts `json:"per_strategy,omitempty"`
}

// LearnedStore accumulates retry outcomes per (test case, failure category)
// pair. Counters are updated incrementally, never overwritten wholesale, and
// the store is safe for concurrent use.
type LearnedStore struct {
	mu      sync.Mutex
	records map[string]*learnedRecord

	now func() time.Time
}

// NewLearnedStore returns an empty store.
func NewLearnedStore() *LearnedStore {
	return &LearnedStore{
		records: map[string]*learnedRecord{},
		now:     time.Now,
	}
}

func learnedKey(testCaseID string, category api.FailureCategory) string {
	return fmt.Sprintf("%s|%s", testCaseID, category)
}

// Record folds one retry outcome into the store. The best strategy only
// changes when the just-tried strategy's running success rate strictly
// exceeds the current best's; this is an online-greedy policy with no
// exploration once a strategy is locked in.
func (s *LearnedStore) Record(testCaseID string, category api.FailureCategory, strategy api.RetryStrategyType, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := learnedKey(testCaseID, category)
	record, ok := s.records[key]
	if !ok {
		record = &learnedRecord{
			Learned:     api.LearnedRetryStrategy{TestCaseID: testCaseID, Category: category},
			PerStrategy: map[api.RetryStrategyType]strategyCounts{},
		}
		s.records[key] = record
	}

	record.Learned.TotalAttempts++
	if success {
		record.Learned.SuccessCount++
	}
	record.Learned.SuccessRate = float64(record.Learned.SuccessCount) / float64(record.Learned.TotalAttempts)
	record.Learned.LastUpdated = s.now()

	counts := record.PerStrategy[strategy]
	counts.Total++
	if success {
		counts.Success++
	}
	record.PerStrategy[strategy] = counts

	best := record.PerStrategy[record.Learned.SuccessfulStrategy]
	if counts.rate() > best.rate() {
		record.Learned.SuccessfulStrategy = strategy
	}
}

// Get returns a copy of the learned state for a (test, category) pair, or
// nil when nothing was recorded yet.
func (s *LearnedStore) Get(testCaseID string, category api.FailureCategory) *api.LearnedRetryStrategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[learnedKey(testCaseID, category)]
	if !ok {
		return nil
	}
	learned := record.Learned
	return &learned
}

// LearnedFileStore persists a LearnedStore as a YAML snapshot, dropping
// records not updated within RecordAge on load.
type LearnedFileStore struct {
	File      string
	RecordAge time.Duration
	Logger    *logrus.Entry
}

func (f *LearnedFileStore) logger() *logrus.Entry {
	if f.Logger == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return f.Logger
}

// Load reads the snapshot from disk into the store, replacing its current
// contents. A missing file is not an error.
func (f *LearnedFileStore) Load(store *LearnedStore) error {
	if f.File == "" {
		return nil
	}
	if _, err := os.Stat(f.File); errors.Is(err, os.ErrNotExist) {
		f.logger().WithField("file", f.File).Info("learned strategy file does not exist")
		return nil
	}
	bytes, err := os.ReadFile(f.File)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", f.File, err)
	}
	records := map[string]*learnedRecord{}
	if err := yaml.Unmarshal(bytes, &records); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	for key, record := range records {
		if f.RecordAge > 0 {
			if age := time.Since(record.Learned.LastUpdated); age > f.RecordAge {
				f.logger().WithField("key", key).WithField("age", age).Debug("dropping old learned record")
				delete(records, key)
				continue
			}
		}
		if record.PerStrategy == nil {
			record.PerStrategy = map[api.RetryStrategyType]strategyCounts{}
		}
	}
	store.mu.Lock()
	store.records = records
	store.mu.Unlock()
	return nil
}

// Save writes the store to disk via a temp file and rename, so the snapshot
// is either complete or untouched.
func (f *LearnedFileStore) Save(store *LearnedStore) (ret error) {
	if f.File == "" {
		return nil
	}
	store.mu.Lock()
	bytes, err := yaml.Marshal(store.records)
	store.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(f.File), "tmp-learned")
	if err != nil {
		return fmt.Errorf("failed to create a temp file: %w", err)
	}
	tmp := tmpFile.Name()
	defer func() {
		if _, err := os.Stat(tmp); errors.Is(err, os.ErrNotExist) {
			return
		}
		if err := os.Remove(tmp); err != nil {
			ret = fmt.Errorf("failed to delete file %s: %w", tmp, err)
		}
	}()

	if err := os.WriteFile(tmp, bytes, 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.File); err != nil {
		return fmt.Errorf("failed to rename file from %s to %s: %w", tmp, f.File, err)
	}
	return ret
}
