package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/devicelab/test-tools/pkg/api"
)

// FileStore persists a tracker's records as a YAML snapshot. Records older
// than RecordAge are dropped on load so the file does not grow without bound.
type FileStore struct {
	File      string
	RecordAge time.Duration
}

// Load reads the snapshot from disk into the tracker, replacing its current
// contents. A missing file is not an error.
func (s *FileStore) Load(tracker *Tracker) error {
	if s.File == "" {
		return nil
	}
	if _, err := os.Stat(s.File); errors.Is(err, os.ErrNotExist) {
		tracker.logger.WithField("file", s.File).Info("history file does not exist")
		return nil
	}
	bytes, err := os.ReadFile(s.File)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", s.File, err)
	}
	records := map[string][]api.TestExecutionRecord{}
	if err := yaml.Unmarshal(bytes, &records); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	if s.RecordAge > 0 {
		for id, testRecords := range records {
			kept := testRecords[:0]
			for _, r := range testRecords {
				if age := time.Since(r.Timestamp); age > s.RecordAge {
					tracker.logger.WithField("testCase", id).WithField("timestamp", r.Timestamp).
						WithField("age", age).Debug("dropping old record")
					continue
				}
				kept = append(kept, r)
			}
			if len(kept) == 0 {
				delete(records, id)
				continue
			}
			records[id] = kept
		}
	}
	tracker.replace(records)
	return nil
}

// Save writes the tracker's records to disk. The snapshot goes to a temp
// file first and is renamed into place so the file is either complete or
// untouched.
func (s *FileStore) Save(tracker *Tracker) (ret error) {
	if s.File == "" {
		return nil
	}
	bytes, err := yaml.Marshal(tracker.snapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(s.File), "tmp-history")
	if err != nil {
		return fmt.Errorf("failed to create a temp file: %w", err)
	}
	tmp := tmpFile.Name()
	defer func() {
		// do nothing when the file does not exist, e.g., write failed, or it has been renamed.
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
	if err := os.Rename(tmp, s.File); err != nil {
		return fmt.Errorf("failed to rename file from %s to %s: %w", tmp, s.File, err)
	}
	return ret
}
