package history

import (
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/devicelab/test-tools/pkg/api"
)

func TestTrackerRecordAndHistory(t *testing.T) {
	tracker := NewTracker(nil)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	tracker.Record("t1", 2*time.Second, api.StatusPassed, api.PlatformAndroid)
	tracker.Record("t1", 4*time.Second, api.StatusFailed, api.PlatformAndroid)
	tracker.Record("t2", time.Second, api.StatusPassed, api.PlatformAgnostic)

	records, err := tracker.History("t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []api.TestExecutionRecord{
		{TestCaseID: "t1", Duration: 2 * time.Second, Status: api.StatusPassed, Timestamp: now, Platform: api.PlatformAndroid},
		{TestCaseID: "t1", Duration: 4 * time.Second, Status: api.StatusFailed, Timestamp: now, Platform: api.PlatformAndroid},
	}
	if diff := cmp.Diff(expected, records); diff != "" {
		t.Errorf("history differs from expected:\n%s", diff)
	}

	unknown, err := tracker.History("missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(unknown) != 0 {
		t.Errorf("expected empty history for unknown test, got %d records", len(unknown))
	}
}

func TestTrackerTestCaseIDs(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Record("b", time.Second, api.StatusPassed, api.PlatformAgnostic)
	tracker.Record("a", time.Second, api.StatusFailed, api.PlatformAgnostic)
	tracker.Record("a", time.Second, api.StatusPassed, api.PlatformAgnostic)

	ids := tracker.TestCaseIDs()
	sort.Strings(ids)
	if diff := cmp.Diff([]string{"a", "b"}, ids); diff != "" {
		t.Errorf("tracked test cases differ from expected:\n%s", diff)
	}
}

func TestTrackerWindowIsBounded(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.window = 5
	for i := 0; i < 20; i++ {
		tracker.Record("t1", time.Second, api.StatusPassed, api.PlatformAgnostic)
	}
	records, _ := tracker.History("t1")
	if len(records) != 5 {
		t.Errorf("expected history bounded to 5 records, got %d", len(records))
	}
}

func TestTrackerMetadataPlatform(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Record("t1", time.Second, api.StatusPassed, api.PlatformIOS)
	tracker.Record("t1", time.Second, api.StatusPassed, api.PlatformIOS)
	tracker.Record("t1", time.Second, api.StatusPassed, api.PlatformAgnostic)

	meta, err := tracker.Metadata("t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Platform != api.PlatformIOS {
		t.Errorf("expected dominant platform %q, got %q", api.PlatformIOS, meta.Platform)
	}
	if !meta.HasHistory {
		t.Error("expected metadata to report sufficient history")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "history.yaml")
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	tracker := NewTracker(nil)
	tracker.now = func() time.Time { return now }
	tracker.Record("t1", 2*time.Second, api.StatusPassed, api.PlatformAndroid)
	tracker.Record("t2", 3*time.Second, api.StatusFailed, api.PlatformAgnostic)

	store := &FileStore{File: file}
	if err := store.Save(tracker); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	restored := NewTracker(nil)
	if err := store.Load(restored); err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	original, _ := tracker.History("t1")
	loaded, _ := restored.History("t1")
	if diff := cmp.Diff(original, loaded, cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Errorf("loaded history differs from saved:\n%s", diff)
	}
}

func TestFileStoreDropsOldRecords(t *testing.T) {
	file := filepath.Join(t.TempDir(), "history.yaml")

	tracker := NewTracker(nil)
	tracker.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	tracker.Record("old", time.Second, api.StatusPassed, api.PlatformAgnostic)
	tracker.now = time.Now
	tracker.Record("fresh", time.Second, api.StatusPassed, api.PlatformAgnostic)

	store := &FileStore{File: file, RecordAge: 24 * time.Hour}
	if err := store.Save(tracker); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	restored := NewTracker(nil)
	if err := store.Load(restored); err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if records, _ := restored.History("old"); len(records) != 0 {
		t.Errorf("expected old records to be dropped, got %d", len(records))
	}
	if records, _ := restored.History("fresh"); len(records) != 1 {
		t.Errorf("expected fresh record to survive, got %d", len(records))
	}
}

func TestFileStoreMissingFileIsNotAnError(t *testing.T) {
	store := &FileStore{File: filepath.Join(t.TempDir(), "does-not-exist.yaml")}
	if err := store.Load(NewTracker(nil)); err != nil {
		t.Fatalf("expected missing file to be tolerated, got: %v", err)
	}
}
