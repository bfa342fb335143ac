package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustRecord(t *testing.T, store *Store, record TransferRecord) TransferRecord {
	t.Helper()

	if record.TransferID == "" {
		record.TransferID = "tr-" + record.FileName
	}
	if err := store.RecordTransfer(record); err != nil {
		t.Fatalf("record transfer %q: %v", record.FileName, err)
	}
	return record
}
