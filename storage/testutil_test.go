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

func mustUpsertDevice(t *testing.T, store *Store, deviceID, name, deviceType string) {
	t.Helper()

	err := store.UpsertDevice(Device{
		DeviceID:   deviceID,
		DeviceName: name,
		DeviceType: deviceType,
		PairedAt:   nowUnixMilli(),
	})
	if err != nil {
		t.Fatalf("upsert device %q: %v", deviceID, err)
	}
}
