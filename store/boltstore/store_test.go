package boltstore

import (
	"path/filepath"
	"testing"

	"github.com/quillchat/e2ee"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "e2ee.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, path
}

func testRecord(userID, deviceID string, trust e2ee.TrustState) *e2ee.DeviceRecord {
	return &e2ee.DeviceRecord{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []string{e2ee.AlgorithmOlm},
		Keys: map[string]string{
			"ed25519:" + deviceID:    "sign-" + deviceID,
			"curve25519:" + deviceID: "ident-" + deviceID,
		},
		Trust: trust,
	}
}

func TestDeviceIDRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)

	id, err := store.DeviceID()
	if err != nil || id != "" {
		t.Fatalf("fresh store device id = %q, %v", id, err)
	}

	if err := store.StoreDeviceID("ALICE1"); err != nil {
		t.Fatalf("StoreDeviceID failed: %v", err)
	}
	id, err = store.DeviceID()
	if err != nil || id != "ALICE1" {
		t.Errorf("device id = %q, %v, want ALICE1", id, err)
	}
}

func TestDevicesForUserRoundTripsTrust(t *testing.T) {
	store, _ := openTestStore(t)

	in := map[string]*e2ee.DeviceRecord{
		"BOB1": testRecord("@bob:example.org", "BOB1", e2ee.TrustVerified),
		"BOB2": testRecord("@bob:example.org", "BOB2", e2ee.TrustBlocked),
	}
	if err := store.StoreDevicesForUser("@bob:example.org", in); err != nil {
		t.Fatalf("StoreDevicesForUser failed: %v", err)
	}

	out, err := store.DevicesForUser("@bob:example.org")
	if err != nil {
		t.Fatalf("DevicesForUser failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("loaded %d devices, want 2", len(out))
	}
	// Trust travels outside the record's JSON form and must still round trip.
	if out["BOB1"].Trust != e2ee.TrustVerified {
		t.Errorf("BOB1 trust = %v, want TrustVerified", out["BOB1"].Trust)
	}
	if out["BOB2"].Trust != e2ee.TrustBlocked {
		t.Errorf("BOB2 trust = %v, want TrustBlocked", out["BOB2"].Trust)
	}
	if out["BOB1"].SigningKey() != "sign-BOB1" {
		t.Errorf("BOB1 signing key = %q", out["BOB1"].SigningKey())
	}
}

func TestStoreDevicesForUserReplacesExisting(t *testing.T) {
	store, _ := openTestStore(t)

	first := map[string]*e2ee.DeviceRecord{
		"BOB1": testRecord("@bob:example.org", "BOB1", e2ee.TrustUnverified),
	}
	if err := store.StoreDevicesForUser("@bob:example.org", first); err != nil {
		t.Fatalf("StoreDevicesForUser failed: %v", err)
	}

	second := map[string]*e2ee.DeviceRecord{
		"BOB2": testRecord("@bob:example.org", "BOB2", e2ee.TrustUnverified),
	}
	if err := store.StoreDevicesForUser("@bob:example.org", second); err != nil {
		t.Fatalf("StoreDevicesForUser failed: %v", err)
	}

	out, err := store.DevicesForUser("@bob:example.org")
	if err != nil {
		t.Fatalf("DevicesForUser failed: %v", err)
	}
	if len(out) != 1 || out["BOB2"] == nil {
		t.Errorf("write-back did not replace the device map: %v", out)
	}
}

func TestStoreDeviceForUserPreservesOthers(t *testing.T) {
	store, _ := openTestStore(t)

	if err := store.StoreDeviceForUser("@bob:example.org", testRecord("@bob:example.org", "BOB1", e2ee.TrustUnverified)); err != nil {
		t.Fatalf("StoreDeviceForUser failed: %v", err)
	}
	if err := store.StoreDeviceForUser("@bob:example.org", testRecord("@bob:example.org", "BOB2", e2ee.TrustUnverified)); err != nil {
		t.Fatalf("StoreDeviceForUser failed: %v", err)
	}

	out, err := store.DevicesForUser("@bob:example.org")
	if err != nil {
		t.Fatalf("DevicesForUser failed: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("single-device write dropped siblings: %v", out)
	}

	device, err := store.DeviceWithDeviceID("@bob:example.org", "BOB1")
	if err != nil || device == nil {
		t.Fatalf("DeviceWithDeviceID failed: %v, %v", device, err)
	}
	if missing, err := store.DeviceWithDeviceID("@bob:example.org", "NOPE"); err != nil || missing != nil {
		t.Errorf("unknown device id = %v, %v, want nil", missing, err)
	}
}

func TestAlgorithmForRoomRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)

	algorithm, err := store.AlgorithmForRoom("!room:example.org")
	if err != nil || algorithm != "" {
		t.Fatalf("unbound room algorithm = %q, %v", algorithm, err)
	}

	if err := store.StoreAlgorithmForRoom("!room:example.org", e2ee.AlgorithmOlm); err != nil {
		t.Fatalf("StoreAlgorithmForRoom failed: %v", err)
	}
	algorithm, err = store.AlgorithmForRoom("!room:example.org")
	if err != nil || algorithm != e2ee.AlgorithmOlm {
		t.Errorf("algorithm = %q, %v", algorithm, err)
	}
}

func TestDeviceAnnouncedFlag(t *testing.T) {
	store, _ := openTestStore(t)

	announced, err := store.DeviceAnnounced()
	if err != nil || announced {
		t.Fatalf("fresh store announced = %v, %v", announced, err)
	}

	if err := store.StoreDeviceAnnounced(); err != nil {
		t.Fatalf("StoreDeviceAnnounced failed: %v", err)
	}
	announced, err = store.DeviceAnnounced()
	if err != nil || !announced {
		t.Errorf("announced = %v, %v, want true", announced, err)
	}
}

func TestFlushSessions(t *testing.T) {
	store, _ := openTestStore(t)

	// Without a registered source there is nothing to flush.
	if err := store.FlushSessions(); err != nil {
		t.Fatalf("FlushSessions without a source failed: %v", err)
	}
	if data, err := store.LoadSessions(); err != nil || data != nil {
		t.Fatalf("sessions before any flush = %v, %v", data, err)
	}

	store.SetSessionSource(func() ([]byte, error) {
		return []byte(`{"outbound":{}}`), nil
	})
	if err := store.FlushSessions(); err != nil {
		t.Fatalf("FlushSessions failed: %v", err)
	}

	data, err := store.LoadSessions()
	if err != nil || string(data) != `{"outbound":{}}` {
		t.Errorf("loaded snapshot = %q, %v", data, err)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "e2ee.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.StoreDeviceID("ALICE1"); err != nil {
		t.Fatalf("StoreDeviceID failed: %v", err)
	}
	if err := store.StoreAlgorithmForRoom("!room:example.org", e2ee.AlgorithmOlm); err != nil {
		t.Fatalf("StoreAlgorithmForRoom failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if id, err := reopened.DeviceID(); err != nil || id != "ALICE1" {
		t.Errorf("device id after reopen = %q, %v", id, err)
	}
	if algorithm, err := reopened.AlgorithmForRoom("!room:example.org"); err != nil || algorithm != e2ee.AlgorithmOlm {
		t.Errorf("algorithm after reopen = %q, %v", algorithm, err)
	}
	if reopened.IsCorrupted() {
		t.Error("clean store reports corruption")
	}
}
