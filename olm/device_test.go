package olm

import (
	"path/filepath"
	"testing"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	d, err := NewDevice()
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	return d
}

func TestSignAndVerifyJSON(t *testing.T) {
	d := newTestDevice(t)

	content := map[string]any{"user_id": "@alice:example.org", "device_id": "AAA"}
	sig, err := d.SignJSON(content)
	if err != nil {
		t.Fatalf("SignJSON failed: %v", err)
	}

	if err := d.VerifySignature(d.SigningKey(), content, sig); err != nil {
		t.Errorf("signature did not verify: %v", err)
	}

	tampered := map[string]any{"user_id": "@eve:example.org", "device_id": "AAA"}
	if err := d.VerifySignature(d.SigningKey(), tampered, sig); err == nil {
		t.Error("signature verified over tampered content")
	}

	other := newTestDevice(t)
	if err := d.VerifySignature(other.SigningKey(), content, sig); err == nil {
		t.Error("signature verified against the wrong key")
	}
}

func TestVerifySignatureMalformedInputs(t *testing.T) {
	d := newTestDevice(t)
	content := map[string]any{"key": "value"}

	if err := d.VerifySignature("not base64 !!!", content, "sig"); err == nil {
		t.Error("malformed public key accepted")
	}
	if err := d.VerifySignature(d.SigningKey(), content, "not base64 !!!"); err == nil {
		t.Error("malformed signature accepted")
	}
}

func TestOneTimeKeyLifecycle(t *testing.T) {
	d := newTestDevice(t)

	if n := len(d.OneTimeKeys()); n != 0 {
		t.Fatalf("fresh device has %d unpublished keys", n)
	}

	if err := d.GenerateOneTimeKeys(5); err != nil {
		t.Fatalf("GenerateOneTimeKeys failed: %v", err)
	}
	first := d.OneTimeKeys()
	if len(first) != 5 {
		t.Fatalf("got %d unpublished keys, want 5", len(first))
	}

	d.MarkKeysPublished()
	if n := len(d.OneTimeKeys()); n != 0 {
		t.Errorf("%d keys still unpublished after MarkKeysPublished", n)
	}

	// New generations must not reuse key ids.
	if err := d.GenerateOneTimeKeys(3); err != nil {
		t.Fatalf("GenerateOneTimeKeys failed: %v", err)
	}
	for id := range d.OneTimeKeys() {
		if _, clash := first[id]; clash {
			t.Errorf("key id %s reused", id)
		}
	}
}

func TestMaxOneTimeKeys(t *testing.T) {
	d := newTestDevice(t)
	if d.MaxOneTimeKeys() <= 0 {
		t.Error("capacity must be positive")
	}
}

// claimOneKey simulates a server handing out one published key.
func claimOneKey(t *testing.T, d *Device) string {
	t.Helper()
	if err := d.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys failed: %v", err)
	}
	var value string
	for _, v := range d.OneTimeKeys() {
		value = v
	}
	d.MarkKeysPublished()
	return value
}

func TestSessionRoundTrip(t *testing.T) {
	alice := newTestDevice(t)
	bob := newTestDevice(t)

	otk := claimOneKey(t, bob)

	if id := alice.SessionIDForKey(bob.IdentityKey()); id != "" {
		t.Fatalf("unexpected session %q before establishment", id)
	}

	sessionID, err := alice.CreateOutboundSession(bob.IdentityKey(), otk)
	if err != nil {
		t.Fatalf("CreateOutboundSession failed: %v", err)
	}
	if got := alice.SessionIDForKey(bob.IdentityKey()); got != sessionID {
		t.Errorf("SessionIDForKey = %q, want %q", got, sessionID)
	}

	for _, plaintext := range []string{"first message", "second message"} {
		msg, err := alice.EncryptForSession(bob.IdentityKey(), sessionID, []byte(plaintext))
		if err != nil {
			t.Fatalf("EncryptForSession failed: %v", err)
		}

		got, err := bob.DecryptFromSender(alice.IdentityKey(), msg)
		if err != nil {
			t.Fatalf("DecryptFromSender failed: %v", err)
		}
		if string(got) != plaintext {
			t.Errorf("decrypted %q, want %q", got, plaintext)
		}
	}
}

func TestDecryptRejectsWrongSender(t *testing.T) {
	alice := newTestDevice(t)
	bob := newTestDevice(t)
	eve := newTestDevice(t)

	otk := claimOneKey(t, bob)
	sessionID, err := alice.CreateOutboundSession(bob.IdentityKey(), otk)
	if err != nil {
		t.Fatalf("CreateOutboundSession failed: %v", err)
	}
	msg, err := alice.EncryptForSession(bob.IdentityKey(), sessionID, []byte("secret"))
	if err != nil {
		t.Fatalf("EncryptForSession failed: %v", err)
	}

	if _, err := bob.DecryptFromSender(eve.IdentityKey(), msg); err == nil {
		t.Error("message decrypted under the wrong sender identity")
	}
}

func TestDecryptUnknownOneTimeKey(t *testing.T) {
	alice := newTestDevice(t)
	bob := newTestDevice(t)

	otk := claimOneKey(t, bob)
	sessionID, err := alice.CreateOutboundSession(bob.IdentityKey(), otk)
	if err != nil {
		t.Fatalf("CreateOutboundSession failed: %v", err)
	}
	msg, err := alice.EncryptForSession(bob.IdentityKey(), sessionID, []byte("hello"))
	if err != nil {
		t.Fatalf("EncryptForSession failed: %v", err)
	}

	// A different device never published that one-time key.
	stranger := newTestDevice(t)
	if _, err := stranger.DecryptFromSender(alice.IdentityKey(), msg); err == nil {
		t.Error("pre-key message accepted without the one-time key")
	}
}

func TestEncryptForUnknownSession(t *testing.T) {
	alice := newTestDevice(t)
	if _, err := alice.EncryptForSession("peer", "nope", []byte("x")); err != ErrUnknownSession {
		t.Errorf("got %v, want ErrUnknownSession", err)
	}
}

func TestSessionSnapshotRestore(t *testing.T) {
	alice := newTestDevice(t)
	bob := newTestDevice(t)

	otk := claimOneKey(t, bob)
	sessionID, err := alice.CreateOutboundSession(bob.IdentityKey(), otk)
	if err != nil {
		t.Fatalf("CreateOutboundSession failed: %v", err)
	}

	snap, err := alice.SnapshotSessions()
	if err != nil {
		t.Fatalf("SnapshotSessions failed: %v", err)
	}

	// A restarted device restores its sessions from the snapshot.
	restarted := newTestDevice(t)
	if err := restarted.RestoreSessions(snap); err != nil {
		t.Fatalf("RestoreSessions failed: %v", err)
	}
	if got := restarted.SessionIDForKey(bob.IdentityKey()); got != sessionID {
		t.Fatalf("restored SessionIDForKey = %q, want %q", got, sessionID)
	}

	msg, err := restarted.EncryptForSession(bob.IdentityKey(), sessionID, []byte("after restart"))
	if err != nil {
		t.Fatalf("EncryptForSession after restore failed: %v", err)
	}
	got, err := bob.DecryptFromSender(alice.IdentityKey(), msg)
	if err != nil {
		t.Fatalf("DecryptFromSender failed: %v", err)
	}
	if string(got) != "after restart" {
		t.Errorf("decrypted %q, want %q", got, "after restart")
	}
}

func TestEncryptAfterRestoreNeverRepeatsNonce(t *testing.T) {
	alice := newTestDevice(t)
	bob := newTestDevice(t)

	otk := claimOneKey(t, bob)
	sessionID, err := alice.CreateOutboundSession(bob.IdentityKey(), otk)
	if err != nil {
		t.Fatalf("CreateOutboundSession failed: %v", err)
	}

	snap, err := alice.SnapshotSessions()
	if err != nil {
		t.Fatalf("SnapshotSessions failed: %v", err)
	}

	// Encrypt after taking the snapshot, then roll the session state back to
	// it. Every message since the snapshot must still get a fresh nonce:
	// repeating a (key, nonce) pair under GCM breaks the session completely.
	seen := make(map[string]bool)
	before, err := alice.EncryptForSession(bob.IdentityKey(), sessionID, []byte("before rollback"))
	if err != nil {
		t.Fatalf("EncryptForSession failed: %v", err)
	}
	seen[before["nonce"].(string)] = true

	if err := alice.RestoreSessions(snap); err != nil {
		t.Fatalf("RestoreSessions failed: %v", err)
	}

	for i := 0; i < 32; i++ {
		msg, err := alice.EncryptForSession(bob.IdentityKey(), sessionID, []byte("after rollback"))
		if err != nil {
			t.Fatalf("EncryptForSession after restore failed: %v", err)
		}
		nonce := msg["nonce"].(string)
		if seen[nonce] {
			t.Fatalf("nonce %s reused after restoring a session snapshot", nonce)
		}
		seen[nonce] = true

		if got, err := bob.DecryptFromSender(alice.IdentityKey(), msg); err != nil || string(got) != "after rollback" {
			t.Fatalf("DecryptFromSender failed: %q, %v", got, err)
		}
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	d := newTestDevice(t)
	if err := d.GenerateOneTimeKeys(2); err != nil {
		t.Fatalf("GenerateOneTimeKeys failed: %v", err)
	}
	d.MarkKeysPublished()

	path := filepath.Join(t.TempDir(), "account.key")
	if err := d.SaveAccount(path, "correct horse"); err != nil {
		t.Fatalf("SaveAccount failed: %v", err)
	}

	loaded, err := LoadAccount(path, "correct horse")
	if err != nil {
		t.Fatalf("LoadAccount failed: %v", err)
	}
	if loaded.SigningKey() != d.SigningKey() {
		t.Error("signing key changed across save/load")
	}
	if loaded.IdentityKey() != d.IdentityKey() {
		t.Error("identity key changed across save/load")
	}
	if len(loaded.published) != 2 {
		t.Errorf("published pool has %d keys after load, want 2", len(loaded.published))
	}

	if _, err := LoadAccount(path, "wrong passphrase"); err == nil {
		t.Error("account decrypted with the wrong passphrase")
	}
}
