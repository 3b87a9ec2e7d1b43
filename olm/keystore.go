package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
)

const (
	// Argon2id parameters (recommended values for interactive use)
	argon2Time      = 3     // Number of iterations
	argon2Memory    = 65536 // Memory in KiB (64 MiB)
	argon2Threads   = 4     // Parallelism factor
	argon2KeyLen    = 32    // Output key length (AES-256)
	saltSize        = 32    // Salt size in bytes
	keystoreVersion = 1     // Keystore format version
)

// ErrInvalidPassphrase is returned when the passphrase fails to decrypt the
// keystore.
var ErrInvalidPassphrase = errors.New("invalid passphrase or corrupted keystore")

// KeystoreEntry represents an encrypted device account stored on disk.
type KeystoreEntry struct {
	Version       int    `json:"version"`        // Format version (currently 1)
	KDF           string `json:"kdf"`            // Key derivation function ("argon2id")
	Argon2Time    int    `json:"argon2_time"`    // Argon2 time parameter
	Argon2Memory  int    `json:"argon2_memory"`  // Argon2 memory in KiB
	Argon2Threads int    `json:"argon2_threads"` // Argon2 parallelism
	Salt          []byte `json:"salt"`           // Random salt for KDF
	Nonce         []byte `json:"nonce"`          // Random nonce for AES-GCM
	Ciphertext    []byte `json:"ciphertext"`     // Encrypted account + auth tag
}

// accountState is the serialized private account. Public halves are derived
// again on load.
type accountState struct {
	SigningPrivate  []byte            `json:"signing_private"`
	IdentityPrivate []byte            `json:"identity_private"`
	NextKeyID       uint64            `json:"next_key_id"`
	Unpublished     map[string][]byte `json:"unpublished"` // key id -> private key
	Published       map[string][]byte `json:"published"`   // base64 public key -> private key
}

// SaveAccount encrypts and saves a device account to disk.
//
// If passphrase is empty, the account is stored unencrypted (insecure, only
// for testing). Otherwise it is encrypted using AES-256-GCM with a key
// derived from the passphrase using Argon2id.
func (d *Device) SaveAccount(keystorePath, passphrase string) error {
	dir := filepath.Dir(keystorePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create keystore directory: %w", err)
	}

	d.mu.Lock()
	state := accountState{
		SigningPrivate:  append([]byte(nil), d.signingPrivate...),
		IdentityPrivate: append([]byte(nil), d.identity.private[:]...),
		NextKeyID:       d.nextKeyID,
		Unpublished:     make(map[string][]byte, len(d.unpublished)),
		Published:       make(map[string][]byte, len(d.published)),
	}
	for id, kp := range d.unpublished {
		state.Unpublished[id] = append([]byte(nil), kp.private[:]...)
	}
	for pub, kp := range d.published {
		state.Published[pub] = append([]byte(nil), kp.private[:]...)
	}
	d.mu.Unlock()

	plaintext, err := json.Marshal(&state)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	var data []byte
	if passphrase == "" {
		data = plaintext
		keystorePath += ".insecure"
	} else {
		entry, err := encryptAccount(plaintext, passphrase)
		if err != nil {
			return fmt.Errorf("failed to encrypt account: %w", err)
		}
		data, err = json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal keystore entry: %w", err)
		}
	}

	if err := os.WriteFile(keystorePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write keystore file: %w", err)
	}
	return nil
}

// LoadAccount loads and decrypts a device account from disk. Sessions are not
// part of the account; restore them separately from the crypto store.
func LoadAccount(keystorePath, passphrase string) (*Device, error) {
	data, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore file: %w", err)
	}

	var plaintext []byte
	if filepath.Ext(keystorePath) == ".insecure" {
		plaintext = data
	} else {
		var entry KeystoreEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal keystore entry: %w", err)
		}
		plaintext, err = decryptAccount(&entry, passphrase)
		if err != nil {
			return nil, err
		}
	}

	var state accountState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	if len(state.SigningPrivate) != ed25519.PrivateKeySize || len(state.IdentityPrivate) != 32 {
		return nil, errors.New("account has invalid key sizes")
	}

	d := &Device{
		signingPrivate: ed25519.PrivateKey(state.SigningPrivate),
		signingPublic:  ed25519.PrivateKey(state.SigningPrivate).Public().(ed25519.PublicKey),
		nextKeyID:      state.NextKeyID,
		unpublished:    make(map[string]curveKeyPair, len(state.Unpublished)),
		published:      make(map[string]curveKeyPair, len(state.Published)),
		outbound:       make(map[string]*session),
		inbound:        make(map[string]*session),
	}
	copy(d.identity.private[:], state.IdentityPrivate)
	curve25519.ScalarBaseMult(&d.identity.public, &d.identity.private)

	for id, priv := range state.Unpublished {
		d.unpublished[id] = rebuildKeyPair(priv)
	}
	for pub, priv := range state.Published {
		d.published[pub] = rebuildKeyPair(priv)
	}
	return d, nil
}

func rebuildKeyPair(private []byte) curveKeyPair {
	var kp curveKeyPair
	copy(kp.private[:], private)
	curve25519.ScalarBaseMult(&kp.public, &kp.private)
	return kp
}

// encryptAccount encrypts a serialized account using Argon2id + AES-256-GCM.
func encryptAccount(plaintext []byte, passphrase string) (*KeystoreEntry, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	derivedKey := argon2.IDKey(
		[]byte(passphrase),
		salt,
		argon2Time,
		argon2Memory,
		argon2Threads,
		argon2KeyLen,
	)

	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext, err := seal(derivedKey, nonce, plaintext)
	if err != nil {
		return nil, err
	}

	return &KeystoreEntry{
		Version:       keystoreVersion,
		KDF:           "argon2id",
		Argon2Time:    argon2Time,
		Argon2Memory:  argon2Memory,
		Argon2Threads: argon2Threads,
		Salt:          salt,
		Nonce:         nonce,
		Ciphertext:    ciphertext,
	}, nil
}

// decryptAccount decrypts a serialized account using Argon2id + AES-256-GCM.
func decryptAccount(entry *KeystoreEntry, passphrase string) ([]byte, error) {
	if entry.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version: %d", entry.Version)
	}
	if entry.KDF != "argon2id" {
		return nil, fmt.Errorf("unsupported KDF: %s", entry.KDF)
	}

	derivedKey := argon2.IDKey(
		[]byte(passphrase),
		entry.Salt,
		uint32(entry.Argon2Time),
		uint32(entry.Argon2Memory),
		uint8(entry.Argon2Threads),
		argon2KeyLen,
	)

	plaintext, err := open(derivedKey, entry.Nonce, entry.Ciphertext)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return plaintext, nil
}
