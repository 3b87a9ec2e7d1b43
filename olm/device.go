// Package olm provides the reference cryptographic engine for the encryption
// stack.
//
// This package implements:
//   - Ed25519 device signing keys and canonical-JSON signatures
//   - Curve25519 identity and one-time keys
//   - Triple-ECDH session establishment with HKDF key derivation
//   - AES-256-GCM message encryption
//   - Secure account persistence with Argon2id encryption
//
// All private key material stays inside this package; the rest of the module
// only ever sees public keys in their base64 form.
package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/curve25519"

	"github.com/quillchat/e2ee"
)

// maxOneTimeKeys is the number of one-time key slots the device will track.
// Half of these are offered to the server; the other half hold private keys
// for claims whose first message is still in flight.
const maxOneTimeKeys = 100

var (
	// ErrUnknownSession is returned when no session exists for a message.
	ErrUnknownSession = errors.New("no session for this sender")

	// ErrUnknownOneTimeKey is returned when a pre-key message references a
	// one-time key this device no longer holds.
	ErrUnknownOneTimeKey = errors.New("one-time key not held by this device")
)

type curveKeyPair struct {
	public  [32]byte
	private [32]byte
}

// Device holds one device's long-term keys, one-time keys and sessions. It
// implements the engine's cryptographic collaborator contract.
type Device struct {
	mu sync.Mutex

	signingPublic  ed25519.PublicKey
	signingPrivate ed25519.PrivateKey
	identity       curveKeyPair

	nextKeyID   uint64
	unpublished map[string]curveKeyPair // key id -> keypair
	published   map[string]curveKeyPair // base64 public key -> keypair

	outbound map[string]*session // peer identity key -> session
	inbound  map[string]*session // session id -> session
}

// NewDevice generates a device with fresh long-term keys.
func NewDevice() (*Device, error) {
	signingPublic, signingPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	identity, err := generateCurveKeyPair()
	if err != nil {
		return nil, err
	}

	return &Device{
		signingPublic:  signingPublic,
		signingPrivate: signingPrivate,
		identity:       identity,
		unpublished:    make(map[string]curveKeyPair),
		published:      make(map[string]curveKeyPair),
		outbound:       make(map[string]*session),
		inbound:        make(map[string]*session),
	}, nil
}

func generateCurveKeyPair() (curveKeyPair, error) {
	var kp curveKeyPair
	if _, err := rand.Read(kp.private[:]); err != nil {
		return kp, fmt.Errorf("failed to generate curve25519 key: %w", err)
	}
	curve25519.ScalarBaseMult(&kp.public, &kp.private)
	return kp, nil
}

// SigningKey returns the base64 ed25519 public key.
func (d *Device) SigningKey() string {
	return base64.RawStdEncoding.EncodeToString(d.signingPublic)
}

// IdentityKey returns the base64 curve25519 public key.
func (d *Device) IdentityKey() string {
	return base64.RawStdEncoding.EncodeToString(d.identity.public[:])
}

// MaxOneTimeKeys returns the device's one-time key capacity.
func (d *Device) MaxOneTimeKeys() int {
	return maxOneTimeKeys
}

// GenerateOneTimeKeys creates count fresh one-time keys, left unpublished
// until MarkKeysPublished.
func (d *Device) GenerateOneTimeKeys(count int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i < count; i++ {
		kp, err := generateCurveKeyPair()
		if err != nil {
			return err
		}
		d.nextKeyID++
		d.unpublished[keyIDFor(d.nextKeyID)] = kp
	}
	return nil
}

// OneTimeKeys returns the unpublished one-time keys, key id -> base64 public
// key.
func (d *Device) OneTimeKeys() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]string, len(d.unpublished))
	for id, kp := range d.unpublished {
		out[id] = base64.RawStdEncoding.EncodeToString(kp.public[:])
	}
	return out
}

// MarkKeysPublished moves the unpublished keys into the published pool, where
// their private halves wait for inbound pre-key messages.
func (d *Device) MarkKeysPublished() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, kp := range d.unpublished {
		d.published[base64.RawStdEncoding.EncodeToString(kp.public[:])] = kp
	}
	d.unpublished = make(map[string]curveKeyPair)
}

// SignJSON signs the canonical JSON encoding of v with the device's ed25519
// key and returns the base64 signature.
func (d *Device) SignJSON(v any) (string, error) {
	canonical, err := e2ee.CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(d.signingPrivate, canonical)
	return base64.RawStdEncoding.EncodeToString(sig), nil
}

// VerifySignature checks signature over the canonical JSON encoding of v
// against the given base64 ed25519 public key.
func (d *Device) VerifySignature(signingKey string, v any, signature string) error {
	pub, err := base64.RawStdEncoding.DecodeString(signingKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errors.New("malformed ed25519 public key")
	}
	sig, err := base64.RawStdEncoding.DecodeString(signature)
	if err != nil {
		return errors.New("malformed signature")
	}
	canonical, err := e2ee.CanonicalJSON(v)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), canonical, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// Release wipes private key material. The device must not be used afterwards.
func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.signingPrivate {
		d.signingPrivate[i] = 0
	}
	d.identity.private = [32]byte{}
	for id, kp := range d.unpublished {
		kp.private = [32]byte{}
		d.unpublished[id] = kp
	}
	for id, kp := range d.published {
		kp.private = [32]byte{}
		d.published[id] = kp
	}
	for _, s := range d.outbound {
		s.wipe()
	}
	for _, s := range d.inbound {
		s.wipe()
	}
}

// keyIDFor encodes a key counter as an unpadded base64 key id.
func keyIDFor(n uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return base64.RawStdEncoding.EncodeToString(buf[i:])
}
