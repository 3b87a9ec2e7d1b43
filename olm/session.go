package olm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// Domain separation string for session key derivation.
	sessionInfoString = "quillchat-v1-olm"

	// HKDF output: 32 bytes initiator->responder key, 32 bytes responder->initiator key.
	sessionKeyLength = 64
)

// Pre-key messages carry the handshake material; normal messages only carry
// ciphertext once the peer has confirmed the session.
const (
	messageTypePreKey = 0
	messageTypeNormal = 1
)

// session is one established pairwise channel. sendKey and recvKey are
// direction-bound AES-256 keys derived from the triple ECDH shared secret.
type session struct {
	id      string
	sendKey [32]byte
	recvKey [32]byte

	// Handshake material replayed in every message so the peer can always
	// construct its inbound session, even if earlier messages were lost.
	preKey       bool
	ephemeralPub [32]byte
	oneTimePub   [32]byte
}

func (s *session) wipe() {
	s.sendKey = [32]byte{}
	s.recvKey = [32]byte{}
}

// SessionIDForKey returns the id of the existing outbound session with the
// device owning identityKey, or "".
func (d *Device) SessionIDForKey(identityKey string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.outbound[identityKey]; ok {
		return s.id
	}
	return ""
}

// CreateOutboundSession establishes a session with the device owning
// identityKey, using a one-time key claimed from it.
//
// Three ECDH exchanges bind the session to both long-term identities and the
// one-time key; HKDF splits the combined secret into one AES-256 key per
// direction.
func (d *Device) CreateOutboundSession(identityKey, oneTimeKey string) (string, error) {
	theirIdentity, err := decodeCurveKey(identityKey)
	if err != nil {
		return "", fmt.Errorf("malformed identity key: %w", err)
	}
	theirOneTime, err := decodeCurveKey(oneTimeKey)
	if err != nil {
		return "", fmt.Errorf("malformed one-time key: %w", err)
	}

	ephemeral, err := generateCurveKeyPair()
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	s1, err := curve25519.X25519(d.identity.private[:], theirOneTime[:])
	if err != nil {
		return "", err
	}
	s2, err := curve25519.X25519(ephemeral.private[:], theirIdentity[:])
	if err != nil {
		return "", err
	}
	s3, err := curve25519.X25519(ephemeral.private[:], theirOneTime[:])
	if err != nil {
		return "", err
	}

	var sendKey, recvKey [32]byte
	if err := deriveSessionKeys(s1, s2, s3, &sendKey, &recvKey); err != nil {
		return "", err
	}

	s := &session{
		id:           sessionIDFor(ephemeral.public, theirOneTime),
		sendKey:      sendKey,
		recvKey:      recvKey,
		preKey:       true,
		ephemeralPub: ephemeral.public,
		oneTimePub:   theirOneTime,
	}
	d.outbound[identityKey] = s
	return s.id, nil
}

// EncryptForSession encrypts plaintext for the session with sessionID and
// returns the wire ciphertext object.
func (d *Device) EncryptForSession(identityKey, sessionID string, plaintext []byte) (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.outbound[identityKey]
	if !ok || s.id != sessionID {
		return nil, ErrUnknownSession
	}

	// Nonces are random, not counted: session state is periodically restored
	// from a snapshot, and a counter would rewind to values already used with
	// this key. GCM must never see a (key, nonce) pair twice.
	var nonce [12]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	ciphertext, err := seal(s.sendKey[:], nonce[:], plaintext)
	if err != nil {
		return nil, err
	}

	msg := map[string]any{
		"type":       messageTypeNormal,
		"session_id": s.id,
		"nonce":      base64.RawStdEncoding.EncodeToString(nonce[:]),
		"body":       base64.RawStdEncoding.EncodeToString(ciphertext),
	}
	if s.preKey {
		msg["type"] = messageTypePreKey
		msg["ephemeral_key"] = base64.RawStdEncoding.EncodeToString(s.ephemeralPub[:])
		msg["one_time_key"] = base64.RawStdEncoding.EncodeToString(s.oneTimePub[:])
	}
	return msg, nil
}

// DecryptFromSender decrypts a ciphertext object from the device owning
// senderKey. A pre-key message for an unknown session consumes the referenced
// one-time key and creates the inbound session first.
func (d *Device) DecryptFromSender(senderKey string, ciphertext map[string]any) ([]byte, error) {
	sessionID, _ := ciphertext["session_id"].(string)
	body, err := decodeB64Field(ciphertext, "body")
	if err != nil {
		return nil, err
	}
	nonce, err := decodeB64Field(ciphertext, "nonce")
	if err != nil {
		return nil, err
	}
	if sessionID == "" || len(nonce) != 12 {
		return nil, errors.New("malformed encrypted message")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.inbound[sessionID]; ok {
		return open(s.recvKey[:], nonce, body)
	}

	if messageType(ciphertext) != messageTypePreKey {
		return nil, ErrUnknownSession
	}
	s, oneTimeKey, err := d.createInboundSessionLocked(senderKey, ciphertext)
	if err != nil {
		return nil, err
	}
	if s.id != sessionID {
		return nil, errors.New("session id mismatch in pre-key message")
	}

	plaintext, err := open(s.recvKey[:], nonce, body)
	if err != nil {
		// Not a message from the claimed sender. Keep the one-time key and
		// session slot for the real one.
		return nil, err
	}

	// The key is single use; only an authenticated message consumes it.
	delete(d.published, oneTimeKey)
	d.inbound[sessionID] = s
	return plaintext, nil
}

// createInboundSessionLocked mirrors the initiator's triple ECDH using the
// one-time key private half referenced by the pre-key message. Returns the
// session together with the one-time key it used; the caller consumes the key
// once the first message authenticates. Caller holds d.mu.
func (d *Device) createInboundSessionLocked(senderKey string, ciphertext map[string]any) (*session, string, error) {
	theirIdentity, err := decodeCurveKey(senderKey)
	if err != nil {
		return nil, "", fmt.Errorf("malformed sender key: %w", err)
	}
	ephemeralStr, _ := ciphertext["ephemeral_key"].(string)
	theirEphemeral, err := decodeCurveKey(ephemeralStr)
	if err != nil {
		return nil, "", fmt.Errorf("malformed ephemeral key: %w", err)
	}

	oneTimeStr, _ := ciphertext["one_time_key"].(string)
	oneTime, ok := d.published[oneTimeStr]
	if !ok {
		return nil, "", ErrUnknownOneTimeKey
	}

	s1, err := curve25519.X25519(oneTime.private[:], theirIdentity[:])
	if err != nil {
		return nil, "", err
	}
	s2, err := curve25519.X25519(d.identity.private[:], theirEphemeral[:])
	if err != nil {
		return nil, "", err
	}
	s3, err := curve25519.X25519(oneTime.private[:], theirEphemeral[:])
	if err != nil {
		return nil, "", err
	}

	// Key roles are swapped relative to the initiator.
	var recvKey, sendKey [32]byte
	if err := deriveSessionKeys(s1, s2, s3, &recvKey, &sendKey); err != nil {
		return nil, "", err
	}

	return &session{
		id:      sessionIDFor(theirEphemeral, oneTime.public),
		sendKey: sendKey,
		recvKey: recvKey,
	}, oneTimeStr, nil
}

// deriveSessionKeys splits the HKDF expansion of the three ECDH secrets into
// the two direction keys, in initiator order.
func deriveSessionKeys(s1, s2, s3 []byte, first, second *[32]byte) error {
	secret := make([]byte, 0, len(s1)+len(s2)+len(s3))
	secret = append(secret, s1...)
	secret = append(secret, s2...)
	secret = append(secret, s3...)

	reader := hkdf.New(sha256.New, secret, nil, []byte(sessionInfoString))
	material := make([]byte, sessionKeyLength)
	if _, err := io.ReadFull(reader, material); err != nil {
		return fmt.Errorf("session key derivation failed: %w", err)
	}

	copy(first[:], material[0:32])
	copy(second[:], material[32:64])
	return nil
}

// sessionIDFor derives the session id both sides can compute: a BLAKE3 hash
// of the initiator's ephemeral key and the consumed one-time key.
func sessionIDFor(ephemeralPub, oneTimePub [32]byte) string {
	data := make([]byte, 0, 64)
	data = append(data, ephemeralPub[:]...)
	data = append(data, oneTimePub[:]...)
	sum := blake3.Sum256(data)
	return base64.RawStdEncoding.EncodeToString(sum[:])
}

// seal encrypts plaintext with AES-256-GCM.
func seal(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

// open decrypts and authenticates AES-256-GCM ciphertext.
func open(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("message authentication failed")
	}
	return plaintext, nil
}

func decodeCurveKey(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("curve25519 key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func decodeB64Field(m map[string]any, field string) ([]byte, error) {
	s, _ := m[field].(string)
	if s == "" {
		return nil, fmt.Errorf("missing %s field", field)
	}
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("malformed %s field", field)
	}
	return raw, nil
}

// messageType reads the message type field, tolerating the float64 produced
// by JSON decoding.
func messageType(m map[string]any) int {
	switch v := m["type"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return -1
	}
}
