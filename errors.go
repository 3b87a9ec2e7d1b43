package e2ee

import (
	"errors"
	"fmt"
)

// NetworkError reports that the transport could not complete an exchange. It
// is surfaced to the caller unchanged and never retried inside this module.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError reports a structured rejection from the server.
type ProtocolError struct {
	Code   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("server rejected request: %s (%s)", e.Code, e.Reason)
}

// EncryptionUnavailable reports that no encryptor resolves for a room that was
// expected to be encrypted. It is delivered alongside the plaintext fallback,
// never instead of it.
type EncryptionUnavailable struct {
	RoomID    string
	Algorithm string
}

func (e *EncryptionUnavailable) Error() string {
	return fmt.Sprintf("unable to encrypt for room %s with algorithm %q", e.RoomID, e.Algorithm)
}

// DecryptionFailure is attached to an event when decryption cannot proceed.
// It is a marker, not an error return: decrypt paths report false and move on.
type DecryptionFailure struct {
	Code   string
	Reason string
}

func (e *DecryptionFailure) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Decryption failure codes.
const (
	DecryptErrUnableToDecrypt = "UNABLE_TO_DECRYPT"
	DecryptErrBadCiphertext   = "BAD_ENCRYPTED_MESSAGE"
)

// ErrStoreCorrupted is returned by stores whose on-disk data fails
// consistency checks.
var ErrStoreCorrupted = errors.New("crypto store data is corrupted")
