// Package rooms binds rooms to encryption algorithms and owns one encryptor
// per room and one decryptor per (room, algorithm), created lazily.
package rooms

import (
	"context"

	"github.com/quillchat/e2ee"
)

// Encryptor encrypts content for one room. Implementations also receive the
// membership, device and trust notifications they need to keep their share
// state current.
type Encryptor interface {
	EncryptContent(ctx context.Context, content map[string]any, eventType string) (map[string]any, error)
	OnNewDevice(userID, deviceID string)
	OnMembershipChange(change e2ee.MembershipChange)
	OnTrustChange(userID, deviceID string)
}

// Decryptor decrypts one event. The timeline id scopes replay protection.
type Decryptor interface {
	DecryptEvent(event *e2ee.Event, timelineID string) bool
	OnRoomKey(event *e2ee.Event)
}

// EncryptorFactory builds an encryptor bound to one room.
type EncryptorFactory func(roomID string) Encryptor

// DecryptorFactory builds a decryptor; roomID may be empty for direct
// device-to-device traffic.
type DecryptorFactory func(roomID string) Decryptor

// Registry is the static mapping from algorithm identifier to handler
// factories. Unknown identifiers simply yield no factory.
type Registry struct {
	encryptors map[string]EncryptorFactory
	decryptors map[string]DecryptorFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		encryptors: make(map[string]EncryptorFactory),
		decryptors: make(map[string]DecryptorFactory),
	}
}

// RegisterEncryptor maps an algorithm identifier to an encryptor factory.
func (r *Registry) RegisterEncryptor(algorithm string, factory EncryptorFactory) {
	r.encryptors[algorithm] = factory
}

// RegisterDecryptor maps an algorithm identifier to a decryptor factory.
func (r *Registry) RegisterDecryptor(algorithm string, factory DecryptorFactory) {
	r.decryptors[algorithm] = factory
}

// SupportedAlgorithms lists every algorithm with a registered encryptor or
// decryptor. Order is unspecified.
func (r *Registry) SupportedAlgorithms() []string {
	seen := make(map[string]bool, len(r.encryptors)+len(r.decryptors))
	var out []string
	for alg := range r.encryptors {
		if !seen[alg] {
			seen[alg] = true
			out = append(out, alg)
		}
	}
	for alg := range r.decryptors {
		if !seen[alg] {
			seen[alg] = true
			out = append(out, alg)
		}
	}
	return out
}

func (r *Registry) encryptorFactory(algorithm string) (EncryptorFactory, bool) {
	f, ok := r.encryptors[algorithm]
	return f, ok
}

func (r *Registry) decryptorFactory(algorithm string) (DecryptorFactory, bool) {
	f, ok := r.decryptors[algorithm]
	return f, ok
}
