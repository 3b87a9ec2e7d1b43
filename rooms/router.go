package rooms

import (
	"sync"

	"github.com/quillchat/e2ee"
	"github.com/quillchat/e2ee/internal/observability"
)

// Router routes per-room encryption to the correct algorithm handler. A room's
// algorithm binding is immutable once set; handler instances are cached for
// the lifetime of the session.
type Router struct {
	store     e2ee.CryptoStore
	roomState e2ee.RoomState
	registry  *Registry
	log       *observability.Logger
	metrics   *observability.Metrics

	encMu      sync.Mutex
	encryptors map[string]Encryptor

	decMu      sync.Mutex
	decryptors map[string]map[string]Decryptor
}

// NewRouter creates a router resolving algorithms through the given registry.
func NewRouter(store e2ee.CryptoStore, roomState e2ee.RoomState, registry *Registry, log *observability.Logger, metrics *observability.Metrics) *Router {
	return &Router{
		store:      store,
		roomState:  roomState,
		registry:   registry,
		log:        log,
		metrics:    metrics,
		encryptors: make(map[string]Encryptor),
		decryptors: make(map[string]map[string]Decryptor),
	}
}

// BindAlgorithm binds a room to an encryption algorithm. Binding the same
// algorithm again succeeds without effect; a conflicting algorithm for an
// already-bound room is rejected and logged, never applied.
func (r *Router) BindAlgorithm(roomID, algorithm string) bool {
	r.encMu.Lock()
	defer r.encMu.Unlock()
	return r.bindLocked(roomID, algorithm)
}

func (r *Router) bindLocked(roomID, algorithm string) bool {
	existing, err := r.store.AlgorithmForRoom(roomID)
	if err != nil {
		r.log.WithRoom(roomID).Error(err, "failed to read room algorithm")
	}
	if existing != "" && existing != algorithm {
		// Accepting the change would allow an attacker to downgrade the
		// room's encryption.
		r.log.AlgorithmRejected(roomID, existing, algorithm)
		r.metrics.AlgorithmBindingsTotal.WithLabelValues("rejected").Inc()
		return false
	}

	if _, ok := r.encryptors[roomID]; ok {
		r.metrics.AlgorithmBindingsTotal.WithLabelValues("bound").Inc()
		return true
	}

	factory, ok := r.registry.encryptorFactory(algorithm)
	if !ok {
		r.log.WithRoom(roomID).Warn("no encryptor for algorithm " + algorithm)
		r.metrics.AlgorithmBindingsTotal.WithLabelValues("unsupported").Inc()
		return false
	}

	if err := r.store.StoreAlgorithmForRoom(roomID, algorithm); err != nil {
		r.log.WithRoom(roomID).Error(err, "failed to persist room algorithm")
	}

	r.encryptors[roomID] = factory(roomID)
	r.metrics.AlgorithmBindingsTotal.WithLabelValues("bound").Inc()
	return true
}

// EncryptorFor returns the cached encryptor for a room, lazily resolving the
// room's bound algorithm. When no binding exists yet, the room's own current
// configuration is consulted and bound. Returns nil when no algorithm
// resolves or the algorithm is unsupported.
func (r *Router) EncryptorFor(roomID string) Encryptor {
	r.encMu.Lock()
	defer r.encMu.Unlock()

	if enc, ok := r.encryptors[roomID]; ok {
		return enc
	}

	algorithm, err := r.store.AlgorithmForRoom(roomID)
	if err != nil {
		r.log.WithRoom(roomID).Error(err, "failed to read room algorithm")
	}
	if algorithm == "" {
		algorithm = r.roomState.EncryptionAlgorithm(roomID)
	}
	if algorithm == "" {
		return nil
	}
	if !r.bindLocked(roomID, algorithm) {
		return nil
	}
	return r.encryptors[roomID]
}

// DecryptorFor returns the decryptor for (room, algorithm), creating and
// caching it on first use. A room may contain events encrypted under more
// than one algorithm across its history, so the cache is keyed by both. An
// empty room id yields an uncached instance for direct device traffic.
func (r *Router) DecryptorFor(roomID, algorithm string) Decryptor {
	if algorithm == "" {
		r.log.WithRoom(roomID).Warn("no algorithm on encrypted event")
		return nil
	}

	r.decMu.Lock()
	defer r.decMu.Unlock()

	if roomID != "" {
		if dec, ok := r.decryptors[roomID][algorithm]; ok {
			return dec
		}
	}

	factory, ok := r.registry.decryptorFactory(algorithm)
	if !ok {
		return nil
	}
	dec := factory(roomID)

	if roomID != "" {
		if r.decryptors[roomID] == nil {
			r.decryptors[roomID] = make(map[string]Decryptor)
		}
		r.decryptors[roomID][algorithm] = dec
	}
	return dec
}

// IsRoomEncrypted reports whether a room is encrypted, checking the handler
// cache first and falling back to the room's live configuration.
func (r *Router) IsRoomEncrypted(roomID string) bool {
	if roomID == "" {
		return false
	}
	r.encMu.Lock()
	_, cached := r.encryptors[roomID]
	r.encMu.Unlock()
	if cached {
		return true
	}
	return r.roomState.IsEncrypted(roomID)
}

// CachedEncryptor returns the encryptor already bound for a room, without
// resolving one. Used by event routing paths that must not trigger binding.
func (r *Router) CachedEncryptor(roomID string) Encryptor {
	r.encMu.Lock()
	defer r.encMu.Unlock()
	return r.encryptors[roomID]
}

// NotifyTrustChange fans a trust-state change out to every bound encryptor so
// trust-dependent behavior can react. Runs outside the router locks.
func (r *Router) NotifyTrustChange(userID, deviceID string) {
	r.encMu.Lock()
	encryptors := make([]Encryptor, 0, len(r.encryptors))
	for _, enc := range r.encryptors {
		encryptors = append(encryptors, enc)
	}
	r.encMu.Unlock()

	for _, enc := range encryptors {
		enc.OnTrustChange(userID, deviceID)
	}
}
