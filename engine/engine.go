// Package engine assembles the end-to-end encryption engine and dispatches
// client events into it.
package engine

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/quillchat/e2ee"
	"github.com/quillchat/e2ee/announce"
	"github.com/quillchat/e2ee/config"
	"github.com/quillchat/e2ee/devices"
	"github.com/quillchat/e2ee/internal/observability"
	"github.com/quillchat/e2ee/keys"
	"github.com/quillchat/e2ee/rooms"
	"github.com/quillchat/e2ee/rooms/olmalg"
	"github.com/quillchat/e2ee/sessions"
)

// Reported as the service version on exported spans.
const engineVersion = "1.0.0"

// Engine owns the per-account encryption state: this device's identity, the
// device directory, key lifecycle, session establishment and per-room
// algorithm routing. One Engine serves one logged-in account.
type Engine struct {
	ownUserID string
	ownDevice *e2ee.DeviceRecord

	crypto    e2ee.CryptoEngine
	store     e2ee.CryptoStore
	transport e2ee.Transport
	roomState e2ee.RoomState

	directory   *devices.Directory
	establisher *sessions.Establisher
	keyManager  *keys.Manager
	scheduler   *keys.Scheduler
	throttler   *announce.Throttler
	registry    *rooms.Registry
	router      *rooms.Router

	maxKeysPerCycle int

	log     *observability.Logger
	metrics *observability.Metrics

	metricsAddress string
	metricsLn      net.Listener
	metricsServer  *http.Server
	tracerShutdown func(context.Context) error

	confMu          sync.Mutex
	conferenceUsers map[string]string
}

// New wires up an engine for one account. The device id is loaded from the
// store, or generated and persisted on first run so the same identity is used
// across restarts.
func New(ownUserID string, crypto e2ee.CryptoEngine, store e2ee.CryptoStore, transport e2ee.Transport, roomState e2ee.RoomState, cfg *config.Config, log *observability.Logger, metrics *observability.Metrics) (*Engine, error) {
	deviceID, err := store.DeviceID()
	if err != nil {
		return nil, err
	}
	if deviceID == "" {
		deviceID = uuid.NewString()
		if err := store.StoreDeviceID(deviceID); err != nil {
			return nil, err
		}
	}

	ownDevice := &e2ee.DeviceRecord{
		UserID:   ownUserID,
		DeviceID: deviceID,
		Keys: map[string]string{
			e2ee.KeyTypeEd25519 + ":" + deviceID:    crypto.SigningKey(),
			e2ee.KeyTypeCurve25519 + ":" + deviceID: crypto.IdentityKey(),
		},
		// Nobody else can vouch for this device, so it starts out trusted.
		Trust: e2ee.TrustVerified,
	}

	directory := devices.NewDirectory(store, crypto, transport, log, metrics)
	establisher := sessions.NewEstablisher(directory, crypto, transport, store, log, metrics)

	registry := rooms.NewRegistry()
	registry.RegisterEncryptor(e2ee.AlgorithmOlm, func(roomID string) rooms.Encryptor {
		return olmalg.NewEncryptor(roomID, ownDevice, directory, establisher, crypto, roomState, log, metrics)
	})
	registry.RegisterDecryptor(e2ee.AlgorithmOlm, func(roomID string) rooms.Decryptor {
		return olmalg.NewDecryptor(roomID, crypto, log, metrics)
	})
	ownDevice.Algorithms = registry.SupportedAlgorithms()

	stored, err := store.DevicesForUser(ownUserID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		stored = make(map[string]*e2ee.DeviceRecord)
	}
	stored[deviceID] = ownDevice
	if err := store.StoreDevicesForUser(ownUserID, stored); err != nil {
		return nil, err
	}

	router := rooms.NewRouter(store, roomState, registry, log, metrics)
	directory.RegisterTrustWatcher(router.NotifyTrustChange)

	keyManager := keys.NewManager(transport, crypto, ownDevice, log, metrics)

	return &Engine{
		ownUserID:       ownUserID,
		ownDevice:       ownDevice,
		crypto:          crypto,
		store:           store,
		transport:       transport,
		roomState:       roomState,
		directory:       directory,
		establisher:     establisher,
		keyManager:      keyManager,
		scheduler:       keys.NewScheduler(keyManager, cfg.UploadInterval, cfg.MaxKeysPerCycle, log),
		throttler:       announce.NewThrottler(transport, ownDevice, cfg.AnnounceInterval, log, metrics),
		registry:        registry,
		router:          router,
		maxKeysPerCycle: cfg.MaxKeysPerCycle,
		metricsAddress:  cfg.MetricsAddress,
		log:             log,
		metrics:         metrics,
		conferenceUsers: make(map[string]string),
	}, nil
}

// Start uploads this device's keys, announces the device if it never was, and
// launches the periodic key upload loop. A failed initial upload aborts the
// start; a failed announcement does not, it is retried on the next start.
func (e *Engine) Start(ctx context.Context) error {
	if e.tracerShutdown == nil {
		shutdown, err := observability.InitTracing(ctx, "quillchat-e2ee", engineVersion)
		if err != nil {
			e.log.Error(err, "tracing initialization failed")
		} else {
			e.tracerShutdown = shutdown
		}
	}
	e.serveMetrics()

	if err := e.keyManager.UploadKeys(ctx, e.maxKeysPerCycle); err != nil {
		return err
	}

	if err := e.checkDeviceAnnounced(ctx); err != nil {
		e.log.Error(err, "device announcement failed")
	}

	e.scheduler.Start()
	e.log.WithDevice(e.ownUserID, e.ownDevice.DeviceID).Info("encryption engine started")
	return nil
}

// checkDeviceAnnounced tells every member of every encrypted room we are in
// that this device exists. Runs to completion exactly once per install; the
// announced flag is persisted only after a successful send.
func (e *Engine) checkDeviceAnnounced(ctx context.Context) error {
	announced, err := e.store.DeviceAnnounced()
	if err != nil {
		return err
	}
	if announced {
		return nil
	}

	roomsByUser := make(map[string][]string)
	for _, roomID := range e.roomState.RoomIDs() {
		if !e.roomState.IsEncrypted(roomID) {
			continue
		}
		if !e.roomState.IsJoinedOrInvited(roomID) {
			continue
		}
		for _, member := range e.roomState.Members(roomID) {
			roomsByUser[member.UserID] = append(roomsByUser[member.UserID], roomID)
		}
	}

	if len(roomsByUser) > 0 {
		if err := e.throttler.SendSweep(ctx, roomsByUser); err != nil {
			return err
		}
	}
	return e.store.StoreDeviceAnnounced()
}

// serveMetrics starts the Prometheus endpoint on the configured address. An
// empty address disables it; a listen failure is logged and the engine runs
// without metrics.
func (e *Engine) serveMetrics() {
	if e.metricsAddress == "" || e.metricsServer != nil {
		return
	}
	ln, err := net.Listen("tcp", e.metricsAddress)
	if err != nil {
		e.log.Error(err, "metrics listener failed")
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.metrics.Handler())
	e.metricsLn = ln
	e.metricsServer = &http.Server{Handler: mux}
	go func() {
		if err := e.metricsServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			e.log.Error(err, "metrics server stopped")
		}
	}()
	e.log.Info("metrics endpoint listening on " + ln.Addr().String())
}

// MetricsAddr returns the address the metrics endpoint is serving on, or ""
// when it is not running.
func (e *Engine) MetricsAddr() string {
	if e.metricsLn == nil {
		return ""
	}
	return e.metricsLn.Addr().String()
}

// Pause suspends background work without releasing any state.
func (e *Engine) Pause() {
	e.scheduler.Stop()
}

// Resume restarts background work after a Pause. The first upload fires one
// interval later, not immediately.
func (e *Engine) Resume() {
	e.scheduler.Start()
}

// Close stops background work and releases the crypto engine and store. The
// engine must not be used afterwards.
func (e *Engine) Close() error {
	e.scheduler.Stop()
	if e.metricsServer != nil {
		if err := e.metricsServer.Shutdown(context.Background()); err != nil {
			e.log.Error(err, "metrics server shutdown failed")
		}
		e.metricsServer = nil
		e.metricsLn = nil
	}
	if e.tracerShutdown != nil {
		if err := e.tracerShutdown(context.Background()); err != nil {
			e.log.Error(err, "tracer shutdown failed")
		}
		e.tracerShutdown = nil
	}
	e.crypto.Release()
	return e.store.Close()
}

// IsCorrupted reports whether the backing store failed consistency checks.
func (e *Engine) IsCorrupted() bool {
	return e.store.IsCorrupted()
}

// OwnDevice returns this device's record.
func (e *Engine) OwnDevice() *e2ee.DeviceRecord {
	return e.ownDevice
}

// Directory returns the device directory.
func (e *Engine) Directory() *devices.Directory {
	return e.directory
}

// SetDeviceTrust updates the trust state of one device.
func (e *Engine) SetDeviceTrust(userID, deviceID string, state e2ee.TrustState) {
	e.directory.SetTrustState(userID, deviceID, state)
}

// UploadKeysNow runs one key upload cycle outside the schedule.
func (e *Engine) UploadKeysNow(ctx context.Context) error {
	return e.keyManager.UploadKeys(ctx, e.maxKeysPerCycle)
}
