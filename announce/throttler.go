// Package announce notifies other devices about this device's presence in
// encrypted rooms, throttled so a noisy sync loop cannot flood the network.
package announce

import (
	"context"
	"sync"
	"time"

	"github.com/quillchat/e2ee"
	"github.com/quillchat/e2ee/internal/observability"
)

// AllDevices targets every device of a user in one announcement.
const AllDevices = "*"

// Throttler rate limits new-device announcements per (user, device, room)
// target. Each target is announced at most once per interval.
type Throttler struct {
	transport e2ee.Transport
	ownDevice *e2ee.DeviceRecord
	interval  time.Duration
	log       *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu       sync.Mutex
	lastSent map[announceKey]time.Time
}

type announceKey struct {
	userID   string
	deviceID string
	roomID   string
}

// NewThrottler creates a throttler announcing on behalf of ownDevice.
func NewThrottler(transport e2ee.Transport, ownDevice *e2ee.DeviceRecord, interval time.Duration, log *observability.Logger, metrics *observability.Metrics) *Throttler {
	return &Throttler{
		transport: transport,
		ownDevice: ownDevice,
		interval:  interval,
		log:       log,
		metrics:   metrics,
		now:       time.Now,
		lastSent:  make(map[announceKey]time.Time),
	}
}

// MaybeSend announces this device to the target user's devices for one room,
// unless the same target was announced within the throttle interval. deviceID
// may be AllDevices. Reports whether an announcement went out.
//
// The send time is recorded before the network call: a failed send stays
// throttled rather than being retried every sync pass.
func (t *Throttler) MaybeSend(ctx context.Context, userID, deviceID, roomID string) bool {
	key := announceKey{userID: userID, deviceID: deviceID, roomID: roomID}

	t.mu.Lock()
	now := t.now()
	if last, ok := t.lastSent[key]; ok && now.Sub(last) < t.interval {
		t.mu.Unlock()
		t.metrics.AnnouncementsTotal.WithLabelValues("throttled").Inc()
		return false
	}
	t.lastSent[key] = now
	t.mu.Unlock()

	content := map[string]map[string]map[string]any{
		userID: {
			deviceID: {
				"device_id": t.ownDevice.DeviceID,
				"rooms":     []string{roomID},
			},
		},
	}

	if err := t.transport.SendToDevice(ctx, e2ee.EventTypeNewDevice, content); err != nil {
		t.log.WithDevice(userID, deviceID).Error(err, "failed to send device announcement")
		t.metrics.AnnouncementsTotal.WithLabelValues("failed").Inc()
		return false
	}

	t.log.AnnouncementSent(userID, deviceID, roomID)
	t.metrics.AnnouncementsTotal.WithLabelValues("sent").Inc()
	return true
}

// SendSweep announces this device to every listed user in a single batched
// event, one payload per user addressed to all their devices. Targets still
// inside the throttle interval are left out of the batch.
func (t *Throttler) SendSweep(ctx context.Context, roomsByUser map[string][]string) error {
	content := make(map[string]map[string]map[string]any)
	var recorded []announceKey

	t.mu.Lock()
	now := t.now()
	for userID, roomIDs := range roomsByUser {
		var allowed []string
		for _, roomID := range roomIDs {
			key := announceKey{userID: userID, deviceID: AllDevices, roomID: roomID}
			if last, ok := t.lastSent[key]; ok && now.Sub(last) < t.interval {
				t.metrics.AnnouncementsTotal.WithLabelValues("throttled").Inc()
				continue
			}
			t.lastSent[key] = now
			recorded = append(recorded, key)
			allowed = append(allowed, roomID)
		}
		if len(allowed) == 0 {
			continue
		}
		content[userID] = map[string]map[string]any{
			AllDevices: {
				"device_id": t.ownDevice.DeviceID,
				"rooms":     allowed,
			},
		}
	}
	t.mu.Unlock()

	if len(content) == 0 {
		return nil
	}

	if err := t.transport.SendToDevice(ctx, e2ee.EventTypeNewDevice, content); err != nil {
		// Unlike single announcements, the sweep runs once per install. A
		// failed batch must not occupy throttle slots, or the retry would see
		// nothing to send and report success without announcing anyone.
		t.mu.Lock()
		for _, key := range recorded {
			delete(t.lastSent, key)
		}
		t.mu.Unlock()
		t.metrics.AnnouncementsTotal.WithLabelValues("failed").Inc()
		return err
	}

	for userID := range content {
		t.log.AnnouncementSent(userID, AllDevices, "")
	}
	t.metrics.AnnouncementsTotal.WithLabelValues("sent").Inc()
	return nil
}
