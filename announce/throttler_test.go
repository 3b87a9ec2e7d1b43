package announce

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quillchat/e2ee"
	"github.com/quillchat/e2ee/internal/observability"
)

// Shared across tests: metric registration is global.
var testMetrics = observability.NewMetrics()

type fakeTransport struct {
	sendErr error
	sent    []sentEvent
}

type sentEvent struct {
	eventType string
	content   map[string]map[string]map[string]any
}

func (f *fakeTransport) UploadDeviceKeys(ctx context.Context, bundle map[string]any) (e2ee.UploadAck, error) {
	return e2ee.UploadAck{}, nil
}

func (f *fakeTransport) UploadOneTimeKeys(ctx context.Context, keys map[string]any) (e2ee.UploadAck, error) {
	return e2ee.UploadAck{}, nil
}

func (f *fakeTransport) DownloadDeviceKeys(ctx context.Context, userIDs []string) (map[string]map[string]*e2ee.DeviceRecord, error) {
	return nil, nil
}

func (f *fakeTransport) ClaimOneTimeKeys(ctx context.Context, req map[string]map[string]string) (map[string]map[string]*e2ee.ClaimedKey, error) {
	return nil, nil
}

func (f *fakeTransport) SendToDevice(ctx context.Context, eventType string, content map[string]map[string]map[string]any) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentEvent{eventType: eventType, content: content})
	return nil
}

func ownDevice() *e2ee.DeviceRecord {
	return &e2ee.DeviceRecord{
		UserID:   "@alice:example.org",
		DeviceID: "ALICE1",
	}
}

// newTestThrottler pins the clock so tests control elapsed time directly.
func newTestThrottler(transport *fakeTransport, interval time.Duration) (*Throttler, *time.Time) {
	t := NewThrottler(transport, ownDevice(), interval, observability.Nop(), testMetrics)
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t.now = func() time.Time { return clock }
	return t, &clock
}

func TestMaybeSendFirstAnnouncement(t *testing.T) {
	transport := &fakeTransport{}
	th, _ := newTestThrottler(transport, time.Hour)

	if !th.MaybeSend(context.Background(), "@bob:example.org", "BOB1", "!room:example.org") {
		t.Fatal("first announcement was throttled")
	}
	if len(transport.sent) != 1 {
		t.Fatalf("sent %d events, want 1", len(transport.sent))
	}

	event := transport.sent[0]
	if event.eventType != e2ee.EventTypeNewDevice {
		t.Errorf("event type = %q, want %q", event.eventType, e2ee.EventTypeNewDevice)
	}
	payload := event.content["@bob:example.org"]["BOB1"]
	if payload["device_id"] != "ALICE1" {
		t.Errorf("payload device_id = %v, want ALICE1", payload["device_id"])
	}
	rooms := payload["rooms"].([]string)
	if len(rooms) != 1 || rooms[0] != "!room:example.org" {
		t.Errorf("payload rooms = %v", rooms)
	}
}

func TestMaybeSendThrottlesRepeatTarget(t *testing.T) {
	transport := &fakeTransport{}
	th, clock := newTestThrottler(transport, time.Hour)

	ctx := context.Background()
	th.MaybeSend(ctx, "@bob:example.org", "BOB1", "!room:example.org")

	*clock = clock.Add(30 * time.Minute)
	if th.MaybeSend(ctx, "@bob:example.org", "BOB1", "!room:example.org") {
		t.Error("repeat announcement inside the interval was sent")
	}

	// Different room for the same device is a different target.
	if !th.MaybeSend(ctx, "@bob:example.org", "BOB1", "!other:example.org") {
		t.Error("announcement for a different room was throttled")
	}

	*clock = clock.Add(31 * time.Minute)
	if !th.MaybeSend(ctx, "@bob:example.org", "BOB1", "!room:example.org") {
		t.Error("announcement after the interval elapsed was throttled")
	}
}

func TestMaybeSendFailureStaysThrottled(t *testing.T) {
	transport := &fakeTransport{sendErr: errors.New("gateway timeout")}
	th, clock := newTestThrottler(transport, time.Hour)

	ctx := context.Background()
	if th.MaybeSend(ctx, "@bob:example.org", "BOB1", "!room:example.org") {
		t.Fatal("failed send reported success")
	}

	// The failure consumed the slot; an immediate retry stays throttled.
	transport.sendErr = nil
	if th.MaybeSend(ctx, "@bob:example.org", "BOB1", "!room:example.org") {
		t.Error("retry inside the interval was sent after a failure")
	}

	*clock = clock.Add(2 * time.Hour)
	if !th.MaybeSend(ctx, "@bob:example.org", "BOB1", "!room:example.org") {
		t.Error("announcement after the interval was throttled")
	}
}

func TestSendSweepBatchesUsers(t *testing.T) {
	transport := &fakeTransport{}
	th, _ := newTestThrottler(transport, time.Hour)

	err := th.SendSweep(context.Background(), map[string][]string{
		"@bob:example.org":   {"!a:example.org", "!b:example.org"},
		"@carol:example.org": {"!a:example.org"},
	})
	if err != nil {
		t.Fatalf("SendSweep failed: %v", err)
	}

	// Every user rides in one event, addressed to all their devices.
	if len(transport.sent) != 1 {
		t.Fatalf("sent %d events, want 1", len(transport.sent))
	}
	content := transport.sent[0].content
	if len(content) != 2 {
		t.Fatalf("batched %d users, want 2", len(content))
	}
	bob := content["@bob:example.org"][AllDevices]
	if got := bob["rooms"].([]string); len(got) != 2 {
		t.Errorf("bob announced for %d rooms, want 2", len(got))
	}
	if content["@carol:example.org"][AllDevices] == nil {
		t.Error("carol missing from the sweep")
	}
}

func TestSendSweepSkipsThrottledTargets(t *testing.T) {
	transport := &fakeTransport{}
	th, _ := newTestThrottler(transport, time.Hour)

	ctx := context.Background()
	if err := th.SendSweep(ctx, map[string][]string{"@bob:example.org": {"!a:example.org"}}); err != nil {
		t.Fatalf("SendSweep failed: %v", err)
	}

	// The same target again, plus one fresh room: only the fresh room goes out.
	err := th.SendSweep(ctx, map[string][]string{
		"@bob:example.org":   {"!a:example.org"},
		"@carol:example.org": {"!a:example.org"},
	})
	if err != nil {
		t.Fatalf("SendSweep failed: %v", err)
	}

	if len(transport.sent) != 2 {
		t.Fatalf("sent %d events, want 2", len(transport.sent))
	}
	content := transport.sent[1].content
	if _, ok := content["@bob:example.org"]; ok {
		t.Error("fully throttled user still included in the sweep")
	}
	if _, ok := content["@carol:example.org"]; !ok {
		t.Error("fresh user missing from the sweep")
	}
}

func TestSendSweepEmptyAfterThrottlingSendsNothing(t *testing.T) {
	transport := &fakeTransport{}
	th, _ := newTestThrottler(transport, time.Hour)

	ctx := context.Background()
	rooms := map[string][]string{"@bob:example.org": {"!a:example.org"}}
	if err := th.SendSweep(ctx, rooms); err != nil {
		t.Fatalf("SendSweep failed: %v", err)
	}
	if err := th.SendSweep(ctx, rooms); err != nil {
		t.Fatalf("SendSweep failed: %v", err)
	}
	if len(transport.sent) != 1 {
		t.Errorf("sent %d events, want 1", len(transport.sent))
	}
}

func TestSendSweepFailureAllowsRetry(t *testing.T) {
	transport := &fakeTransport{sendErr: errors.New("gateway timeout")}
	th, _ := newTestThrottler(transport, time.Hour)

	ctx := context.Background()
	rooms := map[string][]string{
		"@bob:example.org":   {"!a:example.org"},
		"@carol:example.org": {"!a:example.org"},
	}
	if err := th.SendSweep(ctx, rooms); err == nil {
		t.Fatal("failed sweep reported success")
	}

	// The failed batch must not occupy throttle slots; the immediate retry
	// carries the full batch again.
	transport.sendErr = nil
	if err := th.SendSweep(ctx, rooms); err != nil {
		t.Fatalf("SendSweep retry failed: %v", err)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("sent %d events, want 1", len(transport.sent))
	}
	if len(transport.sent[0].content) != 2 {
		t.Errorf("retry announced %d users, want 2", len(transport.sent[0].content))
	}
}

func TestSendSweepSurfacesTransportError(t *testing.T) {
	wantErr := errors.New("unreachable")
	transport := &fakeTransport{sendErr: wantErr}
	th, _ := newTestThrottler(transport, time.Hour)

	err := th.SendSweep(context.Background(), map[string][]string{"@bob:example.org": {"!a:example.org"}})
	if !errors.Is(err, wantErr) {
		t.Errorf("got %v, want the transport error unchanged", err)
	}
}
