package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quillchat/e2ee"
)

func TestUploadDeviceKeysParsesCounts(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret-token" {
			t.Errorf("Authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"one_time_key_counts": map[string]int{"signed_curve25519": 42},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-token", "ALICE1")
	ack, err := client.UploadDeviceKeys(context.Background(), map[string]any{"user_id": "@alice:example.org"})
	if err != nil {
		t.Fatalf("UploadDeviceKeys failed: %v", err)
	}

	if gotPath != "/keys/upload/ALICE1" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["device_keys"] == nil {
		t.Error("request missing device_keys")
	}
	if got := ack.OneTimeKeyCounts[e2ee.KeyTypeSignedCurve25519]; got != 42 {
		t.Errorf("key count = %d, want 42", got)
	}
}

func TestUploadDeviceKeysNilBundleOmitsKeys(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"one_time_key_counts": map[string]int{}})
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-token", "ALICE1")
	if _, err := client.UploadDeviceKeys(context.Background(), nil); err != nil {
		t.Fatalf("UploadDeviceKeys failed: %v", err)
	}
	if _, ok := gotBody["device_keys"]; ok {
		t.Error("nil bundle still serialized device_keys")
	}
}

func TestUploadOneTimeKeys(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"one_time_key_counts": map[string]int{"signed_curve25519": 7},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-token", "ALICE1")
	keys := map[string]any{"signed_curve25519:AA1": map[string]any{"key": "abc"}}
	ack, err := client.UploadOneTimeKeys(context.Background(), keys)
	if err != nil {
		t.Fatalf("UploadOneTimeKeys failed: %v", err)
	}
	if gotBody["one_time_keys"] == nil {
		t.Error("request missing one_time_keys")
	}
	if ack.OneTimeKeyCounts[e2ee.KeyTypeSignedCurve25519] != 7 {
		t.Errorf("key counts = %v", ack.OneTimeKeyCounts)
	}
}

func TestDownloadDeviceKeys(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/keys/query" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req map[string]map[string][]string
		json.NewDecoder(r.Body).Decode(&req)
		if _, ok := req["device_keys"]["@bob:example.org"]; !ok {
			t.Errorf("query body = %v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"device_keys": map[string]any{
				"@bob:example.org": map[string]any{
					"BOB1": map[string]any{
						"user_id":   "@bob:example.org",
						"device_id": "BOB1",
						"keys": map[string]string{
							"ed25519:BOB1": "signkey",
						},
					},
				},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-token", "ALICE1")
	records, err := client.DownloadDeviceKeys(context.Background(), []string{"@bob:example.org"})
	if err != nil {
		t.Fatalf("DownloadDeviceKeys failed: %v", err)
	}

	record := records["@bob:example.org"]["BOB1"]
	if record == nil {
		t.Fatal("record missing from response")
	}
	if record.SigningKey() != "signkey" {
		t.Errorf("signing key = %q", record.SigningKey())
	}
}

func TestClaimOneTimeKeysParsesWireFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/keys/claim" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"one_time_keys": map[string]any{
				"@bob:example.org": map[string]any{
					"BOB1": map[string]any{
						// Wire key id carries the algorithm prefix.
						"signed_curve25519:AA1": map[string]any{
							"key": "otkvalue",
							"signatures": map[string]map[string]string{
								"@bob:example.org": {"ed25519:BOB1": "sig"},
							},
						},
					},
				},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-token", "ALICE1")
	claimed, err := client.ClaimOneTimeKeys(context.Background(), map[string]map[string]string{
		"@bob:example.org": {"BOB1": e2ee.KeyTypeSignedCurve25519},
	})
	if err != nil {
		t.Fatalf("ClaimOneTimeKeys failed: %v", err)
	}

	key := claimed["@bob:example.org"]["BOB1"]
	if key == nil {
		t.Fatal("claimed key missing")
	}
	if key.Type != e2ee.KeyTypeSignedCurve25519 {
		t.Errorf("key type = %q", key.Type)
	}
	if key.Value != "otkvalue" {
		t.Errorf("key value = %q", key.Value)
	}
	if key.SignatureFor("@bob:example.org", "ed25519:BOB1") != "sig" {
		t.Error("signature not parsed")
	}
}

func TestSendToDeviceUsesFreshTransactionIDs(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %q, want PUT", r.Method)
		}
		paths = append(paths, r.URL.Path)
		var req map[string]map[string]map[string]map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["messages"]["@bob:example.org"]["*"] == nil {
			t.Errorf("send body = %v", req)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-token", "ALICE1")
	content := map[string]map[string]map[string]any{
		"@bob:example.org": {"*": {"device_id": "ALICE1"}},
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := client.SendToDevice(ctx, e2ee.EventTypeNewDevice, content); err != nil {
			t.Fatalf("SendToDevice failed: %v", err)
		}
	}

	if len(paths) != 2 || paths[0] == paths[1] {
		t.Errorf("transaction ids not unique: %v", paths)
	}
	if !strings.HasPrefix(paths[0], "/sendToDevice/m.new_device/") {
		t.Errorf("path = %q", paths[0])
	}
}

func TestStructuredServerErrorBecomesProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{
			"errcode": "M_FORBIDDEN",
			"error":   "Invalid access token",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "bad-token", "ALICE1")
	_, err := client.DownloadDeviceKeys(context.Background(), []string{"@bob:example.org"})

	var protoErr *e2ee.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("got %T, want *ProtocolError", err)
	}
	if protoErr.Code != "M_FORBIDDEN" || protoErr.Reason != "Invalid access token" {
		t.Errorf("protocol error = %+v", protoErr)
	}
}

func TestUnstructuredServerErrorCarriesStatusCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-token", "ALICE1")
	_, err := client.DownloadDeviceKeys(context.Background(), []string{"@bob:example.org"})

	var protoErr *e2ee.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("got %T, want *ProtocolError", err)
	}
	if protoErr.Code != "HTTP_502" {
		t.Errorf("code = %q, want HTTP_502", protoErr.Code)
	}
}

func TestUnreachableServerBecomesNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(server.URL, "secret-token", "ALICE1")
	_, err := client.DownloadDeviceKeys(context.Background(), []string{"@bob:example.org"})

	var netErr *e2ee.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("got %T, want *NetworkError", err)
	}
	if netErr.Op != "download device keys" {
		t.Errorf("op = %q", netErr.Op)
	}
}
