// Package httpapi implements the homeserver transport over its HTTP
// key-management API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quillchat/e2ee"
)

const defaultTimeout = 30 * time.Second

// Client talks to the homeserver's key-management endpoints. It implements
// the engine's transport contract; it never retries, the engine's schedule
// owns retry cadence.
type Client struct {
	baseURL     string
	accessToken string
	deviceID    string
	httpClient  *http.Client
}

// NewClient creates a transport client. deviceID is sent with key uploads so
// the server attributes them to this device.
func NewClient(baseURL, accessToken, deviceID string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		deviceID:    deviceID,
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
}

type errorBody struct {
	Code   string `json:"errcode"`
	Reason string `json:"error"`
}

// doRequest performs one JSON exchange. Transport failures surface as
// *NetworkError, structured server rejections as *ProtocolError.
func (c *Client) doRequest(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &e2ee.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &e2ee.NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Code != "" {
			return &e2ee.ProtocolError{Code: eb.Code, Reason: eb.Reason}
		}
		return &e2ee.ProtocolError{
			Code:   fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Reason: http.StatusText(resp.StatusCode),
		}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &e2ee.NetworkError{Op: op, Err: fmt.Errorf("undecodable response: %w", err)}
		}
	}
	return nil
}

type uploadRequest struct {
	DeviceKeys  map[string]any `json:"device_keys,omitempty"`
	OneTimeKeys map[string]any `json:"one_time_keys,omitempty"`
}

type uploadResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

// UploadDeviceKeys uploads the signed identity bundle. A nil bundle uploads
// nothing and just returns the server's current one-time-key counts.
func (c *Client) UploadDeviceKeys(ctx context.Context, bundle map[string]any) (e2ee.UploadAck, error) {
	var resp uploadResponse
	err := c.doRequest(ctx, "upload device keys", http.MethodPost,
		"/keys/upload/"+url.PathEscape(c.deviceID),
		uploadRequest{DeviceKeys: bundle}, &resp)
	if err != nil {
		return e2ee.UploadAck{}, err
	}
	return e2ee.UploadAck{OneTimeKeyCounts: resp.OneTimeKeyCounts}, nil
}

// UploadOneTimeKeys uploads signed one-time keys keyed by "<algorithm>:<keyId>".
func (c *Client) UploadOneTimeKeys(ctx context.Context, keys map[string]any) (e2ee.UploadAck, error) {
	var resp uploadResponse
	err := c.doRequest(ctx, "upload one-time keys", http.MethodPost,
		"/keys/upload/"+url.PathEscape(c.deviceID),
		uploadRequest{OneTimeKeys: keys}, &resp)
	if err != nil {
		return e2ee.UploadAck{}, err
	}
	return e2ee.UploadAck{OneTimeKeyCounts: resp.OneTimeKeyCounts}, nil
}

type queryRequest struct {
	DeviceKeys map[string][]string `json:"device_keys"`
}

type queryResponse struct {
	DeviceKeys map[string]map[string]*e2ee.DeviceRecord `json:"device_keys"`
}

// DownloadDeviceKeys fetches raw device records for the given users.
func (c *Client) DownloadDeviceKeys(ctx context.Context, userIDs []string) (map[string]map[string]*e2ee.DeviceRecord, error) {
	req := queryRequest{DeviceKeys: make(map[string][]string, len(userIDs))}
	for _, userID := range userIDs {
		req.DeviceKeys[userID] = []string{}
	}

	var resp queryResponse
	if err := c.doRequest(ctx, "download device keys", http.MethodPost, "/keys/query", req, &resp); err != nil {
		return nil, err
	}
	return resp.DeviceKeys, nil
}

type claimRequest struct {
	OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
}

type claimResponse struct {
	OneTimeKeys map[string]map[string]map[string]json.RawMessage `json:"one_time_keys"`
}

// ClaimOneTimeKeys claims one key per requested device. The wire response
// keys each claimed key by "<algorithm>:<keyId>"; the algorithm prefix
// becomes the claimed key's type.
func (c *Client) ClaimOneTimeKeys(ctx context.Context, req map[string]map[string]string) (map[string]map[string]*e2ee.ClaimedKey, error) {
	var resp claimResponse
	if err := c.doRequest(ctx, "claim one-time keys", http.MethodPost, "/keys/claim", claimRequest{OneTimeKeys: req}, &resp); err != nil {
		return nil, err
	}

	claimed := make(map[string]map[string]*e2ee.ClaimedKey, len(resp.OneTimeKeys))
	for userID, deviceKeys := range resp.OneTimeKeys {
		claimed[userID] = make(map[string]*e2ee.ClaimedKey, len(deviceKeys))
		for deviceID, keysByID := range deviceKeys {
			for keyID, raw := range keysByID {
				algorithm, _, found := strings.Cut(keyID, ":")
				if !found {
					continue
				}
				var key e2ee.ClaimedKey
				if err := json.Unmarshal(raw, &key); err != nil {
					continue
				}
				key.Type = algorithm
				claimed[userID][deviceID] = &key
				break
			}
		}
	}
	return claimed, nil
}

type sendToDeviceRequest struct {
	Messages map[string]map[string]map[string]any `json:"messages"`
}

// SendToDevice delivers a direct-to-device event under a fresh transaction id.
func (c *Client) SendToDevice(ctx context.Context, eventType string, content map[string]map[string]map[string]any) error {
	path := "/sendToDevice/" + url.PathEscape(eventType) + "/" + uuid.NewString()
	return c.doRequest(ctx, "send to device", http.MethodPut, path, sendToDeviceRequest{Messages: content}, nil)
}
