package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	activatorErrors "github.com/a5revive/activator/internal/errors"
)

// BridgeClient is a Dialer backed by a local lockdown bridge daemon.
//
// The bridge owns the USB multiplexing socket and exposes connected devices
// over a small JSON/HTTP API on loopback:
//
//	GET  /devices                          -> [{"udid": "..."}]
//	GET  /devices/{udid}/properties/{key}  -> {"value": <any>} or 404 when absent
//	PUT  /devices/{udid}/files?path=<p>    -> 204, body is the raw file content
//	POST /devices/{udid}/restart           -> 204
//	POST /devices/{udid}/gestalt           -> {"values": {...}}, body {"keys": [...]}
type BridgeClient struct {
	addr   string
	client *http.Client
}

// NewBridgeClient creates a bridge-backed dialer for the given host:port.
// File pushes of multi-megabyte payloads over USB are slow, so the client
// timeout is generous.
func NewBridgeClient(addr string) *BridgeClient {
	return &BridgeClient{
		addr: addr,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Connect locates a connected device via the bridge. The bridge lists
// devices in connection order; like the underlying mux, we take the first.
func (b *BridgeClient) Connect(ctx context.Context) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url("/devices"), nil)
	if err != nil {
		return nil, activatorErrors.ConnectFailed(err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, activatorErrors.ConnectFailed(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, activatorErrors.ConnectFailed(fmt.Errorf("bridge returned %s", resp.Status))
	}

	var devices []struct {
		UDID string `json:"udid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		return nil, activatorErrors.ConnectFailed(fmt.Errorf("decode device list: %w", err))
	}
	if len(devices) == 0 {
		return nil, activatorErrors.ConnectFailed(fmt.Errorf("no device connected"))
	}

	return &bridgeConn{
		base:   b.url("/devices/" + url.PathEscape(devices[0].UDID)),
		client: b.client,
	}, nil
}

func (b *BridgeClient) url(path string) string {
	return "http://" + b.addr + path
}

// bridgeConn is a Conn pinned to one device UDID on the bridge.
// The bridge keeps the lockdown session alive server-side; the conn itself
// is stateless HTTP, so Close has nothing to release.
type bridgeConn struct {
	base   string
	client *http.Client
}

func (c *bridgeConn) Property(ctx context.Context, key string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/properties/"+url.PathEscape(key), nil)
	if err != nil {
		return "", activatorErrors.QueryFailed(key, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", activatorErrors.QueryFailed(key, err)
	}
	defer resp.Body.Close()

	// The device omitting a key is not an error: lockdown legitimately
	// leaves keys out in transient states.
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", activatorErrors.QueryFailed(key, fmt.Errorf("bridge returned %s", resp.Status))
	}

	var body struct {
		Value any `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", activatorErrors.QueryFailed(key, err)
	}
	if body.Value == nil {
		return "", nil
	}
	if s, ok := body.Value.(string); ok {
		return s, nil
	}
	// Booleans and numbers come back as JSON scalars; normalize to text
	// ("true", "9.3", ...) since lockdown property consumers compare strings.
	return fmt.Sprint(body.Value), nil
}

func (c *bridgeConn) PushFile(ctx context.Context, remotePath string, data []byte) error {
	u := c.base + "/files?path=" + url.QueryEscape(remotePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return activatorErrors.PushFailed(remotePath, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return activatorErrors.PushFailed(remotePath, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return activatorErrors.PushFailed(remotePath, fmt.Errorf("bridge returned %s", resp.Status))
	}
	return nil
}

func (c *bridgeConn) Restart(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/restart", nil)
	if err != nil {
		return activatorErrors.RestartFailed(err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return activatorErrors.RestartFailed(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return activatorErrors.RestartFailed(fmt.Errorf("bridge returned %s", resp.Status))
	}
	return nil
}

func (c *bridgeConn) QueryFlags(ctx context.Context, keys []string) (map[string]any, error) {
	payload, err := json.Marshal(map[string][]string{"keys": keys})
	if err != nil {
		return nil, activatorErrors.QueryFailed("gestalt", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/gestalt", bytes.NewReader(payload))
	if err != nil {
		return nil, activatorErrors.QueryFailed("gestalt", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, activatorErrors.QueryFailed("gestalt", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, activatorErrors.QueryFailed("gestalt", fmt.Errorf("bridge returned %s", resp.Status))
	}

	var body struct {
		Values map[string]any `json:"values"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, activatorErrors.QueryFailed("gestalt", err)
	}
	if body.Values == nil {
		body.Values = map[string]any{}
	}
	return body.Values, nil
}

func (c *bridgeConn) Close() error {
	return nil
}
