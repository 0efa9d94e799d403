package vaultrpc

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is a connection-per-call client for the vault RPC socket. Callers
// inside the broker process (D, E, G) use this instead of talking to
// pkg/vault directly so the socket stays the single perimeter.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient builds a Client dialing socketPath for every call, bounded by
// timeout per call.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

func (c *Client) call(req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return Response{}, fmt.Errorf("vaultrpc: dial: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return Response{}, err
	}
	if err := writeJSON(conn, req); err != nil {
		return Response{}, err
	}

	var resp Response
	if err := readJSON(conn, &resp); err != nil {
		return Response{}, fmt.Errorf("vaultrpc: read response: %w", err)
	}
	if !resp.OK {
		return Response{}, fmt.Errorf("vaultrpc: %s", resp.Error)
	}
	return resp, nil
}

// Ping reports whether the vault is reachable and usable.
func (c *Client) Ping() error {
	_, err := c.call(Request{Verb: "ping"})
	return err
}

// Get retrieves the raw entry JSON for (protocol, target).
func (c *Client) Get(protocol, target string) (json.RawMessage, error) {
	resp, err := c.call(Request{Verb: "get", Protocol: protocol, Target: target})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetToken resolves the current OAuth access token for target.
func (c *Client) GetToken(target string) (string, error) {
	resp, err := c.call(Request{Verb: "get-token", Target: target})
	if err != nil {
		return "", err
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return "", err
	}
	return out.AccessToken, nil
}

// GetSecret resolves an opaque secret blob by name.
func (c *Client) GetSecret(name string) (string, error) {
	resp, err := c.call(Request{Verb: "get-secret", Name: name})
	if err != nil {
		return "", err
	}
	var out struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

// List retrieves metadata entries, optionally filtered by protocol.
func (c *Client) List(protocol string) (json.RawMessage, error) {
	resp, err := c.call(Request{Verb: "list", Protocol: protocol})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Store upserts a credential entry.
func (c *Client) Store(protocol, target string, credential any, label string, allowedPaths []string, rateLimitPerMinute int) error {
	_, err := c.call(Request{
		Verb:               "store",
		Protocol:           protocol,
		Target:             target,
		Credential:         credential,
		Label:              label,
		AllowedPaths:       allowedPaths,
		RateLimitPerMinute: rateLimitPerMinute,
	})
	return err
}

// Delete removes the entry for (protocol, target).
func (c *Client) Delete(protocol, target string) error {
	_, err := c.call(Request{Verb: "delete", Protocol: protocol, Target: target})
	return err
}

// Rotate marks the entry at (protocol, target) as freshly rotated,
// surfaced to operators via vaultctl rotate.
func (c *Client) Rotate(protocol, target string) error {
	_, err := c.call(Request{Verb: "rotate", Protocol: protocol, Target: target})
	return err
}

// Expire marks the entry at (protocol, target) as expired, used when an
// OAuth refresh attempt fails so the vault's record reflects that the
// fallback token in circulation is stale.
func (c *Client) Expire(protocol, target string) error {
	_, err := c.call(Request{Verb: "expire", Protocol: protocol, Target: target})
	return err
}
