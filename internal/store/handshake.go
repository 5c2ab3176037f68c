package store

import "context"

// HandshakeArgs announces this device to the store at startup.
type HandshakeArgs struct {
	DeviceID string `json:"deviceId"`
	Backend  string `json:"backend,omitempty"`
	Version  string `json:"version,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// PushInfo tells the runner whether push delivery is available and where.
type PushInfo struct {
	Enabled bool   `json:"enabled"`
	WSURL   string `json:"wsUrl,omitempty"`
}

// BatchHints carries server-suggested polling parameters.
type BatchHints struct {
	ListLimit      int   `json:"listLimit,omitempty"`
	PollIntervalMs int64 `json:"pollIntervalMs,omitempty"`
}

// HandshakeResult is the store's response to a runner handshake.
type HandshakeResult struct {
	Push  PushInfo   `json:"push"`
	Batch BatchHints `json:"batch"`
}

// RunnerHandshake registers the device and fetches push and polling hints.
func (c *Client) RunnerHandshake(ctx context.Context, args HandshakeArgs) (*HandshakeResult, error) {
	var result HandshakeResult
	if err := c.Mutation(ctx, "runner.handshake", args, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MintPushTicket issues a short-lived single-use ticket for the push
// websocket. Tickets expire quickly, so mint one per connection attempt.
func (c *Client) MintPushTicket(ctx context.Context, deviceID string) (string, error) {
	var result struct {
		Ticket string `json:"ticket"`
	}
	if err := c.Mutation(ctx, "push.mintTicket", map[string]any{"deviceId": deviceID}, &result); err != nil {
		return "", err
	}
	return result.Ticket, nil
}
