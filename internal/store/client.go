// Package store provides the typed client for the remote state store.
// The store is a black-box key/value + live-subscription service reached
// over HTTP; every call is a query or a mutation against a named endpoint.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fluxhq/flux/internal/common/logger"
	"github.com/fluxhq/flux/internal/telemetry/tracing"
)

// DefaultTimeout bounds a single store RPC.
const DefaultTimeout = 30 * time.Second

// Error is a failed store RPC.
type Error struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("store %s: http %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("store %s: %s", e.Endpoint, e.Message)
}

// Retryable reports whether the call may succeed on a later attempt.
func (e *Error) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Options configures a store client.
type Options struct {
	URL        string
	Token      string
	OrgID      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is a typed client for the remote state store.
type Client struct {
	baseURL string
	token   string
	orgID   string
	http    *http.Client
	logger  *logger.Logger
}

// New creates a store client. The URL is required.
func New(opts Options, log *logger.Logger) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("store URL is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: opts.URL,
		token:   opts.Token,
		orgID:   opts.OrgID,
		http:    httpClient,
		logger:  log.WithFields(zap.String("component", "store")),
	}, nil
}

// Query executes a read-only endpoint and unmarshals the value into out.
// Pass nil out to discard the value.
func (c *Client) Query(ctx context.Context, endpoint string, args, out any) error {
	return c.call(ctx, "query", endpoint, args, out)
}

// Mutation executes a state-changing endpoint and unmarshals the value into out.
func (c *Client) Mutation(ctx context.Context, endpoint string, args, out any) error {
	return c.call(ctx, "mutation", endpoint, args, out)
}

type rpcRequest struct {
	Path   string `json:"path"`
	Args   any    `json:"args"`
	Format string `json:"format"`
}

type rpcResponse struct {
	Status       string          `json:"status"`
	Value        json.RawMessage `json:"value"`
	ErrorMessage string          `json:"errorMessage"`
}

func (c *Client) call(ctx context.Context, kind, endpoint string, args, out any) error {
	ctx, span := tracing.TraceStoreCall(ctx, kind, endpoint)
	defer span.End()

	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(rpcRequest{Path: endpoint, Args: args, Format: "json"})
	if err != nil {
		return fmt.Errorf("failed to marshal %s args: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/"+kind, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.orgID != "" {
		req.Header.Set("X-Flux-Org-Id", c.orgID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		tracing.RecordResult(span, err)
		return fmt.Errorf("store %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("store %s: read response: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		storeErr := &Error{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(raw))}
		tracing.RecordResult(span, storeErr)
		return storeErr
	}

	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &Error{Endpoint: endpoint, Message: fmt.Sprintf("malformed response: %v", err)}
	}
	if envelope.Status != "success" {
		storeErr := &Error{Endpoint: endpoint, Message: envelope.ErrorMessage}
		tracing.RecordResult(span, storeErr)
		return storeErr
	}

	if out != nil && len(envelope.Value) > 0 && !bytes.Equal(envelope.Value, []byte("null")) {
		if err := json.Unmarshal(envelope.Value, out); err != nil {
			return &Error{Endpoint: endpoint, Message: fmt.Sprintf("unmarshal value: %v", err)}
		}
	}

	c.logger.Debug("store call completed",
		zap.String("kind", kind),
		zap.String("endpoint", endpoint))
	return nil
}
