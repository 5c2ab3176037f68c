// Package gateway is the client for the capability gateway, the single
// egress point for third-party provider calls. The daemon never talks to
// provider APIs directly; it invokes named capabilities and the gateway
// holds the credentials.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fluxhq/flux/internal/common/logger"
)

// DefaultTimeout bounds a single capability invocation. Provider calls can
// be slow behind rate limiters, so this is deliberately generous.
const DefaultTimeout = 120 * time.Second

// Options configures a gateway client.
type Options struct {
	URL        string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client invokes capabilities through the gateway.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *logger.Logger
}

// New creates a gateway client. An empty URL yields a client whose calls
// all fail with an auth-category error, which lets the daemon run without a
// gateway configured.
func New(opts Options, log *logger.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(opts.URL, "/"),
		token:   opts.Token,
		http:    httpClient,
		logger:  log.WithFields(zap.String("component", "gateway")),
	}
}

// Configured reports whether a gateway URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

type invokeRequest struct {
	Action string `json:"action"`
	Args   any    `json:"args"`
}

type invokeResult struct {
	Content json.RawMessage `json:"content"`
	Details json.RawMessage `json:"details,omitempty"`
}

type invokeError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

type invokeResponse struct {
	OK     bool          `json:"ok"`
	Result *invokeResult `json:"result,omitempty"`
	Error  *invokeError  `json:"error,omitempty"`
}

// Invoke calls a capability action and unmarshals the result content into
// out. Failures come back as *CapabilityError.
func (c *Client) Invoke(ctx context.Context, action string, args, out any) error {
	provider, operation := splitAction(action)
	fail := func(category Category, retryable bool, message string) error {
		return &CapabilityError{
			Provider:  provider,
			Operation: operation,
			Category:  category,
			Message:   message,
			Retryable: retryable,
		}
	}

	if c.baseURL == "" {
		return fail(CategoryAuth, false, "gateway not configured")
	}

	body, err := json.Marshal(invokeRequest{Action: action, Args: args})
	if err != nil {
		return fmt.Errorf("failed to marshal %s args: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/invoke", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(CategoryUnknown, true, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(CategoryUnknown, true, fmt.Sprintf("read response: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		category, retryable := categoryForStatus(resp.StatusCode)
		c.logger.Warn("capability call rejected",
			zap.String("action", action),
			zap.Int("status", resp.StatusCode),
			zap.String("category", string(category)))
		return fail(category, retryable, fmt.Sprintf("http %d: %s", resp.StatusCode, bytes.TrimSpace(raw)))
	}

	var envelope invokeResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fail(CategoryUnknown, true, fmt.Sprintf("malformed response: %v", err))
	}
	if !envelope.OK {
		message := "capability failed"
		errType := ""
		if envelope.Error != nil {
			message = envelope.Error.Message
			errType = envelope.Error.Type
		}
		category, retryable := categoryForType(errType)
		return fail(category, retryable, message)
	}

	if out != nil && envelope.Result != nil && len(envelope.Result.Content) > 0 {
		if err := json.Unmarshal(envelope.Result.Content, out); err != nil {
			return fail(CategoryUnknown, true, fmt.Sprintf("unmarshal content: %v", err))
		}
	}
	return nil
}

func splitAction(action string) (provider, operation string) {
	parts := strings.SplitN(action, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return action, ""
}
