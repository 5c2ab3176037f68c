package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/internal/common/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Options{URL: server.URL, Token: "gw-token", Timeout: 5 * time.Second}, logger.Default())
}

func TestInvokeSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tools/invoke", r.URL.Path)
		assert.Equal(t, "Bearer gw-token", r.Header.Get("Authorization"))

		var req invokeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "github.issues.list", req.Action)

		_ = json.NewEncoder(w).Encode(invokeResponse{
			OK: true,
			Result: &invokeResult{
				Content: json.RawMessage(`[{"number":12,"title":"flaky test","state":"open"}]`),
			},
		})
	})

	issues, err := client.ListIssues(context.Background(), ListIssuesArgs{Owner: "fluxhq", Repo: "flux"})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, 12, issues[0].Number)
	assert.Equal(t, "flaky test", issues[0].Title)
}

func TestInvokeStatusCategories(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		category  Category
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, CategoryAuth, false},
		{"rate limited", http.StatusTooManyRequests, CategoryRateLimit, true},
		{"not found", http.StatusNotFound, CategoryNotFound, false},
		{"server error", http.StatusBadGateway, CategoryServerError, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})
			err := client.Invoke(context.Background(), "github.issues.list", nil, nil)
			capErr, ok := AsCapabilityError(err)
			require.True(t, ok, "expected CapabilityError, got %v", err)
			assert.Equal(t, "github", capErr.Provider)
			assert.Equal(t, "issues.list", capErr.Operation)
			assert.Equal(t, tc.category, capErr.Category)
			assert.Equal(t, tc.retryable, capErr.Retryable)
		})
	}
}

func TestInvokeErrorEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(invokeResponse{
			OK:    false,
			Error: &invokeError{Message: "secondary rate limit", Type: "rate_limit"},
		})
	})

	err := client.CreateIssueComment(context.Background(), "fluxhq", "flux", 5, "hello")
	capErr, ok := AsCapabilityError(err)
	require.True(t, ok)
	assert.Equal(t, CategoryRateLimit, capErr.Category)
	assert.True(t, capErr.Retryable)
	assert.Contains(t, capErr.Message, "secondary rate limit")
}

func TestInvokeMalformedResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json at all"))
	})

	err := client.Invoke(context.Background(), "github.issues.list", nil, nil)
	capErr, ok := AsCapabilityError(err)
	require.True(t, ok)
	assert.Equal(t, CategoryUnknown, capErr.Category)
	assert.True(t, capErr.Retryable)
}

func TestUnconfiguredGateway(t *testing.T) {
	client := New(Options{}, logger.Default())
	assert.False(t, client.Configured())

	err := client.Invoke(context.Background(), "github.issues.list", nil, nil)
	capErr, ok := AsCapabilityError(err)
	require.True(t, ok)
	assert.Equal(t, CategoryAuth, capErr.Category)
	assert.False(t, capErr.Retryable)
}

func TestCreateIssueCommentValidatesCoordinates(t *testing.T) {
	client := New(Options{URL: "http://localhost:1"}, logger.Default())
	err := client.CreateIssueComment(context.Background(), "", "flux", 1, "body")
	require.Error(t, err)
	_, ok := AsCapabilityError(err)
	assert.False(t, ok, "coordinate validation should not be a capability error")
}
