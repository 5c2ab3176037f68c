package backend

import (
	"context"
	"fmt"

	"github.com/fluxhq/flux/internal/gateway"
	"github.com/fluxhq/flux/internal/telemetry/tracing"
)

// GatewayBackend executes prompts remotely through the capability gateway
// instead of spawning a local CLI. Used when direct CLI execution is
// disabled on this host.
type GatewayBackend struct {
	client *gateway.Client
}

// NewGateway wraps a gateway client as an execution backend.
func NewGateway(client *gateway.Client) *GatewayBackend {
	return &GatewayBackend{client: client}
}

// Name returns the canonical backend name.
func (b *GatewayBackend) Name() string {
	return NameGateway
}

type gatewayRunResult struct {
	Output     string  `json:"output"`
	SessionID  string  `json:"sessionId,omitempty"`
	TokensUsed int64   `json:"tokensUsed,omitempty"`
	CostUSD    float64 `json:"costUsd,omitempty"`
}

// Run invokes the agent.run capability and adapts its result.
func (b *GatewayBackend) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracing.TraceBackendRun(ctx, NameGateway)
	defer span.End()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := map[string]any{
		"taskId": req.TaskID,
		"prompt": req.Prompt,
	}
	if req.Model != "" {
		args["model"] = req.Model
	}
	if len(req.AllowedTools) > 0 {
		args["allowedTools"] = req.AllowedTools
	}

	var remote gatewayRunResult
	if err := b.client.Invoke(ctx, "agent.run", args, &remote); err != nil {
		tracing.RecordResult(span, err)
		if ctx.Err() == context.Canceled {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("gateway execution failed: %w", err)
	}

	output, meta := ParseAgentOutput(remote.Output)
	res := &Result{
		Output:     output,
		RawOutput:  remote.Output,
		SessionID:  remote.SessionID,
		TokensUsed: remote.TokensUsed,
		CostUSD:    remote.CostUSD,
	}
	if res.SessionID == "" {
		res.SessionID = meta.SessionID
	}
	if res.TokensUsed == 0 {
		res.TokensUsed = meta.TokensUsed
	}
	if res.CostUSD == 0 {
		res.CostUSD = meta.CostUSD
	}
	return res, nil
}
