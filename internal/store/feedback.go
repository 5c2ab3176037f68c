package store

import (
	"context"
	"encoding/json"

	v1 "github.com/fluxhq/flux/pkg/api/v1"
)

// FeedbackEvent is a queued outbound notification about a task status
// transition. Delivery is at-least-once; consumers must tolerate replays.
type FeedbackEvent struct {
	ID            string          `json:"id"`
	IntegrationID string          `json:"integrationId"`
	TaskID        string          `json:"taskId,omitempty"`
	FromStatus    string          `json:"fromStatus,omitempty"`
	ToStatus      string          `json:"toStatus"`
	Output        string          `json:"output,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Attempts      int             `json:"attempts"`
}

// FeedbackPayload is the decoded payload of a feedback event.
type FeedbackPayload struct {
	ResourceID  string `json:"resourceId,omitempty"`
	IssueNumber int    `json:"issueNumber,omitempty"`
	Status      string `json:"status,omitempty"`
}

// DecodePayload parses the event payload. A missing payload decodes to the
// zero value.
func (e *FeedbackEvent) DecodePayload() (FeedbackPayload, error) {
	var payload FeedbackPayload
	if len(e.Payload) == 0 {
		return payload, nil
	}
	err := json.Unmarshal(e.Payload, &payload)
	return payload, err
}

// ListPendingFeedback returns up to limit oldest pending feedback events.
func (c *Client) ListPendingFeedback(ctx context.Context, limit int) ([]FeedbackEvent, error) {
	args := map[string]any{}
	if limit > 0 {
		args["limit"] = limit
	}
	var events []FeedbackEvent
	if err := c.Query(ctx, "integration_feedback.listPending", args, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// ProcessFeedbackByID marks an event sent and removes it from the pending
// queue.
func (c *Client) ProcessFeedbackByID(ctx context.Context, eventID string) error {
	return c.Mutation(ctx, "integration_feedback.processById", map[string]any{"eventId": eventID}, nil)
}

// MarkFeedbackDeliveryFailure records a failed delivery attempt. The store
// decides whether the event stays retryable or moves to the dead letter
// queue, and reports the resulting status.
func (c *Client) MarkFeedbackDeliveryFailure(ctx context.Context, eventID, message string) (v1.FeedbackStatus, error) {
	var result struct {
		Status v1.FeedbackStatus `json:"status"`
	}
	args := map[string]any{"eventId": eventID, "error": message}
	if err := c.Mutation(ctx, "integration_feedback.markDeliveryFailure", args, &result); err != nil {
		return "", err
	}
	return result.Status, nil
}
