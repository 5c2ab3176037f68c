package store

import "context"

// IngestEventArgs records one external resource observation.
type IngestEventArgs struct {
	IntegrationID string `json:"integrationId"`
	ResourceType  string `json:"resourceType"`
	ResourceID    string `json:"resourceId"`
	Payload       string `json:"payload"`
	AutoRoute     bool   `json:"autoRoute"`
}

// IngestResult is the outcome of an ingest call. Created is false when the
// store already held an event for this resource.
type IngestResult struct {
	EventID string `json:"eventId"`
	Created bool   `json:"created"`
}

// IngestIntakeEvent writes an intake event, deduplicated by resource id.
func (c *Client) IngestIntakeEvent(ctx context.Context, args IngestEventArgs) (*IngestResult, error) {
	var result IngestResult
	if err := c.Mutation(ctx, "intake_events.ingest", args, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RouteAgentic routes an ingested event into a task and returns the task id.
// An empty id means the router chose not to create a task.
func (c *Client) RouteAgentic(ctx context.Context, eventID string) (string, error) {
	var result struct {
		TaskID string `json:"taskId"`
	}
	if err := c.Mutation(ctx, "intake_events.routeAgentic", map[string]any{"eventId": eventID}, &result); err != nil {
		return "", err
	}
	return result.TaskID, nil
}
