package store

import (
	"context"
	"encoding/json"
)

// Stream is a workstream: a long-lived lane of related tasks with its own
// cadence configuration.
type Stream struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	// CadenceConfigJSON is a JSON-encoded list of cadence entries.
	CadenceConfigJSON string `json:"cadenceConfigJson,omitempty"`
}

// CadenceSchedule is a fixed-period schedule.
type CadenceSchedule struct {
	Every int    `json:"every"`
	Unit  string `json:"unit"`
}

// CadenceEntry is one scheduled playbook firing within a stream.
type CadenceEntry struct {
	Name         string          `json:"name"`
	PlaybookSlug string          `json:"playbookSlug"`
	Enabled      *bool           `json:"enabled,omitempty"`
	Schedule     CadenceSchedule `json:"schedule"`
}

// IsEnabled treats an absent enabled flag as on.
func (e *CadenceEntry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// CadenceEntries decodes the stream's cadence config. A missing config
// yields an empty slice.
func (s *Stream) CadenceEntries() ([]CadenceEntry, error) {
	if s.CadenceConfigJSON == "" {
		return nil, nil
	}
	var entries []CadenceEntry
	if err := json.Unmarshal([]byte(s.CadenceConfigJSON), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListStreams returns all streams visible to this device.
func (c *Client) ListStreams(ctx context.Context) ([]Stream, error) {
	var streams []Stream
	if err := c.Query(ctx, "streams.list", nil, &streams); err != nil {
		return nil, err
	}
	return streams, nil
}
