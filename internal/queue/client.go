package queue

import (
	"context"

	"autoapply-backend/internal/shared/telemetry"
)

// Client publishes events to a queue backend.
type Client interface {
	Send(ctx context.Context, msg Message) error
}

// LogClient writes events to the structured log instead of a queue. It is used
// when no queue URL is configured.
type LogClient struct{}

func (LogClient) Send(ctx context.Context, msg Message) error {
	telemetry.Debug("queue.event", map[string]any{
		"type":       msg.Type,
		"session_id": msg.SessionID,
		"entry_id":   msg.EntryID,
		"status":     msg.Status,
	})
	return nil
}

var _ Client = LogClient{}
