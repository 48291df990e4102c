package queue

import (
	"encoding/json"
	"time"
)

const (
	TypeApplicationOutcome = "application.outcome"
	TypeSessionTransition  = "session.transition"

	messageVersion = 1
)

// Message is the payload sent to downstream queue consumers.
type Message struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId"`
	UserID        string `json:"userId,omitempty"`
	EntryID       string `json:"entryId,omitempty"`
	Platform      string `json:"platform,omitempty"`
	ExternalJobID string `json:"externalJobId,omitempty"`
	Status        string `json:"status"`
	PreviousState string `json:"previousStatus,omitempty"`
	Reason        string `json:"reason,omitempty"`
	OccurredAt    string `json:"occurredAt"`
	Version       int    `json:"version"`
}

// OutcomeMessage describes a committed ledger outcome.
func OutcomeMessage(sessionID, userID, entryID, platform, externalJobID, status, reason string, at time.Time) Message {
	return Message{
		Type:          TypeApplicationOutcome,
		SessionID:     sessionID,
		UserID:        userID,
		EntryID:       entryID,
		Platform:      platform,
		ExternalJobID: externalJobID,
		Status:        status,
		Reason:        reason,
		OccurredAt:    at.UTC().Format(time.RFC3339),
		Version:       messageVersion,
	}
}

// TransitionMessage describes a session status change.
func TransitionMessage(sessionID, userID, from, to, reason string, at time.Time) Message {
	return Message{
		Type:          TypeSessionTransition,
		SessionID:     sessionID,
		UserID:        userID,
		Status:        to,
		PreviousState: from,
		Reason:        reason,
		OccurredAt:    at.UTC().Format(time.RFC3339),
		Version:       messageVersion,
	}
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
