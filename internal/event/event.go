// Package event fans session lifecycle and connection state changes out to
// subscribers: the control API, metrics consumers, and external workers.
package event

import "time"

// Type enumerates the events flowing through the queue.
type Type string

const (
	// TypeSessionStatus reports a streaming session status change.
	TypeSessionStatus Type = "session.status"
	// TypePlatformStatus reports a per-destination status change.
	TypePlatformStatus Type = "platform.status"
	// TypeConnectionState reports a publish connection state transition,
	// including asynchronous drops.
	TypeConnectionState Type = "connection.state"
)

// Event is the wire representation placed on the queue. Exactly one of the
// payload pointers is set, matching Type.
type Event struct {
	Type       Type                  `json:"type"`
	SessionID  string                `json:"sessionId"`
	Session    *SessionStatusEvent   `json:"session,omitempty"`
	Platform   *PlatformStatusEvent  `json:"platform,omitempty"`
	Connection *ConnectionStateEvent `json:"connection,omitempty"`
	OccurredAt time.Time             `json:"occurredAt"`
}

// SessionStatusEvent carries the session's new status and, for error states,
// a human-readable message.
type SessionStatusEvent struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// PlatformStatusEvent describes one destination's status change.
type PlatformStatusEvent struct {
	Platform  string `json:"platform"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ConnectionStateEvent describes a publish connection transition.
type ConnectionStateEvent struct {
	State    string `json:"state"`
	Previous string `json:"previous,omitempty"`
}
