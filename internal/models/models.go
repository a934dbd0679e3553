// Package models holds the domain records shared by the orchestrator, the
// session archive, and the control API.
package models

import (
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a streaming session. The
// orchestrator is the only writer.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionConnecting   SessionStatus = "connecting"
	SessionLive         SessionStatus = "live"
	SessionError        SessionStatus = "error"
	SessionStopping     SessionStatus = "stopping"
	SessionStopped      SessionStatus = "stopped"
)

// PlatformStatus is the lifecycle state of one destination within a session.
type PlatformStatus string

const (
	PlatformInitializing PlatformStatus = "initializing"
	PlatformLive         PlatformStatus = "live"
	PlatformError        PlatformStatus = "error"
	PlatformStopped      PlatformStatus = "stopped"
)

// StreamingSession is one end-to-end publish run: composition, publish
// connection, and the set of destinations it was fanned out to.
type StreamingSession struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	// Message carries the failure description when Status is error.
	Message   string           `json:"message,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	StartedAt *time.Time       `json:"startedAt,omitempty"`
	EndedAt   *time.Time       `json:"endedAt,omitempty"`
	Platforms []PlatformStream `json:"platforms"`
	Metrics   *SessionMetrics  `json:"metrics,omitempty"`
}

// Duration returns the session's wall-clock length: zero before start,
// running time while live, final span once ended. Never negative.
func (s StreamingSession) Duration() time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if d := end.Sub(*s.StartedAt); d > 0 {
		return d
	}
	return 0
}

// Platform looks up a destination entry by platform name, ignoring case.
func (s StreamingSession) Platform(name string) (PlatformStream, bool) {
	for _, platform := range s.Platforms {
		if strings.EqualFold(platform.Platform, name) {
			return platform, true
		}
	}
	return PlatformStream{}, false
}

// PlatformStream tracks one destination's independent lifecycle within a
// session.
type PlatformStream struct {
	Platform  string         `json:"platform"`
	Status    PlatformStatus `json:"status"`
	StartedAt *time.Time     `json:"startedAt,omitempty"`
	// BitrateKbps is the configured outbound bitrate for this destination.
	BitrateKbps int `json:"bitrateKbps,omitempty"`
	// Retryable marks failures worth retrying on a later StartStreaming.
	Retryable bool   `json:"retryable,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SessionMetrics is the last connection quality snapshot attached to a
// session record.
type SessionMetrics struct {
	SendBitrate    float64       `json:"sendBitrate"`
	ReceiveBitrate float64       `json:"receiveBitrate"`
	PacketLoss     int64         `json:"packetLoss"`
	RTT            time.Duration `json:"rtt"`
	ICECandidates  int           `json:"iceCandidates"`
	SampledAt      time.Time     `json:"sampledAt"`
}

// Clone returns a deep copy of the session so callers can hand records out
// without exposing orchestrator-owned state.
func (s StreamingSession) Clone() StreamingSession {
	out := s
	if s.StartedAt != nil {
		started := *s.StartedAt
		out.StartedAt = &started
	}
	if s.EndedAt != nil {
		ended := *s.EndedAt
		out.EndedAt = &ended
	}
	out.Platforms = make([]PlatformStream, len(s.Platforms))
	copy(out.Platforms, s.Platforms)
	for i := range out.Platforms {
		if src := s.Platforms[i].StartedAt; src != nil {
			started := *src
			out.Platforms[i].StartedAt = &started
		}
	}
	if s.Metrics != nil {
		metrics := *s.Metrics
		out.Metrics = &metrics
	}
	return out
}
