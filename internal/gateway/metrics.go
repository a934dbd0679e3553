package gateway

import "time"

// ConnectionMetrics is one point-in-time quality snapshot of a connected
// publish session. Snapshots replace each other wholesale; a newer sample is
// never merged into an older one.
type ConnectionMetrics struct {
	// Elapsed is the time since the connection reached connected.
	Elapsed time.Duration `json:"elapsed"`
	// ICECandidates counts candidates gathered for the connection.
	ICECandidates int `json:"iceCandidates"`
	// SendBitrate and ReceiveBitrate are bits per second derived from the
	// byte deltas between consecutive samples.
	SendBitrate    float64 `json:"sendBitrate"`
	ReceiveBitrate float64 `json:"receiveBitrate"`
	// PacketLoss is the cumulative packets lost reported by the remote.
	PacketLoss int64 `json:"packetLoss"`
	// RTT is the most recent round-trip time estimate.
	RTT time.Duration `json:"rtt"`
	// SampledAt records when the snapshot was taken.
	SampledAt time.Time `json:"sampledAt"`
}

// PeerStats is the raw counter set a transport reports; the gateway's
// sampler turns consecutive readings into ConnectionMetrics.
type PeerStats struct {
	BytesSent     uint64
	BytesReceived uint64
	ICECandidates int
	PacketsLost   int64
	RTT           time.Duration
}
