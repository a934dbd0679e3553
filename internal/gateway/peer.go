package gateway

import (
	"context"
	"time"

	"pulsecast/internal/media"
)

// ICEServer names one STUN or TURN server handed to the transport.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ConnectionConfig carries everything one CreateConnection needs.
type ConnectionConfig struct {
	// Endpoint is the publish URL the SDP offer is POSTed to.
	Endpoint string
	// BearerToken, when set, is sent as the Authorization header.
	BearerToken string
	ICEServers  []ICEServer
	// CodecPreferences reorders the offered video codecs by MIME type,
	// preferred first. Codecs absent from the list keep their relative
	// order after the listed ones. The track count never changes.
	CodecPreferences []string
	// GatherTimeout bounds ICE candidate gathering. Exceeding it is a hard
	// negotiation failure.
	GatherTimeout time.Duration
	// ConnectTimeout bounds the wait for the connection to reach connected
	// after the answer is applied.
	ConnectTimeout time.Duration
}

func (c *ConnectionConfig) applyDefaults() {
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
}

// Peer is the transport half of one publish connection. The production
// implementation wraps a pion peer connection; tests substitute fakes.
type Peer interface {
	// AttachTracks binds every track of the stream to the transport and
	// returns how many were attached.
	AttachTracks(stream *media.Stream) (int, error)
	// Negotiate creates the sendonly offer, sets it locally, and waits for
	// ICE gathering to complete within the configured timeout. It returns
	// the full local SDP.
	Negotiate(ctx context.Context) (string, error)
	// ApplyAnswer sets the remote answer SDP.
	ApplyAnswer(sdp string) error
	// Stats reports the transport's cumulative counters.
	Stats() (PeerStats, error)
	Close() error
}

// PeerFactory builds a transport for one connection attempt. onState is
// invoked from transport callbacks whenever the underlying connection state
// changes; the gateway serializes handling.
type PeerFactory func(cfg ConnectionConfig, onState func(ConnectionState)) (Peer, error)
