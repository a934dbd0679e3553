package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"pulsecast/internal/media"
)

// pionPeer wraps a pion peer connection behind the Peer interface.
type pionPeer struct {
	cfg ConnectionConfig
	pc  *webrtc.PeerConnection

	mu     sync.Mutex
	pumps  []chan struct{}
	closed bool
}

// NewPionPeer is the production PeerFactory.
func NewPionPeer(cfg ConnectionConfig, onState func(ConnectionState)) (Peer, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(engine))

	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, server := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	if onState != nil {
		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			if mapped, ok := mapPeerState(state); ok {
				onState(mapped)
			}
		})
	}
	return &pionPeer{cfg: cfg, pc: pc}, nil
}

// mapPeerState translates transport states into the gateway state machine.
// Intermediate ICE states are not surfaced.
func mapPeerState(state webrtc.PeerConnectionState) (ConnectionState, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		return StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return StateClosed, true
	default:
		return "", false
	}
}

func (p *pionPeer) AttachTracks(stream *media.Stream) (int, error) {
	attached := 0
	for _, track := range stream.Tracks() {
		sampleTrack, ok := track.(*media.SampleTrack)
		if !ok {
			continue
		}
		capability, err := codecCapability(sampleTrack.Kind())
		if err != nil {
			return attached, err
		}
		local, err := webrtc.NewTrackLocalStaticSample(capability, sampleTrack.ID(), "pulsecast")
		if err != nil {
			return attached, fmt.Errorf("track %s: %w", sampleTrack.ID(), err)
		}
		transceiver, err := p.pc.AddTransceiverFromTrack(local, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return attached, fmt.Errorf("add transceiver %s: %w", sampleTrack.ID(), err)
		}
		if sampleTrack.Kind() == media.TrackKindVideo && len(p.cfg.CodecPreferences) > 0 {
			if err := transceiver.SetCodecPreferences(orderedVideoCodecs(p.cfg.CodecPreferences)); err != nil {
				return attached, fmt.Errorf("codec preferences %s: %w", sampleTrack.ID(), err)
			}
		}
		p.startPump(local, sampleTrack)
		attached++
	}
	return attached, nil
}

// codecCapability picks the sample codec carried per kind: VP8 video and
// Opus audio, matching what the encoder produces.
func codecCapability(kind media.TrackKind) (webrtc.RTPCodecCapability, error) {
	switch kind {
	case media.TrackKindVideo:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	case media.TrackKindAudio:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("unsupported track kind %q", kind)
	}
}

// videoCodecParameters lists the video codecs that can be offered. Payload
// types follow the common WebRTC defaults.
var videoCodecParameters = []webrtc.RTPCodecParameters{
	{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, PayloadType: 96},
	{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}, PayloadType: 98},
	{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f"}, PayloadType: 102},
}

// orderedVideoCodecs reorders the known video codecs so listed preferences
// come first. Unknown preference entries are ignored; unlisted codecs keep
// their relative order after the preferred ones.
func orderedVideoCodecs(preferences []string) []webrtc.RTPCodecParameters {
	ordered := make([]webrtc.RTPCodecParameters, 0, len(videoCodecParameters))
	seen := make(map[webrtc.PayloadType]bool)
	for _, mime := range preferences {
		for _, params := range videoCodecParameters {
			if params.MimeType == mime && !seen[params.PayloadType] {
				ordered = append(ordered, params)
				seen[params.PayloadType] = true
			}
		}
	}
	for _, params := range videoCodecParameters {
		if !seen[params.PayloadType] {
			ordered = append(ordered, params)
		}
	}
	return ordered
}

// startPump forwards encoded samples from the track into the transport until
// the track closes or the peer is closed.
func (p *pionPeer) startPump(local *webrtc.TrackLocalStaticSample, source *media.SampleTrack) {
	stop := make(chan struct{})
	p.mu.Lock()
	p.pumps = append(p.pumps, stop)
	p.mu.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			case sample, ok := <-source.Samples():
				if !ok {
					return
				}
				if err := local.WriteSample(pionmedia.Sample{Data: sample.Data, Duration: sample.Duration}); err != nil {
					return
				}
			}
		}
	}()
}

func (p *pionPeer) Negotiate(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	timeout := p.cfg.GatherTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-gathered:
	case <-time.After(timeout):
		return "", fmt.Errorf("ice gathering: %w", ErrTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("%w: no local description after gathering", ErrNegotiationFailed)
	}
	return local.SDP, nil
}

func (p *pionPeer) ApplyAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *pionPeer) Stats() (PeerStats, error) {
	report := p.pc.GetStats()
	var stats PeerStats
	for _, entry := range report {
		switch typed := entry.(type) {
		case webrtc.TransportStats:
			stats.BytesSent += typed.BytesSent
			stats.BytesReceived += typed.BytesReceived
		case webrtc.ICECandidateStats:
			stats.ICECandidates++
		case webrtc.RemoteInboundRTPStreamStats:
			stats.PacketsLost += int64(typed.PacketsLost)
			if typed.RoundTripTime > 0 {
				stats.RTT = time.Duration(typed.RoundTripTime * float64(time.Second))
			}
		}
	}
	return stats, nil
}

func (p *pionPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pumps := p.pumps
	p.pumps = nil
	p.mu.Unlock()

	for _, stop := range pumps {
		close(stop)
	}
	return p.pc.Close()
}
