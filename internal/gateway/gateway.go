// Package gateway negotiates and supervises the publish connection that
// carries the composited stream to the distribution endpoint. One gateway
// owns at most one connection; creating a new one always tears down the
// previous first.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"pulsecast/internal/media"
	"pulsecast/internal/observability/metrics"
)

// Config carries construction options for a Gateway.
type Config struct {
	// Factory builds the transport for each connection attempt. Defaults to
	// the pion implementation.
	Factory PeerFactory
	// Client performs the offer/answer exchange. Defaults to a client with
	// a 10 second timeout.
	Client   *http.Client
	Logger   *slog.Logger
	Recorder *metrics.Recorder
	// OnStateChange, when set, receives every connection state transition,
	// including asynchronous drops while publishing.
	OnStateChange func(ConnectionState)
}

// Gateway drives the publish connection state machine.
type Gateway struct {
	factory  PeerFactory
	client   *http.Client
	logger   *slog.Logger
	recorder *metrics.Recorder
	onState  func(ConnectionState)

	mu          sync.Mutex
	state       ConnectionState
	peer        Peer
	stream      *media.Stream
	cfg         ConnectionConfig
	resource    string
	metrics     *ConnectionMetrics
	connectedAt time.Time
	epoch       uint64
	connectedCh chan struct{}
	samplerStop chan struct{}
	samplerDone chan struct{}
}

// New constructs a Gateway in the new state.
func New(cfg Config) *Gateway {
	factory := cfg.Factory
	if factory == nil {
		factory = NewPionPeer
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Gateway{
		factory:  factory,
		client:   client,
		logger:   logger.With("component", "gateway"),
		recorder: recorder,
		onState:  cfg.OnStateChange,
		state:    StateNew,
	}
}

// State returns the current connection state.
func (g *Gateway) State() ConnectionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Metrics returns the latest quality snapshot, or nil when no connection is
// established.
func (g *Gateway) Metrics() *ConnectionMetrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.metrics == nil {
		return nil
	}
	snapshot := *g.metrics
	return &snapshot
}

// CreateConnection establishes the publish connection: teardown of any
// previous connection, transport allocation, track attachment, sendonly
// offer with bounded ICE gathering, offer POST, answer application, and a
// bounded wait for connected. Every failure path tears the attempt down
// completely before returning.
func (g *Gateway) CreateConnection(ctx context.Context, stream *media.Stream, cfg ConnectionConfig) error {
	if stream == nil {
		return fmt.Errorf("%w: stream is required", ErrNegotiationFailed)
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrNegotiationFailed)
	}
	cfg.applyDefaults()

	// Previous connection, if any, goes away first.
	g.CloseConnection()

	g.recorder.ObserveNegotiationAttempt()

	g.mu.Lock()
	g.epoch++
	epoch := g.epoch
	g.stream = stream
	g.cfg = cfg
	g.connectedCh = make(chan struct{})
	connectedCh := g.connectedCh
	g.setStateLocked(StateConnecting)
	g.mu.Unlock()

	peer, err := g.factory(cfg, func(state ConnectionState) {
		g.handlePeerState(epoch, state)
	})
	if err != nil {
		return g.failAttempt("transport", fmt.Errorf("allocate transport: %w", err))
	}

	g.mu.Lock()
	g.peer = peer
	g.mu.Unlock()

	if _, err := peer.AttachTracks(stream); err != nil {
		return g.failAttempt("attach", fmt.Errorf("attach tracks: %w", err))
	}

	offer, err := peer.Negotiate(ctx)
	if err != nil {
		return g.failAttempt("gather", err)
	}

	answer, resource, err := postOffer(ctx, g.client, cfg, offer)
	if err != nil {
		return g.failAttempt("publish", err)
	}
	g.mu.Lock()
	g.resource = resource
	g.mu.Unlock()

	if err := peer.ApplyAnswer(answer); err != nil {
		return g.failAttempt("answer", fmt.Errorf("apply answer: %w", err))
	}

	select {
	case <-connectedCh:
	case <-time.After(cfg.ConnectTimeout):
		return g.failAttempt("connect", fmt.Errorf("waiting for connected: %w", ErrTimeout))
	case <-ctx.Done():
		return g.failAttempt("connect", ctx.Err())
	}

	g.logger.Info("publish connection established", "endpoint", cfg.Endpoint)
	return nil
}

// failAttempt tears down a half-built connection and returns the error.
func (g *Gateway) failAttempt(reason string, err error) error {
	g.recorder.ObserveNegotiationFailure(reason)
	g.mu.Lock()
	if g.state == StateConnecting {
		g.setStateLocked(StateFailed)
	}
	g.mu.Unlock()
	g.teardown()
	g.logger.Warn("negotiation failed", "reason", reason, "error", err)
	return err
}

// handlePeerState serializes asynchronous transport state callbacks into the
// gateway state machine. Callbacks carrying a stale epoch belong to a torn
// down connection and are dropped.
func (g *Gateway) handlePeerState(epoch uint64, state ConnectionState) {
	g.mu.Lock()
	if epoch != g.epoch {
		g.mu.Unlock()
		return
	}
	if !canTransition(g.state, state) {
		g.mu.Unlock()
		return
	}
	previous := g.state
	g.setStateLocked(state)

	switch state {
	case StateConnected:
		g.connectedAt = time.Now()
		if g.connectedCh != nil {
			select {
			case <-g.connectedCh:
			default:
				close(g.connectedCh)
			}
		}
		g.startSamplerLocked()
		g.mu.Unlock()
	case StateDisconnected:
		g.stopSamplerLocked()
		g.mu.Unlock()
		g.logger.Warn("publish connection dropped", "previous", string(previous))
	case StateFailed:
		g.stopSamplerLocked()
		g.mu.Unlock()
		g.logger.Error("publish connection failed", "previous", string(previous))
		g.teardown()
	default:
		g.mu.Unlock()
	}
}

func (g *Gateway) setStateLocked(state ConnectionState) {
	g.state = state
	g.recorder.ObserveConnectionState(string(state))
	if g.onState != nil {
		// Delivered outside the lock so subscribers can call back in.
		callback := g.onState
		go callback(state)
	}
}

// startSamplerLocked launches the 1 Hz quality sampler. Caller holds g.mu.
func (g *Gateway) startSamplerLocked() {
	if g.samplerStop != nil || g.peer == nil {
		return
	}
	g.samplerStop = make(chan struct{})
	g.samplerDone = make(chan struct{})
	go g.sample(g.peer, g.connectedAt, g.samplerStop, g.samplerDone)
}

// stopSamplerLocked signals the sampler to stop. Caller holds g.mu; the
// sampler's exit is not awaited here to avoid deadlock with sample().
func (g *Gateway) stopSamplerLocked() {
	if g.samplerStop == nil {
		return
	}
	close(g.samplerStop)
	g.samplerStop = nil
}

// sample polls transport counters once per second, converting byte deltas to
// bitrates. Each snapshot replaces the previous one wholesale.
func (g *Gateway) sample(peer Peer, connectedAt time.Time, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var prev PeerStats
	var prevAt time.Time
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			stats, err := peer.Stats()
			if err != nil {
				g.logger.Debug("stats sample failed", "error", err)
				continue
			}
			snapshot := ConnectionMetrics{
				Elapsed:       now.Sub(connectedAt),
				ICECandidates: stats.ICECandidates,
				PacketLoss:    stats.PacketsLost,
				RTT:           stats.RTT,
				SampledAt:     now,
			}
			if !prevAt.IsZero() {
				seconds := now.Sub(prevAt).Seconds()
				if seconds > 0 {
					snapshot.SendBitrate = float64(stats.BytesSent-prev.BytesSent) * 8 / seconds
					snapshot.ReceiveBitrate = float64(stats.BytesReceived-prev.BytesReceived) * 8 / seconds
				}
			}
			prev = stats
			prevAt = now

			g.mu.Lock()
			if g.state == StateConnected {
				g.metrics = &snapshot
			}
			g.mu.Unlock()
			g.recorder.SetConnectionQuality(snapshot.SendBitrate, snapshot.ReceiveBitrate,
				float64(snapshot.RTT)/float64(time.Millisecond), snapshot.PacketLoss, snapshot.ICECandidates)
		}
	}
}

// teardown releases the transport and clears connection bookkeeping. Safe to
// call repeatedly.
func (g *Gateway) teardown() {
	g.mu.Lock()
	g.stopSamplerLocked()
	samplerDone := g.samplerDone
	g.samplerDone = nil
	peer := g.peer
	resource := g.resource
	token := g.cfg.BearerToken
	g.peer = nil
	g.stream = nil
	g.metrics = nil
	g.resource = ""
	g.epoch++
	g.mu.Unlock()

	if samplerDone != nil {
		<-samplerDone
	}
	if resource != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := deleteResource(ctx, g.client, resource, token); err != nil {
			g.logger.Debug("resource delete failed", "error", err)
		}
		cancel()
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			g.logger.Debug("transport close failed", "error", err)
		}
	}
}

// CloseConnection tears down the current connection. Idempotent; the state
// always ends closed with stream and metrics cleared.
func (g *Gateway) CloseConnection() {
	g.mu.Lock()
	alreadyClosed := g.state == StateClosed || g.state == StateNew
	if !alreadyClosed {
		g.setStateLocked(StateClosed)
	}
	g.mu.Unlock()

	g.teardown()
	if !alreadyClosed {
		g.logger.Info("publish connection closed")
	}
}
