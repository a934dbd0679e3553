// Package orchestrator drives end-to-end streaming sessions: compositor
// setup, encoding, publish negotiation, and per-destination registration. It
// is the only writer of session state.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pulsecast/internal/archive"
	"pulsecast/internal/compositor"
	"pulsecast/internal/encode"
	"pulsecast/internal/event"
	"pulsecast/internal/gateway"
	"pulsecast/internal/media"
	"pulsecast/internal/models"
	"pulsecast/internal/observability/metrics"
)

var (
	// ErrSessionActive is returned when StartStreaming is called while a
	// session is already running.
	ErrSessionActive = errors.New("orchestrator: a session is already active")
	// ErrNoOutputStream is returned when the compositor produced no video
	// track to publish.
	ErrNoOutputStream = errors.New("orchestrator: compositor produced no output stream")
	// ErrNoPlatformsLive is returned when every destination registration
	// failed. The session is torn down; retries are caller-driven.
	ErrNoPlatformsLive = errors.New("orchestrator: no platform registration succeeded")
)

// Composer is the compositor surface the orchestrator drives.
type Composer interface {
	Initialize(width, height, frameRate int) (*media.Stream, error)
	SetComposition(comp *compositor.SceneComposition, transition *compositor.TransitionConfig) error
	RegisterRenderable(id string, element media.Renderable)
	Registry() *media.Registry
	Close()
}

// Publisher is the gateway surface the orchestrator drives.
type Publisher interface {
	CreateConnection(ctx context.Context, stream *media.Stream, cfg gateway.ConnectionConfig) error
	CloseConnection()
	State() gateway.ConnectionState
	Metrics() *gateway.ConnectionMetrics
}

// Config wires the orchestrator's collaborators. Compositor, Gateway,
// Encoder, and Registrar are required; queue and archive default to
// in-memory implementations.
type Config struct {
	Compositor Composer
	Gateway    Publisher
	Encoder    encode.VideoEncoder
	Registrar  PlatformRegistrar
	Queue      event.Queue
	Archive    archive.Repository
	Logger     *slog.Logger
	Recorder   *metrics.Recorder
	// GatherTimeout and ConnectTimeout fill in publish connection settings
	// when a start request leaves them zero.
	GatherTimeout  time.Duration
	ConnectTimeout time.Duration
}

// Orchestrator owns at most one active streaming session.
type Orchestrator struct {
	compositor Composer
	gateway    Publisher
	encoder    encode.VideoEncoder
	registrar  PlatformRegistrar
	queue      event.Queue
	archive    archive.Repository
	logger     *slog.Logger
	recorder   *metrics.Recorder

	gatherTimeout  time.Duration
	connectTimeout time.Duration

	mu     sync.Mutex
	active *models.StreamingSession
}

// New validates the wiring and returns an orchestrator with no active
// session.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Compositor == nil {
		return nil, fmt.Errorf("orchestrator: compositor is required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("orchestrator: gateway is required")
	}
	if cfg.Encoder == nil {
		return nil, fmt.Errorf("orchestrator: encoder is required")
	}
	if cfg.Registrar == nil {
		return nil, fmt.Errorf("orchestrator: registrar is required")
	}
	queue := cfg.Queue
	if queue == nil {
		queue = event.NewMemoryQueue(32)
	}
	repo := cfg.Archive
	if repo == nil {
		repo = archive.NewMemoryRepository()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Orchestrator{
		compositor: cfg.Compositor,
		gateway:    cfg.Gateway,
		encoder:    cfg.Encoder,
		registrar:  cfg.Registrar,
		queue:      queue,
		archive:    repo,
		logger:     logger.With("component", "orchestrator"),
		recorder:   recorder,

		gatherTimeout:  cfg.GatherTimeout,
		connectTimeout: cfg.ConnectTimeout,
	}, nil
}

// StartRequest describes one session: where to publish, what to render, and
// which destinations to register.
type StartRequest struct {
	Platforms   []PlatformConfig
	Composition *compositor.SceneComposition
	// Sources binds source ids referenced by the composition to drawable
	// elements. Registered before the first render tick.
	Sources    map[string]media.Renderable
	Connection gateway.ConnectionConfig
}

// StartStreaming runs the full session startup sequence. On success the
// returned session is live with at least one destination registered. Every
// fatal failure tears the partial session down before returning; the session
// record is archived either way.
func (o *Orchestrator) StartStreaming(ctx context.Context, req StartRequest) (models.StreamingSession, error) {
	if req.Composition == nil {
		return models.StreamingSession{}, fmt.Errorf("orchestrator: composition is required")
	}
	if len(req.Platforms) == 0 {
		return models.StreamingSession{}, fmt.Errorf("orchestrator: at least one platform is required")
	}

	id, err := newSessionID()
	if err != nil {
		return models.StreamingSession{}, err
	}
	session := &models.StreamingSession{
		ID:        id,
		Status:    models.SessionInitializing,
		CreatedAt: time.Now().UTC(),
		Platforms: make([]models.PlatformStream, 0, len(req.Platforms)),
	}
	for _, platform := range req.Platforms {
		session.Platforms = append(session.Platforms, models.PlatformStream{
			Platform:    platform.NormalizedName(),
			Status:      models.PlatformInitializing,
			BitrateKbps: platform.BitrateKbps,
		})
	}

	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return models.StreamingSession{}, ErrSessionActive
	}
	o.active = session
	o.mu.Unlock()

	o.recorder.SessionStarted()
	o.logger.Info("session starting", "session_id", id, "platforms", len(req.Platforms))
	o.announceSession(ctx, session)

	for sourceID, element := range req.Sources {
		o.compositor.RegisterRenderable(sourceID, element)
	}

	comp := req.Composition
	stream, err := o.compositor.Initialize(comp.Width, comp.Height, comp.FrameRate)
	if err != nil {
		return models.StreamingSession{}, o.failStart(ctx, session, fmt.Errorf("initialize compositor: %w", err))
	}
	if err := o.compositor.SetComposition(comp, nil); err != nil {
		return models.StreamingSession{}, o.failStart(ctx, session, fmt.Errorf("set composition: %w", err))
	}

	format := encode.Format{Width: comp.Width, Height: comp.Height, FrameRate: comp.FrameRate}
	publish, err := o.buildPublishStream(ctx, session.ID, stream, format)
	if err != nil {
		return models.StreamingSession{}, o.failStart(ctx, session, err)
	}

	connection := req.Connection
	if connection.GatherTimeout == 0 {
		connection.GatherTimeout = o.gatherTimeout
	}
	if connection.ConnectTimeout == 0 {
		connection.ConnectTimeout = o.connectTimeout
	}

	o.setSessionStatus(ctx, session, models.SessionConnecting, "")
	if err := o.gateway.CreateConnection(ctx, publish, connection); err != nil {
		return models.StreamingSession{}, o.failStart(ctx, session, fmt.Errorf("publish connection: %w", err))
	}

	started := time.Now().UTC()
	o.mu.Lock()
	session.StartedAt = &started
	o.mu.Unlock()

	live := o.registerPlatforms(ctx, session, req.Platforms)
	if live == 0 {
		return models.StreamingSession{}, o.failStart(ctx, session, ErrNoPlatformsLive)
	}

	o.setSessionStatus(ctx, session, models.SessionLive, "")
	o.persist(ctx, session)
	o.logger.Info("session live", "session_id", id, "platforms_live", live)
	return o.snapshot(session), nil
}

// buildPublishStream converts the compositor's raw output into the encoded
// stream the gateway publishes: every video track through the encoder at the
// composition's geometry, plus any audio the registered sources expose.
func (o *Orchestrator) buildPublishStream(ctx context.Context, sessionID string, stream *media.Stream, format encode.Format) (*media.Stream, error) {
	if stream == nil {
		return nil, ErrNoOutputStream
	}
	videoTracks := stream.VideoTracks()
	if len(videoTracks) == 0 {
		return nil, ErrNoOutputStream
	}

	publish := media.NewStream(sessionID)
	for _, track := range videoTracks {
		frameTrack, ok := track.(*media.FrameTrack)
		if !ok {
			continue
		}
		encoded, err := o.encoder.Encode(ctx, frameTrack, format)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", track.ID(), err)
		}
		publish.AddTrack(encoded)
	}
	if len(publish.VideoTracks()) == 0 {
		return nil, ErrNoOutputStream
	}

	for _, provider := range o.compositor.Registry().AudioProviders() {
		if audio := provider.AudioTrack(); audio != nil {
			publish.AddTrack(audio)
		}
	}
	return publish, nil
}

// registerPlatforms runs destination registrations concurrently. A failure
// marks only that destination; the count of live destinations is returned.
func (o *Orchestrator) registerPlatforms(ctx context.Context, session *models.StreamingSession, platforms []PlatformConfig) int {
	var group errgroup.Group
	for _, platform := range platforms {
		platform := platform
		group.Go(func() error {
			name := platform.NormalizedName()
			err := o.registrar.StartPlatform(ctx, platform)
			now := time.Now().UTC()

			o.mu.Lock()
			for i := range session.Platforms {
				if session.Platforms[i].Platform != name {
					continue
				}
				if err != nil {
					session.Platforms[i].Status = models.PlatformError
					session.Platforms[i].Message = err.Error()
					session.Platforms[i].Retryable = true
				} else {
					session.Platforms[i].Status = models.PlatformLive
					session.Platforms[i].StartedAt = &now
				}
				o.announcePlatform(ctx, session.ID, session.Platforms[i])
				break
			}
			o.mu.Unlock()

			if err != nil {
				o.logger.Warn("platform registration failed", "session_id", session.ID, "platform", name, "error", err)
				o.recorder.SetPlatformStatus(name, string(models.PlatformError))
			} else {
				o.recorder.SetPlatformStatus(name, string(models.PlatformLive))
			}
			return nil
		})
	}
	_ = group.Wait()

	live := 0
	o.mu.Lock()
	for _, platform := range session.Platforms {
		if platform.Status == models.PlatformLive {
			live++
		}
	}
	o.mu.Unlock()
	return live
}

// failStart marks the session failed, tears the partial setup down, and
// returns the original error.
func (o *Orchestrator) failStart(ctx context.Context, session *models.StreamingSession, err error) error {
	o.logger.Error("session start failed", "session_id", session.ID, "error", err)
	o.recorder.SessionFailed()
	o.setSessionStatus(ctx, session, models.SessionError, err.Error())
	o.stopSession(ctx, session)
	return err
}

// StopStreaming winds the active session down: gateway disconnect,
// best-effort destination stops, compositor shutdown, then finalization.
// Idempotent; a stop with no active session is a no-op.
func (o *Orchestrator) StopStreaming(ctx context.Context) error {
	o.mu.Lock()
	session := o.active
	o.mu.Unlock()
	if session == nil {
		return nil
	}

	o.mu.Lock()
	failed := session.Status == models.SessionError
	if !failed {
		session.Status = models.SessionStopping
	}
	o.mu.Unlock()
	if !failed {
		o.announceSession(ctx, session)
	}

	o.stopSession(ctx, session)
	return nil
}

// stopSession is the shared teardown path for StopStreaming and failed
// starts. Safe against concurrent invocation; the first caller finalizes.
func (o *Orchestrator) stopSession(ctx context.Context, session *models.StreamingSession) {
	o.mu.Lock()
	if o.active != session {
		o.mu.Unlock()
		return
	}
	o.active = nil
	if quality := o.gateway.Metrics(); quality != nil {
		session.Metrics = &models.SessionMetrics{
			SendBitrate:    quality.SendBitrate,
			ReceiveBitrate: quality.ReceiveBitrate,
			PacketLoss:     quality.PacketLoss,
			RTT:            quality.RTT,
			ICECandidates:  quality.ICECandidates,
			SampledAt:      quality.SampledAt,
		}
	}
	platforms := make([]models.PlatformStream, len(session.Platforms))
	copy(platforms, session.Platforms)
	o.mu.Unlock()

	o.gateway.CloseConnection()

	for _, platform := range platforms {
		if platform.Status != models.PlatformLive {
			o.recorder.ClearPlatformStatus(platform.Platform)
			continue
		}
		status := models.PlatformStopped
		message := ""
		if err := o.registrar.StopPlatform(ctx, platform.Platform); err != nil {
			o.logger.Warn("platform stop failed", "session_id", session.ID, "platform", platform.Platform, "error", err)
			status = models.PlatformError
			message = err.Error()
		}
		o.mu.Lock()
		for i := range session.Platforms {
			if session.Platforms[i].Platform == platform.Platform {
				session.Platforms[i].Status = status
				if message != "" {
					session.Platforms[i].Message = message
				}
				o.announcePlatform(ctx, session.ID, session.Platforms[i])
				break
			}
		}
		o.mu.Unlock()
		o.recorder.ClearPlatformStatus(platform.Platform)
	}

	o.compositor.Close()

	o.mu.Lock()
	ended := time.Now().UTC()
	if session.StartedAt != nil && ended.Before(*session.StartedAt) {
		ended = *session.StartedAt
	}
	session.EndedAt = &ended
	if session.Status != models.SessionError {
		session.Status = models.SessionStopped
	}
	o.mu.Unlock()

	o.recorder.SessionStopped()
	o.announceSession(ctx, session)
	o.persist(ctx, session)
	o.logger.Info("session finished", "session_id", session.ID, "status", string(session.Status))
}

// SetComposition switches the scene of the active session, optionally
// through a transition.
func (o *Orchestrator) SetComposition(comp *compositor.SceneComposition, transition *compositor.TransitionConfig) error {
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()
	if active == nil {
		return fmt.Errorf("orchestrator: no active session")
	}
	return o.compositor.SetComposition(comp, transition)
}

// RegisterSource binds a renderable element to a source id so compositions
// can reference it. A nil element removes the binding.
func (o *Orchestrator) RegisterSource(id string, element media.Renderable) {
	o.compositor.RegisterRenderable(id, element)
}

// HandleConnectionState receives gateway state transitions. A drop out of
// connected while the session is live is fatal: the session is marked failed
// and wound down. Callers retry with a fresh StartStreaming.
func (o *Orchestrator) HandleConnectionState(state gateway.ConnectionState) {
	ctx := context.Background()

	o.mu.Lock()
	session := o.active
	var sessionID string
	if session != nil {
		sessionID = session.ID
	}
	o.mu.Unlock()

	o.publish(ctx, event.Event{
		Type:       event.TypeConnectionState,
		SessionID:  sessionID,
		Connection: &event.ConnectionStateEvent{State: string(state)},
		OccurredAt: time.Now().UTC(),
	})

	if session == nil {
		return
	}
	if state != gateway.StateDisconnected && state != gateway.StateFailed {
		return
	}

	o.mu.Lock()
	fatal := session.Status == models.SessionLive
	if fatal {
		session.Status = models.SessionError
		session.Message = fmt.Sprintf("publish connection %s", state)
	}
	o.mu.Unlock()
	if !fatal {
		return
	}

	o.logger.Error("publish connection lost while live", "session_id", session.ID, "state", string(state))
	o.recorder.SessionFailed()
	o.announceSession(ctx, session)
	o.stopSession(ctx, session)
}

// Archive exposes the session record store for read paths like the control
// API.
func (o *Orchestrator) Archive() archive.Repository {
	return o.archive
}

// Session returns a copy of the active session, with the latest connection
// quality snapshot attached, or false when none is running.
func (o *Orchestrator) Session() (models.StreamingSession, bool) {
	o.mu.Lock()
	session := o.active
	o.mu.Unlock()
	if session == nil {
		return models.StreamingSession{}, false
	}
	snapshot := o.snapshot(session)
	if quality := o.gateway.Metrics(); quality != nil {
		snapshot.Metrics = &models.SessionMetrics{
			SendBitrate:    quality.SendBitrate,
			ReceiveBitrate: quality.ReceiveBitrate,
			PacketLoss:     quality.PacketLoss,
			RTT:            quality.RTT,
			ICECandidates:  quality.ICECandidates,
			SampledAt:      quality.SampledAt,
		}
	}
	return snapshot, true
}

func (o *Orchestrator) snapshot(session *models.StreamingSession) models.StreamingSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return session.Clone()
}

func (o *Orchestrator) setSessionStatus(ctx context.Context, session *models.StreamingSession, status models.SessionStatus, message string) {
	o.mu.Lock()
	session.Status = status
	if message != "" {
		session.Message = message
	}
	o.mu.Unlock()
	o.announceSession(ctx, session)
}

func (o *Orchestrator) announceSession(ctx context.Context, session *models.StreamingSession) {
	o.mu.Lock()
	payload := &event.SessionStatusEvent{Status: string(session.Status), Message: session.Message}
	id := session.ID
	o.mu.Unlock()
	o.publish(ctx, event.Event{
		Type:       event.TypeSessionStatus,
		SessionID:  id,
		Session:    payload,
		OccurredAt: time.Now().UTC(),
	})
}

// announcePlatform publishes a destination status change. Caller holds o.mu.
func (o *Orchestrator) announcePlatform(ctx context.Context, sessionID string, platform models.PlatformStream) {
	o.publish(ctx, event.Event{
		Type:      event.TypePlatformStatus,
		SessionID: sessionID,
		Platform: &event.PlatformStatusEvent{
			Platform:  platform.Platform,
			Status:    string(platform.Status),
			Message:   platform.Message,
			Retryable: platform.Retryable,
		},
		OccurredAt: time.Now().UTC(),
	})
}

func (o *Orchestrator) publish(ctx context.Context, evt event.Event) {
	if err := o.queue.Publish(ctx, evt); err != nil {
		o.logger.Debug("event publish failed", "type", string(evt.Type), "error", err)
	}
}

func (o *Orchestrator) persist(ctx context.Context, session *models.StreamingSession) {
	record := o.snapshot(session)
	if err := o.archive.Save(ctx, record); err != nil {
		o.logger.Warn("session archive save failed", "session_id", record.ID, "error", err)
	}
}

func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("orchestrator: generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
