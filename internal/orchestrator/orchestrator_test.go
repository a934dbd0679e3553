package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"pulsecast/internal/compositor"
	"pulsecast/internal/encode"
	"pulsecast/internal/event"
	"pulsecast/internal/gateway"
	"pulsecast/internal/media"
	"pulsecast/internal/models"
)

type fakeComposer struct {
	mu          sync.Mutex
	registry    *media.Registry
	stream      *media.Stream
	initErr     error
	setErr      error
	noVideo     bool
	initialized bool
	closes      int
	lastComp    *compositor.SceneComposition
}

func newFakeComposer() *fakeComposer {
	return &fakeComposer{registry: media.NewRegistry()}
}

func (f *fakeComposer) Initialize(width, height, frameRate int) (*media.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	f.initialized = true
	f.stream = media.NewStream("composite")
	if !f.noVideo {
		f.stream.AddTrack(media.NewFrameTrack("video-0", media.TrackKindVideo, 4))
	}
	return f.stream, nil
}

func (f *fakeComposer) SetComposition(comp *compositor.SceneComposition, transition *compositor.TransitionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.lastComp = comp
	return nil
}

func (f *fakeComposer) RegisterRenderable(id string, element media.Renderable) {
	f.registry.Register(id, element)
}

func (f *fakeComposer) Registry() *media.Registry { return f.registry }

func (f *fakeComposer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

type fakePublisher struct {
	mu         sync.Mutex
	connectErr error
	connects   int
	closes     int
	stream     *media.Stream
	quality    *gateway.ConnectionMetrics
}

func (f *fakePublisher) CreateConnection(ctx context.Context, stream *media.Stream, cfg gateway.ConnectionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.stream = stream
	return nil
}

func (f *fakePublisher) CloseConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakePublisher) State() gateway.ConnectionState { return gateway.StateConnected }

func (f *fakePublisher) Metrics() *gateway.ConnectionMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quality
}

type fakeEncoder struct {
	mu      sync.Mutex
	err     error
	encoded []string
	formats []encode.Format
}

func (f *fakeEncoder) Encode(ctx context.Context, source *media.FrameTrack, format encode.Format) (*media.SampleTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.encoded = append(f.encoded, source.ID())
	f.formats = append(f.formats, format)
	return media.NewSampleTrack(source.ID()+"-vp8", media.TrackKindVideo, 4), nil
}

func (f *fakeEncoder) Close() error { return nil }

type fakeRegistrar struct {
	mu       sync.Mutex
	startErr map[string]error
	stopErr  map[string]error
	started  []string
	stopped  []string
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{startErr: map[string]error{}, stopErr: map[string]error{}}
}

func (f *fakeRegistrar) StartPlatform(ctx context.Context, platform PlatformConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := platform.NormalizedName()
	if err := f.startErr[name]; err != nil {
		return err
	}
	f.started = append(f.started, name)
	return nil
}

func (f *fakeRegistrar) StopPlatform(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stopErr[name]; err != nil {
		return err
	}
	f.stopped = append(f.stopped, name)
	return nil
}

type harness struct {
	orch      *Orchestrator
	composer  *fakeComposer
	publisher *fakePublisher
	encoder   *fakeEncoder
	registrar *fakeRegistrar
	queue     event.Queue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	composer := newFakeComposer()
	publisher := &fakePublisher{}
	encoder := &fakeEncoder{}
	registrar := newFakeRegistrar()
	queue := event.NewMemoryQueue(64)
	orch, err := New(Config{
		Compositor: composer,
		Gateway:    publisher,
		Encoder:    encoder,
		Registrar:  registrar,
		Queue:      queue,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return &harness{orch: orch, composer: composer, publisher: publisher, encoder: encoder, registrar: registrar, queue: queue}
}

func basicRequest(platforms ...string) StartRequest {
	req := StartRequest{
		Composition: &compositor.SceneComposition{Name: "main", Width: 16, Height: 16, FrameRate: 30},
	}
	for _, name := range platforms {
		req.Platforms = append(req.Platforms, PlatformConfig{Name: name, IngestURL: "rtmp://" + name, StreamKey: "key"})
	}
	return req
}

func TestStartStreamingHappyPath(t *testing.T) {
	h := newHarness(t)
	session, err := h.orch.StartStreaming(context.Background(), basicRequest("twitch", "youtube"))
	if err != nil {
		t.Fatalf("StartStreaming returned error: %v", err)
	}
	if session.Status != models.SessionLive {
		t.Fatalf("expected live session, got %s", session.Status)
	}
	if session.ID == "" || len(session.ID) != 32 {
		t.Fatalf("expected 32-char hex session id, got %q", session.ID)
	}
	if session.StartedAt == nil {
		t.Fatalf("expected StartedAt to be set")
	}
	for _, platform := range session.Platforms {
		if platform.Status != models.PlatformLive {
			t.Fatalf("platform %s not live: %s", platform.Platform, platform.Status)
		}
	}
	if h.publisher.connects != 1 {
		t.Fatalf("expected one connection attempt, got %d", h.publisher.connects)
	}
	if got := len(h.encoder.encoded); got != 1 {
		t.Fatalf("expected one encoded track, got %d", got)
	}
	if h.publisher.stream == nil || len(h.publisher.stream.VideoTracks()) != 1 {
		t.Fatalf("expected published stream with one video track")
	}
}

func TestStartStreamingEncodesAtCompositionGeometry(t *testing.T) {
	h := newHarness(t)
	req := basicRequest("twitch")
	req.Composition = &compositor.SceneComposition{Name: "wide", Width: 1920, Height: 1080, FrameRate: 60}

	if _, err := h.orch.StartStreaming(context.Background(), req); err != nil {
		t.Fatalf("StartStreaming returned error: %v", err)
	}
	if got := len(h.encoder.formats); got != 1 {
		t.Fatalf("expected one encode, got %d", got)
	}
	want := encode.Format{Width: 1920, Height: 1080, FrameRate: 60}
	if h.encoder.formats[0] != want {
		t.Fatalf("expected encode format %+v, got %+v", want, h.encoder.formats[0])
	}
}

func TestRegisterSourceBindsAndRemoves(t *testing.T) {
	h := newHarness(t)
	element := media.NewStillImage(image.NewNRGBA(image.Rect(0, 0, 4, 4)))

	h.orch.RegisterSource("logo", element)
	if _, ok := h.composer.Registry().Resolve("logo"); !ok {
		t.Fatal("expected source bound in compositor registry")
	}

	h.orch.RegisterSource("logo", nil)
	if _, ok := h.composer.Registry().Resolve("logo"); ok {
		t.Fatal("expected source binding removed")
	}
}

func TestStartStreamingRejectsSecondSession(t *testing.T) {
	h := newHarness(t)
	if _, err := h.orch.StartStreaming(context.Background(), basicRequest("twitch")); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if _, err := h.orch.StartStreaming(context.Background(), basicRequest("twitch")); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestStartStreamingPartialPlatformFailure(t *testing.T) {
	h := newHarness(t)
	h.registrar.startErr["twitch"] = fmt.Errorf("ingest rejected key")

	session, err := h.orch.StartStreaming(context.Background(), basicRequest("twitch", "youtube"))
	if err != nil {
		t.Fatalf("StartStreaming returned error: %v", err)
	}
	if session.Status != models.SessionLive {
		t.Fatalf("expected live session, got %s", session.Status)
	}
	twitch, ok := session.Platform("twitch")
	if !ok || twitch.Status != models.PlatformError {
		t.Fatalf("expected twitch in error state, got %+v", twitch)
	}
	if !twitch.Retryable {
		t.Fatalf("expected failed registration to be retryable")
	}
	youtube, ok := session.Platform("youtube")
	if !ok || youtube.Status != models.PlatformLive {
		t.Fatalf("expected youtube live, got %+v", youtube)
	}
}

func TestStartStreamingAllPlatformsFailTearsDown(t *testing.T) {
	h := newHarness(t)
	h.registrar.startErr["twitch"] = fmt.Errorf("down")
	h.registrar.startErr["youtube"] = fmt.Errorf("down")

	_, err := h.orch.StartStreaming(context.Background(), basicRequest("twitch", "youtube"))
	if !errors.Is(err, ErrNoPlatformsLive) {
		t.Fatalf("expected ErrNoPlatformsLive, got %v", err)
	}
	if h.publisher.closes == 0 {
		t.Fatalf("expected gateway teardown after total registration failure")
	}
	if h.composer.closes == 0 {
		t.Fatalf("expected compositor teardown after total registration failure")
	}
	if _, active := h.orch.Session(); active {
		t.Fatalf("expected no active session after teardown")
	}
}

func TestStartStreamingConnectionFailure(t *testing.T) {
	h := newHarness(t)
	h.publisher.connectErr = fmt.Errorf("sdp rejected")

	_, err := h.orch.StartStreaming(context.Background(), basicRequest("twitch"))
	if err == nil || !strings.Contains(err.Error(), "sdp rejected") {
		t.Fatalf("expected connection error, got %v", err)
	}
	if len(h.registrar.started) != 0 {
		t.Fatalf("platforms must not be registered when negotiation fails")
	}
	if h.composer.closes == 0 {
		t.Fatalf("expected compositor closed after failed start")
	}
}

func TestStartStreamingNoVideoTrackIsFatal(t *testing.T) {
	h := newHarness(t)
	h.composer.noVideo = true

	_, err := h.orch.StartStreaming(context.Background(), basicRequest("twitch"))
	if !errors.Is(err, ErrNoOutputStream) {
		t.Fatalf("expected ErrNoOutputStream, got %v", err)
	}
	if h.publisher.connects != 0 {
		t.Fatalf("no connection attempt expected without output")
	}
}

func TestStopStreamingFinalizesSession(t *testing.T) {
	h := newHarness(t)
	if _, err := h.orch.StartStreaming(context.Background(), basicRequest("twitch")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := h.orch.StopStreaming(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if _, active := h.orch.Session(); active {
		t.Fatalf("session should be cleared after stop")
	}
	if len(h.registrar.stopped) != 1 || h.registrar.stopped[0] != "twitch" {
		t.Fatalf("expected twitch deregistered, got %v", h.registrar.stopped)
	}
	if h.publisher.closes != 1 {
		t.Fatalf("expected one gateway close, got %d", h.publisher.closes)
	}
	if h.composer.closes != 1 {
		t.Fatalf("expected one compositor close, got %d", h.composer.closes)
	}
}

func TestStopStreamingIsIdempotent(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.StopStreaming(context.Background()); err != nil {
		t.Fatalf("stop without session should be a no-op, got %v", err)
	}
	if _, err := h.orch.StartStreaming(context.Background(), basicRequest("twitch")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := h.orch.StopStreaming(context.Background()); err != nil {
		t.Fatalf("first stop failed: %v", err)
	}
	if err := h.orch.StopStreaming(context.Background()); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
	if h.publisher.closes != 1 {
		t.Fatalf("teardown ran more than once: %d gateway closes", h.publisher.closes)
	}
}

func TestStopStreamingEndedAtNeverBeforeStartedAt(t *testing.T) {
	h := newHarness(t)
	session, err := h.orch.StartStreaming(context.Background(), basicRequest("twitch"))
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := h.orch.StopStreaming(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	record, err := h.orch.Archive().Get(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("archived session missing: %v", err)
	}
	if record.EndedAt == nil || record.StartedAt == nil {
		t.Fatalf("expected both timestamps set, got %+v", record)
	}
	if record.EndedAt.Before(*record.StartedAt) {
		t.Fatalf("EndedAt %v precedes StartedAt %v", record.EndedAt, record.StartedAt)
	}
	if record.Duration() < 0 {
		t.Fatalf("negative duration: %v", record.Duration())
	}
	if record.Status != models.SessionStopped {
		t.Fatalf("expected archived status stopped, got %s", record.Status)
	}
}

func TestConnectionDropWhileLiveFailsSession(t *testing.T) {
	h := newHarness(t)
	session, err := h.orch.StartStreaming(context.Background(), basicRequest("twitch"))
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	h.orch.HandleConnectionState(gateway.StateDisconnected)

	if _, active := h.orch.Session(); active {
		t.Fatalf("expected session torn down after connection drop")
	}
	record, err := h.orch.Archive().Get(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("archived session missing: %v", err)
	}
	if record.Status != models.SessionError {
		t.Fatalf("expected error status, got %s", record.Status)
	}
	if !strings.Contains(record.Message, "disconnected") {
		t.Fatalf("expected drop message, got %q", record.Message)
	}
	if h.publisher.connects != 1 {
		t.Fatalf("no automatic reconnect expected, got %d attempts", h.publisher.connects)
	}
}

func TestConnectionDropBeforeLiveIgnored(t *testing.T) {
	h := newHarness(t)
	h.orch.HandleConnectionState(gateway.StateDisconnected)
	if h.publisher.closes != 0 || h.composer.closes != 0 {
		t.Fatalf("drop without a session must not tear anything down")
	}
}

func TestSessionSnapshotCarriesConnectionQuality(t *testing.T) {
	h := newHarness(t)
	if _, err := h.orch.StartStreaming(context.Background(), basicRequest("twitch")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	sampled := time.Now().UTC()
	h.publisher.mu.Lock()
	h.publisher.quality = &gateway.ConnectionMetrics{SendBitrate: 2_500_000, RTT: 40 * time.Millisecond, SampledAt: sampled}
	h.publisher.mu.Unlock()

	session, active := h.orch.Session()
	if !active {
		t.Fatalf("expected active session")
	}
	if session.Metrics == nil {
		t.Fatalf("expected quality snapshot on session")
	}
	if session.Metrics.SendBitrate != 2_500_000 || session.Metrics.RTT != 40*time.Millisecond {
		t.Fatalf("unexpected quality snapshot: %+v", session.Metrics)
	}
	if !session.Metrics.SampledAt.Equal(sampled) {
		t.Fatalf("unexpected sample time: %v", session.Metrics.SampledAt)
	}
}

func TestSetCompositionRequiresActiveSession(t *testing.T) {
	h := newHarness(t)
	comp := &compositor.SceneComposition{Name: "b", Width: 16, Height: 16, FrameRate: 30}
	if err := h.orch.SetComposition(comp, nil); err == nil {
		t.Fatalf("expected error without an active session")
	}
	if _, err := h.orch.StartStreaming(context.Background(), basicRequest("twitch")); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := h.orch.SetComposition(comp, nil); err != nil {
		t.Fatalf("SetComposition failed: %v", err)
	}
	if h.composer.lastComp == nil || h.composer.lastComp.Name != "b" {
		t.Fatalf("composition not forwarded to compositor")
	}
}

func TestStartStreamingPublishesLifecycleEvents(t *testing.T) {
	h := newHarness(t)
	sub := h.queue.Subscribe()
	defer sub.Close()

	if _, err := h.orch.StartStreaming(context.Background(), basicRequest("twitch")); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	statuses := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !statuses[string(models.SessionLive)] {
		select {
		case evt := <-sub.Events():
			if evt.Type == event.TypeSessionStatus && evt.Session != nil {
				statuses[evt.Session.Status] = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for live event, saw %v", statuses)
		}
	}
	for _, want := range []models.SessionStatus{models.SessionInitializing, models.SessionConnecting, models.SessionLive} {
		if !statuses[string(want)] {
			t.Fatalf("missing %s status event, saw %v", want, statuses)
		}
	}
}
