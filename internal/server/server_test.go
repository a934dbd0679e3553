package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pulsecast/internal/archive"
	"pulsecast/internal/auth"
	"pulsecast/internal/compositor"
	"pulsecast/internal/media"
	"pulsecast/internal/models"
	"pulsecast/internal/observability/metrics"
	"pulsecast/internal/orchestrator"
)

type fakeController struct {
	repo      archive.Repository
	active    *models.StreamingSession
	startErr  error
	stopErr   error
	setErr    error
	stops     int
	lastReq   orchestrator.StartRequest
	lastComp  *compositor.SceneComposition
	lastTrans *compositor.TransitionConfig
	sources   map[string]media.Renderable
}

func newFakeController() *fakeController {
	return &fakeController{
		repo:    archive.NewMemoryRepository(),
		sources: make(map[string]media.Renderable),
	}
}

func (f *fakeController) StartStreaming(ctx context.Context, req orchestrator.StartRequest) (models.StreamingSession, error) {
	if f.startErr != nil {
		return models.StreamingSession{}, f.startErr
	}
	f.lastReq = req
	session := models.StreamingSession{ID: "abc123", Status: models.SessionLive, CreatedAt: time.Now().UTC()}
	f.active = &session
	return session, nil
}

func (f *fakeController) StopStreaming(ctx context.Context) error {
	f.stops++
	if f.stopErr != nil {
		return f.stopErr
	}
	f.active = nil
	return nil
}

func (f *fakeController) SetComposition(comp *compositor.SceneComposition, transition *compositor.TransitionConfig) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.lastComp = comp
	f.lastTrans = transition
	return nil
}

func (f *fakeController) RegisterSource(id string, element media.Renderable) {
	if element == nil {
		delete(f.sources, id)
		return
	}
	f.sources[id] = element
}

func (f *fakeController) Session() (models.StreamingSession, bool) {
	if f.active == nil {
		return models.StreamingSession{}, false
	}
	return *f.active, true
}

func (f *fakeController) Archive() archive.Repository { return f.repo }

func newTestServer(t *testing.T, controller SessionController, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv, err := New(&Handler{Controller: controller}, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ts := httptest.NewServer(srv.HTTPServer().Handler)
	t.Cleanup(ts.Close)
	return ts
}

const startBody = `{
	"platforms": [{"name": "twitch", "ingestUrl": "rtmp://ingest", "streamKey": "k"}],
	"composition": {"name": "main", "width": 1280, "height": 720, "frameRate": 30, "sources": []},
	"connection": {"endpoint": "https://whip.example/publish"}
}`

func TestStartSessionEndpoint(t *testing.T) {
	controller := newFakeController()
	ts := newTestServer(t, controller, Config{})

	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", strings.NewReader(startBody))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var session models.StreamingSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if session.ID != "abc123" || session.Status != models.SessionLive {
		t.Fatalf("unexpected session %+v", session)
	}
	if controller.lastReq.Connection.Endpoint != "https://whip.example/publish" {
		t.Fatalf("connection endpoint not forwarded: %+v", controller.lastReq.Connection)
	}
	if len(controller.lastReq.Platforms) != 1 || controller.lastReq.Platforms[0].Name != "twitch" {
		t.Fatalf("platforms not forwarded: %+v", controller.lastReq.Platforms)
	}
}

func TestStartSessionValidation(t *testing.T) {
	controller := newFakeController()
	ts := newTestServer(t, controller, Config{})

	cases := []string{
		`{`,
		`{"composition": null, "platforms": [{"name": "x"}], "connection": {"endpoint": "e"}}`,
		`{"composition": {"name": "m", "width": 1, "height": 1}, "platforms": [], "connection": {"endpoint": "e"}}`,
		`{"composition": {"name": "m", "width": 1, "height": 1}, "platforms": [{"name": "x"}], "connection": {"endpoint": " "}}`,
	}
	for i, body := range cases {
		resp, err := http.Post(ts.URL+"/api/sessions", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("case %d: request failed: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("case %d: expected 400, got %d", i, resp.StatusCode)
		}
	}
}

func TestStartSessionConflict(t *testing.T) {
	controller := newFakeController()
	controller.startErr = orchestrator.ErrSessionActive
	ts := newTestServer(t, controller, Config{})

	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", strings.NewReader(startBody))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestStartSessionNoPlatformsLiveMapsToBadGateway(t *testing.T) {
	controller := newFakeController()
	controller.startErr = fmt.Errorf("start: %w", orchestrator.ErrNoPlatformsLive)
	ts := newTestServer(t, controller, Config{})

	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", strings.NewReader(startBody))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
}

func TestListSessionsFromArchive(t *testing.T) {
	controller := newFakeController()
	for i := 0; i < 3; i++ {
		session := models.StreamingSession{
			ID:        fmt.Sprintf("s%d", i),
			Status:    models.SessionStopped,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Minute),
		}
		if err := controller.repo.Save(context.Background(), session); err != nil {
			t.Fatalf("seed archive: %v", err)
		}
	}
	ts := newTestServer(t, controller, Config{})

	resp, err := http.Get(ts.URL + "/api/sessions?limit=2")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var sessions []models.StreamingSession
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != "s2" {
		t.Fatalf("expected newest first, got %s", sessions[0].ID)
	}
}

func TestGetSessionPrefersActive(t *testing.T) {
	controller := newFakeController()
	active := models.StreamingSession{ID: "live1", Status: models.SessionLive, CreatedAt: time.Now().UTC()}
	controller.active = &active
	stale := active
	stale.Status = models.SessionConnecting
	if err := controller.repo.Save(context.Background(), stale); err != nil {
		t.Fatalf("seed archive: %v", err)
	}
	ts := newTestServer(t, controller, Config{})

	resp, err := http.Get(ts.URL + "/api/sessions/live1")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var session models.StreamingSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if session.Status != models.SessionLive {
		t.Fatalf("expected live snapshot, got %s", session.Status)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	ts := newTestServer(t, newFakeController(), Config{})
	resp, err := http.Get(ts.URL + "/api/sessions/missing")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestDeleteSessionStopsActive(t *testing.T) {
	controller := newFakeController()
	active := models.StreamingSession{ID: "live1", Status: models.SessionLive}
	controller.active = &active
	ts := newTestServer(t, controller, Config{})

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/live1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if controller.stops != 1 {
		t.Fatalf("expected one stop call, got %d", controller.stops)
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/live1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after stop, got %d", resp.StatusCode)
	}
}

func TestSwitchCompositionEndpoint(t *testing.T) {
	controller := newFakeController()
	active := models.StreamingSession{ID: "live1", Status: models.SessionLive}
	controller.active = &active
	ts := newTestServer(t, controller, Config{})

	body := `{
		"composition": {"name": "interview", "width": 1280, "height": 720, "frameRate": 30, "sources": []},
		"transition": {"kind": "fade", "duration": 500000000}
	}`
	resp, err := http.Post(ts.URL+"/api/sessions/live1/composition", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if controller.lastComp == nil || controller.lastComp.Name != "interview" {
		t.Fatalf("composition not forwarded: %+v", controller.lastComp)
	}
	if controller.lastTrans == nil || controller.lastTrans.Duration != 500*time.Millisecond {
		t.Fatalf("transition not forwarded: %+v", controller.lastTrans)
	}
}

func TestHealthEndpoint(t *testing.T) {
	controller := newFakeController()
	active := models.StreamingSession{ID: "live1", Status: models.SessionLive}
	controller.active = &active
	ts := newTestServer(t, controller, Config{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if health.Status != "ok" || health.ActiveSession != "live1" {
		t.Fatalf("unexpected health payload %+v", health)
	}
}

func TestMetricsEndpointExposed(t *testing.T) {
	recorder := metrics.New()
	recorder.SessionStarted()
	ts := newTestServer(t, newFakeController(), Config{Metrics: recorder})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "pulsecast_active_sessions 1") {
		t.Fatalf("expected active session gauge in output:\n%s", body)
	}
}

func TestBearerAuthGuardsAPIRoutes(t *testing.T) {
	hash, err := auth.HashToken("supersecret")
	if err != nil {
		t.Fatalf("HashToken failed: %v", err)
	}
	ts := newTestServer(t, newFakeController(), Config{Auth: auth.NewManager([]string{hash})})

	resp, err := http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer supersecret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}

	// Probes stay open.
	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected open healthz, got %d", resp.StatusCode)
	}
}

func TestRequestIDHeaderPropagated(t *testing.T) {
	ts := newTestServer(t, newFakeController(), Config{})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("X-Request-Id", "feedface")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "feedface" {
		t.Fatalf("expected echoed request id, got %q", got)
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); len(got) != 32 {
		t.Fatalf("expected generated 32-char request id, got %q", got)
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	ts := newTestServer(t, newFakeController(), Config{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("missing nosniff header, got %q", got)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("missing frame options header, got %q", got)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	ts := newTestServer(t, newFakeController(), Config{CORS: CORSConfig{StudioOrigins: []string{"https://studio.example"}}})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sessions", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown origin, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/sessions", nil)
	req.Header.Set("Origin", "https://studio.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected allowed origin to pass, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://studio.example" {
		t.Fatalf("missing allow-origin header, got %q", got)
	}
}

func TestGlobalRateLimit(t *testing.T) {
	ts := newTestServer(t, newFakeController(), Config{RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1}})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request should pass, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once bucket drained, got %d", resp.StatusCode)
	}
}
