package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, session lifecycle events, render-loop throughput, WHIP
// negotiation outcomes, connection quality, and per-platform publish state.
// It coordinates concurrent writers via a RWMutex while exposing atomic
// gauges for hot-path values such as render FPS and active sessions.
type Recorder struct {
	mu                  sync.RWMutex
	requestCount        map[requestLabel]uint64
	requestDuration     map[requestLabel]time.Duration
	sessionEvents       map[string]uint64
	negotiationAttempts uint64
	negotiationFailures map[string]uint64
	connectionStates    map[string]uint64
	platformStatus      map[string]string
	renderErrors        uint64
	activeSessions      atomic.Int64
	renderFPS           atomic.Uint64 // math.Float64bits
	connection          connectionGauges
}

type connectionGauges struct {
	sendBitrate    float64
	receiveBitrate float64
	rttMillis      float64
	packetsLost    int64
	iceCandidates  int
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:        make(map[requestLabel]uint64),
		requestDuration:     make(map[requestLabel]time.Duration),
		sessionEvents:       make(map[string]uint64),
		negotiationFailures: make(map[string]uint64),
		connectionStates:    make(map[string]uint64),
		platformStatus:      make(map[string]string),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation
// pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionStarted records a start lifecycle event and increments the active
// session gauge.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("start")
	r.activeSessions.Add(1)
}

// SessionStopped records a stop lifecycle event and decrements the active
// session gauge, guarding against negative counts when updates race.
func (r *Recorder) SessionStopped() {
	r.incrementSessionEvent("stop")
	r.decrementGauge(&r.activeSessions)
}

// SessionFailed records a fatal session error and decrements the active
// session gauge.
func (r *Recorder) SessionFailed() {
	r.incrementSessionEvent("error")
	r.decrementGauge(&r.activeSessions)
}

func (r *Recorder) incrementSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge of concurrently live sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// SetRenderFPS stores the most recent render loop throughput measurement.
func (r *Recorder) SetRenderFPS(fps float64) {
	r.renderFPS.Store(math.Float64bits(fps))
}

// RenderFPS returns the last recorded render loop throughput.
func (r *Recorder) RenderFPS() float64 {
	return math.Float64frombits(r.renderFPS.Load())
}

// ObserveRenderError counts a swallowed per-source or per-tick draw failure.
func (r *Recorder) ObserveRenderError() {
	r.mu.Lock()
	r.renderErrors++
	r.mu.Unlock()
}

// ObserveNegotiationAttempt counts one WHIP offer/answer exchange attempt.
func (r *Recorder) ObserveNegotiationAttempt() {
	r.mu.Lock()
	r.negotiationAttempts++
	r.mu.Unlock()
}

// ObserveNegotiationFailure counts a failed negotiation keyed by reason
// (e.g. "http_404", "ice_timeout", "connect_timeout").
func (r *Recorder) ObserveNegotiationFailure(reason string) {
	normalized := normalizeName(reason)
	r.mu.Lock()
	r.negotiationFailures[normalized]++
	r.mu.Unlock()
}

// ObserveConnectionState counts a connection state transition by target
// state.
func (r *Recorder) ObserveConnectionState(state string) {
	normalized := normalizeName(state)
	r.mu.Lock()
	r.connectionStates[normalized]++
	r.mu.Unlock()
}

// SetConnectionQuality stores the latest sampled connection metrics snapshot.
// Snapshots supersede one another; nothing is merged.
func (r *Recorder) SetConnectionQuality(sendBitrate, receiveBitrate, rttMillis float64, packetsLost int64, iceCandidates int) {
	r.mu.Lock()
	r.connection = connectionGauges{
		sendBitrate:    sendBitrate,
		receiveBitrate: receiveBitrate,
		rttMillis:      rttMillis,
		packetsLost:    packetsLost,
		iceCandidates:  iceCandidates,
	}
	r.mu.Unlock()
}

// SetPlatformStatus records the current per-destination publish status.
func (r *Recorder) SetPlatformStatus(platform, status string) {
	name := normalizeName(platform)
	r.mu.Lock()
	r.platformStatus[name] = normalizeName(status)
	r.mu.Unlock()
}

// ClearPlatformStatus removes a destination from the status gauge, used when
// a session's bookkeeping is cleared.
func (r *Recorder) ClearPlatformStatus(platform string) {
	name := normalizeName(platform)
	r.mu.Lock()
	delete(r.platformStatus, name)
	r.mu.Unlock()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.negotiationAttempts = 0
	r.negotiationFailures = make(map[string]uint64)
	r.connectionStates = make(map[string]uint64)
	r.platformStatus = make(map[string]string)
	r.renderErrors = 0
	r.connection = connectionGauges{}
	r.activeSessions.Store(0)
	r.renderFPS.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	failureReasons := sortedKeys(r.negotiationFailures)
	connectionStates := sortedKeys(r.connectionStates)
	platforms := sortedKeys(r.platformStatus)

	fmt.Fprintln(w, "# HELP pulsecast_http_requests_total Total number of HTTP requests processed by the control API")
	fmt.Fprintln(w, "# TYPE pulsecast_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "pulsecast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP pulsecast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE pulsecast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "pulsecast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP pulsecast_session_events_total Streaming session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE pulsecast_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "pulsecast_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP pulsecast_active_sessions Current number of sessions marked as live")
	fmt.Fprintln(w, "# TYPE pulsecast_active_sessions gauge")
	fmt.Fprintf(w, "pulsecast_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP pulsecast_render_fps Frames rendered per wall-clock second by the compositor")
	fmt.Fprintln(w, "# TYPE pulsecast_render_fps gauge")
	fmt.Fprintf(w, "pulsecast_render_fps %f\n", r.RenderFPS())

	fmt.Fprintln(w, "# HELP pulsecast_render_errors_total Swallowed per-source render failures")
	fmt.Fprintln(w, "# TYPE pulsecast_render_errors_total counter")
	fmt.Fprintf(w, "pulsecast_render_errors_total %d\n", r.renderErrors)

	fmt.Fprintln(w, "# HELP pulsecast_negotiation_attempts_total WHIP offer/answer exchanges attempted")
	fmt.Fprintln(w, "# TYPE pulsecast_negotiation_attempts_total counter")
	fmt.Fprintf(w, "pulsecast_negotiation_attempts_total %d\n", r.negotiationAttempts)

	fmt.Fprintln(w, "# HELP pulsecast_negotiation_failures_total Failed WHIP negotiations by reason")
	fmt.Fprintln(w, "# TYPE pulsecast_negotiation_failures_total counter")
	for _, reason := range failureReasons {
		fmt.Fprintf(w, "pulsecast_negotiation_failures_total{reason=\"%s\"} %d\n", reason, r.negotiationFailures[reason])
	}

	fmt.Fprintln(w, "# HELP pulsecast_connection_state_transitions_total Publishing connection state transitions by target state")
	fmt.Fprintln(w, "# TYPE pulsecast_connection_state_transitions_total counter")
	for _, state := range connectionStates {
		fmt.Fprintf(w, "pulsecast_connection_state_transitions_total{state=\"%s\"} %d\n", state, r.connectionStates[state])
	}

	fmt.Fprintln(w, "# HELP pulsecast_connection_send_bitrate_bps Latest sampled outbound bitrate")
	fmt.Fprintln(w, "# TYPE pulsecast_connection_send_bitrate_bps gauge")
	fmt.Fprintf(w, "pulsecast_connection_send_bitrate_bps %f\n", r.connection.sendBitrate)

	fmt.Fprintln(w, "# HELP pulsecast_connection_receive_bitrate_bps Latest sampled inbound bitrate")
	fmt.Fprintln(w, "# TYPE pulsecast_connection_receive_bitrate_bps gauge")
	fmt.Fprintf(w, "pulsecast_connection_receive_bitrate_bps %f\n", r.connection.receiveBitrate)

	fmt.Fprintln(w, "# HELP pulsecast_connection_rtt_milliseconds Latest sampled round-trip time")
	fmt.Fprintln(w, "# TYPE pulsecast_connection_rtt_milliseconds gauge")
	fmt.Fprintf(w, "pulsecast_connection_rtt_milliseconds %f\n", r.connection.rttMillis)

	fmt.Fprintln(w, "# HELP pulsecast_connection_packets_lost Latest sampled cumulative packet loss")
	fmt.Fprintln(w, "# TYPE pulsecast_connection_packets_lost gauge")
	fmt.Fprintf(w, "pulsecast_connection_packets_lost %d\n", r.connection.packetsLost)

	fmt.Fprintln(w, "# HELP pulsecast_connection_ice_candidates Local ICE candidates gathered for the active connection")
	fmt.Fprintln(w, "# TYPE pulsecast_connection_ice_candidates gauge")
	fmt.Fprintf(w, "pulsecast_connection_ice_candidates %d\n", r.connection.iceCandidates)

	fmt.Fprintln(w, "# HELP pulsecast_platform_status Current per-destination publish status (1 for the reported status)")
	fmt.Fprintln(w, "# TYPE pulsecast_platform_status gauge")
	for _, platform := range platforms {
		fmt.Fprintf(w, "pulsecast_platform_status{platform=\"%s\",status=\"%s\"} 1\n", platform, r.platformStatus[platform])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
