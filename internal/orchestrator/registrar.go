package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// PlatformConfig names one distribution destination and the credentials the
// registration service needs to route the published stream there.
type PlatformConfig struct {
	// Name identifies the platform, e.g. "twitch" or "youtube". Normalized
	// to NFC and lower case before use so user-entered labels compare
	// consistently.
	Name        string `json:"name"`
	IngestURL   string `json:"ingestUrl"`
	StreamKey   string `json:"streamKey"`
	BitrateKbps int    `json:"bitrateKbps,omitempty"`
}

// NormalizedName returns the canonical platform identifier.
func (c PlatformConfig) NormalizedName() string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(c.Name)))
}

// PlatformRegistrar starts and stops destination-side routing of the
// published stream. Calls are fallible remote operations; the orchestrator
// isolates failures per destination.
type PlatformRegistrar interface {
	StartPlatform(ctx context.Context, platform PlatformConfig) error
	StopPlatform(ctx context.Context, platform string) error
}

// HTTPRegistrarConfig configures the HTTP registrar adapter.
type HTTPRegistrarConfig struct {
	BaseURL  string
	Token    string
	Client   *http.Client
	Logger   *slog.Logger
	Attempts int
	Interval time.Duration
}

// NewHTTPRegistrar builds a registrar that talks to the routing service over
// HTTP with bounded retries.
func NewHTTPRegistrar(cfg HTTPRegistrarConfig) (*HTTPRegistrar, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("orchestrator: registrar base url is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &HTTPRegistrar{
		baseURL:  base,
		token:    strings.TrimSpace(cfg.Token),
		client:   client,
		logger:   logger.With("component", "registrar"),
		attempts: attempts,
		interval: interval,
	}, nil
}

// HTTPRegistrar registers destinations with the routing service.
type HTTPRegistrar struct {
	baseURL  string
	token    string
	client   *http.Client
	logger   *slog.Logger
	attempts int
	interval time.Duration
}

type registerRequest struct {
	Platform    string `json:"platform"`
	IngestURL   string `json:"ingestUrl"`
	StreamKey   string `json:"streamKey"`
	BitrateKbps int    `json:"bitrateKbps,omitempty"`
}

func (r *HTTPRegistrar) StartPlatform(ctx context.Context, platform PlatformConfig) error {
	name := platform.NormalizedName()
	if name == "" {
		return fmt.Errorf("orchestrator: platform name is required")
	}
	payload := registerRequest{
		Platform:    name,
		IngestURL:   platform.IngestURL,
		StreamKey:   platform.StreamKey,
		BitrateKbps: platform.BitrateKbps,
	}
	url := r.baseURL + "/v1/platforms"
	if err := r.postJSON(ctx, url, payload); err != nil {
		return fmt.Errorf("register platform %s: %w", name, err)
	}
	return nil
}

func (r *HTTPRegistrar) StopPlatform(ctx context.Context, platform string) error {
	name := strings.ToLower(norm.NFC.String(strings.TrimSpace(platform)))
	if name == "" {
		return fmt.Errorf("orchestrator: platform name is required")
	}
	url := r.baseURL + "/v1/platforms/" + name
	if err := r.doWithRetry(ctx, http.MethodDelete, url, nil); err != nil {
		return fmt.Errorf("deregister platform %s: %w", name, err)
	}
	return nil
}

func (r *HTTPRegistrar) postJSON(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return r.doWithRetry(ctx, http.MethodPost, url, body)
}

func (r *HTTPRegistrar) doWithRetry(ctx context.Context, method, url string, payload []byte) error {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		reqBody := io.Reader(nil)
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if r.token != "" {
			req.Header.Set("Authorization", "Bearer "+r.token)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					lastErr = nil
					return
				}
				data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				lastErr = fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
			}()
		}
		if lastErr == nil {
			return nil
		}
		if attempt < r.attempts {
			r.logger.Warn("registrar request failed", "method", method, "url", url, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.interval):
			}
		}
	}
	return lastErr
}
