package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNormalizedNameFoldsCaseAndUnicode(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Twitch", "twitch"},
		{"  YouTube  ", "youtube"},
		// Decomposed e + combining acute composes to the same bytes as
		// the precomposed form.
		{"Café", "café"},
	}
	for _, tc := range cases {
		got := PlatformConfig{Name: tc.in}.NormalizedName()
		if got != tc.want {
			t.Fatalf("NormalizedName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStartPlatformPostsRegistration(t *testing.T) {
	var gotPath, gotAuth, gotContentType string
	var gotBody registerRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	registrar, err := NewHTTPRegistrar(HTTPRegistrarConfig{BaseURL: server.URL, Token: "secret"})
	if err != nil {
		t.Fatalf("NewHTTPRegistrar failed: %v", err)
	}
	platform := PlatformConfig{Name: "Twitch", IngestURL: "rtmp://ingest.example/live", StreamKey: "abc", BitrateKbps: 4500}
	if err := registrar.StartPlatform(context.Background(), platform); err != nil {
		t.Fatalf("StartPlatform failed: %v", err)
	}
	if gotPath != "POST /v1/platforms" {
		t.Fatalf("unexpected request %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Fatalf("unexpected content type %q", gotContentType)
	}
	if gotBody.Platform != "twitch" || gotBody.StreamKey != "abc" || gotBody.BitrateKbps != 4500 {
		t.Fatalf("unexpected payload %+v", gotBody)
	}
}

func TestStartPlatformRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	registrar, err := NewHTTPRegistrar(HTTPRegistrarConfig{BaseURL: server.URL, Attempts: 3, Interval: time.Millisecond})
	if err != nil {
		t.Fatalf("NewHTTPRegistrar failed: %v", err)
	}
	if err := registrar.StartPlatform(context.Background(), PlatformConfig{Name: "youtube"}); err != nil {
		t.Fatalf("StartPlatform failed after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestStartPlatformReturnsLastErrorWhenExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "stream key revoked", http.StatusForbidden)
	}))
	defer server.Close()

	registrar, err := NewHTTPRegistrar(HTTPRegistrarConfig{BaseURL: server.URL, Attempts: 2, Interval: time.Millisecond})
	if err != nil {
		t.Fatalf("NewHTTPRegistrar failed: %v", err)
	}
	err = registrar.StartPlatform(context.Background(), PlatformConfig{Name: "twitch"})
	if err == nil || !strings.Contains(err.Error(), "stream key revoked") {
		t.Fatalf("expected upstream error body surfaced, got %v", err)
	}
}

func TestStopPlatformDeletesNormalizedName(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	registrar, err := NewHTTPRegistrar(HTTPRegistrarConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPRegistrar failed: %v", err)
	}
	if err := registrar.StopPlatform(context.Background(), "  Twitch "); err != nil {
		t.Fatalf("StopPlatform failed: %v", err)
	}
	if gotPath != "DELETE /v1/platforms/twitch" {
		t.Fatalf("unexpected request %q", gotPath)
	}
}

func TestRegistrarRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPRegistrar(HTTPRegistrarConfig{}); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}

func TestStartPlatformRejectsEmptyName(t *testing.T) {
	registrar, err := NewHTTPRegistrar(HTTPRegistrarConfig{BaseURL: "http://example.invalid"})
	if err != nil {
		t.Fatalf("NewHTTPRegistrar failed: %v", err)
	}
	if err := registrar.StartPlatform(context.Background(), PlatformConfig{Name: "   "}); err == nil {
		t.Fatalf("expected error for blank platform name")
	}
}

func TestStartPlatformHonorsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	registrar, err := NewHTTPRegistrar(HTTPRegistrarConfig{BaseURL: server.URL, Attempts: 5, Interval: time.Hour})
	if err != nil {
		t.Fatalf("NewHTTPRegistrar failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = registrar.StartPlatform(ctx, PlatformConfig{Name: "twitch"})
	if err == nil || !strings.Contains(err.Error(), context.DeadlineExceeded.Error()) {
		t.Fatalf("expected context deadline error, got %v", err)
	}
}
