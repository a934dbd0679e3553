package main

import (
	"context"
	"testing"
	"time"
)

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "value", "other"); got != "value" {
		t.Fatalf("expected first non-blank value, got %q", got)
	}
	if got := firstNonEmpty("", "  "); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a, ,b ,c,")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if splitAndTrim("  ") != nil {
		t.Fatalf("expected nil for blank input")
	}
}

func TestResolveIntPrefersFlag(t *testing.T) {
	t.Setenv("PULSECAST_TEST_INT", "7")
	if got := resolveInt(3, "PULSECAST_TEST_INT"); got != 3 {
		t.Fatalf("flag should win, got %d", got)
	}
	if got := resolveInt(0, "PULSECAST_TEST_INT"); got != 7 {
		t.Fatalf("env fallback expected, got %d", got)
	}
	if got := resolveInt(0, "PULSECAST_TEST_INT_MISSING"); got != 0 {
		t.Fatalf("expected zero without flag or env, got %d", got)
	}
}

func TestResolveDurationFallback(t *testing.T) {
	t.Setenv("PULSECAST_TEST_DURATION", "30s")
	if got := resolveDuration(0, "PULSECAST_TEST_DURATION", time.Minute); got != 30*time.Second {
		t.Fatalf("env value expected, got %v", got)
	}
	if got := resolveDuration(0, "PULSECAST_TEST_DURATION_MISSING", time.Minute); got != time.Minute {
		t.Fatalf("fallback expected, got %v", got)
	}
	if got := resolveDuration(5*time.Second, "PULSECAST_TEST_DURATION", time.Minute); got != 5*time.Second {
		t.Fatalf("flag should win, got %v", got)
	}
}

func TestResolveBool(t *testing.T) {
	t.Setenv("PULSECAST_TEST_BOOL", "true")
	if !resolveBool(false, "PULSECAST_TEST_BOOL") {
		t.Fatalf("env true expected")
	}
	if resolveBool(false, "PULSECAST_TEST_BOOL_MISSING") {
		t.Fatalf("expected false without flag or env")
	}
}

func TestBuildEventQueueDrivers(t *testing.T) {
	if _, err := buildEventQueue(eventQueueSettings{driver: "memory"}); err != nil {
		t.Fatalf("memory driver failed: %v", err)
	}
	if _, err := buildEventQueue(eventQueueSettings{}); err != nil {
		t.Fatalf("default driver failed: %v", err)
	}
	if _, err := buildEventQueue(eventQueueSettings{driver: "kafka"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestBuildArchiveDrivers(t *testing.T) {
	repo, err := buildArchive(context.Background(), archiveSettings{driver: "memory"})
	if err != nil || repo == nil {
		t.Fatalf("memory archive failed: %v", err)
	}
	if _, err := buildArchive(context.Background(), archiveSettings{driver: "sqlite"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	// A blank driver without a DSN defaults to memory.
	if _, err := buildArchive(context.Background(), archiveSettings{}); err != nil {
		t.Fatalf("default archive failed: %v", err)
	}
}
