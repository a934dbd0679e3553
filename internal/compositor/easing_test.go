package compositor

import "testing"

func TestEasingEndpointsAndMonotonicity(t *testing.T) {
	names := []string{
		EasingLinear,
		EasingQuadIn,
		EasingQuadOut,
		EasingQuadInOut,
		EasingCubicIn,
		EasingCubicOut,
		EasingCubicInOut,
	}
	const steps = 200
	for _, name := range names {
		easing := EasingByName(name)
		if got := easing(0); got != 0 {
			t.Fatalf("%s: expected f(0) = 0, got %f", name, got)
		}
		if got := easing(1); got < 0.999999 || got > 1.000001 {
			t.Fatalf("%s: expected f(1) = 1, got %f", name, got)
		}
		previous := 0.0
		for i := 1; i <= steps; i++ {
			v := easing(float64(i) / steps)
			if v < previous-1e-9 {
				t.Fatalf("%s: not monotonic at step %d: %f < %f", name, i, v, previous)
			}
			if v < -1e-9 || v > 1+1e-9 {
				t.Fatalf("%s: value %f escapes [0,1]", name, v)
			}
			previous = v
		}
	}
}

func TestEasingUnknownFallsBackToLinear(t *testing.T) {
	easing := EasingByName("bounce")
	if got := easing(0.25); got != 0.25 {
		t.Fatalf("expected linear fallback, got %f", got)
	}
}
