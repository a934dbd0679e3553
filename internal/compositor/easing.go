package compositor

// Easing maps normalized transition progress [0,1] to eased progress [0,1].
// Every easing in this package is monotonic non-decreasing and fixes the
// endpoints: f(0) = 0 and f(1) = 1.
type Easing func(t float64) float64

const (
	EasingLinear     = "linear"
	EasingQuadIn     = "quad-in"
	EasingQuadOut    = "quad-out"
	EasingQuadInOut  = "quad-in-out"
	EasingCubicIn    = "cubic-in"
	EasingCubicOut   = "cubic-out"
	EasingCubicInOut = "cubic-in-out"
)

// EasingByName resolves an easing identifier, falling back to linear for
// unknown or empty names.
func EasingByName(name string) Easing {
	switch name {
	case EasingQuadIn:
		return func(t float64) float64 { return t * t }
	case EasingQuadOut:
		return func(t float64) float64 { return t * (2 - t) }
	case EasingQuadInOut:
		return func(t float64) float64 {
			if t < 0.5 {
				return 2 * t * t
			}
			return -1 + (4-2*t)*t
		}
	case EasingCubicIn:
		return func(t float64) float64 { return t * t * t }
	case EasingCubicOut:
		return func(t float64) float64 {
			u := t - 1
			return u*u*u + 1
		}
	case EasingCubicInOut:
		return func(t float64) float64 {
			if t < 0.5 {
				return 4 * t * t * t
			}
			u := 2*t - 2
			return 1 + u*u*u/2
		}
	case EasingLinear, "":
		return func(t float64) float64 { return t }
	default:
		return func(t float64) float64 { return t }
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
