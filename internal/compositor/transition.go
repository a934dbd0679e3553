package compositor

import (
	"time"
)

// TransitionKind selects how two compositions are blended while a scene
// switch is in flight.
type TransitionKind string

const (
	TransitionCut   TransitionKind = "cut"
	TransitionFade  TransitionKind = "fade"
	TransitionSlide TransitionKind = "slide"
	TransitionWipe  TransitionKind = "wipe"
	TransitionZoom  TransitionKind = "zoom"
)

// Direction parameterizes slide and wipe transitions.
type Direction string

const (
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
	DirectionUp    Direction = "up"
	DirectionDown  Direction = "down"
)

// TransitionConfig describes one timed blend between two compositions. It is
// ephemeral: consumed once progress reaches 1.
type TransitionConfig struct {
	Kind      TransitionKind `json:"kind"`
	Duration  time.Duration  `json:"duration"`
	Easing    string         `json:"easing,omitempty"`
	Direction Direction      `json:"direction,omitempty"`
}

// transitionEngine is the compositor's embedded transition state machine. It
// has two states: idle, and active with a from/to composition pair, a config
// and a wall-clock start. Leaving the active state happens only when computed
// progress reaches 1; a new Begin while active replaces the in-flight
// transition without finishing it (last call wins). The engine is not
// goroutine safe; the compositor serializes access under its own lock.
type transitionEngine struct {
	from   *SceneComposition
	to     *SceneComposition
	config TransitionConfig
	easing Easing
	start  time.Time
}

// transitionFrame is a point-in-time view of the active transition, with
// easing already applied to progress.
type transitionFrame struct {
	from     *SceneComposition
	to       *SceneComposition
	config   TransitionConfig
	progress float64
	done     bool
}

// Begin replaces whatever transition is in flight. A non-positive duration
// degrades to a cut and leaves the engine idle.
func (e *transitionEngine) Begin(from, to *SceneComposition, config TransitionConfig, now time.Time) {
	if config.Duration <= 0 || config.Kind == TransitionCut {
		e.reset()
		return
	}
	e.from = from
	e.to = to
	e.config = config
	e.easing = EasingByName(config.Easing)
	e.start = now
}

// Active reports whether a transition is in flight.
func (e *transitionEngine) Active() bool {
	return e.to != nil
}

// Frame computes the transition view for the given wall-clock instant.
// Raw progress is clamp(elapsed/duration, 0, 1); done is reported when the
// raw progress reaches 1, regardless of the eased value.
func (e *transitionEngine) Frame(now time.Time) (transitionFrame, bool) {
	if !e.Active() {
		return transitionFrame{}, false
	}
	raw := clamp01(float64(now.Sub(e.start)) / float64(e.config.Duration))
	return transitionFrame{
		from:     e.from,
		to:       e.to,
		config:   e.config,
		progress: e.easing(raw),
		done:     raw >= 1,
	}, true
}

func (e *transitionEngine) reset() {
	e.from = nil
	e.to = nil
	e.config = TransitionConfig{}
	e.easing = nil
	e.start = time.Time{}
}
