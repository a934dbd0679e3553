package media

import (
	"errors"
	"image"
	"sync"
)

// ErrFrameUnavailable signals that a renderable has no frame ready yet. The
// compositor treats it as a per-frame skip, never a loop failure.
var ErrFrameUnavailable = errors.New("media: frame unavailable")

// Renderable is a drawable element supplied by a media source provider:
// a camera, a screen grab, a decoded video file, or a still image. The
// compositor reads frames but never mutates or stops the element; lifecycle
// stays with the provider.
type Renderable interface {
	// Frame returns the element's current image. Implementations return
	// ErrFrameUnavailable while no frame is ready.
	Frame() (image.Image, error)
}

// AudioProvider is implemented by renderables that also expose an audio
// track, such as capture devices or video files with sound.
type AudioProvider interface {
	AudioTrack() *SampleTrack
}

// StillImage is a Renderable backed by a fixed image.
type StillImage struct {
	img image.Image
}

// NewStillImage wraps a decoded image as a renderable element.
func NewStillImage(img image.Image) *StillImage {
	return &StillImage{img: img}
}

func (s *StillImage) Frame() (image.Image, error) {
	if s == nil || s.img == nil {
		return nil, ErrFrameUnavailable
	}
	return s.img, nil
}

// FrameFunc adapts a function to the Renderable interface. Useful for live
// sources whose latest frame is produced elsewhere.
type FrameFunc func() (image.Image, error)

func (f FrameFunc) Frame() (image.Image, error) {
	return f()
}

// Registry binds opaque source identifiers to renderable elements. Lookups
// for unknown ids simply miss; callers decide whether that is an error.
type Registry struct {
	mu       sync.RWMutex
	elements map[string]Renderable
}

// NewRegistry constructs an empty renderable registry.
func NewRegistry() *Registry {
	return &Registry{elements: make(map[string]Renderable)}
}

// Register binds id to element, replacing any previous binding. A nil
// element removes the binding.
func (r *Registry) Register(id string, element Renderable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if element == nil {
		delete(r.elements, id)
		return
	}
	r.elements[id] = element
}

// Resolve returns the element bound to id.
func (r *Registry) Resolve(id string) (Renderable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	element, ok := r.elements[id]
	return element, ok
}

// AudioProviders returns every registered element that exposes audio, in no
// particular order.
func (r *Registry) AudioProviders() []AudioProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []AudioProvider
	for _, element := range r.elements {
		if provider, ok := element.(AudioProvider); ok {
			out = append(out, provider)
		}
	}
	return out
}
