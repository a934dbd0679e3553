package media

import (
	"sync"
)

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	TrackKindVideo TrackKind = "video"
	TrackKindAudio TrackKind = "audio"
)

// Track is the common surface shared by raw-frame and encoded-sample tracks.
type Track interface {
	ID() string
	Kind() TrackKind
	// Close stops the track. Closing is idempotent; writes after Close are
	// dropped silently.
	Close()
}

// FrameTrack transports raw frames from a producer (the compositor) to a
// single consumer. Writes never block: when the consumer falls behind the
// oldest buffered frame is replaced, keeping the producer's tick cadence
// intact.
type FrameTrack struct {
	id   string
	kind TrackKind

	mu     sync.Mutex
	ch     chan Frame
	closed bool
}

// NewFrameTrack constructs a buffered raw-frame track.
func NewFrameTrack(id string, kind TrackKind, buffer int) *FrameTrack {
	if buffer <= 0 {
		buffer = 4
	}
	return &FrameTrack{id: id, kind: kind, ch: make(chan Frame, buffer)}
}

func (t *FrameTrack) ID() string      { return t.id }
func (t *FrameTrack) Kind() TrackKind { return t.kind }

// WriteFrame publishes a frame, dropping the oldest buffered frame when the
// consumer is slow.
func (t *FrameTrack) WriteFrame(frame Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for {
		select {
		case t.ch <- frame:
			return
		default:
		}
		select {
		case <-t.ch:
		default:
		}
	}
}

// Frames exposes the consumer side of the track. The channel is closed when
// the track is closed.
func (t *FrameTrack) Frames() <-chan Frame {
	return t.ch
}

func (t *FrameTrack) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.ch)
}

// SampleTrack transports encoded samples to a transport sink. Semantics match
// FrameTrack: non-blocking writes with oldest-first drop, idempotent Close.
type SampleTrack struct {
	id   string
	kind TrackKind

	mu     sync.Mutex
	ch     chan Sample
	closed bool
}

// NewSampleTrack constructs a buffered encoded-sample track.
func NewSampleTrack(id string, kind TrackKind, buffer int) *SampleTrack {
	if buffer <= 0 {
		buffer = 16
	}
	return &SampleTrack{id: id, kind: kind, ch: make(chan Sample, buffer)}
}

func (t *SampleTrack) ID() string      { return t.id }
func (t *SampleTrack) Kind() TrackKind { return t.kind }

// WriteSample publishes an encoded sample, dropping the oldest buffered
// sample when the consumer is slow.
func (t *SampleTrack) WriteSample(sample Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for {
		select {
		case t.ch <- sample:
			return
		default:
		}
		select {
		case <-t.ch:
		default:
		}
	}
}

// Samples exposes the consumer side of the track. The channel is closed when
// the track is closed.
func (t *SampleTrack) Samples() <-chan Sample {
	return t.ch
}

func (t *SampleTrack) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.ch)
}
