// Package encode turns the compositor's raw frames into encoded samples a
// transport can carry. The only production implementation shells out to
// ffmpeg; the interface keeps the render loop and the transport decoupled
// from the codec.
package encode

import (
	"context"
	"errors"

	"pulsecast/internal/media"
)

// ErrEncoderClosed is returned when Encode is called after Close.
var ErrEncoderClosed = errors.New("encode: encoder closed")

// Format fixes the geometry and cadence of one encode pipeline. It comes from
// the session's composition, so the encoder always matches what the
// compositor renders.
type Format struct {
	Width     int
	Height    int
	FrameRate int
}

// VideoEncoder consumes raw frames from a track and produces encoded samples
// on a new track. Encode starts background work that runs until the source
// track closes, the context is cancelled, or the encoder is closed.
type VideoEncoder interface {
	Encode(ctx context.Context, source *media.FrameTrack, format Format) (*media.SampleTrack, error)
	Close() error
}
