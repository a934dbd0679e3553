package media

import (
	"image"
	"time"
)

// Frame is a single raw video frame produced by the compositor. Frames are
// immutable once published; consumers must not mutate the pixel buffer.
type Frame struct {
	Image    *image.RGBA
	PTS      time.Duration
	Sequence uint64
}

// Sample is an encoded media unit (one video frame or a span of audio frames)
// ready to be handed to a transport.
type Sample struct {
	Data     []byte
	Duration time.Duration
	PTS      time.Duration
}
