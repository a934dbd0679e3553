package media

import (
	"sync"
)

// Stream is a mutable collection of tracks. It is the sole handoff contract
// between the compositor and the publishing gateway: video is always present
// once a compositor is initialized, audio tracks are appended only when an
// input source exposes one.
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks []Track
	closed bool
}

// NewStream constructs an empty stream.
func NewStream(id string) *Stream {
	return &Stream{id: id}
}

// ID returns the stream identifier.
func (s *Stream) ID() string {
	return s.id
}

// AddTrack appends a track to the stream. Adding to a closed stream closes
// the track immediately so callers never leak producers.
func (s *Stream) AddTrack(track Track) {
	if track == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		track.Close()
		return
	}
	s.tracks = append(s.tracks, track)
}

// Tracks returns a snapshot of the current track list.
func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// VideoTracks returns the video subset of the current track list.
func (s *Stream) VideoTracks() []Track {
	return s.tracksOfKind(TrackKindVideo)
}

// AudioTracks returns the audio subset of the current track list.
func (s *Stream) AudioTracks() []Track {
	return s.tracksOfKind(TrackKindAudio)
}

func (s *Stream) tracksOfKind(kind TrackKind) []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Track
	for _, track := range s.tracks {
		if track.Kind() == kind {
			out = append(out, track)
		}
	}
	return out
}

// Close stops every track on the stream. Close is idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, track := range s.tracks {
		track.Close()
	}
}
