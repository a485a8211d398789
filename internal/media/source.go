// Package media owns the local capture source. Only one source (camera or
// screen) can be held at a time; its tracks are attached to every peer
// connection the session creates.
package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/util"
)

var (
	ErrBusy        = errors.New("media source already in use")
	ErrUnavailable = errors.New("media source unavailable")
)

// Kind is a capture source.
type Kind string

const (
	Camera Kind = "camera"
	Screen Kind = "screen"
)

// Source is the exclusive local media source.
type Source struct {
	streamID  string
	available map[Kind]bool

	mu     sync.Mutex
	kind   Kind
	tracks []webrtc.TrackLocal
}

// NewSource creates a Source that can capture the given kinds. With no
// kinds, every kind is available.
func NewSource(streamID string, kinds ...Kind) *Source {
	if len(kinds) == 0 {
		kinds = []Kind{Camera, Screen}
	}
	s := &Source{streamID: streamID, available: make(map[Kind]bool)}
	for _, k := range kinds {
		s.available[k] = true
	}
	return s
}

// Acquire opens kind and returns its tracks. A camera yields a VP8 video
// track and an Opus audio track; a screen yields a VP8 video track.
func (s *Source) Acquire(kind Kind) ([]webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kind != "" {
		return nil, fmt.Errorf("acquire %s: %w (%s)", kind, ErrBusy, s.kind)
	}
	if !s.available[kind] {
		return nil, fmt.Errorf("acquire %s: %w", kind, ErrUnavailable)
	}

	tracks, err := s.open(kind)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", kind, err)
	}
	s.kind = kind
	s.tracks = tracks
	util.LogDebug("[media] acquired %s (%d tracks)", kind, len(tracks))
	return append([]webrtc.TrackLocal(nil), tracks...), nil
}

func (s *Source) open(kind Kind) ([]webrtc.TrackLocal, error) {
	stream := s.streamID + "-" + string(kind)
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, string(kind)+"-video", stream)
	if err != nil {
		return nil, err
	}
	if kind == Screen {
		return []webrtc.TrackLocal{video}, nil
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, string(kind)+"-audio", stream)
	if err != nil {
		return nil, err
	}
	return []webrtc.TrackLocal{video, audio}, nil
}

// Release stops the held source. Releasing an idle source is a no-op.
func (s *Source) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind == "" {
		return
	}
	util.LogDebug("[media] released %s", s.kind)
	s.kind = ""
	s.tracks = nil
}

// Switch releases the held source before acquiring kind.
func (s *Source) Switch(kind Kind) ([]webrtc.TrackLocal, error) {
	s.Release()
	return s.Acquire(kind)
}

// Kind returns the held source, or "" when idle.
func (s *Source) Kind() Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// Tracks returns the tracks of the held source.
func (s *Source) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), s.tracks...)
}
