// Package media provides the track and stream abstractions shared by the
// rtcall device, signaling, and call packages.
//
// A Track is a single audio or video component that can be enabled and
// disabled independently of the transport carrying it. A Stream groups the
// tracks belonging to one endpoint (the local capture session or the remote
// peer's media). The package also provides RemoteStateWatcher, which infers
// the far side's mute and camera state from track lifecycle events.
package media

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// TrackKind identifies the media carried by a track.
type TrackKind string

const (
	// TrackKindAudio is a microphone or remote audio track.
	TrackKindAudio TrackKind = "audio"
	// TrackKindVideo is a camera or remote video track.
	TrackKindVideo TrackKind = "video"
)

// Type describes the media composition requested for a call.
type Type string

const (
	// TypeAudio requests an audio-only call.
	TypeAudio Type = "audio"
	// TypeVideo requests an audio plus video call.
	TypeVideo Type = "video"
)

// HasVideo reports whether the media type includes a video component.
func (t Type) HasVideo() bool {
	return t == TypeVideo
}

// Track is a single audio or video stream component.
//
// Enabling and disabling a track never stops the underlying capture or
// receive resources; Stop does. Implementations must be safe for
// concurrent use.
type Track interface {
	// ID returns the track's unique identifier.
	ID() string

	// Kind returns whether this is an audio or video track.
	Kind() TrackKind

	// Enabled reports whether the track is currently producing media.
	Enabled() bool

	// SetEnabled flips the producing flag in place. The underlying
	// hardware or transport keeps running.
	SetEnabled(enabled bool)

	// Muted reports transport-level starvation: the track object exists
	// but no media is arriving. Only meaningful for remote tracks.
	Muted() bool

	// Stopped reports whether Stop has been called.
	Stopped() bool

	// Stop releases the underlying capture hardware or receive
	// resources. Stop is idempotent.
	Stop()

	// OnStateChange registers a callback invoked whenever the enabled,
	// muted, or stopped state changes. The returned function removes
	// the registration.
	OnStateChange(fn func()) (unsubscribe func())
}

// BaseTrack is the reference Track implementation. It backs locally
// captured tracks (via a hardware release hook) and remote tracks adapted
// from the transport layer.
type BaseTrack struct {
	id   string
	kind TrackKind

	mu      sync.RWMutex
	enabled bool
	muted   bool
	stopped bool
	stopFn  func()
	subs    map[int]func()
	nextSub int
}

// NewTrack creates an enabled track of the given kind. stopFn, if non-nil,
// is invoked exactly once when the track is stopped and is the hook for
// releasing capture hardware.
func NewTrack(id string, kind TrackKind, stopFn func()) *BaseTrack {
	return &BaseTrack{
		id:      id,
		kind:    kind,
		enabled: true,
		stopFn:  stopFn,
		subs:    make(map[int]func()),
	}
}

// ID returns the track's unique identifier.
func (t *BaseTrack) ID() string { return t.id }

// Kind returns whether this is an audio or video track.
func (t *BaseTrack) Kind() TrackKind { return t.kind }

// Enabled reports whether the track is currently producing media.
func (t *BaseTrack) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// SetEnabled flips the producing flag in place without touching the
// underlying hardware. Subscribers are notified when the value changes.
func (t *BaseTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	if t.stopped || t.enabled == enabled {
		t.mu.Unlock()
		return
	}
	t.enabled = enabled
	subs := t.snapshotSubs()
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SetEnabled",
		"track_id": t.id,
		"kind":     t.kind,
		"enabled":  enabled,
	}).Debug("Track enabled flag changed")

	for _, fn := range subs {
		fn()
	}
}

// Muted reports transport-level starvation on the track.
func (t *BaseTrack) Muted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.muted
}

// SetMuted records transport-level starvation. Used by transport adapters
// when media stops or resumes arriving for a remote track.
func (t *BaseTrack) SetMuted(muted bool) {
	t.mu.Lock()
	if t.stopped || t.muted == muted {
		t.mu.Unlock()
		return
	}
	t.muted = muted
	subs := t.snapshotSubs()
	t.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// Stopped reports whether Stop has been called.
func (t *BaseTrack) Stopped() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stopped
}

// Stop releases the track's underlying resources. Safe to call more than
// once; only the first call has any effect.
func (t *BaseTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.enabled = false
	stopFn := t.stopFn
	t.stopFn = nil
	subs := t.snapshotSubs()
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"track_id": t.id,
		"kind":     t.kind,
	}).Debug("Track stopped")

	if stopFn != nil {
		stopFn()
	}
	for _, fn := range subs {
		fn()
	}
}

// OnStateChange registers a state-change callback and returns its
// unsubscribe function.
func (t *BaseTrack) OnStateChange(fn func()) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// snapshotSubs copies the subscriber list. Callers must hold t.mu.
func (t *BaseTrack) snapshotSubs() []func() {
	subs := make([]func(), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	return subs
}

// Stream groups the tracks belonging to one endpoint.
type Stream interface {
	// ID returns the stream's unique identifier.
	ID() string

	// Tracks returns all tracks currently in the stream.
	Tracks() []Track

	// AudioTracks returns the audio tracks currently in the stream.
	AudioTracks() []Track

	// VideoTracks returns the video tracks currently in the stream.
	VideoTracks() []Track
}

// MediaStream is the mutable reference Stream implementation.
type MediaStream struct {
	id string

	mu     sync.RWMutex
	tracks []Track
}

// NewStream creates an empty stream with the given identifier.
func NewStream(id string) *MediaStream {
	return &MediaStream{id: id}
}

// ID returns the stream's unique identifier.
func (s *MediaStream) ID() string { return s.id }

// AddTrack appends a track to the stream. Nil tracks are ignored.
func (s *MediaStream) AddTrack(t Track) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// RemoveTrack removes the track with the given ID from the stream. The
// track itself is not stopped.
func (s *MediaStream) RemoveTrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.ID() == id {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

// Tracks returns a snapshot of all tracks in the stream.
func (s *MediaStream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// AudioTracks returns a snapshot of the stream's audio tracks.
func (s *MediaStream) AudioTracks() []Track {
	return s.tracksOfKind(TrackKindAudio)
}

// VideoTracks returns a snapshot of the stream's video tracks.
func (s *MediaStream) VideoTracks() []Track {
	return s.tracksOfKind(TrackKindVideo)
}

func (s *MediaStream) tracksOfKind(kind TrackKind) []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// StopAll stops every track in the stream.
func (s *MediaStream) StopAll() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// LiveTrackCount returns how many tracks in the stream have not been
// stopped. Used to verify resource release on call teardown.
func LiveTrackCount(s Stream) int {
	if s == nil {
		return 0
	}
	count := 0
	for _, t := range s.Tracks() {
		if !t.Stopped() {
			count++
		}
	}
	return count
}
