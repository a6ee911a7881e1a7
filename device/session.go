package device

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtcall/media"
)

// VideoReplacer swaps the outgoing video source on a live transport
// without renegotiation. Implemented by the signaling offer handle.
type VideoReplacer interface {
	ReplaceVideoTrack(t media.Track) error
}

// Session is the exclusive owner of the local capture hardware for the
// duration of one call.
//
// Mute and camera toggles flip track enabled flags in place so the far
// end can infer the state from track lifecycle events; the hardware keeps
// running. Release stops everything and must run on every path that ends
// a call.
type Session struct {
	manager *Manager
	backend Backend

	mu       sync.Mutex
	stream   *media.MediaStream
	audio    media.Track
	video    media.Track
	cameraID string
	released bool
}

// Stream returns the session's local media stream, handed to the
// signaling layer when placing or answering a call.
func (s *Session) Stream() media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// AudioTrack returns the live microphone track, or nil.
func (s *Session) AudioTrack() media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

// VideoTrack returns the live camera track, or nil.
func (s *Session) VideoTrack() media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

// CameraID returns the currently selected camera device ID.
func (s *Session) CameraID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cameraID
}

// Released reports whether the session's hardware has been released.
func (s *Session) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// ToggleMute flips the microphone track's enabled flag in place and
// returns the resulting muted state. The track object and hardware are
// untouched, which keeps the operation instantaneous and
// renegotiation-free.
func (s *Session) ToggleMute() (muted bool, err error) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return false, ErrSessionReleased
	}
	track := s.audio
	s.mu.Unlock()

	if track == nil {
		return true, fmt.Errorf("audio: %w", ErrDeviceUnavailable)
	}

	track.SetEnabled(!track.Enabled())
	muted = !track.Enabled()

	logrus.WithFields(logrus.Fields{
		"function": "ToggleMute",
		"muted":    muted,
	}).Debug("Microphone mute toggled")

	return muted, nil
}

// ToggleVideo flips the camera track's enabled flag in place and returns
// the resulting camera-off state.
func (s *Session) ToggleVideo() (cameraOff bool, err error) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return false, ErrSessionReleased
	}
	track := s.video
	s.mu.Unlock()

	if track == nil {
		return true, ErrNoVideoTrack
	}

	track.SetEnabled(!track.Enabled())
	cameraOff = !track.Enabled()

	logrus.WithFields(logrus.Fields{
		"function":   "ToggleVideo",
		"camera_off": cameraOff,
	}).Debug("Camera toggled")

	return cameraOff, nil
}

// SwitchCamera moves to the next camera in the cyclic enumeration order
// and replaces the outgoing video track on the live transport without
// renegotiation.
//
// With fewer than two enumerated cameras the call is a silent no-op. If
// the next camera cannot be opened or attached, the previous camera stays
// active and ErrCameraSwitchFailed is returned; the previous camera's
// hardware is stopped only after the replacement is live, so a failed
// switch never leaves the call without video.
func (s *Session) SwitchCamera(replacer VideoReplacer) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrSessionReleased
	}
	current := s.video
	currentID := s.cameraID
	s.mu.Unlock()

	if current == nil {
		return ErrNoVideoTrack
	}

	cameras, err := s.backend.Cameras()
	if err != nil {
		return fmt.Errorf("%w: enumerate cameras: %v", ErrCameraSwitchFailed, err)
	}
	if len(cameras) < 2 {
		logrus.WithFields(logrus.Fields{
			"function":     "SwitchCamera",
			"camera_count": len(cameras),
		}).Debug("Fewer than two cameras, switch is a no-op")
		return nil
	}

	next := nextCamera(cameras, currentID)

	logrus.WithFields(logrus.Fields{
		"function":     "SwitchCamera",
		"current_id":   currentID,
		"next_id":      next.ID,
		"next_label":   next.Label,
		"camera_count": len(cameras),
	}).Info("Switching camera")

	newTrack, err := s.backend.OpenCamera(next.ID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SwitchCamera",
			"next_id":  next.ID,
			"error":    err.Error(),
		}).Warn("Could not open next camera, keeping current")
		return fmt.Errorf("%w: open %s: %v", ErrCameraSwitchFailed, next.ID, err)
	}

	// Carry the enabled flag across so a switch during camera-off stays
	// camera-off.
	newTrack.SetEnabled(current.Enabled())

	if replacer != nil {
		if err := replacer.ReplaceVideoTrack(newTrack); err != nil {
			newTrack.Stop()
			logrus.WithFields(logrus.Fields{
				"function": "SwitchCamera",
				"next_id":  next.ID,
				"error":    err.Error(),
			}).Warn("Track replacement failed, keeping current camera")
			return fmt.Errorf("%w: replace track: %v", ErrCameraSwitchFailed, err)
		}
	}

	s.mu.Lock()
	s.video = newTrack
	s.cameraID = next.ID
	s.stream.RemoveTrack(current.ID())
	s.stream.AddTrack(newTrack)
	s.mu.Unlock()

	current.Stop()

	logrus.WithFields(logrus.Fields{
		"function":  "SwitchCamera",
		"camera_id": next.ID,
	}).Info("Camera switched, previous hardware released")

	return nil
}

// Release stops every track and relinquishes the capture hardware.
// Idempotent; every call-ending path must reach it.
func (s *Session) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	stream := s.stream
	s.mu.Unlock()

	stream.StopAll()
	if s.manager != nil {
		s.manager.sessionReleased(s)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Release",
	}).Debug("Local capture session released")
}

// nextCamera picks the camera following currentID in cyclic enumeration
// order. An unknown current ID selects the first camera.
func nextCamera(cameras []Info, currentID string) Info {
	for i, cam := range cameras {
		if cam.ID == currentID {
			return cameras[(i+1)%len(cameras)]
		}
	}
	return cameras[0]
}
