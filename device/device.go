// Package device manages local camera and microphone access for calls.
//
// The Manager acquires and releases capture sessions, enumerates cameras,
// and switches between them on a live call. Capture hardware is abstracted
// behind the Backend interface; exactly one Session may own the hardware
// at a time, and every call-ending path must release it so the camera
// indicator is relinquished.
package device

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtcall/media"
)

// Info describes one enumerable capture device.
type Info struct {
	// ID is the backend-stable device identifier.
	ID string
	// Label is the human-readable device name.
	Label string
}

// Backend abstracts the host's capture hardware.
type Backend interface {
	// Cameras enumerates the available camera devices in a stable
	// order. The order defines the cyclic camera-switch sequence.
	Cameras() ([]Info, error)

	// OpenMicrophone opens the default microphone and returns its live
	// audio track.
	OpenMicrophone() (media.Track, error)

	// OpenCamera opens the camera with the given device ID, or the
	// default camera when the ID is empty, and returns its live video
	// track.
	OpenCamera(deviceID string) (media.Track, error)
}

// Manager owns local media acquisition. At most one Session exists at a
// time; Acquire fails with ErrSessionActive while one is live.
type Manager struct {
	backend Backend

	mu     sync.Mutex
	active *Session
}

// NewManager creates a device manager over the given capture backend.
func NewManager(backend Backend) (*Manager, error) {
	if backend == nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewManager",
			"error":    "backend cannot be nil",
		}).Error("Device manager validation failed")
		return nil, fmt.Errorf("capture backend cannot be nil")
	}
	return &Manager{backend: backend}, nil
}

// Acquire opens the microphone, and a camera when mediaType includes
// video, returning the resulting session.
//
// Acquisition degrades instead of aborting: a session is always returned,
// possibly with fewer tracks than requested, together with a wrapped
// ErrDeviceUnavailable describing what failed. Callers surface a warning
// and continue the call with whatever was captured.
func (m *Manager) Acquire(mediaType media.Type, preferredCameraID string) (*Session, error) {
	logrus.WithFields(logrus.Fields{
		"function":         "Acquire",
		"media_type":       mediaType,
		"preferred_camera": preferredCameraID,
	}).Info("Acquiring local capture devices")

	m.mu.Lock()
	if m.active != nil && !m.active.Released() {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	m.mu.Unlock()

	session := &Session{
		manager: m,
		backend: m.backend,
		stream:  media.NewStream(uuid.NewString()),
	}

	var acquireErr error

	audioTrack, err := m.backend.OpenMicrophone()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Acquire",
			"error":    err.Error(),
		}).Warn("Microphone acquisition failed, degrading")
		acquireErr = fmt.Errorf("microphone: %w", ErrDeviceUnavailable)
	} else {
		session.audio = audioTrack
		session.stream.AddTrack(audioTrack)
	}

	if mediaType.HasVideo() {
		cameraID := preferredCameraID
		videoTrack, err := m.backend.OpenCamera(cameraID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Acquire",
				"camera_id": cameraID,
				"error":     err.Error(),
			}).Warn("Camera acquisition failed, continuing audio-only")
			if acquireErr == nil {
				acquireErr = fmt.Errorf("camera: %w", ErrDeviceUnavailable)
			}
		} else {
			session.video = videoTrack
			session.cameraID = cameraID
			session.stream.AddTrack(videoTrack)
			if cameraID == "" {
				session.cameraID = m.defaultCameraID()
			}
		}
	}

	m.mu.Lock()
	m.active = session
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Acquire",
		"has_audio": session.audio != nil,
		"has_video": session.video != nil,
		"degraded":  acquireErr != nil,
	}).Info("Local capture session acquired")

	return session, acquireErr
}

// Cameras enumerates the available camera devices.
func (m *Manager) Cameras() ([]Info, error) {
	return m.backend.Cameras()
}

// ActiveSession returns the live capture session, or nil when none
// exists.
func (m *Manager) ActiveSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.Released() {
		return nil
	}
	return m.active
}

// defaultCameraID resolves the first enumerated camera's ID, used when a
// capture was opened without an explicit device.
func (m *Manager) defaultCameraID() string {
	cameras, err := m.backend.Cameras()
	if err != nil || len(cameras) == 0 {
		return ""
	}
	return cameras[0].ID
}

// sessionReleased clears the active session pointer once a session has
// been released.
func (m *Manager) sessionReleased(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == s {
		m.active = nil
	}
}
