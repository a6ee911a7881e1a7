package device

import "errors"

// Sentinel errors for device operations. Classified with errors.Is by the
// call state machine, which degrades rather than aborts on acquisition
// failures.

var (
	// ErrDeviceUnavailable indicates capture hardware was denied or
	// absent. The caller proceeds with a partial or empty session.
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrCameraSwitchFailed indicates the next camera could not be
	// opened or attached. Non-fatal; the previous camera stays active.
	ErrCameraSwitchFailed = errors.New("camera switch failed")

	// ErrSessionReleased indicates an operation on a released session.
	ErrSessionReleased = errors.New("media session already released")

	// ErrNoVideoTrack indicates a video operation on a session without
	// a live video track.
	ErrNoVideoTrack = errors.New("session has no video track")

	// ErrSessionActive indicates an acquisition attempt while another
	// local media session still owns the hardware.
	ErrSessionActive = errors.New("another media session is active")
)
