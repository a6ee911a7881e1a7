package call

import "errors"

// Sentinel errors for call state machine transitions. Every operation is
// valid only from specific states; violations return one of these for
// errors.Is classification.

var (
	// ErrCallInProgress indicates a call or pending offer already
	// exists, so a new one cannot be placed or received.
	ErrCallInProgress = errors.New("a call is already in progress")

	// ErrNoIncomingCall indicates accept or decline with no pending
	// inbound offer.
	ErrNoIncomingCall = errors.New("no incoming call is pending")

	// ErrNoActiveCall indicates an operation that requires a
	// connecting, connected, or reconnecting call.
	ErrNoActiveCall = errors.New("no active call")

	// ErrNoLocalMedia indicates a media operation while the call has no
	// local capture session.
	ErrNoLocalMedia = errors.New("call has no local media session")
)
