// Package signaling maintains the local endpoint's addressable identity
// with a peer-to-peer connection broker, places outbound call offers, and
// delivers inbound ones.
//
// The broker itself is a black box behind the Broker interface: it
// registers identities, negotiates media transports, and reports
// ICE-level connectivity. The Session type layers the retry and busy
// policies on top: registration failures self-heal indefinitely with a
// fixed backoff, while negotiation failures are retried exactly once.
package signaling

import (
	"github.com/opd-ai/rtcall/media"
)

// Identity is the opaque, stable endpoint identifier under which the
// local user is addressable for inbound offers.
type Identity string

// Profile is the identity-directory view of a user, attached to offers so
// the remote side can render its incoming-call surface. The core treats
// it as opaque.
type Profile struct {
	ID          Identity `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	AvatarURL   string   `json:"avatar_url"`
}

// OfferMetadata travels with an outbound offer.
type OfferMetadata struct {
	Caller Profile    `json:"caller"`
	Media  media.Type `json:"media"`
}

// ConnectivityState mirrors the transport's ICE-level assessment of the
// network path between the endpoints.
type ConnectivityState int

const (
	// ConnectivityNew is the initial state before any checks run.
	ConnectivityNew ConnectivityState = iota
	// ConnectivityChecking means path candidates are being probed.
	ConnectivityChecking
	// ConnectivityConnected means a working path is established.
	ConnectivityConnected
	// ConnectivityCompleted means candidate probing finished with a
	// working path.
	ConnectivityCompleted
	// ConnectivityDisconnected means the established path has degraded.
	ConnectivityDisconnected
	// ConnectivityFailed means all candidate paths have failed.
	ConnectivityFailed
	// ConnectivityClosed means the transport has been shut down.
	ConnectivityClosed
)

// String returns a human-readable connectivity state name.
func (s ConnectivityState) String() string {
	switch s {
	case ConnectivityNew:
		return "new"
	case ConnectivityChecking:
		return "checking"
	case ConnectivityConnected:
		return "connected"
	case ConnectivityCompleted:
		return "completed"
	case ConnectivityDisconnected:
		return "disconnected"
	case ConnectivityFailed:
		return "failed"
	case ConnectivityClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Degraded reports whether the state indicates a lost or failing path.
func (s ConnectivityState) Degraded() bool {
	return s == ConnectivityDisconnected || s == ConnectivityFailed
}

// Healthy reports whether the state indicates a working path.
func (s ConnectivityState) Healthy() bool {
	return s == ConnectivityConnected || s == ConnectivityCompleted
}

// OfferHandle is the live view of one negotiated (or negotiating) call
// transport, for either role.
//
// Event callbacks may be invoked from transport goroutines. Each
// registration replaces the previous callback for that event.
type OfferHandle interface {
	// OnStream registers the callback fired when the remote media
	// stream arrives (negotiation completed).
	OnStream(fn func(media.Stream))

	// OnClose registers the callback fired when either side hangs up
	// or the transport fails terminally.
	OnClose(fn func())

	// OnError registers the callback for transport errors. Errors are
	// classified against the package sentinel taxonomy.
	OnError(fn func(error))

	// OnConnectivityChange registers the callback for ICE-level
	// connectivity transitions.
	OnConnectivityChange(fn func(ConnectivityState))

	// ReplaceVideoTrack swaps the outgoing video source in place
	// without renegotiation.
	ReplaceVideoTrack(t media.Track) error

	// Close tears down the transport from this side. Idempotent.
	Close()
}

// IncomingOffer is a transient unanswered inbound call request.
type IncomingOffer struct {
	// Caller identifies and describes the calling user.
	Caller Profile

	// Media is the requested composition (audio-only or audio+video).
	Media media.Type

	// Pending is the handle to the not-yet-answered transport
	// negotiation.
	Pending AnswerHandle
}

// AnswerHandle is the pending side of an inbound negotiation.
type AnswerHandle interface {
	// Answer attaches the local stream, completes negotiation, and
	// returns the live transport handle.
	Answer(local media.Stream) (OfferHandle, error)

	// Decline closes the pending transport without answering. Also
	// used for the silent busy signal. Idempotent.
	Decline()
}

// Broker is the black-box peer-to-peer connection broker. It delivers
// call-offer and call-answer events and negotiates the media transport.
type Broker interface {
	// Register binds the identity so inbound offers can be delivered.
	// Fails with ErrIdentityTaken or ErrNetworkUnavailable.
	Register(id Identity) error

	// OnIncomingOffer registers the inbound offer delivery callback.
	OnIncomingOffer(fn func(*IncomingOffer))

	// OnNetworkDown registers the callback fired when an established
	// registration is lost at the network level.
	OnNetworkDown(fn func(error))

	// Dial begins transport negotiation toward the target with the
	// local media attached. Returns immediately with a handle whose
	// events report the outcome.
	Dial(target Identity, local media.Stream, meta OfferMetadata) (OfferHandle, error)

	// Close releases the registration and all broker resources.
	Close() error
}
