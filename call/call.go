// Package call implements the call lifecycle state machine: the single
// source of truth for at most one peer-to-peer call at a time.
//
// The manager arbitrates busy/reject/accept/hangup transitions, degrades
// gracefully on device failures, observes transport connectivity to drive
// reconnection, and guarantees that every failure path converges to the
// idle state with all capture hardware released.
package call

import (
	"time"

	"github.com/opd-ai/rtcall/device"
	"github.com/opd-ai/rtcall/media"
	"github.com/opd-ai/rtcall/signaling"
)

// State is the call lifecycle state.
type State int

const (
	// StateIdle means no call or pending offer exists.
	StateIdle State = iota
	// StateIncomingPending means an inbound offer awaits an answer.
	StateIncomingPending
	// StateConnecting means an offer was placed or accepted and remote
	// media has not yet arrived.
	StateConnecting
	// StateConnected means remote media is flowing.
	StateConnected
	// StateReconnecting means connectivity degraded mid-call and the
	// transport is attempting recovery.
	StateReconnecting
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIncomingPending:
		return "incoming"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Active reports whether the state carries a live or negotiating call.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}

// Role distinguishes who initiated the call.
type Role int

const (
	// RoleCaller placed the offer.
	RoleCaller Role = iota
	// RoleCallee accepted an inbound offer.
	RoleCallee
)

// String returns a human-readable role name.
func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}

// Session is the active or connecting call. At most one exists
// system-wide; its presence excludes any pending inbound offer.
type Session struct {
	remote    signaling.Profile
	mediaType media.Type
	role      Role
	startedAt time.Time

	offer         *signaling.Offer
	answerPending signaling.AnswerHandle
	answerHandle  signaling.OfferHandle
	local         *device.Session
	remoteStream  media.Stream
	watcher       *media.RemoteStateWatcher
	generation    uint64
	connected     bool
}

// Remote returns the far party's profile.
func (s *Session) Remote() signaling.Profile { return s.remote }

// MediaType returns the call's requested media composition.
func (s *Session) MediaType() media.Type { return s.mediaType }

// Role returns whether the local side placed or accepted the call.
func (s *Session) Role() Role { return s.role }

// LocalStream returns the local capture stream, or nil when device
// acquisition failed entirely.
func (s *Session) LocalStream() media.Stream {
	if s.local == nil {
		return nil
	}
	return s.local.Stream()
}

// RemoteStream returns the far side's media stream, or nil before the
// transport delivered one.
func (s *Session) RemoteStream() media.Stream { return s.remoteStream }

// transport returns whichever handle the session holds: the caller-side
// offer or the callee-side answer handle.
func (s *Session) transport() signaling.OfferHandle {
	if s.offer != nil {
		return s.offer
	}
	return s.answerHandle
}

// pendingOffer is the single unanswered inbound call request.
type pendingOffer struct {
	caller     signaling.Profile
	mediaType  media.Type
	handle     signaling.AnswerHandle
	receivedAt time.Time
}
