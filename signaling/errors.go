package signaling

import "errors"

// Sentinel errors for the signaling failure taxonomy. These enable
// reliable classification with errors.Is across the broker boundary.

// Registration errors.
var (
	// ErrIdentityTaken indicates the identity is already registered
	// elsewhere. Registration self-heals by regenerating the identity
	// and retrying.
	ErrIdentityTaken = errors.New("identity already registered")

	// ErrNetworkUnavailable indicates the signaling broker cannot be
	// reached. Registration retries indefinitely with a fixed backoff.
	ErrNetworkUnavailable = errors.New("signaling network unavailable")

	// ErrNotRegistered indicates an operation that requires an active
	// registration was attempted before one was established.
	ErrNotRegistered = errors.New("session is not registered")
)

// Offer placement errors.
var (
	// ErrPeerUnreachable indicates the target identity is not
	// registered or offline. Terminal; never retried.
	ErrPeerUnreachable = errors.New("peer unreachable or offline")

	// ErrNegotiationFailed indicates transport negotiation failed after
	// the single permitted retry. Terminal.
	ErrNegotiationFailed = errors.New("transport negotiation failed")

	// ErrOfferClosed indicates an operation on an offer whose transport
	// has already been closed.
	ErrOfferClosed = errors.New("offer transport is closed")
)
