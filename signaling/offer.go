package signaling

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtcall/media"
)

// maxDialAttempts bounds negotiation retries: the original dial plus one
// retry. Registration retries are unbounded; this one is not. The
// asymmetry is deliberate and must not be unified.
const maxDialAttempts = 2

// Offer is the session-level view of an outbound call placement. It
// implements OfferHandle while hiding the single transparent redial
// performed on a transient negotiation error.
type Offer struct {
	session *Session
	target  Identity
	local   media.Stream
	meta    OfferMetadata

	mu         sync.Mutex
	handle     OfferHandle
	attempt    int
	streamSeen bool
	closed     bool
	redialing  bool
	retryTimer *time.Timer

	// Events arriving before the caller registers its callbacks are
	// latched and replayed on registration; transport timing is not
	// under this package's control.
	pendingStream media.Stream
	pendingErr    error
	pendingClose  bool

	onStream       func(media.Stream)
	onClose        func()
	onError        func(error)
	onConnectivity func(ConnectivityState)
}

// PlaceOffer begins transport negotiation to the target identity,
// attaching the local stream and caller metadata. The returned handle's
// events report remote media arrival, terminal closure, and errors.
//
// A transient transport error before the remote stream arrives triggers
// exactly one redial after DialRetryDelay; a second failure surfaces as
// ErrNegotiationFailed. ErrPeerUnreachable is terminal immediately.
func (s *Session) PlaceOffer(target Identity, local media.Stream, meta OfferMetadata) (*Offer, error) {
	if !s.Registered() {
		logrus.WithFields(logrus.Fields{
			"function": "PlaceOffer",
			"target":   target,
		}).Error("Cannot place offer without registration")
		return nil, ErrNotRegistered
	}

	logrus.WithFields(logrus.Fields{
		"function": "PlaceOffer",
		"target":   target,
		"media":    meta.Media,
	}).Info("Placing outbound call offer")

	o := &Offer{
		session: s,
		target:  target,
		local:   local,
		meta:    meta,
	}
	o.dial()
	return o, nil
}

// Target returns the identity the offer was placed to.
func (o *Offer) Target() Identity { return o.target }

// OnStream registers the remote-media-arrived callback. A stream that
// arrived before registration is delivered immediately.
func (o *Offer) OnStream(fn func(media.Stream)) {
	o.mu.Lock()
	o.onStream = fn
	pending := o.pendingStream
	if fn != nil {
		o.pendingStream = nil
	}
	o.mu.Unlock()

	if fn != nil && pending != nil {
		fn(pending)
	}
}

// OnClose registers the terminal-closure callback, replaying a closure
// that fired before registration.
func (o *Offer) OnClose(fn func()) {
	o.mu.Lock()
	o.onClose = fn
	replay := fn != nil && o.pendingClose
	if replay {
		o.pendingClose = false
	}
	o.mu.Unlock()

	if replay {
		fn()
	}
}

// OnError registers the terminal-error callback, replaying an error that
// fired before registration. Errors swallowed by the transparent redial
// never reach it.
func (o *Offer) OnError(fn func(error)) {
	o.mu.Lock()
	o.onError = fn
	pending := o.pendingErr
	if fn != nil {
		o.pendingErr = nil
	}
	o.mu.Unlock()

	if fn != nil && pending != nil {
		fn(pending)
	}
}

// OnConnectivityChange registers the ICE connectivity callback.
func (o *Offer) OnConnectivityChange(fn func(ConnectivityState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onConnectivity = fn
}

// ReplaceVideoTrack swaps the outgoing video source on the live
// transport without renegotiation.
func (o *Offer) ReplaceVideoTrack(t media.Track) error {
	o.mu.Lock()
	handle := o.handle
	closed := o.closed
	o.mu.Unlock()

	if closed || handle == nil {
		return ErrOfferClosed
	}
	return handle.ReplaceVideoTrack(t)
}

// Close tears down the offer's transport. Any pending redial is
// cancelled. Idempotent.
func (o *Offer) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	handle := o.handle
	timer := o.retryTimer
	o.retryTimer = nil
	o.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if handle != nil {
		handle.Close()
	}
}

// dial performs one negotiation attempt and wires the underlying handle's
// events through the offer's retry-aware dispatchers.
func (o *Offer) dial() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.attempt++
	attempt := o.attempt
	o.redialing = false
	o.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "dial",
		"target":   o.target,
		"attempt":  attempt,
	}).Debug("Dialing call transport")

	handle, err := o.session.broker.Dial(o.target, o.local, o.meta)
	if err != nil {
		o.handleTransportError(err)
		return
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		handle.Close()
		return
	}
	o.handle = handle
	o.mu.Unlock()

	handle.OnStream(o.handleRemoteStream)
	handle.OnError(o.handleTransportError)
	handle.OnClose(o.handleTransportClose)
	handle.OnConnectivityChange(o.handleConnectivity)
}

func (o *Offer) handleRemoteStream(remote media.Stream) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.streamSeen = true
	fn := o.onStream
	if fn == nil {
		o.pendingStream = remote
	}
	o.mu.Unlock()

	if fn != nil {
		fn(remote)
	}
}

// handleTransportError classifies a transport error: peer-unreachable is
// terminal, a first transient failure during negotiation schedules the
// single redial, anything else is a terminal negotiation failure.
func (o *Offer) handleTransportError(err error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}

	if errors.Is(err, ErrPeerUnreachable) {
		o.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleTransportError",
			"target":   o.target,
		}).Info("Peer unreachable, offer terminal")
		o.terminate(err)
		return
	}

	if !o.streamSeen && o.attempt < maxDialAttempts {
		o.redialing = true
		old := o.handle
		o.handle = nil
		delay := o.session.dialRetryDelay
		o.retryTimer = time.AfterFunc(delay, o.dial)
		o.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "handleTransportError",
			"target":   o.target,
			"error":    err.Error(),
			"delay":    delay,
		}).Warn("Transient negotiation error, retrying once")

		if old != nil {
			old.Close()
		}
		return
	}
	o.mu.Unlock()

	o.terminate(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
}

// handleTransportClose forwards a terminal close unless it was triggered
// by the offer's own redial teardown.
func (o *Offer) handleTransportClose() {
	o.mu.Lock()
	if o.closed || o.redialing {
		o.mu.Unlock()
		return
	}
	o.closed = true
	fn := o.onClose
	if fn == nil {
		o.pendingClose = true
	}
	o.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (o *Offer) handleConnectivity(state ConnectivityState) {
	o.mu.Lock()
	if o.closed || o.redialing {
		o.mu.Unlock()
		return
	}
	fn := o.onConnectivity
	o.mu.Unlock()

	if fn != nil {
		fn(state)
	}
}

// terminate reports a terminal error followed by the close event, then
// shuts the transport down.
func (o *Offer) terminate(err error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	handle := o.handle
	o.handle = nil
	errFn := o.onError
	closeFn := o.onClose
	if errFn == nil {
		o.pendingErr = err
	}
	if closeFn == nil {
		o.pendingClose = true
	}
	o.mu.Unlock()

	if errFn != nil {
		errFn(err)
	}
	if closeFn != nil {
		closeFn()
	}
	if handle != nil {
		handle.Close()
	}
}
