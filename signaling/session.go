package signaling

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// RegistrationBackoff is the fixed delay between registration
	// attempts after a network-level failure. Registration retries
	// indefinitely; this backoff is deliberately not shared with the
	// bounded negotiation retry below.
	RegistrationBackoff = 2 * time.Second

	// DialRetryDelay is the single-retry delay applied when an active
	// negotiation hits a transient transport error.
	DialRetryDelay = 1 * time.Second

	// collisionRetryBase and collisionRetryJitter bound the randomized
	// delay before retrying a registration that collided.
	collisionRetryBase   = 250 * time.Millisecond
	collisionRetryJitter = 500 * time.Millisecond
)

// Status reports registration-level session transitions to the consumer.
type Status int

const (
	// StatusRegistered means the initial registration succeeded without
	// a preceding failure.
	StatusRegistered Status = iota
	// StatusReconnecting means registration was lost (or never came up)
	// and the session is retrying in the background.
	StatusReconnecting
	// StatusRestored means registration recovered after one or more
	// failed attempts.
	StatusRestored
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusRegistered:
		return "registered"
	case StatusReconnecting:
		return "reconnecting"
	case StatusRestored:
		return "restored"
	default:
		return "unknown"
	}
}

// Session wraps a Broker with the endpoint's addressable identity and the
// retry policies layered on top of it:
//
//   - Identity collisions self-heal by regenerating the identity and
//     retrying after a jittered delay.
//   - Network-level registration failures retry indefinitely at a fixed
//     backoff, silent except for the reconnecting/restored status
//     transitions.
//   - Offer placement retries exactly once, after DialRetryDelay, on a
//     transient error during active negotiation.
//
// Inbound offers pass through the registered handler; when the handler
// reports busy (or none is registered) the offer's transport is closed
// immediately without any user-visible effect.
type Session struct {
	broker Broker

	mu           sync.Mutex
	baseIdentity Identity
	identity     Identity
	registered   bool
	closed       bool
	offerHandler func(*IncomingOffer) bool
	statusCb     func(Status)

	// Retry timing, overridable for deterministic tests.
	registrationBackoff time.Duration
	collisionDelay      func() time.Duration
	dialRetryDelay      time.Duration
}

// NewSession creates a session that will register under the given
// identity. Call Start to begin registration.
func NewSession(broker Broker, identity Identity) (*Session, error) {
	if broker == nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewSession",
			"error":    "broker cannot be nil",
		}).Error("Session validation failed")
		return nil, errors.New("broker cannot be nil")
	}
	if identity == "" {
		return nil, errors.New("identity cannot be empty")
	}

	s := &Session{
		broker:              broker,
		baseIdentity:        identity,
		identity:            identity,
		registrationBackoff: RegistrationBackoff,
		dialRetryDelay:      DialRetryDelay,
		collisionDelay: func() time.Duration {
			return collisionRetryBase + time.Duration(rand.Int63n(int64(collisionRetryJitter)))
		},
	}

	broker.OnIncomingOffer(s.handleIncoming)
	broker.OnNetworkDown(s.handleNetworkDown)

	return s, nil
}

// Identity returns the identity the session is (or will be) registered
// under. May differ from the constructor argument after collision
// self-healing.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Registered reports whether the session currently holds a registration.
func (s *Session) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// SetOfferHandler registers the inbound offer arbiter. The handler
// returns true to take ownership of the offer; false (or a nil handler)
// causes an immediate silent busy close of the offer's transport.
func (s *Session) SetOfferHandler(fn func(*IncomingOffer) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offerHandler = fn
}

// SetStatusCallback registers the registration status listener.
func (s *Session) SetStatusCallback(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCb = fn
}

// Start launches the registration loop in the background. The status
// callback reports when registration is established, lost, or restored.
func (s *Session) Start() {
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"identity": s.Identity(),
	}).Info("Starting signaling session registration")

	go s.registerLoop()
}

// Close tears down the session and its broker registration.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.registered = false
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"identity": s.Identity(),
	}).Info("Closing signaling session")

	return s.broker.Close()
}

// registerLoop attempts registration until it succeeds or the session is
// closed. Collisions regenerate the identity; network failures back off
// at the fixed interval.
func (s *Session) registerLoop() {
	failed := false

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		id := s.identity
		s.mu.Unlock()

		err := s.broker.Register(id)
		if err == nil {
			s.finishRegistration(failed)
			return
		}

		switch {
		case errors.Is(err, ErrIdentityTaken):
			regenerated := s.regenerateIdentity()
			logrus.WithFields(logrus.Fields{
				"function":    "registerLoop",
				"identity":    id,
				"regenerated": regenerated,
			}).Warn("Identity collision during registration, regenerating")
			time.Sleep(s.collisionDelay())

		default:
			logrus.WithFields(logrus.Fields{
				"function": "registerLoop",
				"identity": id,
				"error":    err.Error(),
				"backoff":  s.registrationBackoff,
			}).Warn("Registration failed, retrying")
			if !failed {
				failed = true
				s.notifyStatus(StatusReconnecting)
			}
			time.Sleep(s.registrationBackoff)
		}
	}
}

// finishRegistration records success and emits the appropriate status.
func (s *Session) finishRegistration(recovered bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.registered = true
	id := s.identity
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "finishRegistration",
		"identity":  id,
		"recovered": recovered,
	}).Info("Signaling registration established")

	if recovered {
		s.notifyStatus(StatusRestored)
	} else {
		s.notifyStatus(StatusRegistered)
	}
}

// regenerateIdentity derives a fresh identity from the base one. Returns
// the new identity.
func (s *Session) regenerateIdentity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = Identity(fmt.Sprintf("%s-%s", s.baseIdentity, uuid.NewString()[:8]))
	return s.identity
}

// handleNetworkDown reacts to a lost registration: mark unregistered,
// surface the reconnecting status, and resume the registration loop.
func (s *Session) handleNetworkDown(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.registered = false
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleNetworkDown",
		"identity": s.Identity(),
		"error":    errString(err),
	}).Warn("Signaling registration lost, re-registering")

	s.notifyStatus(StatusReconnecting)
	go func() {
		time.Sleep(s.registrationBackoff)
		s.registerLoopRecovering()
	}()
}

// registerLoopRecovering is the re-registration loop entered after a
// mid-life network failure. Success always reports StatusRestored.
func (s *Session) registerLoopRecovering() {
	for {
		s.mu.Lock()
		if s.closed || s.registered {
			s.mu.Unlock()
			return
		}
		id := s.identity
		s.mu.Unlock()

		err := s.broker.Register(id)
		if err == nil {
			s.finishRegistration(true)
			return
		}
		if errors.Is(err, ErrIdentityTaken) {
			s.regenerateIdentity()
			time.Sleep(s.collisionDelay())
			continue
		}
		time.Sleep(s.registrationBackoff)
	}
}

// handleIncoming arbitrates an inbound offer. Busy offers are closed
// immediately so the caller hears the equivalent of a busy signal and the
// local user sees nothing.
func (s *Session) handleIncoming(offer *IncomingOffer) {
	if offer == nil {
		return
	}

	s.mu.Lock()
	closed := s.closed
	handler := s.offerHandler
	s.mu.Unlock()

	if closed || handler == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleIncoming",
			"caller":   offer.Caller.ID,
		}).Debug("No offer handler, closing inbound offer")
		offer.Pending.Decline()
		return
	}

	if !handler(offer) {
		logrus.WithFields(logrus.Fields{
			"function": "handleIncoming",
			"caller":   offer.Caller.ID,
		}).Info("Busy, silently rejecting inbound offer")
		offer.Pending.Decline()
	}
}

// notifyStatus forwards a status transition to the registered listener.
func (s *Session) notifyStatus(status Status) {
	s.mu.Lock()
	cb := s.statusCb
	s.mu.Unlock()
	if cb != nil {
		cb(status)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
