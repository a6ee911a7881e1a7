// Package webrtcbroker implements the signaling.Broker contract over a
// websocket rendezvous server and pion WebRTC peer connections.
//
// The rendezvous server is a dumb router: it binds identities to sockets
// and forwards JSON envelopes between them. Everything stateful — offers,
// answers, trickled candidates, hangups — happens between the clients.
// Media flows peer-to-peer once ICE completes; the broker surfaces the
// ICE connectivity transitions so the call state machine can drive its
// reconnecting state.
package webrtcbroker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtcall/media"
	"github.com/opd-ai/rtcall/signaling"
)

// registerTimeout bounds the wait for the server's registration ack.
const registerTimeout = 10 * time.Second

// Config holds broker connection settings.
type Config struct {
	// ServerURL is the websocket rendezvous endpoint
	// (e.g. wss://rendezvous.example.com/ws).
	ServerURL string

	// ICEServers lists STUN/TURN URLs for candidate gathering.
	ICEServers []string

	// HandshakeTimeout bounds the websocket dial. Zero uses the
	// gorilla default.
	HandshakeTimeout time.Duration
}

// DefaultConfig returns a config with the public STUN fallback.
func DefaultConfig(serverURL string) Config {
	return Config{
		ServerURL:  serverURL,
		ICEServers: []string{"stun:stun.l.google.com:19302"},
	}
}

// Broker is the websocket + pion implementation of signaling.Broker.
type Broker struct {
	cfg Config

	mu         sync.Mutex
	conn       *websocket.Conn
	identity   signaling.Identity
	registered bool
	closed     bool
	peers      map[string]*peer
	regResult  chan error

	incomingCb func(*signaling.IncomingOffer)
	netDownCb  func(error)

	writeMu sync.Mutex
}

// New creates a broker for the given rendezvous server.
func New(cfg Config) (*Broker, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("rendezvous server URL cannot be empty")
	}
	return &Broker{
		cfg:   cfg,
		peers: make(map[string]*peer),
	}, nil
}

// OnIncomingOffer registers the inbound offer callback.
func (b *Broker) OnIncomingOffer(fn func(*signaling.IncomingOffer)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.incomingCb = fn
}

// OnNetworkDown registers the registration-loss callback.
func (b *Broker) OnNetworkDown(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.netDownCb = fn
}

// Register dials the rendezvous server and binds the identity. Maps
// server rejections and connectivity failures onto the signaling
// sentinel taxonomy.
func (b *Broker) Register(id signaling.Identity) error {
	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"identity": id,
		"server":   b.cfg.ServerURL,
	}).Info("Registering with rendezvous server")

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("broker is closed")
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.registered = false
	b.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: b.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(b.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial rendezvous: %v", signaling.ErrNetworkUnavailable, err)
	}

	regResult := make(chan error, 1)

	b.mu.Lock()
	b.conn = conn
	b.identity = id
	b.regResult = regResult
	b.mu.Unlock()

	go b.readLoop(conn)

	if err := b.writeEnvelope(conn, envelope{Type: msgRegister, From: id}); err != nil {
		conn.Close()
		return fmt.Errorf("%w: send registration: %v", signaling.ErrNetworkUnavailable, err)
	}

	select {
	case err := <-regResult:
		if err != nil {
			conn.Close()
			return err
		}
	case <-time.After(registerTimeout):
		conn.Close()
		return fmt.Errorf("%w: registration ack timed out", signaling.ErrNetworkUnavailable)
	}

	b.mu.Lock()
	if b.conn != conn {
		// The socket dropped between the ack and here; that loss was
		// attributed to this attempt, so report it as this attempt's
		// failure rather than claiming an established registration.
		b.mu.Unlock()
		return fmt.Errorf("%w: connection lost during registration", signaling.ErrNetworkUnavailable)
	}
	b.registered = true
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"identity": id,
	}).Info("Rendezvous registration established")

	return nil
}

// Dial places an offer toward the target identity: builds the peer
// connection, attaches local media, and sends the SDP offer envelope.
func (b *Broker) Dial(target signaling.Identity, local media.Stream, meta signaling.OfferMetadata) (signaling.OfferHandle, error) {
	b.mu.Lock()
	if !b.registered || b.conn == nil {
		b.mu.Unlock()
		return nil, signaling.ErrNotRegistered
	}
	b.mu.Unlock()

	callID := uuid.NewString()

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"target":   target,
		"call_id":  callID,
		"media":    meta.Media,
	}).Info("Dialing peer")

	p, err := b.newPeer(callID, target, local)
	if err != nil {
		return nil, err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		p.teardown()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.teardown()
		return nil, fmt.Errorf("set local description: %w", err)
	}

	b.addPeer(callID, p)

	caller := meta.Caller
	err = b.send(envelope{
		Type:   msgOffer,
		To:     target,
		CallID: callID,
		SDP:    offer.SDP,
		Caller: &caller,
		Media:  string(meta.Media),
	})
	if err != nil {
		p.teardown()
		return nil, fmt.Errorf("send offer: %w", err)
	}

	return p, nil
}

// Close drops the registration and every live peer.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.registered = false
	conn := b.conn
	b.conn = nil
	peers := make([]*peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// readLoop dispatches envelopes from the rendezvous socket until it
// fails, then reports the registration loss.
func (b *Broker) readLoop(conn *websocket.Conn) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			b.handleSocketDown(conn, err)
			return
		}
		b.dispatch(env)
	}
}

func (b *Broker) dispatch(env envelope) {
	switch env.Type {
	case msgRegistered:
		b.deliverRegResult(nil)

	case msgRegisterError:
		if env.Code == codeIdentityTaken {
			b.deliverRegResult(signaling.ErrIdentityTaken)
		} else {
			b.deliverRegResult(fmt.Errorf("%w: %s", signaling.ErrNetworkUnavailable, env.Reason))
		}

	case msgOffer:
		b.handleRemoteOffer(env)

	case msgAnswer:
		if p := b.peerFor(env.CallID); p != nil {
			p.handleAnswer(env.SDP)
		}

	case msgCandidate:
		if p := b.peerFor(env.CallID); p != nil {
			p.handleCandidate(env.Candidate)
		}

	case msgBye:
		if p := b.peerFor(env.CallID); p != nil {
			p.handleBye()
		}

	case msgPeerError:
		p := b.peerFor(env.CallID)
		if p == nil {
			return
		}
		if env.Code == codePeerUnreachable {
			p.fail(signaling.ErrPeerUnreachable)
		} else {
			p.fail(fmt.Errorf("peer error: %s", env.Reason))
		}

	default:
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"type":     env.Type,
		}).Debug("Ignoring unknown envelope type")
	}
}

// handleRemoteOffer adapts a routed SDP offer into a pending incoming
// offer for the signaling session to arbitrate.
func (b *Broker) handleRemoteOffer(env envelope) {
	b.mu.Lock()
	fn := b.incomingCb
	b.mu.Unlock()

	caller := signaling.Profile{ID: env.From}
	if env.Caller != nil {
		caller = *env.Caller
	}
	mediaType := media.TypeAudio
	if env.Media == string(media.TypeVideo) {
		mediaType = media.TypeVideo
	}

	pending := &pendingAnswer{
		broker: b,
		callID: env.CallID,
		from:   env.From,
		sdp:    env.SDP,
	}

	if fn == nil {
		pending.Decline()
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleRemoteOffer",
		"caller":   caller.ID,
		"call_id":  env.CallID,
		"media":    mediaType,
	}).Info("Inbound offer routed from rendezvous")

	fn(&signaling.IncomingOffer{
		Caller:  caller,
		Media:   mediaType,
		Pending: pending,
	})
}

// handleSocketDown reports a lost rendezvous connection, once, for the
// connection that actually failed. Only an established registration is
// reported as a network loss: a socket closed during a failed Register
// attempt (collision rejection, ack timeout) belongs to that attempt and
// must not surface as a separate outage.
func (b *Broker) handleSocketDown(conn *websocket.Conn, err error) {
	b.mu.Lock()
	if b.closed || b.conn != conn {
		b.mu.Unlock()
		return
	}
	established := b.registered
	b.conn = nil
	b.registered = false
	fn := b.netDownCb
	b.mu.Unlock()

	if !established {
		// A Register call may still be waiting on its ack; hand it the
		// failure instead. No-op when the result was already delivered.
		b.deliverRegResult(fmt.Errorf("%w: %v", signaling.ErrNetworkUnavailable, err))
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleSocketDown",
		"error":    err.Error(),
	}).Warn("Rendezvous connection lost")

	if fn != nil {
		fn(fmt.Errorf("%w: %v", signaling.ErrNetworkUnavailable, err))
	}
}

func (b *Broker) deliverRegResult(err error) {
	b.mu.Lock()
	ch := b.regResult
	b.regResult = nil
	b.mu.Unlock()

	if ch != nil {
		ch <- err
	}
}

func (b *Broker) addPeer(callID string, p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[callID] = p
}

func (b *Broker) peerFor(callID string) *peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peers[callID]
}

func (b *Broker) removePeer(callID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, callID)
}

// send writes an envelope on the current rendezvous connection.
func (b *Broker) send(env envelope) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return signaling.ErrNetworkUnavailable
	}
	return b.writeEnvelope(conn, env)
}

// writeEnvelope serializes a single envelope; websocket writers are not
// concurrency-safe, hence the write mutex.
func (b *Broker) writeEnvelope(conn *websocket.Conn, env envelope) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// webrtcConfig builds the pion configuration from the broker's ICE list.
func (b *Broker) webrtcConfig() webrtc.Configuration {
	if len(b.cfg.ICEServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: b.cfg.ICEServers}},
	}
}

// pendingAnswer is the callee-side handle to a not-yet-answered offer.
type pendingAnswer struct {
	broker *Broker
	callID string
	from   signaling.Identity
	sdp    string

	mu       sync.Mutex
	resolved bool
}

// Answer builds the callee's peer connection, applies the remote offer,
// and returns the live transport handle.
func (a *pendingAnswer) Answer(local media.Stream) (signaling.OfferHandle, error) {
	a.mu.Lock()
	if a.resolved {
		a.mu.Unlock()
		return nil, signaling.ErrOfferClosed
	}
	a.resolved = true
	a.mu.Unlock()

	p, err := a.broker.newPeer(a.callID, a.from, local)
	if err != nil {
		return nil, err
	}

	err = p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  a.sdp,
	})
	if err != nil {
		p.teardown()
		return nil, fmt.Errorf("apply remote offer: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		p.teardown()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		p.teardown()
		return nil, fmt.Errorf("set local description: %w", err)
	}

	a.broker.addPeer(a.callID, p)

	err = a.broker.send(envelope{
		Type:   msgAnswer,
		To:     a.from,
		CallID: a.callID,
		SDP:    answer.SDP,
	})
	if err != nil {
		p.teardown()
		return nil, fmt.Errorf("send answer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Answer",
		"call_id":  a.callID,
		"from":     a.from,
	}).Info("Inbound offer answered")

	return p, nil
}

// Decline closes the pending negotiation without answering; also the
// silent busy signal. Idempotent.
func (a *pendingAnswer) Decline() {
	a.mu.Lock()
	if a.resolved {
		a.mu.Unlock()
		return
	}
	a.resolved = true
	a.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Decline",
		"call_id":  a.callID,
	}).Debug("Declining pending offer")

	b := a.broker
	if err := b.send(envelope{Type: msgBye, To: a.from, CallID: a.callID}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Decline",
			"call_id":  a.callID,
			"error":    err.Error(),
		}).Debug("Could not notify peer of decline")
	}
}
