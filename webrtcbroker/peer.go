package webrtcbroker

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtcall/media"
	"github.com/opd-ai/rtcall/signaling"
)

// peer wraps one PeerConnection and implements signaling.OfferHandle for
// both call roles.
type peer struct {
	broker *Broker
	callID string
	target signaling.Identity

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	videoSender  *webrtc.RTPSender
	remote       *media.MediaStream
	remoteTracks []*remoteTrack
	streamFired  bool
	streamSent   bool
	closed       bool

	// Terminal events routed back before the consumer wires its
	// callbacks are latched here and replayed on registration.
	latchedErr error
	latchedBye bool

	onStream       func(media.Stream)
	onClose        func()
	onError        func(error)
	onConnectivity func(signaling.ConnectivityState)
}

// newPeer builds the PeerConnection, attaches the transmittable local
// tracks, and wires the pion callbacks.
func (b *Broker) newPeer(callID string, target signaling.Identity, local media.Stream) (*peer, error) {
	pc, err := webrtc.NewPeerConnection(b.webrtcConfig())
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &peer{
		broker: b,
		callID: callID,
		target: target,
		pc:     pc,
		remote: media.NewStream(callID),
	}

	if local != nil {
		for _, t := range local.Tracks() {
			rt, ok := t.(RTPLocalTrack)
			if !ok {
				logrus.WithFields(logrus.Fields{
					"function": "newPeer",
					"call_id":  callID,
					"track_id": t.ID(),
					"kind":     t.Kind(),
				}).Warn("Local track cannot supply RTP, not transmitting it")
				continue
			}
			sender, err := pc.AddTrack(rt.RTPTrack())
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("add local track %s: %w", t.ID(), err)
			}
			if t.Kind() == media.TrackKindVideo {
				p.videoSender = sender
			}
		}
	}

	pc.OnTrack(func(src *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.handleRemoteTrack(src)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.handleICEState(state)
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b.send(envelope{
			Type:      msgCandidate,
			To:        target,
			CallID:    callID,
			Candidate: c.ToJSON().Candidate,
		})
	})

	return p, nil
}

// OnStream registers the remote-media callback. A stream that arrived
// before registration is delivered immediately.
func (p *peer) OnStream(fn func(media.Stream)) {
	p.mu.Lock()
	p.onStream = fn
	replay := fn != nil && p.streamFired && !p.streamSent && !p.closed
	if replay {
		p.streamSent = true
	}
	remote := p.remote
	p.mu.Unlock()

	if replay {
		fn(remote)
	}
}

// OnClose registers the terminal-closure callback. A remote bye or
// failure that already closed the peer is replayed immediately.
func (p *peer) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = fn
	replay := fn != nil && p.latchedBye
	if replay {
		p.latchedBye = false
	}
	p.mu.Unlock()

	if replay {
		fn()
	}
}

// OnError registers the transport error callback. An error that fired
// before registration is replayed immediately.
func (p *peer) OnError(fn func(error)) {
	p.mu.Lock()
	p.onError = fn
	err := p.latchedErr
	if fn != nil {
		p.latchedErr = nil
	}
	p.mu.Unlock()

	if fn != nil && err != nil {
		fn(err)
	}
}

// OnConnectivityChange registers the ICE connectivity callback.
func (p *peer) OnConnectivityChange(fn func(signaling.ConnectivityState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectivity = fn
}

// ReplaceVideoTrack swaps the outgoing video source on the live sender
// without renegotiation.
func (p *peer) ReplaceVideoTrack(t media.Track) error {
	rt, ok := t.(RTPLocalTrack)
	if !ok {
		return fmt.Errorf("track %s cannot supply RTP", t.ID())
	}

	p.mu.Lock()
	sender := p.videoSender
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return signaling.ErrOfferClosed
	}
	if sender == nil {
		return fmt.Errorf("no video sender on call %s", p.callID)
	}

	if err := sender.ReplaceTrack(rt.RTPTrack()); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "ReplaceVideoTrack",
		"call_id":  p.callID,
		"track_id": t.ID(),
	}).Info("Outgoing video track replaced in place")

	return nil
}

// Close tears the transport down from this side, telling the peer first.
func (p *peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.broker.send(envelope{Type: msgBye, To: p.target, CallID: p.callID})
	p.teardown()
}

// handleRemoteTrack adapts an arriving pion track and fires the stream
// event on the first one.
func (p *peer) handleRemoteTrack(src *webrtc.TrackRemote) {
	track := newRemoteTrack(src)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		track.close()
		return
	}
	p.remote.AddTrack(track)
	p.remoteTracks = append(p.remoteTracks, track)
	first := !p.streamFired
	p.streamFired = true
	fn := p.onStream
	if first && fn != nil {
		p.streamSent = true
	}
	remote := p.remote
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleRemoteTrack",
		"call_id":  p.callID,
		"track_id": src.ID(),
		"kind":     src.Kind().String(),
	}).Info("Remote track arrived")

	if first && fn != nil {
		fn(remote)
	}
}

func (p *peer) handleICEState(state webrtc.ICEConnectionState) {
	p.mu.Lock()
	closed := p.closed
	fn := p.onConnectivity
	p.mu.Unlock()

	if closed {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":  "handleICEState",
		"call_id":   p.callID,
		"ice_state": state.String(),
	}).Debug("ICE connectivity changed")

	if fn != nil {
		fn(connectivityOf(state))
	}
}

// handleAnswer applies the callee's SDP answer.
func (p *peer) handleAnswer(sdp string) {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		p.fail(fmt.Errorf("apply answer: %w", err))
	}
}

// handleCandidate applies a trickled remote ICE candidate.
func (p *peer) handleCandidate(candidate string) {
	err := p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleCandidate",
			"call_id":  p.callID,
			"error":    err.Error(),
		}).Debug("Discarding unusable ICE candidate")
	}
}

// handleBye reacts to the far side closing the call.
func (p *peer) handleBye() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	fn := p.onClose
	if fn == nil {
		p.latchedBye = true
	}
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleBye",
		"call_id":  p.callID,
	}).Info("Far side closed the call")

	p.teardown()
	if fn != nil {
		fn()
	}
}

// fail reports a transport error and closes.
func (p *peer) fail(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	errFn := p.onError
	closeFn := p.onClose
	if errFn == nil {
		p.latchedErr = err
	}
	if closeFn == nil {
		p.latchedBye = true
	}
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "fail",
		"call_id":  p.callID,
		"error":    err.Error(),
	}).Warn("Call transport failed")

	if errFn != nil {
		errFn(err)
	}
	p.teardown()
	if closeFn != nil {
		closeFn()
	}
}

// teardown releases the PeerConnection and adapted remote tracks, and
// removes the peer from the broker's routing table.
func (p *peer) teardown() {
	p.mu.Lock()
	tracks := p.remoteTracks
	p.remoteTracks = nil
	pc := p.pc
	p.mu.Unlock()

	for _, t := range tracks {
		t.close()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "teardown",
				"call_id":  p.callID,
				"error":    err.Error(),
			}).Debug("Peer connection close reported an error")
		}
	}
	p.broker.removePeer(p.callID)
}
