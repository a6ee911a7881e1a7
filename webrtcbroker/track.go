package webrtcbroker

import (
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtcall/media"
	"github.com/opd-ai/rtcall/signaling"
)

// starvationTimeout is how long a remote track may go without RTP before
// it is marked muted. The far side signals mute and camera-off purely by
// stopping media on the track, so starvation is the detection mechanism.
const starvationTimeout = 1 * time.Second

// payloadBuffer bounds the per-track queue feeding audio level metering.
const payloadBuffer = 32

// RTPLocalTrack is implemented by locally captured tracks that can supply
// a pion track for transmission. Capture backends targeting this broker
// return tracks satisfying it; tracks without it are not transmitted.
type RTPLocalTrack interface {
	media.Track
	RTPTrack() webrtc.TrackLocal
}

// remoteTrack adapts a pion TrackRemote into a media.Track. A read loop
// drains RTP, maintains the starvation-based muted flag, and queues audio
// payloads for the level meter.
type remoteTrack struct {
	*media.BaseTrack
	src *webrtc.TrackRemote

	mu         sync.Mutex
	lastPacket time.Time

	payloads chan []byte
	done     chan struct{}
}

func newRemoteTrack(src *webrtc.TrackRemote) *remoteTrack {
	kind := media.TrackKindAudio
	if src.Kind() == webrtc.RTPCodecTypeVideo {
		kind = media.TrackKindVideo
	}

	t := &remoteTrack{
		src:      src,
		payloads: make(chan []byte, payloadBuffer),
		done:     make(chan struct{}),
	}
	// Stop's single-shot hook ends the read, starvation, and metering
	// loops whether the stop came from teardown or from the RTP source
	// draining out.
	t.BaseTrack = media.NewTrack(src.ID(), kind, func() { close(t.done) })
	go t.readLoop()
	go t.starvationLoop()
	return t
}

// readLoop drains RTP from the source until it ends, tracking arrival
// times and forwarding audio payloads to the level queue.
func (t *remoteTrack) readLoop() {
	defer t.close()
	for {
		pkt, _, err := t.src.ReadRTP()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"track_id": t.ID(),
				"error":    err.Error(),
			}).Debug("Remote track ended")
			return
		}

		t.mu.Lock()
		t.lastPacket = time.Now()
		t.mu.Unlock()
		t.SetMuted(false)

		if t.Kind() == media.TrackKindAudio {
			t.queuePayload(payloadOf(pkt))
		}
	}
}

// starvationLoop flips the muted flag when no RTP has arrived within the
// starvation timeout.
func (t *remoteTrack) starvationLoop() {
	ticker := time.NewTicker(starvationTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.Lock()
			last := t.lastPacket
			t.mu.Unlock()
			if !last.IsZero() && time.Since(last) > starvationTimeout {
				t.SetMuted(true)
			}
		}
	}
}

// queuePayload enqueues an audio payload, dropping the oldest when the
// meter is not keeping up. Metering is best-effort.
func (t *remoteTrack) queuePayload(payload []byte) {
	if len(payload) == 0 {
		return
	}
	select {
	case t.payloads <- payload:
	default:
		select {
		case <-t.payloads:
		default:
		}
		select {
		case t.payloads <- payload:
		default:
		}
	}
}

// ReadPayload yields the next received audio payload, blocking until one
// arrives or the track ends with io.EOF. Satisfies audio.PayloadReader.
func (t *remoteTrack) ReadPayload() ([]byte, error) {
	select {
	case payload := <-t.payloads:
		return payload, nil
	case <-t.done:
		return nil, io.EOF
	}
}

// close ends the adapter's loops and stops the track.
func (t *remoteTrack) close() {
	t.Stop()
}

// payloadOf extracts the media payload from an RTP packet.
func payloadOf(pkt *rtp.Packet) []byte {
	if pkt == nil {
		return nil
	}
	return pkt.Payload
}

// connectivityOf maps a pion ICE connection state onto the signaling
// taxonomy.
func connectivityOf(state webrtc.ICEConnectionState) signaling.ConnectivityState {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return signaling.ConnectivityChecking
	case webrtc.ICEConnectionStateConnected:
		return signaling.ConnectivityConnected
	case webrtc.ICEConnectionStateCompleted:
		return signaling.ConnectivityCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return signaling.ConnectivityDisconnected
	case webrtc.ICEConnectionStateFailed:
		return signaling.ConnectivityFailed
	case webrtc.ICEConnectionStateClosed:
		return signaling.ConnectivityClosed
	default:
		return signaling.ConnectivityNew
	}
}
