package webrtcbroker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rtcall/media"
	"github.com/opd-ai/rtcall/signaling"
)

// rendezvous is a single-client in-process rendezvous server. It records
// every envelope the client sends and lets tests push envelopes back.
type rendezvous struct {
	srv     *httptest.Server
	inbound chan envelope

	mu   sync.Mutex
	conn *websocket.Conn
}

func newRendezvous(t *testing.T) *rendezvous {
	t.Helper()
	rv := &rendezvous{inbound: make(chan envelope, 64)}
	upgrader := websocket.Upgrader{}
	rv.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rv.mu.Lock()
		rv.conn = conn
		rv.mu.Unlock()
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			rv.inbound <- env
		}
	}))
	t.Cleanup(rv.srv.Close)
	return rv
}

func (rv *rendezvous) url() string {
	return "ws" + strings.TrimPrefix(rv.srv.URL, "http")
}

func (rv *rendezvous) send(t *testing.T, env envelope) {
	t.Helper()
	rv.mu.Lock()
	conn := rv.conn
	rv.mu.Unlock()
	require.NotNil(t, conn, "no client connected")
	require.NoError(t, conn.WriteJSON(env))
}

// expect drains inbound envelopes until one of the wanted type arrives.
// Interleaved envelopes of other types (trickled candidates) are skipped.
func (rv *rendezvous) expect(t *testing.T, wantType string) envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-rv.inbound:
			if env.Type == wantType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q envelope", wantType)
		}
	}
}

func (rv *rendezvous) dropClient() {
	rv.mu.Lock()
	conn := rv.conn
	rv.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// registeredBroker completes a registration handshake against rv.
func registeredBroker(t *testing.T, rv *rendezvous) *Broker {
	t.Helper()
	b, err := New(Config{ServerURL: rv.url()})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	done := make(chan error, 1)
	go func() { done <- b.Register("alice") }()

	env := rv.expect(t, msgRegister)
	assert.Equal(t, signaling.Identity("alice"), env.From)
	rv.send(t, envelope{Type: msgRegistered})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("registration did not complete")
	}
	return b
}

// rtpAudioTrack is a transmittable local track backed by a static pion
// RTP track.
type rtpAudioTrack struct {
	*media.BaseTrack
	local webrtc.TrackLocal
}

func newRTPAudioTrack(t *testing.T, id string) *rtpAudioTrack {
	t.Helper()
	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, id, "rtcall")
	require.NoError(t, err)
	return &rtpAudioTrack{
		BaseTrack: media.NewTrack(id, media.TrackKindAudio, nil),
		local:     local,
	}
}

func (t *rtpAudioTrack) RTPTrack() webrtc.TrackLocal { return t.local }

func TestNewRequiresServerURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("wss://rv.example.com/ws")
	assert.Equal(t, "wss://rv.example.com/ws", cfg.ServerURL)
	require.Len(t, cfg.ICEServers, 1)
	assert.Contains(t, cfg.ICEServers[0], "stun:")
}

func TestRegisterSuccess(t *testing.T) {
	rv := newRendezvous(t)
	registeredBroker(t, rv)
}

func TestRegisterIdentityTaken(t *testing.T) {
	rv := newRendezvous(t)
	b, err := New(Config{ServerURL: rv.url()})
	require.NoError(t, err)
	defer b.Close()

	done := make(chan error, 1)
	go func() { done <- b.Register("alice") }()

	rv.expect(t, msgRegister)
	rv.send(t, envelope{Type: msgRegisterError, Code: codeIdentityTaken})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, signaling.ErrIdentityTaken)
	case <-time.After(2 * time.Second):
		t.Fatal("registration did not resolve")
	}
}

func TestRegisterServerUnreachable(t *testing.T) {
	b, err := New(Config{
		ServerURL:        "ws://127.0.0.1:1/ws",
		HandshakeTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	defer b.Close()

	assert.ErrorIs(t, b.Register("alice"), signaling.ErrNetworkUnavailable)
}

func TestNetworkDownAfterSocketLoss(t *testing.T) {
	rv := newRendezvous(t)
	b, err := New(Config{ServerURL: rv.url()})
	require.NoError(t, err)
	defer b.Close()

	lost := make(chan error, 1)
	b.OnNetworkDown(func(err error) { lost <- err })

	done := make(chan error, 1)
	go func() { done <- b.Register("alice") }()
	rv.expect(t, msgRegister)
	rv.send(t, envelope{Type: msgRegistered})
	require.NoError(t, <-done)

	rv.dropClient()

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, signaling.ErrNetworkUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("socket loss was not reported")
	}
}

func TestIncomingOfferRouting(t *testing.T) {
	rv := newRendezvous(t)
	b := registeredBroker(t, rv)

	offers := make(chan *signaling.IncomingOffer, 1)
	b.OnIncomingOffer(func(o *signaling.IncomingOffer) { offers <- o })

	rv.send(t, envelope{
		Type:   msgOffer,
		From:   "bob",
		CallID: "call-1",
		SDP:    "v=0",
		Caller: &signaling.Profile{ID: "bob", DisplayName: "Bob"},
		Media:  string(media.TypeVideo),
	})

	var offer *signaling.IncomingOffer
	select {
	case offer = <-offers:
	case <-time.After(2 * time.Second):
		t.Fatal("offer was not delivered")
	}
	assert.Equal(t, signaling.Identity("bob"), offer.Caller.ID)
	assert.Equal(t, "Bob", offer.Caller.DisplayName)
	assert.Equal(t, media.TypeVideo, offer.Media)

	// Declining routes a bye back to the caller.
	offer.Pending.Decline()
	bye := rv.expect(t, msgBye)
	assert.Equal(t, signaling.Identity("bob"), bye.To)
	assert.Equal(t, "call-1", bye.CallID)
}

func TestIncomingOfferDefaults(t *testing.T) {
	rv := newRendezvous(t)
	b := registeredBroker(t, rv)

	offers := make(chan *signaling.IncomingOffer, 1)
	b.OnIncomingOffer(func(o *signaling.IncomingOffer) { offers <- o })

	// No caller profile, no media field.
	rv.send(t, envelope{Type: msgOffer, From: "bob", CallID: "call-2", SDP: "v=0"})

	select {
	case offer := <-offers:
		assert.Equal(t, signaling.Identity("bob"), offer.Caller.ID, "caller defaults to the routing identity")
		assert.Equal(t, media.TypeAudio, offer.Media, "media defaults to audio")
	case <-time.After(2 * time.Second):
		t.Fatal("offer was not delivered")
	}
}

func TestDialSendsOffer(t *testing.T) {
	rv := newRendezvous(t)
	b := registeredBroker(t, rv)

	local := media.NewStream("local")
	local.AddTrack(newRTPAudioTrack(t, "mic"))

	handle, err := b.Dial("bob", local, signaling.OfferMetadata{
		Caller: signaling.Profile{ID: "alice", DisplayName: "Alice"},
		Media:  media.TypeAudio,
	})
	require.NoError(t, err)
	defer handle.Close()

	env := rv.expect(t, msgOffer)
	assert.Equal(t, signaling.Identity("bob"), env.To)
	assert.NotEmpty(t, env.CallID)
	assert.NotEmpty(t, env.SDP)
	require.NotNil(t, env.Caller)
	assert.Equal(t, signaling.Identity("alice"), env.Caller.ID)
	assert.Equal(t, string(media.TypeAudio), env.Media)
}

func TestDialRequiresRegistration(t *testing.T) {
	b, err := New(Config{ServerURL: "ws://unused.invalid/ws"})
	require.NoError(t, err)

	_, err = b.Dial("bob", nil, signaling.OfferMetadata{})
	assert.ErrorIs(t, err, signaling.ErrNotRegistered)
}

func TestPeerUnreachableRouting(t *testing.T) {
	rv := newRendezvous(t)
	b := registeredBroker(t, rv)

	local := media.NewStream("local")
	local.AddTrack(newRTPAudioTrack(t, "mic"))
	handle, err := b.Dial("bob", local, signaling.OfferMetadata{Media: media.TypeAudio})
	require.NoError(t, err)

	errs := make(chan error, 1)
	closes := make(chan struct{}, 1)
	handle.OnError(func(err error) { errs <- err })
	handle.OnClose(func() { closes <- struct{}{} })

	env := rv.expect(t, msgOffer)
	rv.send(t, envelope{Type: msgPeerError, CallID: env.CallID, Code: codePeerUnreachable})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, signaling.ErrPeerUnreachable)
	case <-time.After(2 * time.Second):
		t.Fatal("peer error was not surfaced")
	}
	select {
	case <-closes:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not follow the terminal error")
	}
}

func TestRemoteByeClosesHandle(t *testing.T) {
	rv := newRendezvous(t)
	b := registeredBroker(t, rv)

	local := media.NewStream("local")
	local.AddTrack(newRTPAudioTrack(t, "mic"))
	handle, err := b.Dial("bob", local, signaling.OfferMetadata{Media: media.TypeAudio})
	require.NoError(t, err)

	closes := make(chan struct{}, 1)
	handle.OnClose(func() { closes <- struct{}{} })

	env := rv.expect(t, msgOffer)
	rv.send(t, envelope{Type: msgBye, CallID: env.CallID})

	select {
	case <-closes:
	case <-time.After(2 * time.Second):
		t.Fatal("remote bye did not close the handle")
	}
}

func TestCloseSendsBye(t *testing.T) {
	rv := newRendezvous(t)
	b := registeredBroker(t, rv)

	local := media.NewStream("local")
	local.AddTrack(newRTPAudioTrack(t, "mic"))
	handle, err := b.Dial("bob", local, signaling.OfferMetadata{Media: media.TypeAudio})
	require.NoError(t, err)
	offerEnv := rv.expect(t, msgOffer)

	handle.Close()
	bye := rv.expect(t, msgBye)
	assert.Equal(t, signaling.Identity("bob"), bye.To)
	assert.Equal(t, offerEnv.CallID, bye.CallID)
}

func TestReplaceVideoTrackRejectsNonRTP(t *testing.T) {
	rv := newRendezvous(t)
	b := registeredBroker(t, rv)

	local := media.NewStream("local")
	local.AddTrack(newRTPAudioTrack(t, "mic"))
	handle, err := b.Dial("bob", local, signaling.OfferMetadata{Media: media.TypeAudio})
	require.NoError(t, err)
	defer handle.Close()

	err = handle.ReplaceVideoTrack(media.NewTrack("v1", media.TrackKindVideo, nil))
	assert.Error(t, err, "tracks without an RTP source cannot be transmitted")
}

func TestConnectivityMapping(t *testing.T) {
	cases := map[webrtc.ICEConnectionState]signaling.ConnectivityState{
		webrtc.ICEConnectionStateNew:          signaling.ConnectivityNew,
		webrtc.ICEConnectionStateChecking:     signaling.ConnectivityChecking,
		webrtc.ICEConnectionStateConnected:    signaling.ConnectivityConnected,
		webrtc.ICEConnectionStateCompleted:    signaling.ConnectivityCompleted,
		webrtc.ICEConnectionStateDisconnected: signaling.ConnectivityDisconnected,
		webrtc.ICEConnectionStateFailed:       signaling.ConnectivityFailed,
		webrtc.ICEConnectionStateClosed:       signaling.ConnectivityClosed,
	}
	for ice, want := range cases {
		assert.Equal(t, want, connectivityOf(ice), "state %s", ice)
	}
}

func TestIdentityCollisionDoesNotReportNetworkDown(t *testing.T) {
	rv := newRendezvous(t)
	b, err := New(Config{ServerURL: rv.url()})
	require.NoError(t, err)
	defer b.Close()

	lost := make(chan error, 1)
	b.OnNetworkDown(func(err error) { lost <- err })

	done := make(chan error, 1)
	go func() { done <- b.Register("alice") }()
	rv.expect(t, msgRegister)
	rv.send(t, envelope{Type: msgRegisterError, Code: codeIdentityTaken})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, signaling.ErrIdentityTaken)
	case <-time.After(2 * time.Second):
		t.Fatal("registration did not resolve")
	}

	select {
	case err := <-lost:
		t.Fatalf("collision rejection surfaced as a network loss: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSocketLossDuringRegistrationFailsAttemptQuietly(t *testing.T) {
	rv := newRendezvous(t)
	b, err := New(Config{ServerURL: rv.url()})
	require.NoError(t, err)
	defer b.Close()

	lost := make(chan error, 1)
	b.OnNetworkDown(func(err error) { lost <- err })

	done := make(chan error, 1)
	go func() { done <- b.Register("alice") }()
	rv.expect(t, msgRegister)
	rv.dropClient()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, signaling.ErrNetworkUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("registration did not resolve after the socket loss")
	}

	select {
	case err := <-lost:
		t.Fatalf("pre-registration socket loss surfaced as a network loss: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPeerErrorBeforeCallbacksIsReplayed(t *testing.T) {
	rv := newRendezvous(t)
	b := registeredBroker(t, rv)

	local := media.NewStream("local")
	local.AddTrack(newRTPAudioTrack(t, "mic"))
	handle, err := b.Dial("bob", local, signaling.OfferMetadata{Media: media.TypeAudio})
	require.NoError(t, err)

	env := rv.expect(t, msgOffer)
	rv.send(t, envelope{Type: msgPeerError, CallID: env.CallID, Code: codePeerUnreachable})

	// Teardown unroutes the call once the error is processed; only then
	// register the callbacks, after the events have already fired.
	deadline := time.Now().Add(2 * time.Second)
	for b.peerFor(env.CallID) != nil {
		if time.Now().After(deadline) {
			t.Fatal("peer error was not processed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	errs := make(chan error, 1)
	handle.OnError(func(err error) { errs <- err })
	closes := make(chan struct{}, 1)
	handle.OnClose(func() { closes <- struct{}{} })

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, signaling.ErrPeerUnreachable)
	default:
		t.Fatal("pre-registration peer error was not replayed")
	}
	select {
	case <-closes:
	default:
		t.Fatal("pre-registration closure was not replayed")
	}
}

func TestRemoteByeBeforeCallbacksIsReplayed(t *testing.T) {
	rv := newRendezvous(t)
	b := registeredBroker(t, rv)

	local := media.NewStream("local")
	local.AddTrack(newRTPAudioTrack(t, "mic"))
	handle, err := b.Dial("bob", local, signaling.OfferMetadata{Media: media.TypeAudio})
	require.NoError(t, err)

	env := rv.expect(t, msgOffer)
	rv.send(t, envelope{Type: msgBye, CallID: env.CallID})

	deadline := time.Now().Add(2 * time.Second)
	for b.peerFor(env.CallID) != nil {
		if time.Now().After(deadline) {
			t.Fatal("bye was not processed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	closes := make(chan struct{}, 1)
	handle.OnClose(func() { closes <- struct{}{} })

	select {
	case <-closes:
	default:
		t.Fatal("pre-registration remote close was not replayed")
	}
}
