package call

import (
	"fmt"
	"sync"

	"github.com/opd-ai/rtcall/device"
	"github.com/opd-ai/rtcall/media"
	"github.com/opd-ai/rtcall/signaling"
)

// fakeBroker is an in-memory signaling broker whose dials hand out
// scriptable transport handles.
type fakeBroker struct {
	mu         sync.Mutex
	handles    []*fakeHandle
	dialErr    error
	lastTarget signaling.Identity
	lastLocal  media.Stream
	lastMeta   signaling.OfferMetadata

	incomingCb func(*signaling.IncomingOffer)
	netDownCb  func(error)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{}
}

func (b *fakeBroker) Register(id signaling.Identity) error { return nil }

func (b *fakeBroker) OnIncomingOffer(fn func(*signaling.IncomingOffer)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.incomingCb = fn
}

func (b *fakeBroker) OnNetworkDown(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.netDownCb = fn
}

func (b *fakeBroker) Dial(target signaling.Identity, local media.Stream, meta signaling.OfferMetadata) (signaling.OfferHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	b.lastTarget = target
	b.lastLocal = local
	b.lastMeta = meta
	h := newFakeHandle()
	b.handles = append(b.handles, h)
	return h, nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) lastHandle() *fakeHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.handles) == 0 {
		return nil
	}
	return b.handles[len(b.handles)-1]
}

func (b *fakeBroker) deliverOffer(offer *signaling.IncomingOffer) {
	b.mu.Lock()
	fn := b.incomingCb
	b.mu.Unlock()
	if fn != nil {
		fn(offer)
	}
}

// fakeHandle is a scriptable transport handle for either call role.
type fakeHandle struct {
	mu             sync.Mutex
	onStream       func(media.Stream)
	onClose        func()
	onError        func(error)
	onConnectivity func(signaling.ConnectivityState)
	replaced       []media.Track
	replaceErr     error
	closeCount     int
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{}
}

func (h *fakeHandle) OnStream(fn func(media.Stream)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onStream = fn
}

func (h *fakeHandle) OnClose(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = fn
}

func (h *fakeHandle) OnError(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onError = fn
}

func (h *fakeHandle) OnConnectivityChange(fn func(signaling.ConnectivityState)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnectivity = fn
}

func (h *fakeHandle) ReplaceVideoTrack(t media.Track) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.replaceErr != nil {
		return h.replaceErr
	}
	h.replaced = append(h.replaced, t)
	return nil
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCount++
}

func (h *fakeHandle) closes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeCount
}

func (h *fakeHandle) replacedTracks() []media.Track {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]media.Track, len(h.replaced))
	copy(out, h.replaced)
	return out
}

func (h *fakeHandle) fireStream(s media.Stream) {
	h.mu.Lock()
	fn := h.onStream
	h.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (h *fakeHandle) fireClose() {
	h.mu.Lock()
	fn := h.onClose
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (h *fakeHandle) fireError(err error) {
	h.mu.Lock()
	fn := h.onError
	h.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (h *fakeHandle) fireConnectivity(state signaling.ConnectivityState) {
	h.mu.Lock()
	fn := h.onConnectivity
	h.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// fakeAnswer is a pending inbound negotiation that answers with a
// fakeHandle.
type fakeAnswer struct {
	mu        sync.Mutex
	handle    *fakeHandle
	answerErr error
	answered  bool
	declined  bool
	localSeen media.Stream
}

func newFakeAnswer() *fakeAnswer {
	return &fakeAnswer{handle: newFakeHandle()}
}

func (a *fakeAnswer) Answer(local media.Stream) (signaling.OfferHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answered = true
	a.localSeen = local
	if a.answerErr != nil {
		return nil, a.answerErr
	}
	return a.handle, nil
}

func (a *fakeAnswer) Decline() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.declined = true
}

func (a *fakeAnswer) wasDeclined() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.declined
}

// fakeBackend is an in-memory capture backend.
type fakeBackend struct {
	mu          sync.Mutex
	cameras     []device.Info
	micErr      error
	micHook     func()
	cameraErr   map[string]error
	nextTrackID int
}

func newFakeBackend(cameraCount int) *fakeBackend {
	b := &fakeBackend{cameraErr: make(map[string]error)}
	for i := 0; i < cameraCount; i++ {
		b.cameras = append(b.cameras, device.Info{
			ID:    fmt.Sprintf("cam-%d", i),
			Label: fmt.Sprintf("Camera %d", i),
		})
	}
	return b
}

func (b *fakeBackend) Cameras() ([]device.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cameras, nil
}

func (b *fakeBackend) OpenMicrophone() (media.Track, error) {
	b.mu.Lock()
	hook := b.micHook
	b.mu.Unlock()
	if hook != nil {
		hook()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.micErr != nil {
		return nil, b.micErr
	}
	b.nextTrackID++
	return media.NewTrack(fmt.Sprintf("mic-%d", b.nextTrackID), media.TrackKindAudio, nil), nil
}

func (b *fakeBackend) OpenCamera(deviceID string) (media.Track, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.cameraErr[deviceID]; ok && err != nil {
		return nil, err
	}
	b.nextTrackID++
	return media.NewTrack(fmt.Sprintf("video-%d", b.nextTrackID), media.TrackKindVideo, nil), nil
}

// remoteStreamWithTracks builds a remote stream carrying one live audio
// and one live video track.
func remoteStreamWithTracks(id string) *media.MediaStream {
	s := media.NewStream(id)
	s.AddTrack(media.NewTrack(id+"-audio", media.TrackKindAudio, nil))
	s.AddTrack(media.NewTrack(id+"-video", media.TrackKindVideo, nil))
	return s
}
