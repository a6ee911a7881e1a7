package signaling

import (
	"sync"

	"github.com/opd-ai/rtcall/media"
)

// fakeBroker scripts registration outcomes and dial results for session
// tests.
type fakeBroker struct {
	mu              sync.Mutex
	registerResults []error
	registeredIDs   []Identity
	dialResults     []dialResult
	dials           int
	closed          bool

	incomingCb func(*IncomingOffer)
	netDownCb  func(error)
}

type dialResult struct {
	handle OfferHandle
	err    error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{}
}

// queueRegister appends scripted Register outcomes; once exhausted,
// Register succeeds.
func (b *fakeBroker) queueRegister(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registerResults = append(b.registerResults, errs...)
}

func (b *fakeBroker) queueDial(handle OfferHandle, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialResults = append(b.dialResults, dialResult{handle: handle, err: err})
}

func (b *fakeBroker) Register(id Identity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registeredIDs = append(b.registeredIDs, id)
	if len(b.registerResults) == 0 {
		return nil
	}
	err := b.registerResults[0]
	b.registerResults = b.registerResults[1:]
	return err
}

func (b *fakeBroker) OnIncomingOffer(fn func(*IncomingOffer)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.incomingCb = fn
}

func (b *fakeBroker) OnNetworkDown(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.netDownCb = fn
}

func (b *fakeBroker) Dial(target Identity, local media.Stream, meta OfferMetadata) (OfferHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if len(b.dialResults) == 0 {
		return newFakeHandle(), nil
	}
	r := b.dialResults[0]
	b.dialResults = b.dialResults[1:]
	return r.handle, r.err
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) identities() []Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Identity, len(b.registeredIDs))
	copy(out, b.registeredIDs)
	return out
}

func (b *fakeBroker) deliverOffer(offer *IncomingOffer) {
	b.mu.Lock()
	fn := b.incomingCb
	b.mu.Unlock()
	if fn != nil {
		fn(offer)
	}
}

func (b *fakeBroker) dropNetwork(err error) {
	b.mu.Lock()
	fn := b.netDownCb
	b.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// fakeHandle is a scriptable transport handle.
type fakeHandle struct {
	mu             sync.Mutex
	onStream       func(media.Stream)
	onClose        func()
	onError        func(error)
	onConnectivity func(ConnectivityState)
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

func (h *fakeHandle) OnConnectivityChange(fn func(ConnectivityState)) {
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

func (h *fakeHandle) fireConnectivity(state ConnectivityState) {
	h.mu.Lock()
	fn := h.onConnectivity
	h.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// fakeAnswer is a scriptable pending-answer handle.
type fakeAnswer struct {
	mu       sync.Mutex
	handle   OfferHandle
	err      error
	answered bool
	declined bool
}

func (a *fakeAnswer) Answer(local media.Stream) (OfferHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answered = true
	if a.err != nil {
		return nil, a.err
	}
	if a.handle == nil {
		a.handle = newFakeHandle()
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
