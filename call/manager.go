package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtcall/audio"
	"github.com/opd-ai/rtcall/device"
	"github.com/opd-ai/rtcall/media"
	"github.com/opd-ai/rtcall/signaling"
	"github.com/opd-ai/rtcall/toast"
)

// User-visible toast wording. Remote hangup deliberately reads differently
// from a self-initiated one.
const (
	msgCallEnded      = "Call ended."
	msgRemoteEnded    = "The other party ended the call."
	msgCallFailed     = "Call failed."
	msgUnreachable    = "User is unreachable or offline."
	msgReconnecting   = "Connection lost, trying to reconnect."
	msgDeviceDegraded = "Camera or microphone unavailable, continuing without."
	msgCameraSwitch   = "Could not switch camera."
)

// Manager is the call lifecycle state machine.
//
// It owns at most one call (incoming-pending, active, or none) and is the
// sole arbiter of busy, accept, decline, and hangup transitions. Async
// completions carry the generation counter current when they were
// initiated; a completion whose generation is stale is discarded after
// releasing whatever resource it delivered.
type Manager struct {
	devices     *device.Manager
	signaler    *signaling.Session
	toasts      *toast.Emitter
	remoteLevel *audio.LevelMonitor

	mu            sync.Mutex
	self          signaling.Profile
	state         State
	generation    uint64
	session       *Session
	pending       *pendingOffer
	watchInterval time.Duration

	stateCb  func(State)
	remoteCb func(media.RemoteState)
}

// NewManager creates the state machine and registers it as the signaling
// session's inbound-offer arbiter.
func NewManager(devices *device.Manager, signaler *signaling.Session, toasts *toast.Emitter) (*Manager, error) {
	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
	}).Info("Creating call state machine")

	if devices == nil {
		return nil, errors.New("device manager cannot be nil")
	}
	if signaler == nil {
		return nil, errors.New("signaling session cannot be nil")
	}
	if toasts == nil {
		return nil, errors.New("toast emitter cannot be nil")
	}

	m := &Manager{
		devices:       devices,
		signaler:      signaler,
		toasts:        toasts,
		remoteLevel:   audio.NewLevelMonitor(),
		state:         StateIdle,
		watchInterval: media.DefaultWatchInterval,
	}
	signaler.SetOfferHandler(m.HandleOffer)

	return m, nil
}

// SetLocalProfile records the local user's identity-directory profile,
// attached as caller metadata to outbound offers.
func (m *Manager) SetLocalProfile(p signaling.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.self = p
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveSession returns the current call session, or nil.
func (m *Manager) ActiveSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// RemoteAudioLevel returns the normalized loudness of the remote audio
// stream in [0, 1], pinned at 0 when no call is connected. Intended for
// visual feedback only.
func (m *Manager) RemoteAudioLevel() float64 {
	return m.remoteLevel.Level()
}

// PendingCaller returns the profile behind the unanswered inbound offer.
// The second return is false when no offer is pending.
func (m *Manager) PendingCaller() (signaling.Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return signaling.Profile{}, false
	}
	return m.pending.caller, true
}

// SetStateCallback registers the lifecycle state listener consumed by the
// UI layer.
func (m *Manager) SetStateCallback(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCb = fn
}

// SetRemoteStateCallback registers the listener for inferred remote mute
// and camera state.
func (m *Manager) SetRemoteStateCallback(fn func(media.RemoteState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteCb = fn
}

// SetWatchInterval overrides the remote-state polling interval for
// subsequently connected calls.
func (m *Manager) SetWatchInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.watchInterval = d
	}
}

// PlaceCall initiates an outbound call. Valid only from the idle state.
//
// Device acquisition failure degrades rather than aborts: the user is
// warned and the call proceeds with whatever media was captured, possibly
// none.
func (m *Manager) PlaceCall(target signaling.Profile, mediaType media.Type) error {
	logrus.WithFields(logrus.Fields{
		"function":   "PlaceCall",
		"target":     target.ID,
		"media_type": mediaType,
	}).Info("Placing outbound call")

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "PlaceCall",
			"state":    m.state,
		}).Warn("Cannot place call outside idle state")
		return ErrCallInProgress
	}
	m.generation++
	gen := m.generation
	session := &Session{
		remote:     target,
		mediaType:  mediaType,
		role:       RoleCaller,
		startedAt:  time.Now(),
		generation: gen,
	}
	m.session = session
	m.state = StateConnecting
	m.mu.Unlock()

	m.notifyState(StateConnecting)

	local, devErr := m.devices.Acquire(mediaType, "")

	m.mu.Lock()
	if gen != m.generation {
		// Hung up while acquiring; release the late capture silently.
		m.mu.Unlock()
		if local != nil {
			local.Release()
		}
		return nil
	}
	session.local = local
	m.mu.Unlock()

	if devErr != nil {
		m.toasts.Error(msgDeviceDegraded)
	}

	var localStream media.Stream
	if local != nil {
		localStream = local.Stream()
	}
	m.mu.Lock()
	self := m.self
	m.mu.Unlock()

	offer, err := m.signaler.PlaceOffer(target.ID, localStream, signaling.OfferMetadata{
		Caller: self,
		Media:  mediaType,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PlaceCall",
			"target":   target.ID,
			"error":    err.Error(),
		}).Error("Offer placement failed")
		m.failCall(gen, msgCallFailed)
		return fmt.Errorf("place offer: %w", err)
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		offer.Close()
		return nil
	}
	session.offer = offer
	m.mu.Unlock()

	m.wireTransport(gen, offer)
	return nil
}

// HandleOffer arbitrates an inbound offer. Returning false tells the
// signaling session to close the offer's transport silently (busy); the
// existing call or pending offer is untouched either way.
func (m *Manager) HandleOffer(offer *signaling.IncomingOffer) bool {
	if offer == nil {
		return false
	}

	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "HandleOffer",
			"caller":   offer.Caller.ID,
			"state":    state,
		}).Info("Busy, rejecting inbound offer")
		return false
	}
	m.pending = &pendingOffer{
		caller:     offer.Caller,
		mediaType:  offer.Media,
		handle:     offer.Pending,
		receivedAt: time.Now(),
	}
	m.state = StateIncomingPending
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "HandleOffer",
		"caller":     offer.Caller.ID,
		"media_type": offer.Media,
	}).Info("Inbound offer pending")

	m.notifyState(StateIncomingPending)
	return true
}

// AcceptCall answers the pending inbound offer. Valid only from the
// incoming-pending state.
//
// When local media acquisition fails entirely the call still connects
// audio-silent after a warning, mirroring the degraded outbound path.
func (m *Manager) AcceptCall() error {
	m.mu.Lock()
	if m.state != StateIncomingPending || m.pending == nil {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	pending := m.pending
	m.pending = nil
	m.generation++
	gen := m.generation
	session := &Session{
		remote:        pending.caller,
		mediaType:     pending.mediaType,
		role:          RoleCallee,
		startedAt:     time.Now(),
		generation:    gen,
		answerPending: pending.handle,
	}
	m.session = session
	m.state = StateConnecting
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "AcceptCall",
		"caller":     pending.caller.ID,
		"media_type": pending.mediaType,
	}).Info("Accepting inbound call")

	m.notifyState(StateConnecting)

	local, devErr := m.devices.Acquire(pending.mediaType, "")

	m.mu.Lock()
	if gen != m.generation {
		// Hung up while acquiring; release the late capture silently.
		m.mu.Unlock()
		if local != nil {
			local.Release()
		}
		return nil
	}
	session.local = local
	m.mu.Unlock()

	if devErr != nil {
		m.toasts.Error(msgDeviceDegraded)
	}

	var localStream media.Stream
	if local != nil {
		localStream = local.Stream()
	}
	handle, err := pending.handle.Answer(localStream)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AcceptCall",
			"caller":   pending.caller.ID,
			"error":    err.Error(),
		}).Error("Answering transport failed")
		m.failCall(gen, msgCallFailed)
		return fmt.Errorf("answer offer: %w", err)
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		handle.Close()
		return nil
	}
	session.answerPending = nil
	session.answerHandle = handle
	m.mu.Unlock()

	m.wireTransport(gen, handle)
	return nil
}

// DeclineCall rejects the pending inbound offer, closing its transport.
// Silent: no toast on the declining side.
func (m *Manager) DeclineCall() error {
	m.mu.Lock()
	if m.state != StateIncomingPending || m.pending == nil {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	pending := m.pending
	m.pending = nil
	m.state = StateIdle
	m.generation++
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "DeclineCall",
		"caller":   pending.caller.ID,
	}).Info("Declining inbound call")

	pending.handle.Decline()
	m.notifyState(StateIdle)
	return nil
}

// CancelIncoming discards the pending inbound offer when the caller
// cancelled first. Same silent transition as DeclineCall.
func (m *Manager) CancelIncoming() error {
	return m.DeclineCall()
}

// HangUp ends the call from any active state. The state flips to idle
// synchronously; transport close and hardware release follow immediately
// after.
func (m *Manager) HangUp() error {
	m.mu.Lock()
	if !m.state.Active() {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	cleanup := m.teardownLocked()
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "HangUp",
	}).Info("Hanging up call")

	cleanup()
	m.toasts.Info(msgCallEnded)
	m.notifyState(StateIdle)
	return nil
}

// ToggleMute flips the local microphone's enabled flag without stopping
// the hardware. Returns the resulting muted state.
func (m *Manager) ToggleMute() (bool, error) {
	local, err := m.activeLocal()
	if err != nil {
		return false, err
	}
	return local.ToggleMute()
}

// ToggleVideo flips the local camera's enabled flag without stopping the
// hardware. Returns the resulting camera-off state.
func (m *Manager) ToggleVideo() (bool, error) {
	local, err := m.activeLocal()
	if err != nil {
		return false, err
	}
	return local.ToggleVideo()
}

// SwitchCamera cycles to the next enumerated camera and swaps the
// outgoing video track on the live transport. A failed switch keeps the
// previous camera and surfaces only a toast.
func (m *Manager) SwitchCamera() error {
	m.mu.Lock()
	if !m.state.Active() || m.session == nil || m.session.local == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	local := m.session.local
	replacer := m.session.transport()
	m.mu.Unlock()

	err := local.SwitchCamera(replacer)
	if errors.Is(err, device.ErrCameraSwitchFailed) {
		m.toasts.Error(msgCameraSwitch)
	}
	return err
}

// activeLocal returns the live call's local capture session.
func (m *Manager) activeLocal() (*device.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Active() || m.session == nil {
		return nil, ErrNoActiveCall
	}
	if m.session.local == nil {
		return nil, ErrNoLocalMedia
	}
	return m.session.local, nil
}

// wireTransport registers the generation-guarded event handlers on a live
// transport handle.
func (m *Manager) wireTransport(gen uint64, handle signaling.OfferHandle) {
	// Error before close: registration replays latched events, and a
	// terminal error must classify the failure before the close event
	// tears the call down.
	handle.OnStream(func(remote media.Stream) {
		m.handleRemoteStream(gen, remote)
	})
	handle.OnError(func(err error) {
		m.handleTransportError(gen, err)
	})
	handle.OnClose(func() {
		m.handleTransportClose(gen)
	})
	handle.OnConnectivityChange(func(state signaling.ConnectivityState) {
		m.handleConnectivity(gen, state)
	})
}

// handleRemoteStream applies a remote media arrival: the transition into
// the connected state. Stale or out-of-state arrivals release the stream
// immediately and change nothing.
func (m *Manager) handleRemoteStream(gen uint64, remote media.Stream) {
	m.mu.Lock()
	if gen != m.generation || m.session == nil ||
		(m.state != StateConnecting && m.state != StateReconnecting) {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleRemoteStream",
		}).Debug("Discarding stale remote stream")
		stopStream(remote)
		return
	}
	session := m.session
	oldStream := session.remoteStream
	oldWatcher := session.watcher
	session.remoteStream = remote
	session.connected = true
	m.state = StateConnected

	watcher := media.NewRemoteStateWatcher(remote, m.forwardRemoteState)
	watcher.SetInterval(m.watchInterval)
	session.watcher = watcher
	m.mu.Unlock()

	if oldWatcher != nil {
		oldWatcher.Stop()
	}
	if oldStream != nil && oldStream != remote {
		stopStream(oldStream)
	}
	watcher.Start()
	m.meterRemoteAudio(remote)

	logrus.WithFields(logrus.Fields{
		"function":  "handleRemoteStream",
		"remote":    session.remote.ID,
		"stream_id": remote.ID(),
	}).Info("Remote media arrived, call connected")

	m.notifyState(StateConnected)
}

// handleConnectivity reacts to ICE-level transitions once a call is
// connected: degradation enters reconnecting with an error toast,
// recovery returns to connected silently. The machine never terminates a
// prolonged reconnect itself; the transport's own close event does that.
func (m *Manager) handleConnectivity(gen uint64, state signaling.ConnectivityState) {
	m.mu.Lock()
	if gen != m.generation || m.session == nil {
		m.mu.Unlock()
		return
	}

	switch {
	case m.state == StateConnected && state.Degraded():
		m.state = StateReconnecting
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":     "handleConnectivity",
			"connectivity": state,
		}).Warn("Call connectivity degraded")
		m.toasts.Error(msgReconnecting)
		m.notifyState(StateReconnecting)

	case m.state == StateReconnecting && state.Healthy():
		m.state = StateConnected
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":     "handleConnectivity",
			"connectivity": state,
		}).Info("Call connectivity recovered")
		m.notifyState(StateConnected)

	default:
		m.mu.Unlock()
	}
}

// handleTransportClose applies a terminal close from the far side or the
// transport itself.
func (m *Manager) handleTransportClose(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.session == nil {
		m.mu.Unlock()
		return
	}
	wasConnected := m.state == StateConnected || m.state == StateReconnecting
	cleanup := m.teardownLocked()
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "handleTransportClose",
		"was_connected": wasConnected,
	}).Info("Transport closed, ending call")

	cleanup()
	if wasConnected {
		m.toasts.Info(msgRemoteEnded)
	} else {
		m.toasts.Info(msgCallEnded)
	}
	m.notifyState(StateIdle)
}

// handleTransportError applies a terminal transport error. Transient
// negotiation errors never reach here; the signaling layer retries them.
func (m *Manager) handleTransportError(gen uint64, err error) {
	message := msgCallFailed
	if errors.Is(err, signaling.ErrPeerUnreachable) {
		message = msgUnreachable
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleTransportError",
		"error":    errString(err),
	}).Error("Terminal transport error")

	m.failCall(gen, message)
}

// failCall tears the current call down with an error toast, unless the
// generation is stale.
func (m *Manager) failCall(gen uint64, message string) {
	m.mu.Lock()
	if gen != m.generation || (m.session == nil && m.pending == nil) {
		m.mu.Unlock()
		return
	}
	cleanup := m.teardownLocked()
	m.mu.Unlock()

	cleanup()
	m.toasts.Error(message)
	m.notifyState(StateIdle)
}

// teardownLocked resets the machine to idle and returns the resource
// cleanup to run after the lock is dropped. Every failure and hangup path
// converges here, guaranteeing hardware release. Callers must hold m.mu.
func (m *Manager) teardownLocked() func() {
	session := m.session
	pending := m.pending
	m.session = nil
	m.pending = nil
	m.state = StateIdle
	m.generation++

	return func() {
		if pending != nil {
			pending.handle.Decline()
		}
		if session == nil {
			return
		}
		if session.watcher != nil {
			session.watcher.Stop()
		}
		if t := session.transport(); t != nil {
			t.Close()
		}
		if session.answerPending != nil {
			session.answerPending.Decline()
		}
		if session.local != nil {
			session.local.Release()
		}
		if session.remoteStream != nil {
			stopStream(session.remoteStream)
		}
	}
}

// forwardRemoteState relays watcher updates to the registered listener.
func (m *Manager) forwardRemoteState(state media.RemoteState) {
	m.mu.Lock()
	fn := m.remoteCb
	m.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// notifyState relays a lifecycle transition to the registered listener.
func (m *Manager) notifyState(state State) {
	m.mu.Lock()
	fn := m.stateCb
	m.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// meterRemoteAudio starts loudness metering over the first remote audio
// track that can yield encoded payloads. The source's read loop ends when
// the track stops, so teardown needs no extra bookkeeping; the monitor
// resets itself when the stream goes away.
func (m *Manager) meterRemoteAudio(remote media.Stream) {
	for _, trk := range remote.AudioTracks() {
		reader, ok := trk.(audio.PayloadReader)
		if !ok {
			continue
		}
		source, err := audio.NewOpusLevelSource(m.remoteLevel)
		if err != nil {
			return
		}
		go func() {
			if err := source.Run(reader); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "meterRemoteAudio",
					"error":    err.Error(),
				}).Debug("Remote audio metering ended")
			}
		}()
		return
	}
}

// stopStream stops every track of a stream.
func stopStream(s media.Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
