package rtcall

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtcall/call"
	"github.com/opd-ai/rtcall/device"
	"github.com/opd-ai/rtcall/media"
	"github.com/opd-ai/rtcall/signaling"
	"github.com/opd-ai/rtcall/toast"
)

// Profile aliases the identity-directory profile attached to calls.
type Profile = signaling.Profile

// Toast aliases the transient user notification emitted by the core.
type Toast = toast.Toast

// commandBuffer bounds the pending command queue. Commands beyond it are
// dropped with a log entry rather than blocking the submitting surface.
const commandBuffer = 16

// Command is a typed request from a UI surface to the call core. Using
// an explicit command channel instead of ambient global events keeps
// ordering deterministic and testable.
type Command interface {
	isCommand()
}

// StartCall places an outbound call to the target.
type StartCall struct {
	Target Profile
	Media  media.Type
}

func (StartCall) isCommand() {}

// Options configures a Client.
type Options struct {
	// Profile is the local user's identity-directory entry. Profile.ID
	// is the identity registered with the broker.
	Profile Profile

	// Broker is the peer-to-peer connection broker.
	Broker signaling.Broker

	// Devices is the local capture hardware backend.
	Devices device.Backend
}

// Client is the call core facade: it owns the device manager, signaling
// session, call state machine, and toast emitter, and exposes the user
// intents the UI layer drives.
type Client struct {
	devices  *device.Manager
	signaler *signaling.Session
	calls    *call.Manager
	toasts   *toast.Emitter

	commands  chan Command
	done      chan struct{}
	closeOnce sync.Once
}

// New wires the call core together. Start must be called before placing
// or receiving calls.
func New(opts Options) (*Client, error) {
	logrus.WithFields(logrus.Fields{
		"function": "New",
		"identity": opts.Profile.ID,
	}).Info("Creating rtcall client")

	if opts.Profile.ID == "" {
		return nil, errors.New("profile identity cannot be empty")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker cannot be nil")
	}
	if opts.Devices == nil {
		return nil, errors.New("device backend cannot be nil")
	}

	devices, err := device.NewManager(opts.Devices)
	if err != nil {
		return nil, err
	}

	signaler, err := signaling.NewSession(opts.Broker, opts.Profile.ID)
	if err != nil {
		return nil, err
	}

	toasts := toast.NewEmitter()

	calls, err := call.NewManager(devices, signaler, toasts)
	if err != nil {
		return nil, err
	}
	calls.SetLocalProfile(opts.Profile)

	c := &Client{
		devices:  devices,
		signaler: signaler,
		calls:    calls,
		toasts:   toasts,
		commands: make(chan Command, commandBuffer),
		done:     make(chan struct{}),
	}

	signaler.SetStatusCallback(c.handleSignalingStatus)

	return c, nil
}

// Start begins broker registration and the command loop.
func (c *Client) Start() {
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"identity": c.signaler.Identity(),
	}).Info("Starting rtcall client")

	c.signaler.Start()
	go c.commandLoop()
}

// Close shuts down the command loop, any active call, and the signaling
// session.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if hangErr := c.calls.HangUp(); hangErr != nil && !errors.Is(hangErr, call.ErrNoActiveCall) {
			err = hangErr
		}
		if closeErr := c.signaler.Close(); closeErr != nil {
			err = closeErr
		}
	})
	return err
}

// Submit queues a command for the call core. A full queue drops the
// command; callers should treat the channel as best-effort fire-and-
// forget, matching the asynchronous "start call" trigger semantics.
func (c *Client) Submit(cmd Command) {
	select {
	case c.commands <- cmd:
	case <-c.done:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Submit",
		}).Warn("Command queue full, dropping command")
	}
}

// commandLoop serializes command execution so user intents from any
// surface apply in submission order.
func (c *Client) commandLoop() {
	for {
		select {
		case <-c.done:
			return
		case cmd := <-c.commands:
			c.execute(cmd)
		}
	}
}

func (c *Client) execute(cmd Command) {
	switch v := cmd.(type) {
	case StartCall:
		if err := c.calls.PlaceCall(v.Target, v.Media); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "execute",
				"command":  "StartCall",
				"target":   v.Target.ID,
				"error":    err.Error(),
			}).Warn("Start call command failed")
		}
	default:
		logrus.WithFields(logrus.Fields{
			"function": "execute",
		}).Warn("Unknown command type")
	}
}

// handleSignalingStatus maps registration transitions onto toasts: the
// initial registration is silent, losses surface a reconnecting toast,
// and a recovery after failure announces itself.
func (c *Client) handleSignalingStatus(status signaling.Status) {
	switch status {
	case signaling.StatusReconnecting:
		c.toasts.Error("Connection to server lost, reconnecting.")
	case signaling.StatusRestored:
		c.toasts.Info("Connection restored.")
	}
}

// State returns the call lifecycle state.
func (c *Client) State() call.State {
	return c.calls.State()
}

// OnState registers the call state listener.
func (c *Client) OnState(fn func(call.State)) {
	c.calls.SetStateCallback(fn)
}

// OnRemoteState registers the listener for inferred remote mute and
// camera state.
func (c *Client) OnRemoteState(fn func(media.RemoteState)) {
	c.calls.SetRemoteStateCallback(fn)
}

// Toasts returns the toast emitter for UI subscription.
func (c *Client) Toasts() *toast.Emitter {
	return c.toasts
}

// Calls returns the underlying call state machine.
func (c *Client) Calls() *call.Manager {
	return c.calls
}

// AcceptCall answers the pending inbound offer.
func (c *Client) AcceptCall() error {
	return c.calls.AcceptCall()
}

// DeclineCall rejects the pending inbound offer silently.
func (c *Client) DeclineCall() error {
	return c.calls.DeclineCall()
}

// HangUp ends the active call.
func (c *Client) HangUp() error {
	return c.calls.HangUp()
}

// ToggleMute flips the local microphone and returns the muted state.
func (c *Client) ToggleMute() (bool, error) {
	return c.calls.ToggleMute()
}

// ToggleVideo flips the local camera and returns the camera-off state.
func (c *Client) ToggleVideo() (bool, error) {
	return c.calls.ToggleVideo()
}

// SwitchCamera cycles to the next enumerated camera on a live call.
func (c *Client) SwitchCamera() error {
	return c.calls.SwitchCamera()
}

// RemoteAudioLevel returns the remote stream's normalized loudness in
// [0, 1] for visual feedback (speaking indicator).
func (c *Client) RemoteAudioLevel() float64 {
	return c.calls.RemoteAudioLevel()
}
