package media

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultWatchInterval is the polling cadence for remote track state.
// Event delivery for track mute and enable transitions is inconsistent
// across transport runtimes, so the watcher polls as a backstop. Detection
// latency is therefore bounded by this interval.
const DefaultWatchInterval = 1 * time.Second

// RemoteState is the inferred mute and camera state of the far endpoint.
//
// There is no explicit signaling message for mute or camera-off; the state
// is derived entirely from the enabled and muted flags of the received
// tracks.
type RemoteState struct {
	// Muted is true when the remote stream has no enabled, unmuted
	// audio track.
	Muted bool

	// CameraOff is true when the remote stream has no enabled, unmuted
	// video track.
	CameraOff bool
}

// RemoteStateWatcher observes a remote stream's tracks and reports
// inferred mute and camera state changes.
//
// The watcher combines per-track event subscriptions with interval
// polling. It owns all subscriptions for its stream and tears them down
// on Stop, so swapping streams during reconnection is done by stopping
// the old watcher and starting a new one.
type RemoteStateWatcher struct {
	stream   Stream
	interval time.Duration
	onChange func(RemoteState)

	mu      sync.Mutex
	state   RemoteState
	primed  bool
	unsubs  map[string]func()
	stopCh  chan struct{}
	started bool
	stopped bool
}

// NewRemoteStateWatcher creates a watcher for the given remote stream.
// onChange is invoked on every inferred state transition, including the
// initial evaluation when Start is called.
func NewRemoteStateWatcher(stream Stream, onChange func(RemoteState)) *RemoteStateWatcher {
	return &RemoteStateWatcher{
		stream:   stream,
		interval: DefaultWatchInterval,
		onChange: onChange,
		unsubs:   make(map[string]func()),
		stopCh:   make(chan struct{}),
	}
}

// SetInterval overrides the polling interval. Must be called before Start.
func (w *RemoteStateWatcher) SetInterval(d time.Duration) {
	if d > 0 {
		w.interval = d
	}
}

// Start begins event subscription and interval polling. Calling Start on
// a started or stopped watcher is a no-op.
func (w *RemoteStateWatcher) Start() {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Start",
		"stream_id": w.stream.ID(),
		"interval":  w.interval,
	}).Debug("Remote state watcher started")

	w.evaluate()

	go w.pollLoop()
}

// pollLoop re-evaluates the stream at the configured interval until the
// watcher is stopped.
func (w *RemoteStateWatcher) pollLoop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.evaluate()
		}
	}
}

// State returns the most recently inferred remote state.
func (w *RemoteStateWatcher) State() RemoteState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stop tears down the polling loop and all track subscriptions. The
// watcher cannot be restarted.
func (w *RemoteStateWatcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	unsubs := w.unsubs
	w.unsubs = make(map[string]func())
	w.mu.Unlock()

	close(w.stopCh)
	for _, unsub := range unsubs {
		unsub()
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Stop",
		"stream_id": w.stream.ID(),
	}).Debug("Remote state watcher stopped")
}

// evaluate recomputes the inferred state from the stream's current tracks
// and notifies on change. It also subscribes to any tracks that appeared
// since the last evaluation, so tracks added mid-call are picked up within
// one poll interval and event-driven afterwards.
func (w *RemoteStateWatcher) evaluate() {
	tracks := w.stream.Tracks()

	next := RemoteState{
		Muted:     !anyLive(tracks, TrackKindAudio),
		CameraOff: !anyLive(tracks, TrackKindVideo),
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	for _, t := range tracks {
		if _, seen := w.unsubs[t.ID()]; seen {
			continue
		}
		w.unsubs[t.ID()] = t.OnStateChange(w.evaluate)
	}
	changed := !w.primed || next != w.state
	w.primed = true
	w.state = next
	onChange := w.onChange
	w.mu.Unlock()

	if changed {
		logrus.WithFields(logrus.Fields{
			"function":   "evaluate",
			"stream_id":  w.stream.ID(),
			"muted":      next.Muted,
			"camera_off": next.CameraOff,
		}).Debug("Inferred remote state changed")
		if onChange != nil {
			onChange(next)
		}
	}
}

// anyLive reports whether any track of the given kind is enabled, unmuted,
// and not stopped.
func anyLive(tracks []Track, kind TrackKind) bool {
	for _, t := range tracks {
		if t.Kind() == kind && t.Enabled() && !t.Muted() && !t.Stopped() {
			return true
		}
	}
	return false
}
