// Package toast provides ephemeral user notifications for transient call
// conditions such as disconnects, retries, and failures.
//
// Toasts never block interaction and auto-expire after a fixed display
// duration. The emitter keeps an unordered set of active toasts with no
// persistence.
package toast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DisplayDuration is how long a toast remains active before expiring.
const DisplayDuration = 4 * time.Second

// Severity classifies a toast for presentation.
type Severity int

const (
	// SeverityInfo is a neutral informational toast.
	SeverityInfo Severity = iota
	// SeverityError is a failure or degradation toast.
	SeverityError
)

// String returns a human-readable severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// TimeProvider abstracts time for deterministic expiry testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the elapsed time since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Toast is a single ephemeral notification.
type Toast struct {
	ID        string
	Message   string
	Severity  Severity
	CreatedAt time.Time
}

// ExpiresAt returns the instant the toast stops being active.
func (t Toast) ExpiresAt() time.Time {
	return t.CreatedAt.Add(DisplayDuration)
}

// Emitter publishes toasts to subscribers and tracks the active set.
type Emitter struct {
	mu      sync.Mutex
	clock   TimeProvider
	active  []Toast
	subs    map[int]func(Toast)
	nextSub int
}

// NewEmitter creates a toast emitter using wall-clock time.
func NewEmitter() *Emitter {
	return &Emitter{
		clock: DefaultTimeProvider{},
		subs:  make(map[int]func(Toast)),
	}
}

// SetTimeProvider injects a time source for deterministic testing.
func (e *Emitter) SetTimeProvider(tp TimeProvider) {
	if tp == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = tp
}

// Info emits an informational toast.
func (e *Emitter) Info(message string) Toast {
	return e.emit(message, SeverityInfo)
}

// Error emits a failure toast.
func (e *Emitter) Error(message string) Toast {
	return e.emit(message, SeverityError)
}

func (e *Emitter) emit(message string, severity Severity) Toast {
	e.mu.Lock()
	t := Toast{
		ID:        uuid.NewString(),
		Message:   message,
		Severity:  severity,
		CreatedAt: e.clock.Now(),
	}
	e.purgeLocked()
	e.active = append(e.active, t)
	subs := make([]func(Toast), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "emit",
		"severity": severity,
		"message":  message,
	}).Debug("Toast emitted")

	for _, fn := range subs {
		fn(t)
	}
	return t
}

// Subscribe registers a callback invoked for every emitted toast and
// returns its unsubscribe function.
func (e *Emitter) Subscribe(fn func(Toast)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Active returns the toasts that have not yet expired.
func (e *Emitter) Active() []Toast {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.purgeLocked()
	out := make([]Toast, len(e.active))
	copy(out, e.active)
	return out
}

// purgeLocked drops expired toasts. Callers must hold e.mu.
func (e *Emitter) purgeLocked() {
	now := e.clock.Now()
	kept := e.active[:0]
	for _, t := range e.active {
		if now.Before(t.ExpiresAt()) {
			kept = append(kept, t)
		}
	}
	e.active = kept
}
