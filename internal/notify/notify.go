// Package notify shows desktop notifications about the engine, throttled per
// kind so a flapping engine does not flood the user.
package notify

import (
	"sync"
	"time"
)

const defaultThrottle = 30 * time.Second

// Notifier sends throttled desktop notifications.
type Notifier struct {
	mu        sync.Mutex
	lastNotif map[string]time.Time
	throttle  time.Duration
	appName   string

	now  func() time.Time
	send func(appName, title, message string)
}

// New creates a notifier that posts under appName.
func New(appName string) *Notifier {
	return &Notifier{
		lastNotif: make(map[string]time.Time),
		throttle:  defaultThrottle,
		appName:   appName,
		now:       time.Now,
		send:      push,
	}
}

// EngineExited reports an engine that stopped without being asked to.
func (n *Notifier) EngineExited(mode string, err error) {
	msg := "The proxy engine (" + mode + ") stopped unexpectedly"
	if err != nil {
		msg += ": " + err.Error()
	}
	n.notify("engine_exited", "Clash engine exited", msg)
}

// StartFailed reports a failure to bring the engine up.
func (n *Notifier) StartFailed(err error) {
	n.notify("start_failed", "Clash engine failed to start", err.Error())
}

// notify sends unless the same key was sent within the throttle window.
// It blocks until the notification is posted.
func (n *Notifier) notify(key, title, message string) bool {
	n.mu.Lock()
	now := n.now()
	if last, ok := n.lastNotif[key]; ok && now.Sub(last) < n.throttle {
		n.mu.Unlock()
		return false
	}
	n.lastNotif[key] = now
	n.mu.Unlock()

	n.send(n.appName, title, message)
	return true
}
