// Package instance keeps a single host running per user session.
package instance

import "errors"

// ErrAlreadyRunning is returned by Acquire when another instance holds the lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Lock is held for the lifetime of the process.
type Lock struct {
	release func() error
}

// Release gives the lock up. Safe to call on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.release == nil {
		return nil
	}
	err := l.release()
	l.release = nil
	return err
}
