//go:build windows

package instance

import (
	"errors"

	"golang.org/x/sys/windows"
)

// Acquire creates the named session mutex.
func Acquire(name string) (*Lock, error) {
	p, err := windows.UTF16PtrFromString(`Local\` + name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateMutex(nil, false, p)
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		if h != 0 {
			windows.CloseHandle(h)
		}
		return nil, ErrAlreadyRunning
	}
	if h == 0 {
		return nil, err
	}
	return &Lock{release: func() error { return windows.CloseHandle(h) }}, nil
}
