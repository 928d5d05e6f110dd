//go:build !windows

package elevate

import (
	"context"
	"errors"
)

// RunSelf is only implemented on Windows.
func RunSelf(context.Context, string, ...string) error {
	return errors.ErrUnsupported
}
