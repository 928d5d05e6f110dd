package winsvc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type exitStatusErr int

func (e exitStatusErr) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
func (e exitStatusErr) ExitCode() int { return int(e) }

func TestExitStatus(t *testing.T) {
	specific, code := exitStatus(nil)
	assert.False(t, specific)
	assert.Zero(t, code)

	engineExited := errors.New("engine exited")
	specific, code = exitStatus(fmt.Errorf("%w: %w", engineExited, exitStatusErr(3)))
	assert.True(t, specific)
	assert.Equal(t, uint32(3), code, "engine exit status is passed through")

	_, code = exitStatus(errors.New("launch failed"))
	assert.Equal(t, uint32(1), code)

	_, code = exitStatus(exitStatusErr(-1))
	assert.Equal(t, uint32(1), code, "killed engines report a generic failure")
}
