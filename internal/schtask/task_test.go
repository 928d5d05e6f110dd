package schtask

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"clash-tray/internal/engine"
)

func TestPlanStart(t *testing.T) {
	tests := []struct {
		state   State
		want    startAction
		invalid bool
	}{
		{state: StateRunning, want: actionReuse},
		{state: StateReady, want: actionRun},
		{state: StateDisabled, invalid: true},
		{state: StateQueued, invalid: true},
		{state: StateUnknown, invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			got, err := planStart(tt.state)
			if tt.invalid {
				assert.True(t, errors.Is(err, engine.ErrInvalidRegistrationState))
				assert.Contains(t, err.Error(), tt.state.String())
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", State(3).String())
	assert.Equal(t, "running", State(4).String())
	assert.Equal(t, "unknown", State(42).String())
}
