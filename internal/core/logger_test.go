package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LevelDebug,
		"":        LevelInfo,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"none":    LevelOff,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestLoggerComponentFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LogConfig{Level: "warn", Components: map[string]string{"Sub": "debug"}})
	l.SetOutput(&buf, true)

	l.Infof("Engine", "hidden %d", 1)
	l.Debugf("sub", "shown %d", 2)
	l.Errorf("Engine", "failed %s", "badly")

	out := buf.String()
	assert.NotContains(t, out, "hidden 1")
	assert.Contains(t, out, "[sub] shown 2")
	assert.Contains(t, out, "[Engine] failed badly")
}
