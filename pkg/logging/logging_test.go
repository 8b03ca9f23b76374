package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoWritesSubsystemTag(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelInfo, &buf)

	Info("router", "routing %s to %s", "fetch", "server-a")

	out := buf.String()
	assert.Contains(t, out, "subsystem=router")
	assert.Contains(t, out, "routing fetch to server-a")
}

func TestDebugSuppressedAboveThreshold(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelInfo, &buf)

	Debug("cache", "this should not appear")

	assert.Empty(t, buf.String())
}

func TestErrorIncludesErrorAttribute(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelError, &buf)

	Error("client.stdio", errors.New("boom"), "connect failed")

	out := buf.String()
	assert.Contains(t, out, "error=boom")
	assert.Contains(t, out, "subsystem=client.stdio")
}

func TestTruncateSessionID(t *testing.T) {
	assert.Equal(t, "short", TruncateSessionID("short"))
	assert.True(t, strings.HasSuffix(TruncateSessionID("0123456789abcdef"), "..."))
	assert.Equal(t, "01234567...", TruncateSessionID("0123456789abcdef"))
}
