package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "text")

	Info("connection registered", KeyPeer, "127.0.0.1:38060", KeyConnID, "abc")

	out := buf.String()
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "connection registered")
	assert.Contains(t, out, "peer=127.0.0.1:38060")
	assert.Contains(t, out, "conn_id=abc")
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")

	Warn("send queue filling", KeyQueueBytes, 1024)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "send queue filling", record["msg"])
	assert.Equal(t, float64(1024), record[KeyQueueBytes])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text")

	Debug("not visible")
	Info("not visible either")
	Warn("visible")

	out := buf.String()
	assert.NotContains(t, out, "not visible")
	assert.Contains(t, out, "visible")
}

func TestSetLevelIgnoresInvalid(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	SetLevel("NOISE")
	Info("still info")

	assert.Contains(t, buf.String(), "still info")
}

func TestWithBindsAttrs(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	l := With(KeyReactor, 3)
	l.Info("timer fired")

	line := buf.String()
	assert.Contains(t, line, "reactor=3")
	assert.Contains(t, line, "timer fired")
}

func TestMultilineOutputEndsWithNewline(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	Info("first")
	Info("second")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
}
