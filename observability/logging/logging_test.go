package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWithEmitsRenamedKeys(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := SetupWith(Options{Service: "xcalld", Env: "test", Level: "debug", Writer: &buf})
	logger.Debug("phase reached", "phase", "Sent")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "phase reached", line["message"])
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "xcalld", line["service"])
	require.Equal(t, "test", line["env"])
	require.Contains(t, line, "timestamp")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("token", "abc").Value.String())
	require.Equal(t, "sepolia", MaskField("chain", "sepolia").Value.String())
	require.Equal(t, "", MaskField("token", "").Value.String())
}

func TestMaskSecretURL(t *testing.T) {
	require.Equal(t, "https://[REDACTED]@rpc.example", MaskSecretURL("https://user:pw@rpc.example"))
	require.Equal(t, "https://rpc.example/v3?[REDACTED]", MaskSecretURL("https://rpc.example/v3?key=1"))
	require.Equal(t, "https://lisbon.net.solidwallet.io/api/v3", MaskSecretURL("https://lisbon.net.solidwallet.io/api/v3"))
}
