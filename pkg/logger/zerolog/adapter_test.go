package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/raykavin/leverwatch/pkg/logger"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("json output with fields", func(t *testing.T) {
		var out bytes.Buffer
		log, err := New(Options{Level: "debug", JSON: true, Out: &out})
		require.NoError(t, err)

		log.WithField("symbol", "BTCUP/USDT").WithError(errors.New("boom")).Warn("fetch failed")

		var event map[string]any
		require.NoError(t, json.Unmarshal(out.Bytes(), &event))
		require.Equal(t, "warn", event["level"])
		require.Equal(t, "fetch failed", event["message"])
		require.Equal(t, "BTCUP/USDT", event["symbol"])
		require.Equal(t, "boom", event["error"])
	})

	t.Run("sinks only receive info and above", func(t *testing.T) {
		var out, sink bytes.Buffer
		log, err := New(Options{Level: "trace", JSON: true, Out: &out, Sinks: []io.Writer{&sink}})
		require.NoError(t, err)

		log.Debug("quiet")
		log.Info("loud")

		require.Contains(t, out.String(), "quiet")
		require.NotContains(t, sink.String(), "quiet")
		require.Contains(t, sink.String(), "loud")
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := New(Options{Level: "verbose"})
		require.Error(t, err)
	})
}

func TestAdapter_SetLevel(t *testing.T) {
	var out bytes.Buffer
	log, err := New(Options{Level: "debug", JSON: true, Out: &out})
	require.NoError(t, err)

	log.SetLevel(logger.ErrorLevel)
	require.Equal(t, logger.ErrorLevel, log.GetLevel())

	log.Info("hidden")
	log.Error("shown")
	require.False(t, strings.Contains(out.String(), "hidden"))
	require.True(t, strings.Contains(out.String(), "shown"))
}

func TestFormatCaller(t *testing.T) {
	require.Empty(t, formatCaller(""))
	require.Contains(t, formatCaller("/src/pkg/monitor/monitor.go:123"), "monitor.go")
	require.Contains(t, formatCaller("/src/pkg/monitor/monitor.go:123"), " 123")
}
