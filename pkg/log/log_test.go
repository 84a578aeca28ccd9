package log

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestMergeFielders(t *testing.T) {
	merged := mergeFielders(
		Fields{"torrent": "abc"},
		nil,
		Err(errors.New("boom")),
	)

	require.Equal(t, "abc", merged["torrent"])
	require.Equal(t, "boom", merged["2.error"])
	require.Equal(t, "*errors.errorString", merged["2.type"])
}

func TestDebugIsSilentUnlessEnabled(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	defer SetOutput(logrus.StandardLogger().Out)

	SetDebug(false)
	Debug("hidden", Fields{"k": "v"})
	require.Empty(t, buf.String())

	SetDebug(true)
	defer SetDebug(false)
	Debug("shown", Fields{"k": "v"})
	require.Contains(t, buf.String(), "shown")
	require.Contains(t, buf.String(), "k=v")
}
