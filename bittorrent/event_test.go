package bittorrent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	var table = []struct {
		data        string
		expected    Event
		expectedErr error
	}{
		{"", None, nil},
		{"NONE", None, ErrUnknownEvent},
		{"STOPPED", None, ErrUnknownEvent},
		{"none", None, nil},
		{"started", Started, nil},
		{"stopped", Stopped, nil},
		{"completed", Completed, nil},
		{"notAnEvent", None, ErrUnknownEvent},
	}

	for _, tt := range table {
		got, err := NewEvent(tt.data)
		require.Equal(t, err, tt.expectedErr, "errors should equal the expected value")
		require.Equal(t, got, tt.expected, "events should equal the expected value")
	}
}

func TestPersisted(t *testing.T) {
	require.Equal(t, "", None.Persisted())
	require.Equal(t, "started", Started.Persisted())
	require.Equal(t, "stopped", Stopped.Persisted())
	require.Equal(t, "completed", Completed.Persisted())
}

func TestPersistedEvent(t *testing.T) {
	require.Equal(t, "", AnnounceRequest{}.PersistedEvent())
	require.Equal(t, "started", AnnounceRequest{Event: Started}.PersistedEvent())
	require.Equal(t, "", AnnounceRequest{EventName: "none"}.PersistedEvent())
	require.Equal(t, "completed", AnnounceRequest{Event: Completed, EventName: "completed"}.PersistedEvent())
	require.Equal(t, "paused", AnnounceRequest{EventName: "paused"}.PersistedEvent())
}
