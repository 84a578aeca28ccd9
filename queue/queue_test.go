package queue

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestDispatcher(t *testing.T) {
	d := NewDispatcher()

	var got []Task
	d.Handle(RecomputeSwarm, func(_ context.Context, task Task) error {
		got = append(got, task)
		return nil
	})

	task := Task{Name: RecomputeSwarm, TorrentID: "abc"}
	require.NoError(t, d.Dispatch(context.Background(), task))
	require.Equal(t, []Task{task}, got)

	err := d.Dispatch(context.Background(), Task{Name: "nope"})
	require.True(t, errors.Is(err, ErrUnknownTask))

	require.NotPanics(t, func() {
		d.Process(context.Background(), Task{Name: "nope"})
	})
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New("does-not-exist", nil, NewDispatcher())
	require.Equal(t, ErrDriverDoesNotExist, err)
}
