package stop

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStopper struct {
	err     error
	stopped *[]string
	name    string
}

func (f fakeStopper) Stop() Result {
	*f.stopped = append(*f.stopped, f.name)
	c := make(Channel)
	go c.Done(f.err)
	return c.Result()
}

func TestGroupStopCollectsErrors(t *testing.T) {
	var order []string
	boom := errors.New("boom")

	g := NewGroup()
	g.Add(fakeStopper{stopped: &order, name: "store"})
	g.Add(fakeStopper{stopped: &order, name: "frontend", err: boom})
	g.AddFunc(func() Result { return AlreadyStopped })

	errs := g.Stop().Wait()
	require.Equal(t, []error{boom}, errs)
	require.Equal(t, []string{"frontend", "store"}, order)
}

func TestDoneDropsNilErrors(t *testing.T) {
	c := make(Channel)
	go c.Done(nil, nil)
	require.Empty(t, c.Result().Wait())
}

func TestResultReceivesErrors(t *testing.T) {
	require.Nil(t, AlreadyStopped.Wait())

	boom := errors.New("boom")
	c := make(Channel)
	r := c.Result()
	go c.Done(boom)
	require.Equal(t, []error{boom}, r.Wait())
}
