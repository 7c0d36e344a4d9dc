package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingPoller struct{ started chan struct{} }

func (p *blockingPoller) Start(ctx context.Context) {
	close(p.started)
	<-ctx.Done()
}

type failingServer struct{ err error }

func (s failingServer) Run(context.Context) error { return s.err }

type closer struct{ closed bool }

func (c *closer) Close() error {
	c.closed = true
	return nil
}

func TestBot_RunStopsOnCancel(t *testing.T) {
	poller := &blockingPoller{started: make(chan struct{})}
	c := &closer{}
	b := NewBot(discard(), poller, nil, nil, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	<-poller.started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.True(t, c.closed)
}

func TestBot_ComponentFailureStopsOthers(t *testing.T) {
	poller := &blockingPoller{started: make(chan struct{})}
	b := NewBot(discard(), poller, failingServer{err: errors.New("bind: address in use")}, nil)

	err := b.Run(context.Background())
	assert.ErrorContains(t, err, "address in use")
}
