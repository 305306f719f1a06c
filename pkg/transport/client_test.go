package transport

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/scribe/pkg/events"
)

func TestSubscribeShortCircuitsOnCancelledContext(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// nothing touches the network: the client was never connected and the
	// dead context is rejected up front
	_, err := c.Subscribe(ctx, "run-1", nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSubscribeRequiresConnection(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws")

	_, err := c.Subscribe(context.Background(), "run-1", nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectAfterCloseIsRejected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws")
	require.NoError(t, c.Close())

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrClientClosed)

	_, err = c.Subscribe(context.Background(), "run-1", nil)
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws")
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestSubscriptionDeliverDeduplicates(t *testing.T) {
	sub := &Subscription{
		RunID:  "run-1",
		events: make(chan events.StoredEvent, 4),
		errs:   make(chan error, 1),
	}

	require.True(t, sub.deliver(events.StoredEvent{RunID: "run-1", Seq: 1}))
	require.True(t, sub.deliver(events.StoredEvent{RunID: "run-1", Seq: 2}))
	// a replayed duplicate is swallowed without occupying buffer space
	require.True(t, sub.deliver(events.StoredEvent{RunID: "run-1", Seq: 2}))
	require.True(t, sub.deliver(events.StoredEvent{RunID: "run-1", Seq: 3}))

	require.Len(t, sub.events, 3)
	require.Equal(t, uint64(1), (<-sub.events).Seq)
	require.Equal(t, uint64(2), (<-sub.events).Seq)
	require.Equal(t, uint64(3), (<-sub.events).Seq)
}

func TestSubscriptionFailReleasesConsumerWithQueuedError(t *testing.T) {
	sub := &Subscription{
		RunID:  "run-1",
		events: make(chan events.StoredEvent, 1),
		errs:   make(chan error, 1),
	}

	// a server-reported replay failure already occupies the error channel
	sub.notifyError(errors.New("replay failed for run run-1: disk gone"))

	done := make(chan struct{})
	go func() {
		sub.fail(ErrReconnectExhausted)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fail did not return with a queued error; Close and failAll would hang")
	}

	// the queued error is still readable, then the channel closes
	err, ok := <-sub.errs
	require.True(t, ok)
	require.Contains(t, err.Error(), "replay failed")
	_, ok = <-sub.errs
	require.False(t, ok)

	// a consumer ranging over Events is released too
	_, ok = <-sub.events
	require.False(t, ok)
}

func TestSubscriptionSendsAfterFailAreSafe(t *testing.T) {
	sub := &Subscription{
		RunID:  "run-1",
		events: make(chan events.StoredEvent, 1),
		errs:   make(chan error, 1),
	}
	sub.fail(ErrClientClosed)

	// late arrivals from the read loop must not panic on the closed channels
	require.NotPanics(t, func() {
		sub.notifyError(errors.New("late replay failure"))
		require.True(t, sub.deliver(events.StoredEvent{RunID: "run-1", Seq: 1}))
		sub.fail(ErrReconnectExhausted)
	})
}

func TestSubscriptionResumeFrom(t *testing.T) {
	sub := &Subscription{RunID: "run-1"}
	require.Nil(t, sub.resumeFrom())

	from := uint64(10)
	sub.fromSeq = &from
	require.Equal(t, uint64(10), *sub.resumeFrom())

	sub.lastSeq = 42
	require.Equal(t, uint64(42), *sub.resumeFrom())
}
