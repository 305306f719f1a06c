package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/scribe/pkg/events"
	"github.com/go-go-golems/scribe/pkg/eventstore"
)

type testStack struct {
	store  *eventstore.MemoryStore
	pubSub *gochannel.GoChannel
	server *Server
	ts     *httptest.Server
	url    string
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	store := eventstore.NewMemoryStore()
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	server := NewServer(store, pubSub)

	e := echo.New()
	e.HideBanner = true
	server.Register(e, "/ws")

	ts := httptest.NewServer(e)
	t.Cleanup(func() {
		_ = server.Close()
		ts.Close()
		_ = pubSub.Close()
	})

	return &testStack{
		store:  store,
		pubSub: pubSub,
		server: server,
		ts:     ts,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

// publishStored mimics the lifecycle manager's broadcast of a stored event.
func (s *testStack) publishStored(t *testing.T, se events.StoredEvent) {
	t.Helper()
	b, err := se.MarshalJSON()
	require.NoError(t, err)
	require.NoError(t, s.pubSub.Publish(events.EventTopic(se.RunID),
		message.NewMessage(watermill.NewUUID(), b)))
}

func receiveEvent(t *testing.T, sub *Subscription) events.StoredEvent {
	t.Helper()
	select {
	case se := <-sub.Events():
		return se
	case err := <-sub.Errs():
		t.Fatalf("subscription failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no event within five seconds")
	}
	return events.StoredEvent{}
}

func TestSubscribeReplaysAndStreams(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	// two events stored before anyone subscribes
	stored, err := stack.store.Append(ctx, "run-1", []events.Event{
		events.NewStepStartedEvent(0),
		events.NewTextDeltaEvent("hel"),
	})
	require.NoError(t, err)
	require.Len(t, stored, 2)

	client := NewClient(stack.url, WithReconnect(ReconnectConfig{Disabled: true}))
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() {
		_ = client.Close()
	})

	from := uint64(0)
	sub, err := client.Subscribe(ctx, "run-1", &from)
	require.NoError(t, err)

	// replayed history arrives first, in order
	require.Equal(t, uint64(1), receiveEvent(t, sub).Seq)
	replayed := receiveEvent(t, sub)
	require.Equal(t, uint64(2), replayed.Seq)
	require.Equal(t, "hel", replayed.Event.(*events.EventTextDelta).Delta)

	// once replay is through, the live topic is already attached; a
	// duplicate of seq 2 is deduplicated client-side
	stack.publishStored(t, stored[1])

	live, err := stack.store.Append(ctx, "run-1", []events.Event{
		events.NewStepFinishedEvent(0, "end_turn"),
	})
	require.NoError(t, err)
	stack.publishStored(t, live[0])

	se := receiveEvent(t, sub)
	require.Equal(t, uint64(3), se.Seq)
	require.Equal(t, events.EventTypeStepFinished, se.Event.Type())
}

func TestSubscribeLiveOnly(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	client := NewClient(stack.url, WithReconnect(ReconnectConfig{Disabled: true}))
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() {
		_ = client.Close()
	})

	sub, err := client.Subscribe(ctx, "run-1", nil)
	require.NoError(t, err)

	// give the server a moment to attach the live topic
	time.Sleep(100 * time.Millisecond)

	stored, err := stack.store.Append(ctx, "run-1", []events.Event{
		events.NewTextDeltaEvent("live only"),
	})
	require.NoError(t, err)
	stack.publishStored(t, stored[0])

	se := receiveEvent(t, sub)
	require.Equal(t, uint64(1), se.Seq)
	require.Equal(t, "live only", se.Event.(*events.EventTextDelta).Delta)
}

func TestSubscriptionsAreScopedByRun(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	client := NewClient(stack.url, WithReconnect(ReconnectConfig{Disabled: true}))
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() {
		_ = client.Close()
	})

	sub, err := client.Subscribe(ctx, "run-1", nil)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	// traffic on another run never reaches this subscription
	other, err := stack.store.Append(ctx, "run-2", []events.Event{
		events.NewTextDeltaEvent("not yours"),
	})
	require.NoError(t, err)
	stack.publishStored(t, other[0])

	mine, err := stack.store.Append(ctx, "run-1", []events.Event{
		events.NewTextDeltaEvent("yours"),
	})
	require.NoError(t, err)
	stack.publishStored(t, mine[0])

	se := receiveEvent(t, sub)
	require.Equal(t, "run-1", se.RunID)
	require.Equal(t, "yours", se.Event.(*events.EventTextDelta).Delta)
}

func TestDisconnectFailsSubscriptionsWhenReconnectDisabled(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	client := NewClient(stack.url, WithReconnect(ReconnectConfig{Disabled: true}))
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() {
		_ = client.Close()
	})

	sub, err := client.Subscribe(ctx, "run-1", nil)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, stack.server.Close())

	select {
	case err, ok := <-sub.Errs():
		require.True(t, ok)
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription was left hanging after disconnect")
	}

	// the events channel is closed too, consumers never block forever
	select {
	case _, ok := <-sub.Events():
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel was not closed")
	}
}

func TestReconnectExhaustionFailsSubscriptions(t *testing.T) {
	stack := newTestStack(t)
	ctx := context.Background()

	client := NewClient(stack.url, WithReconnect(ReconnectConfig{
		MaxRetries:     2,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}))
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() {
		_ = client.Close()
	})

	sub, err := client.Subscribe(ctx, "run-1", nil)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	// stop accepting first, then sever the live connection; every reconnect
	// attempt now gets connection refused
	require.NoError(t, stack.ts.Listener.Close())
	require.NoError(t, stack.server.Close())

	select {
	case err, ok := <-sub.Errs():
		require.True(t, ok)
		require.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("subscription was left hanging after reconnect attempts")
	}
}
