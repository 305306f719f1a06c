package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/scribe/pkg/events"
)

var (
	ErrClientClosed       = errors.New("client is closed; a closed client cannot be reused, create a new one")
	ErrNotConnected       = errors.New("client is not connected")
	ErrAlreadySubscribed  = errors.New("run already has an active subscription")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrSlowConsumer       = errors.New("subscription buffer overflow, consumer is not draining events")
)

// ReconnectConfig bounds the client's automatic reconnection. Retries back off
// exponentially from InitialBackoff up to MaxBackoff.
type ReconnectConfig struct {
	Disabled       bool
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:     5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// Subscription is one consumer's view of a run's event stream. Events arrive
// on Events; a terminal condition (reconnect exhaustion, slow consumer, client
// close) is delivered on Errs before both channels close. A subscription is
// never left hanging: either events keep flowing or an error arrives.
type Subscription struct {
	RunID string

	events chan events.StoredEvent
	errs   chan error

	fromSeq *uint64

	mu sync.Mutex
	// highest sequence number delivered; replayed duplicates are dropped here
	lastSeq uint64
	done    bool
}

func (s *Subscription) Events() <-chan events.StoredEvent {
	return s.events
}

func (s *Subscription) Errs() <-chan error {
	return s.errs
}

// deliver routes a stored event to the consumer, deduplicating by sequence
// number. Returns false when the consumer stopped draining.
func (s *Subscription) deliver(se events.StoredEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || se.Seq <= s.lastSeq {
		return true
	}
	select {
	case s.events <- se:
		s.lastSeq = se.Seq
		return true
	default:
		return false
	}
}

// notifyError surfaces a non-fatal error, such as a server-reported replay
// failure, without tearing the subscription down. The send never blocks.
func (s *Subscription) notifyError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

// fail terminates the subscription. Both channels always close, so a consumer
// ranging over Events is released no matter what is queued; the terminal
// error is delivered when the error channel has room for it.
func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	if err != nil {
		select {
		case s.errs <- err:
		default:
		}
	}
	close(s.errs)
	close(s.events)
}

// resumeFrom picks the replay cursor for a resubscribe after reconnect: resume
// from the last delivered event, or fall back to the original request.
func (s *Subscription) resumeFrom() *uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSeq > 0 {
		seq := s.lastSeq
		return &seq
	}
	return s.fromSeq
}

// Client connects to a transport server, subscribes to run streams and
// transparently reconnects with bounded backoff when the connection drops.
type Client struct {
	url       string
	dialer    *websocket.Dialer
	reconnect ReconnectConfig
	logger    zerolog.Logger
	buffer    int

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	subs    map[string]*Subscription
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
}

type ClientOption func(*Client)

func WithReconnect(cfg ReconnectConfig) ClientOption {
	return func(c *Client) {
		c.reconnect = cfg
	}
}

func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithSubscriptionBuffer(n int) ClientOption {
	return func(c *Client) {
		c.buffer = n
	}
}

func NewClient(url string, options ...ClientOption) *Client {
	ret := &Client{
		url:       url,
		dialer:    websocket.DefaultDialer,
		reconnect: DefaultReconnectConfig(),
		logger:    log.Logger,
		buffer:    256,
		subs:      make(map[string]*Subscription),
	}

	for _, o := range options {
		o(ret)
	}

	return ret
}

// Connect dials the server. Connecting a closed client is rejected: the
// teardown already notified all consumers and the client holds no usable state.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Wrap(ErrClientClosed, "connect")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return errors.Wrapf(err, "could not dial %s", c.url)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.Wrap(ErrClientClosed, "connect")
	}
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Subscribe starts streaming a run's events. A pre-cancelled context
// short-circuits before anything touches the network. fromSeq, when non-nil,
// requests replay of stored events with Seq > *fromSeq before live delivery.
func (c *Client) Subscribe(ctx context.Context, runID string, fromSeq *uint64) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "subscribe cancelled before start")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.Wrap(ErrClientClosed, "subscribe")
	}
	if c.conn == nil {
		c.mu.Unlock()
		return nil, errors.Wrap(ErrNotConnected, "subscribe")
	}
	if _, ok := c.subs[runID]; ok {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrAlreadySubscribed, "run %s", runID)
	}

	sub := &Subscription{
		RunID:   runID,
		events:  make(chan events.StoredEvent, c.buffer),
		errs:    make(chan error, 1),
		fromSeq: fromSeq,
	}
	if fromSeq != nil {
		sub.lastSeq = *fromSeq
	}
	c.subs[runID] = sub
	c.mu.Unlock()

	if err := c.writeFrame(NewSubscribeFrame(runID, fromSeq)); err != nil {
		c.mu.Lock()
		delete(c.subs, runID)
		c.mu.Unlock()
		return nil, err
	}

	return sub, nil
}

// Unsubscribe stops a run's subscription and closes its channels cleanly.
func (c *Client) Unsubscribe(runID string) error {
	c.mu.Lock()
	sub, ok := c.subs[runID]
	if ok {
		delete(c.subs, runID)
	}
	connected := c.conn != nil
	c.mu.Unlock()

	if !ok {
		return nil
	}
	sub.fail(nil)

	if connected {
		return c.writeFrame(NewUnsubscribeFrame(runID))
	}
	return nil
}

// Close tears the client down for good. All outstanding subscriptions are
// notified with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.failAll(errors.Wrap(ErrClientClosed, "client closing"))

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// writeFrame sends a frame on the current connection. Send failures are
// returned to the caller, never swallowed.
func (c *Client) writeFrame(frame interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.Wrap(ErrNotConnected, "write frame")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		return errors.Wrap(err, "could not send frame")
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		frame, err := DecodeServerFrame(data)
		if err != nil {
			// A malformed or direction-invalid frame means the peer is not
			// speaking our protocol; tear the connection down.
			c.logger.Error().Err(err).Msg("invalid server frame")
			_ = conn.Close()
			c.handleDisconnect(conn, err)
			return
		}

		switch f := frame.(type) {
		case EventFrame:
			c.routeEvent(f.Event)
		case ReplayFailedFrame:
			c.mu.Lock()
			sub := c.subs[f.RunID]
			c.mu.Unlock()
			if sub != nil {
				c.logger.Warn().Str("run_id", f.RunID).Str("reason", f.Reason).Msg("replay failed")
				sub.notifyError(errors.Errorf("replay failed for run %s: %s", f.RunID, f.Reason))
			}
		case ErrorFrame:
			c.logger.Warn().Str("code", f.Code).Str("message", f.Message).Msg("server error frame")
		}
	}
}

func (c *Client) routeEvent(se events.StoredEvent) {
	c.mu.Lock()
	sub := c.subs[se.RunID]
	c.mu.Unlock()
	if sub == nil {
		return
	}
	if !sub.deliver(se) {
		c.mu.Lock()
		delete(c.subs, se.RunID)
		c.mu.Unlock()
		sub.fail(errors.Wrapf(ErrSlowConsumer, "run %s", se.RunID))
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	disabled := c.reconnect.Disabled
	c.mu.Unlock()

	if disabled {
		c.failAll(errors.Wrap(cause, "connection lost, reconnection disabled"))
		return
	}

	go c.reconnectLoop(cause)
}

// reconnectLoop retries the dial with exponential backoff, honoring the client
// context during every wait. Exhaustion fails all subscriptions with an error;
// nothing is ever left waiting forever.
func (c *Client) reconnectLoop(cause error) {
	backoff := c.reconnect.InitialBackoff

	for attempt := 1; attempt <= c.reconnect.MaxRetries; attempt++ {
		select {
		case <-c.ctx.Done():
			c.failAll(errors.Wrap(c.ctx.Err(), "reconnect cancelled"))
			return
		case <-time.After(backoff):
		}

		conn, _, err := c.dialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			backoff *= 2
			if backoff > c.reconnect.MaxBackoff {
				backoff = c.reconnect.MaxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		subs := make([]*Subscription, 0, len(c.subs))
		for _, sub := range c.subs {
			subs = append(subs, sub)
		}
		c.mu.Unlock()

		go c.readLoop(conn)

		for _, sub := range subs {
			if err := c.writeFrame(NewSubscribeFrame(sub.RunID, sub.resumeFrom())); err != nil {
				c.logger.Warn().Err(err).Str("run_id", sub.RunID).Msg("could not resubscribe")
			}
		}

		c.logger.Info().Int("attempt", attempt).Int("subscriptions", len(subs)).Msg("reconnected")
		return
	}

	c.failAll(errors.Wrapf(ErrReconnectExhausted, "after %d attempts, last error: %v", c.reconnect.MaxRetries, cause))
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.fail(err)
	}
}
