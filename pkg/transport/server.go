package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/scribe/pkg/events"
	"github.com/go-go-golems/scribe/pkg/eventstore"
)

const (
	ErrorCodeInvalidFrame    = "invalid_frame"
	ErrorCodeSubscribeFailed = "subscribe_failed"
)

// Server fans stored events out to websocket subscribers. Live events arrive
// on the run's pub/sub topic; catch-up replay is served from the event store.
// Each connection owns a bounded send queue, so one slow or dead subscriber
// only ever costs itself.
type Server struct {
	store      eventstore.Store
	subscriber message.Subscriber
	upgrader   websocket.Upgrader
	logger     zerolog.Logger

	sendBuffer   int
	pingInterval time.Duration
	writeTimeout time.Duration

	mu    sync.Mutex
	conns map[*serverConn]struct{}
}

type ServerOption func(*Server)

func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithSendBuffer(n int) ServerOption {
	return func(s *Server) {
		s.sendBuffer = n
	}
}

func NewServer(store eventstore.Store, subscriber message.Subscriber, options ...ServerOption) *Server {
	ret := &Server{
		store:      store,
		subscriber: subscriber,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:       log.Logger,
		sendBuffer:   256,
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
		conns:        make(map[*serverConn]struct{}),
	}

	for _, o := range options {
		o(ret)
	}

	return ret
}

// Register mounts the websocket endpoint on an echo instance.
func (s *Server) Register(e *echo.Echo, path string) {
	e.GET(path, s.HandleWebSocket)
}

// HandleWebSocket upgrades the connection and starts its pumps.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return err
	}

	conn := &serverConn{
		server: s,
		ws:     ws,
		send:   make(chan []byte, s.sendBuffer),
		subs:   make(map[string]context.CancelFunc),
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	go conn.writePump()
	go conn.readPump()

	return nil
}

// Close tears down every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
	return nil
}

func (s *Server) remove(conn *serverConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

type serverConn struct {
	server *Server
	ws     *websocket.Conn
	send   chan []byte

	mu     sync.Mutex
	subs   map[string]context.CancelFunc
	closed bool

	closeOnce sync.Once
}

// readPump handles client frames until the socket errors out. A low-level
// socket error cleans up this connection only; the server keeps serving
// everyone else.
func (c *serverConn) readPump() {
	defer c.close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		frame, err := DecodeClientFrame(data)
		if err != nil {
			c.server.logger.Debug().Err(err).Msg("rejected client frame")
			c.sendFrame(NewErrorFrame(ErrorCodeInvalidFrame, err.Error()))
			continue
		}

		switch f := frame.(type) {
		case SubscribeFrame:
			c.subscribe(f)
		case UnsubscribeFrame:
			c.unsubscribe(f.RunID)
		}
	}
}

func (c *serverConn) writePump() {
	ticker := time.NewTicker(c.server.pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.server.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscribe attaches the connection to a run's live topic and, when asked,
// replays stored events first. The client deduplicates the replay/live overlap
// by sequence number.
func (c *serverConn) subscribe(f SubscribeFrame) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	if prev, ok := c.subs[f.RunID]; ok {
		prev()
	}
	c.subs[f.RunID] = cancel
	c.mu.Unlock()

	go func() {
		// Live first so nothing published during replay is missed.
		ch, err := c.server.subscriber.Subscribe(ctx, events.EventTopic(f.RunID))
		if err != nil {
			c.server.logger.Error().Err(err).Str("run_id", f.RunID).Msg("could not subscribe to run topic")
			c.sendFrame(NewErrorFrame(ErrorCodeSubscribeFailed, err.Error()))
			return
		}

		if f.FromSeq != nil {
			stored, err := c.server.store.ReadFrom(ctx, f.RunID, *f.FromSeq)
			if err != nil {
				c.server.logger.Error().Err(err).
					Str("run_id", f.RunID).
					Uint64("from_seq", *f.FromSeq).
					Msg("replay read failed")
				c.sendFrame(NewReplayFailedFrame(f.RunID, err.Error()))
			} else {
				for _, se := range stored {
					c.sendFrame(NewEventFrame(se))
				}
			}
		}

		for msg := range ch {
			var se events.StoredEvent
			if err := json.Unmarshal(msg.Payload, &se); err != nil {
				c.server.logger.Warn().Err(err).Str("run_id", f.RunID).Msg("could not decode broadcast event")
				msg.Ack()
				continue
			}
			c.sendFrame(NewEventFrame(se))
			msg.Ack()
		}
	}()
}

func (c *serverConn) unsubscribe(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.subs[runID]; ok {
		cancel()
		delete(c.subs, runID)
	}
}

// sendFrame enqueues a frame without ever blocking. A full queue means the
// subscriber stopped draining; it alone gets dropped.
func (c *serverConn) sendFrame(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.server.logger.Error().Err(err).Msg("could not marshal frame")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.server.logger.Warn().Msg("subscriber send queue full, dropping connection")
		go c.close()
	}
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		for _, cancel := range c.subs {
			cancel()
		}
		c.subs = make(map[string]context.CancelFunc)
		c.mu.Unlock()

		close(c.send)
		_ = c.ws.Close()
		c.server.remove(c)
	})
}
