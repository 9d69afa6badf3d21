// Package dispatch owns the websocket side of a client connection.
package dispatch

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/trip-tracking/internal/logging"
	"github.com/example/trip-tracking/internal/models"
	"github.com/example/trip-tracking/internal/observability"
)

var (
	ErrClosed       = models.ErrConnClosed
	ErrSlowConsumer = errors.New("send queue full")
)

const writeWait = 10 * time.Second

// Options tune a Conn. Zero values fall back to defaults.
type Options struct {
	SendBuffer   int
	ReadLimit    int64
	PingInterval time.Duration
	PongWait     time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 16
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = o.PingInterval * 2
	}
	return o
}

// Conn is a websocket connection with a buffered outbound queue. Exactly one
// goroutine writes to the socket (WritePump) and one reads (ReadFrame).
type Conn struct {
	id   string
	ws   *websocket.Conn
	opts Options

	mu     sync.RWMutex
	closed bool
	send   chan []byte
	done   chan struct{}
	exited chan struct{}

	closeOnce sync.Once
	logger    *slog.Logger
}

func NewConn(ws *websocket.Conn, opts Options, logger *slog.Logger) *Conn {
	opts = opts.withDefaults()
	id := uuid.NewString()
	c := &Conn{
		id:     id,
		ws:     ws,
		opts:   opts,
		send:   make(chan []byte, opts.SendBuffer),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		logger: logging.OrDiscard(logger).With("conn_id", id),
	}
	ws.SetReadLimit(opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	return c
}

func (c *Conn) ID() string { return c.id }

// Send queues ev without blocking. A peer whose queue is full is closed.
func (c *Conn) Send(ev models.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	select {
	case c.send <- b:
		c.mu.RUnlock()
		return nil
	default:
		c.mu.RUnlock()
	}
	c.logger.Warn("slow_consumer", "event", ev.Name, "queued", len(c.send))
	c.Close()
	return ErrSlowConsumer
}

// ReadFrame blocks for the next text frame from the peer.
func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		mt, b, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			// any traffic proves the peer is alive
			_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
			return b, nil
		}
	}
}

// WritePump drains the outbound queue until Close, then flushes what is
// still queued, sends a close frame and closes the socket.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		c.Close()
		close(c.exited)
	}()
	for {
		select {
		case b := <-c.send:
			if err := c.write(websocket.TextMessage, b); err != nil {
				c.logger.Debug("ws_write_failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ws_ping_failed", "error", err)
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case b := <-c.send:
			if err := c.write(websocket.TextMessage, b); err != nil {
				return
			}
		default:
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Conn) write(mt int, b []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(mt, b); err != nil {
		return err
	}
	if mt == websocket.TextMessage {
		observability.FramesWrittenTotal.Inc()
	}
	return nil
}

// Close stops accepting new frames and asks the write pump to flush and
// disconnect. Safe to call from any goroutine, any number of times.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Exited is closed when the write pump has returned and the socket is closed.
func (c *Conn) Exited() <-chan struct{} { return c.exited }
