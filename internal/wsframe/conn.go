package wsframe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/ifgate/internal/ifrpc"
)

// ErrSendTimeout is returned when a message could not be queued in time.
var ErrSendTimeout = errors.New("wsframe: send buffer full")

// Settings tunes a connection.
type Settings struct {
	// WriteTimeout bounds one socket write and the wait for buffer space.
	WriteTimeout time.Duration
	// ReadTimeout is the longest silence tolerated from the peer.
	ReadTimeout time.Duration
	// PingTimeout is the idle time after which an empty keepalive message
	// is sent. It must be below the peer's ReadTimeout.
	PingTimeout time.Duration
	BufferSize  int
	// Binary sends binary websocket messages instead of text.
	Binary bool
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingTimeout:  20 * time.Second,
		BufferSize:   32,
	}
}

// Conn is the Frame of a peer reached over one websocket.
//
// Thread-safety: all methods are safe for concurrent use.
type Conn struct {
	id       string
	ws       *websocket.Conn
	origin   string
	settings Settings
	logger   *slog.Logger

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func newConn(id string, ws *websocket.Conn, origin string, settings Settings, logger *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:       id,
		ws:       ws,
		origin:   origin,
		settings: settings,
		logger:   logger.With("session", id, "remote_origin", origin),
		send:     make(chan []byte, settings.BufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ID returns the session ID of the connection.
func (c *Conn) ID() string { return c.id }

// Origin implements ifrpc.Frame. It is the origin of the remote side.
func (c *Conn) Origin() string { return c.origin }

// Opener implements ifrpc.Frame.
func (c *Conn) Opener() ifrpc.Frame { return nil }

// Parent implements ifrpc.Frame.
func (c *Conn) Parent() ifrpc.Frame { return nil }

// Closed reports whether the connection has shut down.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Done is closed when the connection shuts down.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// PostMessage implements ifrpc.Frame by queueing data for the socket.
// source is always the local Window and is not transmitted.
func (c *Conn) PostMessage(_ ifrpc.Frame, data []byte, targetOrigin string) error {
	if targetOrigin != "*" && targetOrigin != c.origin {
		c.logger.Debug("message dropped: target origin mismatch", "target_origin", targetOrigin)
		return nil
	}
	if c.closed.Load() {
		return ifrpc.ErrClosed
	}
	msg := append([]byte(nil), data...)
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return ifrpc.ErrClosed
	case <-time.After(c.settings.WriteTimeout):
		return ErrSendTimeout
	}
}

// Close shuts the connection down. Run returns afterwards.
func (c *Conn) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.cancel()
	c.ws.Close()
}

// Run pumps messages between the socket and host until either side fails
// or Close is called.
func (c *Conn) Run(host *ifrpc.Window) {
	defer c.Close()
	go c.writeLoop()
	c.readLoop(host)
}

func (c *Conn) writeLoop() {
	defer c.Close()

	msgType := websocket.TextMessage
	if c.settings.Binary {
		msgType = websocket.BinaryMessage
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteMessage(msgType, msg); err != nil {
				c.logger.Info("write failed", "error", err)
				return
			}
		case <-time.After(c.settings.PingTimeout):
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteMessage(msgType, nil); err != nil {
				c.logger.Info("keepalive failed", "error", err)
				return
			}
		}
	}
}

func (c *Conn) readLoop(host *ifrpc.Window) {
	for {
		if c.ctx.Err() != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Info("read failed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if len(data) == 0 {
			// keepalive
			continue
		}
		if err := host.Deliver(ifrpc.MessageEvent{Source: c, Origin: c.origin, Data: data}); err != nil {
			c.logger.Info("delivery failed", "error", fmt.Errorf("deliver: %w", err))
			return
		}
	}
}
