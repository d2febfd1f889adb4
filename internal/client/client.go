package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/ifgate/internal/gateway"
	"github.com/roach88/ifgate/internal/ifrpc"
	"github.com/roach88/ifgate/internal/recordstore"
	"github.com/roach88/ifgate/internal/schema"
	"github.com/roach88/ifgate/internal/value"
)

// Commands and events of the messenger frame.
const (
	EventInit                    = "init"
	CommandConfigure             = "configure"
	CommandNavPanelToggle        = "nav-panel-toggle"
	CommandThreadStartExpression = "thread-join"
	CommandThreadOpen            = "thread-open"
)

// ErrClosed is returned by Ready after Close.
var ErrClosed = errors.New("client closed")

// Channel is the part of an ifrpc Channel the client uses.
type Channel interface {
	gateway.Channel
	AddEventListener(name string, fn ifrpc.EventListener) ifrpc.ListenerID
	RemoveEventListener(name string, id ifrpc.ListenerID)
}

// ReadyFunc runs once the frame is configured.
type ReadyFunc func(ctx context.Context, c *Client) error

// ListenerID identifies a listener added through the Client.
type ListenerID int64

type listener struct {
	name  string
	fn    ifrpc.EventListener
	rpcID ifrpc.ListenerID
}

// Client drives one messenger frame over a Channel.
//
// Thread-safety: all methods are safe for concurrent use.
type Client struct {
	ch     Channel
	auth   Auth
	logger *slog.Logger

	showNav           bool
	showHeader        bool
	showThreadAside   bool
	showThreadHeader  bool
	ephemeralUserInfo *EphemeralUserInfo
	callback          ReadyFunc

	factory *recordstore.Factory
	schemas *schema.Registry
	gw      *gateway.Gateway

	initID   ifrpc.ListenerID
	initOnce sync.Once
	done     chan struct{}
	closed   chan struct{}

	mu        sync.Mutex
	ready     bool
	initErr   error
	nextID    ListenerID
	listeners map[ListenerID]*listener
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithShowNav unhides the navigation panel used for thread selection.
func WithShowNav(show bool) Option {
	return func(c *Client) { c.showNav = show }
}

// WithShowHeader unhides the header panel.
func WithShowHeader(show bool) Option {
	return func(c *Client) { c.showHeader = show }
}

// WithShowThreadAside unhides the aside panel containing thread info.
func WithShowThreadAside(show bool) Option {
	return func(c *Client) { c.showThreadAside = show }
}

// WithShowThreadHeader unhides the thread header panel.
func WithShowThreadHeader(show bool) Option {
	return func(c *Client) { c.showThreadHeader = show }
}

// WithEphemeralUserInfo describes the ephemeral user for the session.
func WithEphemeralUserInfo(info EphemeralUserInfo) Option {
	return func(c *Client) { c.ephemeralUserInfo = &info }
}

// WithCallback sets a function run once the client is ready.
func WithCallback(fn ReadyFunc) Option {
	return func(c *Client) { c.callback = fn }
}

// WithGateway serves a db-gateway backed by factory on the client's
// Channel.
func WithGateway(factory *recordstore.Factory, schemas *schema.Registry) Option {
	return func(c *Client) {
		c.factory = factory
		c.schemas = schemas
	}
}

// New validates auth and starts waiting for the frame's init event.
func New(ch Channel, auth Auth, opts ...Option) (*Client, error) {
	if err := auth.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		ch:        ch,
		auth:      auth,
		logger:    slog.Default(),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
		listeners: make(map[ListenerID]*listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client")

	if c.factory != nil {
		gw, err := gateway.New(ch, c.factory, c.schemas, gateway.WithLogger(c.logger))
		if err != nil {
			return nil, fmt.Errorf("start gateway: %w", err)
		}
		c.gw = gw
	}
	c.initID = ch.AddEventListener(EventInit, c.onInit)
	return c, nil
}

func (c *Client) onInit(ctx context.Context, _ *ifrpc.Event) error {
	var err error
	c.initOnce.Do(func() {
		c.logger.Debug("client init")
		err = c.configure(ctx)

		c.mu.Lock()
		c.initErr = err
		close(c.done)
		c.mu.Unlock()

		if err == nil && c.callback != nil {
			if cbErr := c.callback(ctx, c); cbErr != nil {
				c.logger.Error("ready callback failed", "error", cbErr)
			}
		}
	})
	return err
}

func (c *Client) configure(ctx context.Context) error {
	args := map[string]any{
		"auth":             c.auth.wire(),
		"showNav":          c.showNav,
		"showHeader":       c.showHeader,
		"showThreadAside":  c.showThreadAside,
		"showThreadHeader": c.showThreadHeader,
	}
	if c.ephemeralUserInfo != nil {
		args["ephemeralUserInfo"] = c.ephemeralUserInfo
	}
	if _, err := c.ch.InvokeCommand(ctx, CommandConfigure, args); err != nil {
		c.logger.Error("configure failed", "error", err)
		return fmt.Errorf("configure: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.orderedListeners() {
		l.rpcID = c.ch.AddEventListener(l.name, l.fn)
	}
	c.ready = true
	c.logger.Info("client ready", "listeners", len(c.listeners))
	return nil
}

// orderedListeners returns the listeners in the order they were added.
// Callers hold c.mu.
func (c *Client) orderedListeners() []*listener {
	out := make([]*listener, 0, len(c.listeners))
	for _, id := range slices.Sorted(maps.Keys(c.listeners)) {
		out = append(out, c.listeners[id])
	}
	return out
}

// Ready blocks until the frame is configured, returning the configure
// failure if there was one.
func (c *Client) Ready(ctx context.Context) error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.initErr
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddEventListener listens to a frame event. Listeners added before the
// client is ready are attached once it is.
func (c *Client) AddEventListener(name string, fn ifrpc.EventListener) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	l := &listener{name: name, fn: fn}
	if c.ready {
		l.rpcID = c.ch.AddEventListener(name, fn)
	}
	c.listeners[c.nextID] = l
	return c.nextID
}

// RemoveEventListener removes a listener added with AddEventListener.
func (c *Client) RemoveEventListener(name string, id ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.listeners[id]
	if !ok || l.name != name {
		return
	}
	delete(c.listeners, id)
	if c.ready {
		c.ch.RemoveEventListener(name, l.rpcID)
	}
}

// NavPanelToggle expands or collapses the navigation panel. A nil collapse
// toggles it.
func (c *Client) NavPanelToggle(ctx context.Context, collapse *bool) (value.Value, error) {
	var arg any
	if collapse != nil {
		arg = *collapse
	}
	return c.ch.InvokeCommand(ctx, CommandNavPanelToggle, arg)
}

// ThreadStartWithExpression opens the thread matching a tag expression,
// creating it when none exists.
func (c *Client) ThreadStartWithExpression(ctx context.Context, expression string) (value.Value, error) {
	return c.ch.InvokeCommand(ctx, CommandThreadStartExpression, expression)
}

// ThreadOpen opens a thread by its ID.
func (c *Client) ThreadOpen(ctx context.Context, id string) (value.Value, error) {
	return c.ch.InvokeCommand(ctx, CommandThreadOpen, id)
}

// Gateway returns the db-gateway served on the Channel, or nil.
func (c *Client) Gateway() *gateway.Gateway { return c.gw }

// Close detaches the client's listeners and stops the gateway.
func (c *Client) Close() {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return
	default:
	}
	close(c.closed)
	if c.ready {
		for _, l := range c.orderedListeners() {
			c.ch.RemoveEventListener(l.name, l.rpcID)
		}
	}
	c.listeners = make(map[ListenerID]*listener)
	c.mu.Unlock()

	c.ch.RemoveEventListener(EventInit, c.initID)
	if c.gw != nil {
		c.gw.Close()
	}
}
