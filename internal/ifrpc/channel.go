package ifrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/roach88/ifgate/internal/codec"
	"github.com/roach88/ifgate/internal/value"
)

// Call is one inbound command request.
type Call struct {
	Name string
	ID   string
	Args value.Array
	// Source is the frame the request came from; the response goes back
	// to it.
	Source Frame
	Origin string
}

// Arg returns the i-th positional argument, or Null when absent.
func (c *Call) Arg(i int) value.Value {
	if i < 0 || i >= len(c.Args) {
		return value.Null{}
	}
	return c.Args[i]
}

// Bind decodes the i-th positional argument into dst.
func (c *Call) Bind(i int, dst any) error {
	if err := value.Decode(c.Arg(i), dst); err != nil {
		return fmt.Errorf("%s: argument %d: %w", c.Name, i, err)
	}
	return nil
}

// Event is one inbound event.
type Event struct {
	Name   string
	Args   value.Array
	Source Frame
	Origin string
}

// Arg returns the i-th positional argument, or Null when absent.
func (e *Event) Arg(i int) value.Value {
	if i < 0 || i >= len(e.Args) {
		return value.Null{}
	}
	return e.Args[i]
}

// CommandHandler answers a command. The result is converted with
// value.FromGo; a returned error is sent to the peer as a failure.
type CommandHandler func(ctx context.Context, call *Call) (any, error)

// EventListener receives an event. Errors are logged and do not stop the
// remaining listeners.
type EventListener func(ctx context.Context, ev *Event) error

// ListenerID identifies a registered listener for removal.
type ListenerID int64

type listenerEntry struct {
	id ListenerID
	fn EventListener
}

type result struct {
	ok       bool
	response value.Value
}

// Channel is one endpoint of a command/event connection to a peer frame.
//
// The Channel registers itself on its host Window's Registry and sends with
// the host Window as source.
//
// Thread-safety: all methods are safe for concurrent use.
type Channel struct {
	host          *Window
	peer          Frame
	magic         string
	version       int64
	peerOrigin    string
	acceptOpener  bool
	acceptParent  bool
	invokeTimeout time.Duration
	codec         codec.Codec
	ids           IDGenerator
	logger        *slog.Logger

	mu            sync.Mutex
	commands      map[string]CommandHandler
	commandOrder  []string
	listeners     map[string][]listenerEntry
	listenerOrder []string
	nextListener  ListenerID
	pending       map[string]chan result

	events     *queue[*Event]
	ctx        context.Context
	cancel     context.CancelFunc
	unregister func()
	closeOnce  sync.Once
}

// Option configures a Channel.
type Option func(*Channel)

// WithMagic sets the shared secret both endpoints must present.
func WithMagic(magic string) Option {
	return func(c *Channel) { c.magic = magic }
}

// WithPeerOrigin restricts accepted messages to one exact origin and
// addresses outbound messages to it. Default: "*".
func WithPeerOrigin(origin string) Option {
	return func(c *Channel) { c.peerOrigin = origin }
}

// WithAcceptOpener also trusts the peer frame's opener.
func WithAcceptOpener(accept bool) Option {
	return func(c *Channel) { c.acceptOpener = accept }
}

// WithAcceptParent also trusts the peer frame's parent.
func WithAcceptParent(accept bool) Option {
	return func(c *Channel) { c.acceptParent = accept }
}

// WithInvokeTimeout bounds every InvokeCommand call that has no earlier
// deadline. Zero disables the default timeout.
func WithInvokeTimeout(d time.Duration) Option {
	return func(c *Channel) { c.invokeTimeout = d }
}

// WithCodec selects the envelope encoding. Default: codec.JSON.
func WithCodec(cd codec.Codec) Option {
	return func(c *Channel) { c.codec = cd }
}

// WithIDGenerator replaces the correlation ID source.
func WithIDGenerator(ids IDGenerator) Option {
	return func(c *Channel) { c.ids = ids }
}

// WithLogger sets the channel's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

// WithVersion overrides the envelope version. Only useful to exercise
// version rejection.
func WithVersion(v int64) Option {
	return func(c *Channel) { c.version = v }
}

// NewChannel creates a Channel hosted by host that talks to peer, registers
// the discovery commands and starts receiving.
func NewChannel(host *Window, peer Frame, opts ...Option) (*Channel, error) {
	if host == nil || peer == nil {
		return nil, ErrNilFrame
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		host:       host,
		peer:       peer,
		magic:      DefaultMagic,
		version:    ProtocolVersion,
		peerOrigin: AnyOrigin,
		codec:      codec.JSON,
		ids:        NewClock(),
		logger:     slog.Default(),
		commands:   make(map[string]CommandHandler),
		listeners:  make(map[string][]listenerEntry),
		pending:    make(map[string]chan result),
		events:     newQueue[*Event](),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "ifrpc", "peer_origin", peer.Origin())

	// Registered before any application handler so they cannot be shadowed.
	if err := c.AddCommandHandler(CommandGetCommands, c.listCommands); err != nil {
		return nil, err
	}
	if err := c.AddCommandHandler(CommandGetListeners, c.listListeners); err != nil {
		return nil, err
	}

	go c.events.drain(c.dispatchEvent)
	c.unregister = host.Registry().Register(c)
	return c, nil
}

// Peer returns the frame this Channel sends to.
func (c *Channel) Peer() Frame { return c.peer }

// Close unregisters the Channel, fails pending invocations with ErrClosed
// and stops event dispatch after queued events have run.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.unregister()
		c.cancel()
		c.events.Close()

		c.mu.Lock()
		pending := c.pending
		c.pending = make(map[string]chan result)
		c.mu.Unlock()
		for id := range pending {
			c.logger.Debug("pending request abandoned", "id", id)
		}
	})
}

// AddCommandHandler registers fn under name. Returns ErrDuplicateCommand if
// the name is taken; the existing handler stays active.
func (c *Channel) AddCommandHandler(name string, fn CommandHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.commands[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
	}
	c.commands[name] = fn
	c.commandOrder = append(c.commandOrder, name)
	return nil
}

// RemoveCommandHandler unregisters name. Removing an unknown name is a no-op.
func (c *Channel) RemoveCommandHandler(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.commands[name]; !exists {
		return
	}
	delete(c.commands, name)
	c.commandOrder = removeString(c.commandOrder, name)
}

// AddEventListener appends fn to the listeners for name.
func (c *Channel) AddEventListener(name string, fn EventListener) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextListener++
	id := c.nextListener
	if _, exists := c.listeners[name]; !exists {
		c.listenerOrder = append(c.listenerOrder, name)
	}
	c.listeners[name] = append(c.listeners[name], listenerEntry{id: id, fn: fn})
	return id
}

// RemoveEventListener removes the listener id from name.
func (c *Channel) RemoveEventListener(name string, id ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.listeners[name]
	for i, e := range entries {
		if e.id == id {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(c.listeners, name)
		c.listenerOrder = removeString(c.listenerOrder, name)
		return
	}
	c.listeners[name] = entries
}

// TriggerEvent sends a fire-and-forget event to the peer.
func (c *Channel) TriggerEvent(ctx context.Context, name string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	vals, err := toArgs(args)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", name, err)
	}
	return c.send(c.peer, message{Op: opEvent, Name: name, Args: vals})
}

// InvokeCommand sends a command request and waits for the response.
//
// The result is the peer handler's return value, or a *RemoteError when the
// handler failed. Cancelling ctx (or the Channel's default timeout expiring)
// abandons the request; a response arriving afterwards is logged as an
// unknown request and dropped.
func (c *Channel) InvokeCommand(ctx context.Context, name string, args ...any) (value.Value, error) {
	vals, err := toArgs(args)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", name, err)
	}
	if c.invokeTimeout > 0 {
		if _, has := ctx.Deadline(); !has {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.invokeTimeout)
			defer cancel()
		}
	}

	id := c.ids.NextID()
	wait := make(chan result, 1)

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = wait
	c.mu.Unlock()

	req := message{Op: opCommand, Dir: dirRequest, Name: name, ID: id, Args: vals}
	if err := c.send(c.peer, req); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("invoke %s: %w", name, err)
	}

	select {
	case res := <-wait:
		if !res.ok {
			return nil, &RemoteError{Record: RecordFromValue(res.response)}
		}
		return res.response, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, fmt.Errorf("invoke %s: %w", name, ctx.Err())
	case <-c.ctx.Done():
		return nil, fmt.Errorf("invoke %s: %w", name, ErrClosed)
	}
}

func (c *Channel) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// HandleMessage implements MessageHandler. It runs on the host Window's
// event loop and must not block.
func (c *Channel) HandleMessage(ev MessageEvent) {
	if ev.Source == nil {
		c.logger.Debug("message dropped: source gone")
		return
	}
	if c.peerOrigin != AnyOrigin && ev.Origin != c.peerOrigin {
		c.logger.Warn("message from untrusted origin", "origin", ev.Origin)
		return
	}
	if !c.trusted(ev.Source) {
		return
	}

	var (
		msg message
		err = errors.New("empty payload")
	)
	if len(ev.Data) > 0 {
		var tree any
		if tree, err = c.codec.Unmarshal(ev.Data); err == nil {
			msg, err = parseMessage(tree)
		}
	}
	if err != nil || msg.Magic != c.magic {
		c.logger.Error("invalid ifrpc magic", "origin", ev.Origin, "error", err)
		return
	}
	if msg.Version != c.version {
		c.logger.Error("version mismatch", "expected", c.version, "got", msg.Version)
		return
	}

	switch msg.Op {
	case opCommand:
		switch msg.Dir {
		case dirRequest:
			c.startCommand(ev, msg)
		case dirResponse:
			c.handleResponse(msg)
		default:
			c.logger.Error("protocol violation", "error", ErrMissingDirection, "name", msg.Name)
		}
	case opEvent:
		c.events.Enqueue(&Event{Name: msg.Name, Args: msg.Args, Source: ev.Source, Origin: ev.Origin})
	default:
		c.logger.Error("protocol violation", "error", ErrInvalidOperation, "op", msg.Op)
	}
}

// trusted reports whether src is the peer or, when enabled, the peer's
// opener or parent.
func (c *Channel) trusted(src Frame) bool {
	if src == c.peer {
		return true
	}
	if c.acceptOpener {
		if opener := c.peer.Opener(); opener != nil && src == opener {
			return true
		}
	}
	if c.acceptParent {
		if parent := c.peer.Parent(); parent != nil && src == parent {
			return true
		}
	}
	return false
}

func (c *Channel) startCommand(ev MessageEvent, msg message) {
	c.mu.Lock()
	handler, ok := c.commands[msg.Name]
	c.mu.Unlock()

	call := &Call{Name: msg.Name, ID: msg.ID, Args: msg.Args, Source: ev.Source, Origin: ev.Origin}
	if !ok {
		notFound := &commandNotFound{name: msg.Name}
		c.respond(call, false, RecordFromError(notFound).Value())
		c.logger.Error("command not found", "error", notFound, "id", msg.ID)
		return
	}

	go c.runCommand(call, handler)
}

func (c *Channel) runCommand(call *Call, handler CommandHandler) {
	out, err := c.callHandler(call, handler)
	if err != nil {
		c.logger.Debug("command failed", "name", call.Name, "id", call.ID, "error", err)
		rec := RecordFromError(err)
		var p *panicError
		if errors.As(err, &p) {
			rec.Stack = p.stack
		}
		c.respond(call, false, rec.Value())
		return
	}
	res, err := value.FromGo(out)
	if err != nil {
		c.respond(call, false, RecordFromError(fmt.Errorf("encode result: %w", err)).Value())
		return
	}
	c.respond(call, true, res)
}

func (c *Channel) callHandler(call *Call, handler CommandHandler) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p, stack: string(debug.Stack())}
		}
	}()
	return handler(c.ctx, call)
}

func (c *Channel) respond(call *Call, success bool, response value.Value) {
	resp := message{
		Op:       opCommand,
		Dir:      dirResponse,
		Name:     call.Name,
		ID:       call.ID,
		Success:  success,
		Response: response,
	}
	if err := c.send(call.Source, resp); err != nil {
		c.logger.Error("send response failed", "name", call.Name, "id", call.ID, "error", err)
	}
}

func (c *Channel) handleResponse(msg message) {
	c.mu.Lock()
	wait, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Error("protocol violation", "error", ErrUnknownRequest, "id", msg.ID, "name", msg.Name)
		return
	}
	wait <- result{ok: msg.Success, response: msg.Response}
}

func (c *Channel) dispatchEvent(ev *Event) {
	c.mu.Lock()
	entries := append([]listenerEntry(nil), c.listeners[ev.Name]...)
	c.mu.Unlock()

	if len(entries) == 0 {
		c.logger.Debug("event triggered without listeners", "event", ev.Name)
		return
	}
	for _, e := range entries {
		if err := c.callListener(ev, e.fn); err != nil {
			c.logger.Error("event listener error", "event", ev.Name, "listener", e.id, "error", err)
		}
	}
}

func (c *Channel) callListener(ev *Event, fn EventListener) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p, stack: string(debug.Stack())}
		}
	}()
	return fn(c.ctx, ev)
}

func (c *Channel) send(target Frame, msg message) error {
	msg.Magic = c.magic
	msg.Version = c.version
	data, err := c.codec.Marshal(msg.tree())
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Op, err)
	}
	return target.PostMessage(c.host, data, c.peerOrigin)
}

func (c *Channel) listCommands(context.Context, *Call) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.commandOrder...), nil
}

func (c *Channel) listListeners(context.Context, *Call) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.listenerOrder...), nil
}

// panicError wraps a recovered panic from user code.
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func toArgs(args []any) (value.Array, error) {
	out := make(value.Array, 0, len(args))
	for i, a := range args {
		v, err := value.FromGo(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
