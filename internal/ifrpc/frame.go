package ifrpc

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Frame is a context that accepts posted messages: a window, an iframe, a
// popup, or a remote peer reached over a transport.
//
// Frames are compared by identity, so implementations must be pointer types.
type Frame interface {
	// PostMessage delivers data to the frame as if sent by source. The
	// message is dropped when targetOrigin is neither "*" nor the frame's
	// own origin.
	PostMessage(source Frame, data []byte, targetOrigin string) error

	// Origin is the frame's origin, e.g. "https://app.example.com".
	Origin() string

	// Opener is the frame that opened this one, or nil.
	Opener() Frame

	// Parent is the embedding frame, or nil for a top-level frame.
	Parent() Frame
}

// MessageEvent is one inbound message as seen by the receiving context.
type MessageEvent struct {
	// Source is the sending frame, or nil when the sender has been torn down.
	Source Frame
	// Origin is the sender's origin at the time of sending.
	Origin string
	Data   []byte
}

// closer is implemented by frames that can be torn down.
type closer interface {
	Closed() bool
}

// Window is an in-process Frame with its own event loop.
//
// Messages posted to a Window are queued and routed, one at a time, to the
// Channels registered on its Registry. A closed Window accepts no messages,
// and messages it sent that are still queued elsewhere arrive with a nil
// Source.
//
// Thread-safety: all methods are safe for concurrent use.
type Window struct {
	name     string
	origin   string
	opener   Frame
	parent   Frame
	registry *Registry
	inbox    *queue[MessageEvent]
	closed   atomic.Bool
	done     chan struct{}
	once     sync.Once
	logger   *slog.Logger
}

// WindowOption configures a Window.
type WindowOption func(*Window)

// WithOpener sets the window's opener.
func WithOpener(f Frame) WindowOption {
	return func(w *Window) { w.opener = f }
}

// WithParent sets the window's embedding parent.
func WithParent(f Frame) WindowOption {
	return func(w *Window) { w.parent = f }
}

// WithWindowName names the window in log output.
func WithWindowName(name string) WindowOption {
	return func(w *Window) { w.name = name }
}

// WithWindowLogger sets the window's logger.
func WithWindowLogger(logger *slog.Logger) WindowOption {
	return func(w *Window) { w.logger = logger }
}

// NewWindow creates a Window for origin and starts its event loop.
// Call Close to stop it.
func NewWindow(origin string, opts ...WindowOption) *Window {
	w := &Window{
		origin: origin,
		inbox:  newQueue[MessageEvent](),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name == "" {
		w.name = origin
	}
	w.logger = w.logger.With("window", w.name)
	w.registry = NewRegistry(w.logger)

	go w.run()
	return w
}

// Open creates a window whose opener is w, like window.open.
func (w *Window) Open(origin string, opts ...WindowOption) *Window {
	return NewWindow(origin, append([]WindowOption{WithOpener(w)}, opts...)...)
}

// Embed creates a window whose parent is w, like an iframe.
func (w *Window) Embed(origin string, opts ...WindowOption) *Window {
	return NewWindow(origin, append([]WindowOption{WithParent(w)}, opts...)...)
}

// Registry returns the registry Channels hosted by this window register on.
func (w *Window) Registry() *Registry { return w.registry }

// Origin implements Frame.
func (w *Window) Origin() string { return w.origin }

// Opener implements Frame.
func (w *Window) Opener() Frame { return w.opener }

// Parent implements Frame.
func (w *Window) Parent() Frame { return w.parent }

// Closed reports whether Close has been called.
func (w *Window) Closed() bool { return w.closed.Load() }

// PostMessage implements Frame.
func (w *Window) PostMessage(source Frame, data []byte, targetOrigin string) error {
	if targetOrigin != "*" && targetOrigin != w.origin {
		w.logger.Debug("message dropped: target origin mismatch",
			"target_origin", targetOrigin)
		return nil
	}
	return w.Deliver(eventFrom(source, data))
}

// Deliver queues an already-formed event. Transports that carry messages
// from remote frames use this instead of PostMessage.
func (w *Window) Deliver(ev MessageEvent) error {
	if !w.inbox.Enqueue(ev) {
		return ErrClosed
	}
	return nil
}

// Close stops the event loop after the queued messages have been routed.
func (w *Window) Close() {
	w.once.Do(func() {
		w.closed.Store(true)
		w.inbox.Close()
	})
	<-w.done
}

func (w *Window) run() {
	defer close(w.done)
	w.inbox.drain(w.registry.Dispatch)
}

func eventFrom(source Frame, data []byte) MessageEvent {
	ev := MessageEvent{Data: append([]byte(nil), data...)}
	if source == nil {
		return ev
	}
	if c, ok := source.(closer); ok && c.Closed() {
		return ev
	}
	ev.Source = source
	ev.Origin = source.Origin()
	return ev
}
