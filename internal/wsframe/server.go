package wsframe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/ifgate/internal/ifrpc"
)

// Session is one connection together with the local Window its messages
// are delivered to.
type Session struct {
	ID     string
	Window *ifrpc.Window
	Conn   *Conn
}

// Close closes the connection and the Window.
func (s *Session) Close() {
	s.Conn.Close()
	s.Window.Close()
}

// ConnectFunc sets up a new session, usually by creating a Channel on
// s.Window peered with s.Conn. The returned cleanup runs when the
// connection ends.
type ConnectFunc func(ctx context.Context, s *Session) (cleanup func(), err error)

// Option configures a Server or Dial.
type Option func(*options)

type options struct {
	settings       Settings
	logger         *slog.Logger
	allowedOrigins []string
}

func buildOptions(opts []Option) options {
	o := options{settings: DefaultSettings(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "wsframe")
	return o
}

// WithSettings replaces the connection settings.
func WithSettings(s Settings) Option {
	return func(o *options) { o.settings = s }
}

// WithBinary sends binary messages, for binary codecs.
func WithBinary(binary bool) Option {
	return func(o *options) { o.settings.Binary = binary }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithAllowedOrigins restricts the Origin header a Server accepts. An empty
// list accepts any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *options) { o.allowedOrigins = origins }
}

// Server accepts websocket connections and runs one session per connection.
type Server struct {
	origin    string
	onConnect ConnectFunc
	opts      options
	upgrader  websocket.Upgrader
}

// NewServer creates a Server whose session Windows have origin.
func NewServer(origin string, onConnect ConnectFunc, opts ...Option) *Server {
	s := &Server{origin: origin, onConnect: onConnect, opts: buildOptions(opts)}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.allowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.opts.allowedOrigins, r.Header.Get("Origin"))
}

// ServeHTTP upgrades the request and serves the session until the
// connection ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.logger.Warn("upgrade failed", "error", err, "origin", r.Header.Get("Origin"))
		return
	}

	remote := r.Header.Get("Origin")
	if remote == "" {
		remote = "null"
	}
	sess := newSession(ws, s.origin, remote, s.opts)
	defer sess.Close()

	sess.Conn.logger.Info("session started")
	cleanup, err := s.onConnect(r.Context(), sess)
	if err != nil {
		sess.Conn.logger.Error("session setup failed", "error", err)
		return
	}
	defer func() {
		if cleanup != nil {
			cleanup()
		}
	}()

	sess.Conn.Run(sess.Window)
	sess.Conn.logger.Info("session ended")
}

func newSession(ws *websocket.Conn, localOrigin, remoteOrigin string, o options) *Session {
	id := uuid.NewString()
	window := ifrpc.NewWindow(localOrigin,
		ifrpc.WithWindowName("ws-"+id),
		ifrpc.WithWindowLogger(o.logger))
	return &Session{
		ID:     id,
		Window: window,
		Conn:   newConn(id, ws, remoteOrigin, o.settings, o.logger),
	}
}

// Dial connects to a Server at rawURL, announcing localOrigin. The session
// is running when Dial returns; close it with Session.Close.
func Dial(ctx context.Context, rawURL, localOrigin string, opts ...Option) (*Session, error) {
	o := buildOptions(opts)
	remote, err := originOf(rawURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Origin", localOrigin)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	sess := newSession(ws, localOrigin, remote, o)
	go sess.Conn.Run(sess.Window)
	return sess, nil
}

// originOf returns the web origin of a websocket URL: ws maps to http and
// wss to https.
func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		return "http://" + u.Host, nil
	case "wss":
		return "https://" + u.Host, nil
	}
	return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
}
