package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ifgate/internal/codec"
	"github.com/roach88/ifgate/internal/config"
	"github.com/roach88/ifgate/internal/gateway"
	"github.com/roach88/ifgate/internal/ifrpc"
	"github.com/roach88/ifgate/internal/recordstore"
	"github.com/roach88/ifgate/internal/schema"
	"github.com/roach88/ifgate/internal/wsframe"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string
	Listen     string
	DataDir    string

	// ready, when set, receives the bound address once the server listens.
	ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve db-gateway over websocket connections",
		Long: `Serve record databases over ifrpc.

Every websocket connection gets its own Channel with a db-gateway
registered on it. Peers call db-gateway-init to open a database and then
the per-database commands.

Example:
  ifgate serve --config ifgate.yaml
  ifgate serve --listen 127.0.0.1:9000 --data-dir /tmp/ifgate -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides server.listen_addr)")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "database directory (overrides storage.data_dir)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}
	if opts.Listen != "" {
		cfg.Server.ListenAddr = opts.Listen
	}
	if opts.DataDir != "" {
		cfg.Storage.DataDir = opts.DataDir
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format, opts.Verbose)
	slog.SetDefault(logger)

	schemas, err := loadRegistry(cfg.Storage.SchemasDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load schemas", err)
	}
	factory, err := recordstore.NewFactory(cfg.Storage.DataDir, recordstore.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open data directory", err)
	}
	cd, err := codec.ByName(cfg.Channel.Codec)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid codec", err)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	cfg.Server.ListenAddr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, newSessionServer(cfg, cd, factory, schemas, logger))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	addr := cfg.Server.ListenAddr
	logger.Info("gateway serving", "addr", addr, "path", cfg.Server.Path,
		"data_dir", cfg.Storage.DataDir, "schemas", schemas.Names())
	if opts.ready != nil {
		opts.ready(addr)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}
	logger.Info("gateway stopped")
	return nil
}

// newSessionServer returns the websocket handler that serves one Channel
// and gateway per connection.
func newSessionServer(cfg *config.Config, cd codec.Codec, factory *recordstore.Factory, schemas *schema.Registry, logger *slog.Logger) *wsframe.Server {
	host := "ifgate://" + cfg.Server.ListenAddr
	connect := func(_ context.Context, s *wsframe.Session) (func(), error) {
		slogger := logger.With("session", s.ID)
		ch, err := ifrpc.NewChannel(s.Window, s.Conn, channelOptions(cfg.Channel, cd, slogger)...)
		if err != nil {
			return nil, fmt.Errorf("create channel: %w", err)
		}
		gw, err := gateway.New(ch, factory, schemas, gateway.WithLogger(slogger))
		if err != nil {
			ch.Close()
			return nil, err
		}
		return func() {
			gw.Close()
			ch.Close()
		}, nil
	}
	return wsframe.NewServer(host, connect,
		wsframe.WithLogger(logger),
		wsframe.WithBinary(cd.Binary()),
		wsframe.WithAllowedOrigins(cfg.Server.AllowedOrigins...))
}

func channelOptions(cfg config.ChannelConfig, cd codec.Codec, logger *slog.Logger) []ifrpc.Option {
	return []ifrpc.Option{
		ifrpc.WithLogger(logger),
		ifrpc.WithMagic(cfg.Magic),
		ifrpc.WithPeerOrigin(cfg.PeerOrigin),
		ifrpc.WithAcceptOpener(cfg.AcceptOpener),
		ifrpc.WithAcceptParent(cfg.AcceptParent),
		ifrpc.WithInvokeTimeout(cfg.InvokeTimeout),
		ifrpc.WithCodec(cd),
	}
}

// signalContext is cancelled on SIGINT or SIGTERM, or when parent is.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
