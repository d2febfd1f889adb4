package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/ifgate/internal/codec"
	"github.com/roach88/ifgate/internal/ifrpc"
	"github.com/roach88/ifgate/internal/value"
	"github.com/roach88/ifgate/internal/wsframe"
)

// DiscoverOptions holds flags for the discover command.
type DiscoverOptions struct {
	*RootOptions
	Origin  string
	Magic   string
	Codec   string
	Timeout time.Duration
}

// DiscoverResult lists what a peer serves.
type DiscoverResult struct {
	Commands  []string `json:"commands"`
	Listeners []string `json:"listeners"`
}

func (r DiscoverResult) String() string {
	return fmt.Sprintf("commands:\n  %s\nlisteners:\n  %s",
		strings.Join(r.Commands, "\n  "), strings.Join(r.Listeners, "\n  "))
}

// NewDiscoverCommand creates the discover command.
func NewDiscoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiscoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "discover <ws-url>",
		Short: "List the commands and listeners of a peer",
		Long: `Connect to an ifrpc peer over websocket and list the commands and event
listeners it has registered.

Example:
  ifgate discover ws://127.0.0.1:8750/ifrpc
  ifgate discover wss://gate.example/ifrpc --codec cbor --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Origin, "origin", "", "origin announced to the peer (default: a unique ifgate-cli origin)")
	cmd.Flags().StringVar(&opts.Magic, "magic", ifrpc.DefaultMagic, "shared protocol secret")
	cmd.Flags().StringVar(&opts.Codec, "codec", "json", "message codec (json|cbor)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "connect and call timeout")

	return cmd
}

func runDiscover(opts *DiscoverOptions, url string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	logger := newLogger(cmd.ErrOrStderr(), "warn", "text", opts.Verbose)

	cd, err := codec.ByName(opts.Codec)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "invalid codec", err)
	}
	origin := opts.Origin
	if origin == "" {
		origin = "ifgate-cli://" + uuid.NewString()
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, opts.Timeout)
	defer cancel()

	sess, err := wsframe.Dial(ctx, url, origin, wsframe.WithLogger(logger), wsframe.WithBinary(cd.Binary()))
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeRemote, "failed to connect", err)
	}
	defer sess.Close()
	f.VerboseLog("Connected to %s as %s (session %s)", url, origin, sess.ID)

	ch, err := ifrpc.NewChannel(sess.Window, sess.Conn,
		ifrpc.WithLogger(logger), ifrpc.WithMagic(opts.Magic), ifrpc.WithCodec(cd))
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeGeneric, "failed to create channel", err)
	}
	defer ch.Close()

	var result DiscoverResult
	if result.Commands, err = invokeNames(ctx, ch, ifrpc.CommandGetCommands); err != nil {
		return f.Fail(ExitFailure, ErrCodeRemote, "failed to list commands", err)
	}
	if result.Listeners, err = invokeNames(ctx, ch, ifrpc.CommandGetListeners); err != nil {
		return f.Fail(ExitFailure, ErrCodeRemote, "failed to list listeners", err)
	}
	return f.Success(result)
}

func invokeNames(ctx context.Context, ch *ifrpc.Channel, command string) ([]string, error) {
	res, err := ch.InvokeCommand(ctx, command)
	if err != nil {
		return nil, err
	}
	names := []string{}
	if err := value.Decode(res, &names); err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}
	return names, nil
}
