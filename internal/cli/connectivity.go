package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/posync/internal/foreground"
)

// NewConnectivityCommand creates the connectivity command.
func NewConnectivityCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connectivity <online|offline>",
		Short: "Tell the daemon what the till's network looks like",
		Long: `Tell the running daemon whether the till currently has a network. Going
online fires the deferred sync triggers. The daemon's own reachability
checks keep running either way.

Example:
  posync connectivity offline
  posync connectivity online`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"online", "offline"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnectivity(cmd, opts, args[0])
		},
	}
}

func runConnectivity(cmd *cobra.Command, opts *RootOptions, state string) error {
	var online bool
	switch state {
	case "online":
		online = true
	case "offline":
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid state %q: must be online or offline", state))
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := foreground.Dial(ctx, "ws://"+cfg.Listen+"/ws")
	if err != nil {
		return WrapExitError(ExitFailure, "daemon not reachable", err)
	}
	defer client.Close()

	if err := client.ReportConnectivity(online); err != nil {
		return WrapExitError(ExitFailure, "failed to report connectivity", err)
	}
	return opts.formatter(cmd).Success(map[string]bool{"online": online}, "reported "+state)
}
