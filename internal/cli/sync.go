package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/foreground"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Local   bool
	Timeout time.Duration
	Resend  time.Duration
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued sales now",
		Long: `Deliver queued sales now. The request goes to the running daemon over its
websocket and the command waits for the run's tally. When no daemon is
reachable, or with --local, the queue is flushed in this process.

Example:
  posync sync
  posync sync --local --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Local, "local", false, "flush in this process instead of asking the daemon")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "how long to wait for the result")
	cmd.Flags().DurationVar(&opts.Resend, "resend", 5*time.Second, "repeat the request this often while no result arrives (0 disables)")
	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	if !opts.Local {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		client, err := foreground.Dial(ctx, "ws://"+cfg.Listen+"/ws")
		if err == nil {
			defer client.Close()
			return syncViaDaemon(ctx, cmd, opts, client)
		}
		if opts.Verbose {
			fmt.Fprintf(cmd.ErrOrStderr(), "daemon not reachable (%v), flushing locally\n", err)
		}
	}
	return syncLocally(ctx, cmd, opts)
}

func syncViaDaemon(ctx context.Context, cmd *cobra.Command, opts *SyncOptions, client *foreground.Client) error {
	res, err := client.Sync(ctx, opts.Resend)
	if err != nil {
		return syncFailure(err)
	}
	return opts.formatter(cmd).Success(res, foreground.Summary(res))
}

func syncLocally(ctx context.Context, cmd *cobra.Command, opts *SyncOptions) error {
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.Engine.Flush(ctx)
	if err != nil {
		return syncFailure(err)
	}
	res := run.Message()
	return opts.formatter(cmd).Success(res, foreground.Summary(&res))
}

func syncFailure(err error) error {
	if apperrors.Is(err, apperrors.ErrSyncInProgress) {
		return WrapExitError(ExitFailure, "a sync is already running", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "timed out waiting for the sync result", err)
	}
	return WrapExitError(ExitFailure, "sync failed", err)
}
