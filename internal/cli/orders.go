package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/sync/queue"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Key string
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue [sale.json|-]",
		Short: "Queue a sale for delivery",
		Long: `Queue a sale for delivery. The sale is a JSON object read from the given
file, or from stdin when the argument is "-" or missing.

Example:
  posync enqueue sale.json --key till-3-000142
  echo '{"items":[{"sku":"A1","qty":2}],"total":9.5}' | posync enqueue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key (generated when empty)")
	return cmd
}

func runEnqueue(cmd *cobra.Command, opts *EnqueueOptions, args []string) error {
	var (
		sale []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		sale, err = io.ReadAll(cmd.InOrStdin())
	} else {
		sale, err = os.ReadFile(args[0])
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read sale", err)
	}

	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	receipt, err := a.Queue.Enqueue(cmd.Context(), sale, opts.Key)
	if err != nil {
		code := ExitFailure
		if apperrors.Is(err, apperrors.ErrInvalid) {
			code = ExitCommandError
		}
		return WrapExitError(code, "sale not queued", err)
	}

	text := fmt.Sprintf("queued #%d (key %s)", receipt.LocalID, receipt.Key)
	if receipt.Duplicate {
		text = fmt.Sprintf("already queued as #%d (key %s)", receipt.LocalID, receipt.Key)
	}
	return opts.formatter(cmd).Success(receipt, text)
}

// PendingOptions holds flags for the pending command.
type PendingOptions struct {
	*RootOptions
	Quarantined bool
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PendingOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List queued sales",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			list := a.Queue.List
			if opts.Quarantined {
				list = a.Queue.Quarantined
			}
			items, err := list(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list orders", err)
			}
			if items == nil {
				items = []*queue.Item{}
			}
			return opts.formatter(cmd).Success(items, renderItems(items))
		},
	}

	cmd.Flags().BoolVar(&opts.Quarantined, "quarantined", false, "list quarantined orders instead")
	return cmd
}

func renderItems(items []*queue.Item) string {
	if len(items) == 0 {
		return "no orders"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKEY\tCREATED\tREJECTIONS\tLAST ERROR")
	for _, it := range items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
			it.LocalID, it.Key, it.CreatedAt.Format(time.RFC3339), it.Attempts, truncate(it.LastError, 60))
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// NewRequeueCommand creates the requeue command.
func NewRequeueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Return a quarantined sale to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid order id %q", args[0]))
			}

			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Queue.Requeue(cmd.Context(), id); err != nil {
				return WrapExitError(ExitFailure, "requeue failed", err)
			}
			return opts.formatter(cmd).Success(map[string]interface{}{"localId": id, "requeued": true},
				fmt.Sprintf("requeued #%d", id))
		},
	}
}
