package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/silvachamo/agrosync/pkg/models"
	"github.com/silvachamo/agrosync/pkg/protocol"
)

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "queue",
		Short:         "List queued writes in replay order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			q, err := rootOpts.client().Queue(cmd.Context())
			if err != nil {
				return f.Fail("list queue", err)
			}
			return f.Success(q, func(w io.Writer) { printQueue(w, q.Operations) })
		},
	}
}

func printQueue(w io.Writer, ops []models.Operation) {
	if len(ops) == 0 {
		fmt.Fprintln(w, "Queue is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTABLE\tACTION\tQUEUED\tATTEMPTS\tSTATE")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			op.ID, op.Table, op.Action, age(op.EnqueuedAt), op.Attempts, opState(op))
	}
	tw.Flush()
}

func opState(op models.Operation) string {
	switch {
	case op.NeedsResolution && op.LastError != nil:
		return fmt.Sprintf("needs resolution (%s: %s)", op.LastError.Kind, op.LastError.Message)
	case op.NeedsResolution:
		return "needs resolution"
	case op.LastError != nil:
		return fmt.Sprintf("failed %dx (%s)", op.ConsecutiveFailures, op.LastError.Kind)
	}
	return "pending"
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "drain",
		Short:         "Replay queued writes now",
		Long:          "Replay queued writes in order. Replay stops at the first failure; the exit code is 1 when it did.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			res, err := rootOpts.client().Drain(cmd.Context())
			if err != nil {
				return f.Fail("drain", err)
			}
			if err := f.Success(res, func(w io.Writer) { printDrain(w, res) }); err != nil {
				return err
			}
			if len(res.Failures) > 0 {
				return NewExitError(ExitFailure, "drain stopped: "+res.Failures[0].Message)
			}
			return nil
		},
	}
}

func printDrain(w io.Writer, res *protocol.DrainResponse) {
	fmt.Fprintf(w, "Replayed %d operation(s), %d still pending\n", res.Count, res.Pending)
	for _, fl := range res.Failures {
		fmt.Fprintf(w, "Stopped at %s (%s %s): %s: %s\n",
			fl.Operation.ID, fl.Operation.Action, fl.Operation.Table, fl.Kind, fl.Message)
	}
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "retry <id>",
		Short:         "Release an operation that needs manual resolution",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			op, err := rootOpts.client().Retry(cmd.Context(), args[0])
			if err != nil {
				return f.Fail("retry", err)
			}
			return f.Success(op, func(w io.Writer) {
				fmt.Fprintf(w, "Operation %s will be attempted on the next drain\n", op.ID)
			})
		},
	}
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "discard <id>",
		Short:         "Drop a queued operation without replaying it",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			op, err := rootOpts.client().Discard(cmd.Context(), args[0])
			if err != nil {
				return f.Fail("discard", err)
			}
			return f.Success(op, func(w io.Writer) {
				fmt.Fprintf(w, "Discarded %s (%s %s)\n", op.ID, op.Action, op.Table)
			})
		},
	}
}
