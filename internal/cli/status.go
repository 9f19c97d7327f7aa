package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show connectivity and queue counters",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), rootOpts, cmd)
		},
	}
}

func runStatus(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	f.VerboseLog("GET %s/api/v1/status", opts.Server)

	st, err := opts.client().Status(ctx)
	if err != nil {
		return f.Fail("status", err)
	}

	return f.Success(st, func(w io.Writer) {
		state := "online"
		if !st.Online {
			state = "offline"
		}
		fmt.Fprintf(w, "Connectivity:     %s (since %s)\n", state, age(st.LastChange))
		fmt.Fprintf(w, "Pending writes:   %d\n", st.Pending)
		fmt.Fprintf(w, "Needs resolution: %d\n", st.NeedsResolution)
		fmt.Fprintf(w, "Persistence:      %s\n", st.Persistence)
		fmt.Fprintf(w, "Remote:           %s\n", st.Remote)
	})
}
