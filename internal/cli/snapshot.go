package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	var showRecords bool

	cmd := &cobra.Command{
		Use:   "snapshot [label]",
		Short: "List snapshot labels or show one snapshot",
		Long: `Without a label, list every label that has a saved snapshot.
With a label, show when it was saved and how many records it holds.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			c := rootOpts.client()

			if len(args) == 0 {
				labels, err := c.Snapshots(cmd.Context())
				if err != nil {
					return f.Fail("list snapshots", err)
				}
				return f.Success(labels, func(w io.Writer) {
					if len(labels) == 0 {
						fmt.Fprintln(w, "No snapshots")
						return
					}
					for _, l := range labels {
						fmt.Fprintln(w, l)
					}
				})
			}

			snap, err := c.Snapshot(cmd.Context(), args[0])
			if err != nil {
				return f.Fail("show snapshot", err)
			}
			return f.Success(snap, func(w io.Writer) {
				fmt.Fprintf(w, "Label:   %s\n", snap.Label)
				fmt.Fprintf(w, "Saved:   %s (%s)\n", age(snap.SavedAt), snap.SavedAt.Format("2006-01-02 15:04:05"))
				fmt.Fprintf(w, "Records: %d\n", len(snap.Records))
				if showRecords {
					enc := json.NewEncoder(w)
					for _, r := range snap.Records {
						enc.Encode(r)
					}
				}
			})
		},
	}

	cmd.Flags().BoolVar(&showRecords, "records", false, "print the records as JSON lines")
	return cmd
}
