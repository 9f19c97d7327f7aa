package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/silvachamo/agrosync/pkg/client"
	"github.com/silvachamo/agrosync/pkg/protocol"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:           "watch",
		Short:         "Follow connectivity and queue events",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), rootOpts, cmd.OutOrStdout(), count)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many events (0 = run until interrupted)")
	return cmd
}

func runWatch(ctx context.Context, opts *RootOptions, w io.Writer, count int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sse := client.NewSSEClient(opts.Server)
	sse.SetAuthToken(opts.Token)
	events, _ := sse.Subscribe(ctx)

	enc := json.NewEncoder(w)
	seen := 0
	for ev := range events {
		if opts.Format == "json" {
			enc.Encode(ev)
		} else {
			fmt.Fprintln(w, formatEvent(ev))
		}
		seen++
		if count > 0 && seen >= count {
			return nil
		}
	}
	return nil
}

func formatEvent(ev protocol.Event) string {
	ts := time.Unix(ev.Timestamp, 0).Format("15:04:05")
	switch ev.Type {
	case protocol.EventConnectivity:
		state := "online"
		if ev.Online != nil && !*ev.Online {
			state = "offline"
		}
		return fmt.Sprintf("%s  %-12s %s, %d pending", ts, ev.Type, state, ev.Pending)
	case protocol.EventDrained:
		return fmt.Sprintf("%s  %-12s %d replayed, %d pending", ts, ev.Type, ev.Count, ev.Pending)
	case protocol.EventFailed:
		return fmt.Sprintf("%s  %-12s %s %s %s: %s: %s", ts, ev.Type, ev.OpID, ev.Action, ev.Table, ev.Kind, ev.Message)
	case protocol.EventSnapshot:
		return fmt.Sprintf("%s  %-12s %s (%d records)", ts, ev.Type, ev.Label, ev.Count)
	}
	return fmt.Sprintf("%s  %-12s %s %s %s, %d pending", ts, ev.Type, ev.OpID, ev.Action, ev.Table, ev.Pending)
}
