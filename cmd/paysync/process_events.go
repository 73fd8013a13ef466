package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"paysync/internal/webhook"
)

func processEventsCmd() *cobra.Command {
	var (
		flags   envFlags
		filter  webhook.EventFilter
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "process-events [event-id...]",
		Short: "Fetch events from the remote and process them (default: every listed event)",
		Long: "Fetch events from the remote and process them like webhook deliveries.\n" +
			"The remote keeps events for about 30 days, so older ones cannot be replayed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 && (filter.Type != "" || filter.Failed) {
				return errors.New("event ids cannot be combined with --type or --failed")
			}
			filter.IDs = args

			ac, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer ac.Close()
			out := cmd.OutOrStdout()

			switch {
			case filter.Failed:
				fmt.Fprintln(out, "Processing all failed events")
			case filter.Type != "":
				fmt.Fprintf(out, "Processing all events that match %s\n", filter.Type)
			case len(filter.IDs) > 0:
				fmt.Fprintf(out, "Processing specific events %v\n", filter.IDs)
			default:
				fmt.Fprintln(out, "Processing all available events")
			}

			processed, total, err := ac.Processor.ProcessRemote(ac.Background(), flags.apply(ac.Env), filter, func(r webhook.RemoteResult) {
				switch {
				case r.Err != nil:
					fmt.Fprintf(out, "\tFailed processing event %s: %v\n", r.EventID, r.Err)
				case verbose && r.Duplicate:
					fmt.Fprintf(out, "\tEvent %s already processed\n", r.EventID)
				case verbose:
					fmt.Fprintf(out, "\tSynced event %s\n", r.EventID)
				}
			})
			if err != nil {
				return err
			}
			if total == 0 {
				fmt.Fprintln(out, "\t(no results)")
				return nil
			}
			fmt.Fprintf(out, "\tProcessed %d out of %d events\n", processed, total)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&filter.Type, "type", "", `only events of this type; "*" matches a group, e.g. "customer.*"`)
	cmd.Flags().BoolVar(&filter.Failed, "failed", false, "only events whose webhook deliveries failed")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every event")
	cmd.MarkFlagsMutuallyExclusive("type", "failed")
	return cmd
}
