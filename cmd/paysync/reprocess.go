package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func reprocessCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reprocess [trigger-id...]",
		Short: "Process stored webhook triggers again (default: pending ones)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer ac.Close()
			ctx := ac.Background()
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				n, err := ac.Processor.ProcessPending(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "processed %d pending trigger(s)\n", n)
				return nil
			}

			failed := 0
			for _, id := range args {
				t, err := ac.Processor.Triggers().Get(ctx, id)
				if err != nil {
					return err
				}
				rec, err := ac.Processor.Process(ctx, t)
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s: %v\n", id, err)
					continue
				}
				fmt.Fprintf(out, "%s: event %s\n", id, rec.ID())
			}
			if failed > 0 {
				return fmt.Errorf("%d trigger(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "pending triggers to process")
	return cmd
}
