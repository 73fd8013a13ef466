package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"paysync/internal/app"
	"paysync/internal/config"
)

var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "paysync",
		Short:         "Mirror payment platform objects into a local database",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./paysync.yaml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(syncAllCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(reprocessCmd())
	rootCmd.AddCommand(processEventsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openApp loads the config and opens the app context.
func openApp(ctx context.Context) (*app.Context, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or extend the tables of every kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ac, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer ac.Close()
			return ac.Migrate(ctx)
		},
	}
}
