package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"paysync/internal/app"
)

func serveCmd() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook endpoint and the sync API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ac, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer ac.Close()
			cfg := ac.Config
			log.Printf("Config loaded (port: %d, db: %s/%s)", cfg.Server.Port, cfg.Database.Driver, cfg.Database.Name)

			if !skipMigrate {
				if err := ac.Migrate(ctx); err != nil {
					return err
				}
			}

			server := ac.NewServer()
			scheduler := app.NewScheduler(ac)
			scheduler.Start()
			defer scheduler.Stop()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-stop
				log.Println("Shutting down")
				if err := server.ShutdownWithContext(context.Background()); err != nil {
					log.Printf("ERROR: shutdown: %v", err)
				}
			}()

			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			log.Printf("Starting server on %s", addr)
			return server.Listen(addr)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not migrate kind tables on start")
	return cmd
}
