package main

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"paysync/internal/engine"
)

type envFlags struct {
	live    bool
	test    bool
	account string
}

func (f *envFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.live, "live", false, "use live mode")
	cmd.Flags().BoolVar(&f.test, "test", false, "use test mode")
	cmd.Flags().StringVar(&f.account, "account", "", "connected account to scope requests to")
	cmd.MarkFlagsMutuallyExclusive("live", "test")
}

func (f *envFlags) apply(env engine.Env) engine.Env {
	switch {
	case f.live:
		env = env.WithLiveMode(true)
	case f.test:
		env = env.WithLiveMode(false)
	}
	if f.account != "" {
		env = env.WithAccount(f.account)
	}
	return env
}

func syncCmd() *cobra.Command {
	var flags envFlags
	cmd := &cobra.Command{
		Use:   "sync <kind> <id>",
		Short: "Fetch one object and sync it with everything it references",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer ac.Close()

			rec, err := ac.Syncer.FetchAndSync(ac.Background(), flags.apply(ac.Env), args[0], args[1])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func syncAllCmd() *cobra.Command {
	var (
		flags    envFlags
		parallel int
	)
	cmd := &cobra.Command{
		Use:   "sync-all [kind...]",
		Short: "Sync every remote object of the given kinds (default: all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer ac.Close()

			kinds := args
			if len(kinds) == 0 {
				for _, k := range ac.Registry.All() {
					if k.Endpoint != "" {
						kinds = append(kinds, k.Name)
					}
				}
			}

			env := flags.apply(ac.Env)
			ctx := ac.Background()
			var total atomic.Int64
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(parallel)
			for _, kind := range kinds {
				g.Go(func() error {
					n, err := ac.Syncer.SyncAll(gctx, env, kind, nil)
					total.Add(int64(n))
					if err != nil {
						return fmt.Errorf("sync %s: %w", kind, err)
					}
					log.Printf("Synced %d %s object(s)", n, kind)
					return nil
				})
			}
			err = g.Wait()
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d object(s) across %d kind(s)\n", total.Load(), len(kinds))
			return err
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 4, "kinds synced at once")
	return cmd
}
