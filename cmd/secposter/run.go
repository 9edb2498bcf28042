package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"secposter/internal/app"
)

func newRunCmd() *cobra.Command {
	var opts app.Options
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Detect new documents and deliver them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.ConfigPath = configPath(cmd)
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(opts)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "detection mode: incremental|all (overrides app.mode)")
	cmd.Flags().BoolVar(&opts.Loop, "loop", false, "keep running on the configured interval")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "log what would be sent; write no state")
	return cmd
}
