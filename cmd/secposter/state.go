package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"secposter/internal/app"
	"secposter/internal/storage"
	logx "secposter/pkg/logx"
)

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or repair delivery records and revision pointers",
	}
	cmd.AddCommand(newStateShowCmd(), newStateForgetCmd(), newStatePointerCmd())
	return cmd
}

func withStore(cmd *cobra.Command, fn func(st storage.Store) error) error {
	st, err := app.OpenStore(configPath(cmd), logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func newStateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [key]",
		Short: "Show one delivery record, or list every delivered key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(st storage.Store) error {
				out := cmd.OutOrStdout()
				if len(args) == 1 {
					rec, ok, err := st.Lookup(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("%s: no delivery record", args[0])
					}
					fmt.Fprintf(out, "%s\t%s\t%s\n", rec.Key, rec.Status, rec.SentAt.Format(time.RFC3339))
					return nil
				}
				all, err := st.ListDelivered(cmd.Context())
				if err != nil {
					return err
				}
				keys := make([]string, 0, len(all))
				for k := range all {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintln(out, k)
				}
				return nil
			})
		},
	}
}

func newStateForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <key>",
		Short: "Delete a delivery record so the item is sent again by a full scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(st storage.Store) error {
				removed, err := st.Forget(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("%s: no delivery record", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", args[0])
				return nil
			})
		},
	}
}

func newStatePointerCmd() *cobra.Command {
	var set string
	cmd := &cobra.Command{
		Use:   "pointer <source>",
		Short: "Show or set the last processed revision of a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(st storage.Store) error {
				src := args[0]
				if set != "" {
					if err := st.SetRevision(cmd.Context(), src, set); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", src, set)
					return nil
				}
				rev, ok, err := st.GetRevision(cmd.Context(), src)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s: no revision recorded", src)
				}
				fmt.Fprintln(cmd.OutOrStdout(), rev)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&set, "set", "", "store this revision as the pointer")
	return cmd
}
