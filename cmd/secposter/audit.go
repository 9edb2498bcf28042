package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"secposter/internal/app"
)

func newAuditCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List content files that were never delivered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Audits never send, so secrets are not required.
			a, err := app.New(app.Options{ConfigPath: configPath(cmd), DryRun: true})
			if err != nil {
				return err
			}
			defer a.Close()

			res, auditErr := a.Audit(cmd.Context())
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
				return auditErr
			}

			groups := make([]string, 0, len(res.Orphans))
			for g := range res.Orphans {
				groups = append(groups, g)
			}
			sort.Sort(sort.Reverse(sort.StringSlice(groups)))
			fmt.Fprintf(out, "scanned %d content files, %d orphans\n", res.Scanned, res.Total())
			for _, g := range groups {
				fmt.Fprintf(out, "\n%s (%d)\n", g, len(res.Orphans[g]))
				for _, k := range res.Orphans[g] {
					fmt.Fprintf(out, "  %s\n", k)
				}
			}
			return auditErr
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}
