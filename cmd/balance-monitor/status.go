package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/balance-monitor/pkg/store"
)

func newStatusCmd(c *cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print cached balances from the state store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeStore, err := openStore(cmd.Context(), c.cfg, c.log)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			entries := st.Snapshot()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Today   string                 `json:"today"`
					Entries map[string]store.Entry `json:"entries"`
				}{Today: st.Today(), Entries: entries})
			}

			if len(entries) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no cached balances")
				return err
			}

			names := make([]string, 0, len(entries))
			for name := range entries {
				names = append(names, name)
			}
			sort.Strings(names)

			today := st.Today()
			var total float64
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ACCOUNT\tBALANCE\tUPDATED\tREAUTH TODAY")
			for _, name := range names {
				e := entries[name]
				total += e.Balance

				updated := "-"
				if !e.UpdatedAt.IsZero() {
					updated = e.UpdatedAt.Local().Format("2006-01-02 15:04")
				}
				reauth := "no"
				if e.ReauthedOn(today) {
					reauth = "yes"
				}
				fmt.Fprintf(tw, "%s\t$%.2f\t%s\t%s\n", name, e.Balance, updated, reauth)
			}
			fmt.Fprintf(tw, "\t\t\t\nTOTAL\t$%.2f\t\t\n", total)
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}
