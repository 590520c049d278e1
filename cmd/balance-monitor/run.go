package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/balance-monitor/pkg/balance"
)

func newRunCmd(c *cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one query cycle and print the balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp(cmd.Context(), c.cfg, c.log)
			if err != nil {
				return err
			}
			defer a.close()

			if len(a.accounts) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no accounts configured")
				return err
			}

			results, err := a.runCycle(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				return writeResultsJSON(cmd.OutOrStdout(), results)
			}
			return writeResultsTable(cmd.OutOrStdout(), results)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

// resultRow is the printable form of a result.
type resultRow struct {
	Account   string    `json:"account"`
	OK        bool      `json:"ok"`
	Balance   *float64  `json:"balance,omitempty"`
	Stale     bool      `json:"stale,omitempty"`
	Source    string    `json:"source,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

func rows(results map[string]balance.Result) ([]resultRow, float64) {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	var total float64
	out := make([]resultRow, 0, len(names))
	for _, name := range names {
		res := results[name]
		row := resultRow{
			Account:   name,
			OK:        res.OK(),
			Stale:     res.Stale,
			Source:    string(res.Source),
			Reason:    string(res.Reason),
			Error:     res.Error(),
			UpdatedAt: res.UpdatedAt,
		}
		if res.HasBalance {
			b := res.Balance
			row.Balance = &b
		}
		if res.OK() {
			total += res.Balance
		}
		out = append(out, row)
	}
	return out, total
}

func writeResultsJSON(w io.Writer, results map[string]balance.Result) error {
	rs, total := rows(results)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Accounts []resultRow `json:"accounts"`
		Total    float64     `json:"total"`
	}{Accounts: rs, Total: total})
}

func writeResultsTable(w io.Writer, results map[string]balance.Result) error {
	rs, total := rows(results)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tSTATUS\tBALANCE\tSOURCE\tNOTE")
	for _, r := range rs {
		status := "ok"
		if !r.OK {
			status = "failed"
		}

		amount := "-"
		if r.Balance != nil {
			amount = fmt.Sprintf("$%.2f", *r.Balance)
		}

		note := ""
		switch {
		case !r.OK && r.Stale:
			note = fmt.Sprintf("%s (cached %s)", r.Reason, r.UpdatedAt.Local().Format("2006-01-02 15:04"))
		case !r.OK:
			note = r.Reason
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Account, status, amount, r.Source, note)
	}
	fmt.Fprintf(tw, "\t\t\t\t\nTOTAL\t\t$%.2f\t\t\n", total)
	return tw.Flush()
}
