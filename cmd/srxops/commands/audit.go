package commands

import (
	"github.com/spf13/cobra"

	"github.com/srxops/srxops/pkg/stores"
)

func newAuditCommand() *cobra.Command {
	var filter stores.AuditFilter

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail of operator actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.store.ListAuditEntries(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, entries)
			}
			t := newTable(cmd.OutOrStdout(), "WHEN", "ACTOR", "ACTION", "TARGET", "DETAILS")
			for _, e := range entries {
				t.row(when(&e.Timestamp), e.Actor, e.Action, shortID(e.TargetID), orDash(e.Details))
			}
			return t.flush()
		},
	}

	cmd.Flags().StringVar(&filter.Action, "action", "", "filter by action, e.g. job.cancelled")
	cmd.Flags().StringVar(&filter.Actor, "by", "", "filter by actor")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of entries")

	return cmd
}
