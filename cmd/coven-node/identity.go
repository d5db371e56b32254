// ABOUTME: identity, history and version commands.

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-node/internal/auth"
	"github.com/2389/coven-node/internal/store"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Print this node's device id and public key",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		id, err := auth.LoadOrCreateIdentity(cfg.IdentityPath)
		if err != nil {
			return err
		}
		fmt.Printf("device_id=%s\n", id.DeviceID())
		fmt.Printf("public_key=%s\n", id.PublicKey())
		fmt.Printf("key_file=%s\n", cfg.IdentityPath)
		return nil
	},
}

var (
	historyLimit   int
	historyCommand string
	historyAudit   bool
	historySince   time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent invocations or audit entries from the local ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ledger, err := store.NewSQLiteStore(cfg.LedgerPath)
		if err != nil {
			return err
		}
		defer ledger.Close()

		var since *time.Time
		if historySince > 0 {
			t := time.Now().Add(-historySince)
			since = &t
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		if historyAudit {
			entries, err := ledger.ListAuditLog(cmd.Context(), store.AuditFilter{Since: since, Limit: historyLimit})
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "TIME\tACTOR\tACTION\tTARGET")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\n", e.Timestamp.Local().Format(time.DateTime), e.Actor, e.Action, e.TargetType, e.TargetID)
			}
			return w.Flush()
		}

		f := store.InvocationFilter{Since: since, Limit: historyLimit}
		if historyCommand != "" {
			f.Command = &historyCommand
		}
		recs, err := ledger.ListInvocations(cmd.Context(), f)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "TIME\tCOMMAND\tOUTCOME\tTRANSPORT\tDURATION\tKEY")
		for _, r := range recs {
			outcome := string(r.Outcome)
			switch r.Outcome {
			case store.OutcomeOK:
				outcome = color.GreenString(outcome)
			case store.OutcomeRejected:
				outcome = color.YellowString(outcome)
			default:
				outcome = color.RedString(outcome + " " + r.ErrorCode)
			}
			key := r.IdempotencyKey
			if r.Repeat {
				key += " (repeat)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.StartedAt.Local().Format(time.DateTime), r.Command, outcome, r.Transport, r.Duration.Round(time.Millisecond), key)
		}
		return w.Flush()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of coven-node",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("coven-node version %s\n", version)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum rows")
	historyCmd.Flags().StringVar(&historyCommand, "command", "", "only this command")
	historyCmd.Flags().BoolVar(&historyAudit, "audit", false, "show the audit log instead of invocations")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "only entries newer than this")
	rootCmd.AddCommand(identityCmd, historyCmd, versionCmd)
}
