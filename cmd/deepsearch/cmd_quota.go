package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/csiyang/ai-hero/internal/quota"
	"github.com/csiyang/ai-hero/internal/state"
	"github.com/csiyang/ai-hero/internal/types"
)

var quotaRecent int

func init() {
	rootCmd.AddCommand(quotaCmd)
	quotaCmd.Flags().IntVar(&quotaRecent, "recent", 10, "number of recent requests to list")
}

var quotaCmd = &cobra.Command{
	Use:   "quota <user-id>",
	Short: "Show a user's daily quota and recent requests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		db, closeDB, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer closeDB()

		loc, err := cfg.Location()
		if err != nil {
			return err
		}
		ledger := state.NewRequestLedger(db)
		gate := quota.New(ledger, quota.WithLimit(cfg.Quota.DailyLimit), quota.WithLocation(loc))

		ctx := context.Background()
		user := types.User{ID: types.UserID(args[0])}
		for _, admin := range cfg.Auth.Admins {
			if admin == args[0] {
				user.IsAdmin = true
			}
		}

		status, err := gate.Check(ctx, user)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if user.IsAdmin {
			fmt.Fprintf(out, "%s is an admin: quota not enforced.\n", user.ID)
		} else {
			fmt.Fprintf(out, "%s: %d of %d requests remaining today (allowed=%v)\n",
				user.ID, status.Remaining, status.Limit, status.Allowed)
		}

		records, err := ledger.Recent(ctx, user.ID, quotaRecent)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "#\tACCEPTED AT")
		for _, r := range records {
			fmt.Fprintf(w, "%d\t%s\n", r.ID, r.CreatedAt.In(loc).Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}
